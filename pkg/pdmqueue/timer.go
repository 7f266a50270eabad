// Copyright 2024 The vboxgmm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pdmqueue

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// TimerDriven wraps a Queue whose consumer is woken on a timer rather than
// on every Insert (poll interval T_ms > 0 in the reference). It paces the
// re-arm loop with a token-bucket rate.Limiter instead of a bare
// time.Sleep, so bursts of manual Flush calls between ticks don't starve
// the timer goroutine.
type TimerDriven[T any] struct {
	*Queue[T]
	limiter *rate.Limiter
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTimerQueue creates a queue serviced on a timer with the given poll
// interval, then starts its background flush loop.
func NewTimerQueue[T any](owner OwnerKind, capacity int, pollInterval time.Duration, worker FlushWorker[T]) *TimerDriven[T] {
	q := newQueue(owner, capacity, worker)
	ctx, cancel := context.WithCancel(context.Background())
	td := &TimerDriven[T]{
		Queue:   q,
		limiter: rate.NewLimiter(rate.Every(pollInterval), 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go td.run(ctx)
	return td
}

func (td *TimerDriven[T]) run(ctx context.Context) {
	defer close(td.done)
	for {
		if err := td.limiter.Wait(ctx); err != nil {
			return
		}
		td.Flush()
	}
}

// Stop halts the background flush loop and waits for it to exit.
func (td *TimerDriven[T]) Stop() {
	td.cancel()
	<-td.done
}
