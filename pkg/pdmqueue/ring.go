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

import "sync/atomic"

// ringSlack is the small amount of extra room the free-slot ring carries
// beyond the queue's configured capacity, per the reference's head/tail
// ring design: without it, a full ring and an empty ring both present as
// head==tail.
const ringSlack = 1

// freeRing is a bounded multi-producer (pop), single-consumer (push) ring
// of free backing-store slot indices. Producers calling alloc_and_insert
// pop concurrently from any thread or interrupt context; only the
// designated consumer thread pushes, recycling slots drained by Flush.
//
// The per-slot sequence counter follows the classic bounded MPMC ring
// design: it lets many concurrent poppers race on the head counter with a
// single compare-and-swap retry loop instead of a lock, while still
// detecting "ring empty" without comparing raw head/tail positions.
type freeRing struct {
	slots []ringSlot
	head  atomic.Uint64
	tail  atomic.Uint64
}

type ringSlot struct {
	seq atomic.Uint64
	idx uint32
}

func newFreeRing(capacity int) *freeRing {
	size := capacity + ringSlack
	r := &freeRing{slots: make([]ringSlot, size)}
	// Only capacity slot indices start out free; the slack position starts
	// empty so the queue holds at most capacity items.
	for i := range r.slots {
		r.slots[i].idx = uint32(i)
		if i < capacity {
			r.slots[i].seq.Store(uint64(i) + 1)
		} else {
			r.slots[i].seq.Store(uint64(i))
		}
	}
	r.tail.Store(uint64(capacity))
	return r
}

// pop claims and returns one free slot index. ok is false if the ring is
// currently empty (no free slot available).
func (r *freeRing) pop() (idx uint32, ok bool) {
	for {
		pos := r.head.Load()
		slot := &r.slots[pos%uint64(len(r.slots))]
		seq := slot.seq.Load()
		diff := int64(seq) - int64(pos+1)
		switch {
		case diff == 0:
			if r.head.CompareAndSwap(pos, pos+1) {
				return slot.idx, true
			}
		case diff < 0:
			return 0, false
		default:
			// another popper has already advanced past this slot; reload.
		}
	}
}

// push returns slot idx to the ring. It must only ever be called by the
// single designated consumer.
func (r *freeRing) push(idx uint32) {
	pos := r.tail.Load()
	slot := &r.slots[pos%uint64(len(r.slots))]
	slot.idx = idx
	slot.seq.Store(pos + 1)
	r.tail.Store(pos + 1)
}
