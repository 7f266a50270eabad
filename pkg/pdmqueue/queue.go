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

// Package pdmqueue implements a lock-free multi-producer, single-consumer
// deferred work queue: the concurrency substrate an emulator uses to post
// events (from interrupt handlers or worker cores) that must be consumed on
// a single designated thread.
//
// Producers only ever touch the pending LIFO head and the free-slot ring's
// head via compare-and-swap; neither operation blocks. The consumer - and
// only the consumer - calls Flush, which atomically takes the whole
// pending list, restores insertion order, and runs the queue's callback
// over each item in order.
package pdmqueue

import (
	"errors"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by Insert when the free-slot ring has no
// available backing slot.
var ErrQueueFull = errors.New("pdmqueue: no free slot available")

// FlushWorker consumes one item during a flush. It returns false to halt
// draining early, leaving the rest of the pending items (including this
// one's successors) for the next flush.
type FlushWorker[T any] func(item T) bool

// OwnerKind tags who created a queue, mirroring the reference's
// device/driver/internal/external creation variants.
type OwnerKind int

const (
	OwnerDevice OwnerKind = iota
	OwnerDriver
	OwnerInternal
	OwnerExternal
)

func (k OwnerKind) String() string {
	switch k {
	case OwnerDevice:
		return "device"
	case OwnerDriver:
		return "driver"
	case OwnerInternal:
		return "internal"
	case OwnerExternal:
		return "external"
	default:
		return "unknown"
	}
}

type node[T any] struct {
	payload T
	slot    uint32
	next    atomic.Pointer[node[T]]
}

// Stats mirrors the six counters the reference registers at queue
// creation: item size and capacity are static; the rest accumulate over
// the queue's lifetime.
type Stats struct {
	ItemSize       int
	Capacity       int
	Inserts        uint64
	AllocFailures  uint64
	Flushes        uint64
	FlushLeftovers uint64
}

// Queue is a single deferred work queue of items of type T.
type Queue[T any] struct {
	owner    OwnerKind
	worker   FlushWorker[T]
	capacity int

	slots []node[T]
	free  *freeRing

	pendingHead atomic.Pointer[node[T]]

	inserts        atomic.Uint64
	allocFailures  atomic.Uint64
	flushes        atomic.Uint64
	flushLeftovers atomic.Uint64

	onInsert atomic.Pointer[func()]

	log *log.Entry
}

func newQueue[T any](owner OwnerKind, capacity int, worker FlushWorker[T]) *Queue[T] {
	if capacity <= 0 {
		panic("pdmqueue: capacity must be positive")
	}
	if worker == nil {
		panic("pdmqueue: worker callback must not be nil")
	}
	q := &Queue[T]{
		owner:    owner,
		worker:   worker,
		capacity: capacity,
		slots:    make([]node[T], capacity+ringSlack),
		free:     newFreeRing(capacity),
		log:      log.WithField("component", "pdmqueue"),
	}
	return q
}

// NewDeviceQueue creates a queue owned by a device model.
func NewDeviceQueue[T any](capacity int, worker FlushWorker[T]) *Queue[T] {
	return newQueue(OwnerDevice, capacity, worker)
}

// NewDriverQueue creates a queue owned by a driver.
func NewDriverQueue[T any](capacity int, worker FlushWorker[T]) *Queue[T] {
	return newQueue(OwnerDriver, capacity, worker)
}

// NewInternalQueue creates a queue owned by an internal VMM component.
func NewInternalQueue[T any](capacity int, worker FlushWorker[T]) *Queue[T] {
	return newQueue(OwnerInternal, capacity, worker)
}

// NewExternalQueue creates a queue owned by an external (host-side)
// component.
func NewExternalQueue[T any](capacity int, worker FlushWorker[T]) *Queue[T] {
	return newQueue(OwnerExternal, capacity, worker)
}

// Owner reports who created q.
func (q *Queue[T]) Owner() OwnerKind { return q.owner }

// Insert (the reference's alloc_and_insert) allocates a backing slot,
// writes payload into it, and pushes it onto the pending LIFO with a
// compare-and-swap retry loop. It is safe to call concurrently from any
// number of goroutines, including ones standing in for interrupt context.
func (q *Queue[T]) Insert(payload T) error {
	idx, ok := q.free.pop()
	if !ok {
		q.allocFailures.Add(1)
		q.log.WithField("owner", q.owner).Warn("pdmqueue: insert failed, ring full")
		return ErrQueueFull
	}
	n := &q.slots[idx]
	n.payload = payload
	n.slot = idx

	for {
		old := q.pendingHead.Load()
		n.next.Store(old)
		if q.pendingHead.CompareAndSwap(old, n) {
			break
		}
	}
	q.inserts.Add(1)
	if fn := q.onInsert.Load(); fn != nil {
		(*fn)()
	}
	return nil
}

// SetOnInsert registers a callback invoked synchronously after every
// successful Insert. Manager.Register uses this to learn about inserts
// that race with an in-progress FlushAll.
func (q *Queue[T]) SetOnInsert(fn func()) {
	if fn == nil {
		q.onInsert.Store(nil)
		return
	}
	q.onInsert.Store(&fn)
}

// Pending reports whether the queue currently holds any undrained items.
func (q *Queue[T]) Pending() bool {
	return q.pendingHead.Load() != nil
}

// Flush runs on the designated single consumer thread. It atomically
// takes the entire pending list, restores insertion order, and invokes
// the queue's worker on each item until the worker returns false or the
// list is exhausted. Items the worker accepts have their backing slots
// returned to the free ring; any remainder is pushed back onto the
// pending list in its original LIFO form so a later Flush sees it again,
// in order, ahead of anything inserted since. It reports whether the
// queue ended up fully drained.
func (q *Queue[T]) Flush() bool {
	head := q.pendingHead.Swap(nil)

	// Reverse the popped LIFO chain into a slice in insertion order.
	var items []*node[T]
	for cur := head; cur != nil; cur = cur.next.Load() {
		items = append(items, cur)
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	consumed := 0
	for _, n := range items {
		if !q.worker(n.payload) {
			break
		}
		consumed++
	}

	for _, n := range items[:consumed] {
		q.free.push(n.slot)
	}

	remaining := items[consumed:]
	if len(remaining) > 0 {
		q.flushLeftovers.Add(1)
		q.requeue(remaining)
	}
	q.flushes.Add(1)
	return len(remaining) == 0
}

// requeue relinks remaining (in insertion order) back into LIFO form and
// appends it at the oldest end of the pending list, so it is drained
// before anything a producer inserted concurrently. If the pending list
// is non-empty, it is taken, the remainder is linked after its last
// item, and the combined list is published again.
func (q *Queue[T]) requeue(remaining []*node[T]) {
	for i := len(remaining) - 1; i > 0; i-- {
		remaining[i].next.Store(remaining[i-1])
	}
	newHead := remaining[len(remaining)-1]
	newTail := remaining[0]
	newTail.next.Store(nil)

	for {
		if q.pendingHead.CompareAndSwap(nil, newHead) {
			return
		}
		if pending := q.pendingHead.Swap(nil); pending != nil {
			cur := pending
			for next := cur.next.Load(); next != nil; next = cur.next.Load() {
				cur = next
			}
			cur.next.Store(newHead)
			newHead = pending
		}
	}
}

// Stats returns a snapshot of the queue's lifetime counters.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		ItemSize:       q.itemSize(),
		Capacity:       q.capacity,
		Inserts:        q.inserts.Load(),
		AllocFailures:  q.allocFailures.Load(),
		Flushes:        q.flushes.Load(),
		FlushLeftovers: q.flushLeftovers.Load(),
	}
}

func (q *Queue[T]) itemSize() int {
	var zero T
	return sizeOf(zero)
}

// Relocate adjusts base-address offsets embedded in persisted pointers by
// delta. The reference uses this when the hypervisor moves its heap; a
// single-address-space Go port keeps no internal absolute pointers that
// would need adjusting, so this exists only to preserve the external
// interface's shape.
func (q *Queue[T]) Relocate(delta int64) error {
	_ = delta
	return nil
}
