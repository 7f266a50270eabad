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
	"sync"
	"testing"

	"gotest.tools/v3/assert"
)

// TestDrainOrder checks that items inserted from one producer,
// the worker accepts all of them, and must see them in insertion order.
func TestDrainOrder(t *testing.T) {
	var got []int
	q := NewInternalQueue(8, FlushWorker[int](func(item int) bool {
		got = append(got, item)
		return true
	}))

	for _, v := range []int{1, 2, 3} {
		assert.NilError(t, q.Insert(v))
	}
	drained := q.Flush()
	assert.Assert(t, drained)
	assert.DeepEqual(t, got, []int{1, 2, 3})
}

// TestPartialDrain checks that when items 1..5 are inserted, the worker accepts
// 1 and 2 then rejects at 3. The next flush must see 3,4,5 in that order,
// and FlushLeftovers must be incremented exactly once.
func TestPartialDrain(t *testing.T) {
	var firstPass []int
	q := NewInternalQueue(8, FlushWorker[int](func(item int) bool {
		firstPass = append(firstPass, item)
		return item != 3
	}))

	for v := 1; v <= 5; v++ {
		assert.NilError(t, q.Insert(v))
	}
	drained := q.Flush()
	assert.Assert(t, !drained)
	assert.DeepEqual(t, firstPass, []int{1, 2, 3})
	assert.Equal(t, q.Stats().FlushLeftovers, uint64(1))

	var secondPass []int
	q.worker = func(item int) bool {
		secondPass = append(secondPass, item)
		return true
	}
	drained = q.Flush()
	assert.Assert(t, drained)
	assert.DeepEqual(t, secondPass, []int{3, 4, 5})
	assert.Equal(t, q.Stats().FlushLeftovers, uint64(1))
}

// TestNoDuplicateOrLostItems checks that every item popped by the
// consumer was inserted exactly once, and every inserted item is
// eventually delivered if the worker always accepts, even with many
// concurrent producers.
func TestNoDuplicateOrLostItems(t *testing.T) {
	const n = 64
	var mu sync.Mutex
	seen := map[int]int{}
	q := NewInternalQueue(n, FlushWorker[int](func(item int) bool {
		mu.Lock()
		seen[item]++
		mu.Unlock()
		return true
	}))

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			assert.NilError(t, q.Insert(v))
		}(i)
	}
	wg.Wait()
	assert.Assert(t, q.Flush())

	assert.Equal(t, len(seen), n)
	for i := 0; i < n; i++ {
		assert.Equal(t, seen[i], 1, "item %d delivered %d times", i, seen[i])
	}
}

func TestInsertFailsWhenFull(t *testing.T) {
	q := NewInternalQueue(2, FlushWorker[int](func(int) bool { return true }))
	assert.NilError(t, q.Insert(1))
	assert.NilError(t, q.Insert(2))
	err := q.Insert(3)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, q.Stats().AllocFailures, uint64(1))
}

func TestFreeSlotsRecycle(t *testing.T) {
	q := NewInternalQueue(2, FlushWorker[int](func(int) bool { return true }))
	assert.NilError(t, q.Insert(1))
	assert.NilError(t, q.Insert(2))
	assert.Assert(t, q.Flush())
	// Both slots should be free again.
	assert.NilError(t, q.Insert(3))
	assert.NilError(t, q.Insert(4))
}

// TestManagerHandshake checks that an insert racing with an in-progress
// flush is still observed before that same FlushAll call returns, via
// the pending/active flag handshake, without requiring a second explicit
// FlushAll call to notice work that arrived mid-drain.
func TestManagerHandshake(t *testing.T) {
	var mu sync.Mutex
	var got []int
	var q *Queue[int]
	q = NewInternalQueue(8, FlushWorker[int](func(item int) bool {
		mu.Lock()
		got = append(got, item)
		mu.Unlock()
		if item == 1 {
			// Simulate a producer racing with this in-progress flush.
			_ = q.Insert(2)
		}
		return true
	}))
	mgr := NewManager()
	mgr.Register(q)

	assert.NilError(t, q.Insert(1))
	mgr.FlushAll()

	mu.Lock()
	defer mu.Unlock()
	assert.DeepEqual(t, got, []int{1, 2})
	assert.Assert(t, !mgr.ExternalPending())
}

func TestManagerDestroyByOwner(t *testing.T) {
	dev := NewDeviceQueue(4, FlushWorker[int](func(int) bool { return true }))
	drv := NewDriverQueue(4, FlushWorker[int](func(int) bool { return true }))
	mgr := NewManager()
	mgr.Register(dev)
	mgr.Register(drv)

	mgr.DestroyByOwner(OwnerDevice)
	assert.Equal(t, len(mgr.queues), 1)
	assert.Equal(t, mgr.queues[0].Owner(), OwnerDriver)
}

func TestRelocateIsNoop(t *testing.T) {
	q := NewInternalQueue(4, FlushWorker[int](func(int) bool { return true }))
	assert.NilError(t, q.Relocate(0x1000))
}
