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
	"sync/atomic"
)

const (
	flagActive  uint32 = 1 << 0
	flagPending uint32 = 1 << 1
)

// flusher is the type-erased view of a Queue[T] that Manager needs; Go
// generics don't allow a slice of Queue[T] for heterogeneous T, so the
// manager holds this instead.
type flusher interface {
	Flush() bool
	Pending() bool
	Owner() OwnerKind
	SetOnInsert(func())
}

// Manager is the process-wide registry of forced-action queues: queues
// whose consumer is triggered by an external edge flag rather than by a
// timer. FlushAll is the sole correctness-critical ordering in this
// package; see its comment for the handshake it implements.
type Manager struct {
	mu     sync.Mutex
	queues []flusher

	flags atomic.Uint32

	// external stands in for the real VM's forced-action flag that wakes
	// the emulation thread; it is re-armed whenever a drain leaves any
	// queue non-empty.
	external atomic.Bool
}

// NewManager returns an empty queue registry.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds q to the set of queues FlushAll drains, and wires q so
// that inserts racing with an in-progress FlushAll are observed by it.
func (m *Manager) Register(q flusher) {
	m.mu.Lock()
	m.queues = append(m.queues, q)
	m.mu.Unlock()
	q.SetOnInsert(m.markPending)
}

// Destroy removes q from the registry.
func (m *Manager) Destroy(q flusher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.queues {
		if existing == q {
			m.queues = append(m.queues[:i], m.queues[i+1:]...)
			q.SetOnInsert(nil)
			return
		}
	}
}

// DestroyByOwner removes and detaches every registered queue created with
// the given owner kind.
func (m *Manager) DestroyByOwner(owner OwnerKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.queues[:0]
	for _, q := range m.queues {
		if q.Owner() == owner {
			q.SetOnInsert(nil)
			continue
		}
		kept = append(kept, q)
	}
	m.queues = kept
}

func (m *Manager) markPending() {
	if m.flags.Load()&flagActive != 0 {
		m.flags.Or(flagPending)
	}
}

// ExternalPending reports whether the external forced-action indicator is
// currently set (i.e. some registered queue still has undrained items
// after the last FlushAll).
func (m *Manager) ExternalPending() bool {
	return m.external.Load()
}

// FlushAll drains every registered queue. Ordering:
//
//  1. clear the external forced-action indicator before beginning;
//  2. set "active", clear "pending";
//  3. drain every queue;
//  4. if "pending" was set during the drain (by a concurrent Insert on
//     any registered queue), loop back to 2;
//  5. clear "active".
//
// The external indicator is re-armed if any queue is still non-empty
// once the loop settles.
func (m *Manager) FlushAll() {
	m.external.Store(false)

	for {
		for {
			old := m.flags.Load()
			next := (old | flagActive) &^ flagPending
			if m.flags.CompareAndSwap(old, next) {
				break
			}
		}

		m.mu.Lock()
		queues := make([]flusher, len(m.queues))
		copy(queues, m.queues)
		m.mu.Unlock()

		anyPending := false
		for _, q := range queues {
			if !q.Flush() {
				anyPending = true
			}
		}

		if m.flags.Load()&flagPending != 0 {
			continue
		}

		for {
			old := m.flags.Load()
			if m.flags.CompareAndSwap(old, old&^flagActive) {
				break
			}
		}

		if anyPending {
			m.external.Store(true)
		}
		return
	}
}
