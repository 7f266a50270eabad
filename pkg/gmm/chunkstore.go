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

package gmm

import (
	"github.com/google/btree"

	"github.com/alexpilotti/vboxgmm/pkg/gmmpage"
)

// chunkEntry is the ordered-map element the btree stores, keyed by chunk
// ID. The reference keys its chunk map (an AVL tree) by chunk ID for the
// same reason: the page ID scheme makes chunk ID the only key a lookup
// ever has on the hot path.
type chunkEntry struct {
	id gmmpage.ChunkID
	c  *chunk
}

func chunkLess(a, b chunkEntry) bool { return a.id < b.id }

// chunkStore is the ordered map from chunk ID to chunk record, accelerated
// by a small direct-mapped lookup cache.
type chunkStore struct {
	tree  *btree.BTreeG[chunkEntry]
	cache []cacheSlot
	mask  uint32
}

type cacheSlot struct {
	valid bool
	id    gmmpage.ChunkID
	c     *chunk
}

const btreeDegree = 32

func newChunkStore(cacheSize uint32) *chunkStore {
	return &chunkStore{
		tree:  btree.NewG(btreeDegree, chunkLess),
		cache: make([]cacheSlot, cacheSize),
		mask:  cacheSize - 1,
	}
}

func (s *chunkStore) slotFor(id gmmpage.ChunkID) *cacheSlot {
	return &s.cache[uint32(id)&s.mask]
}

func (s *chunkStore) fill(id gmmpage.ChunkID, c *chunk) {
	slot := s.slotFor(id)
	slot.valid = true
	slot.id = id
	slot.c = c
}

// Insert adds c to the store, keyed by c.id, and populates the cache slot
// unconditionally so a chunk is immediately found by a lookup that
// follows its registration (spec_full supplement: the reference populates
// its chunk TLB at registration time too, not only on lookup miss).
func (s *chunkStore) Insert(c *chunk) {
	s.tree.ReplaceOrInsert(chunkEntry{id: c.id, c: c})
	s.fill(c.id, c)
}

// Remove deletes the chunk with the given ID and returns it. It
// invalidates the corresponding cache slot only if that slot currently
// points at the removed chunk.
func (s *chunkStore) Remove(id gmmpage.ChunkID) (*chunk, bool) {
	entry, ok := s.tree.Delete(chunkEntry{id: id})
	if !ok {
		return nil, false
	}
	slot := s.slotFor(id)
	if slot.valid && slot.id == id {
		*slot = cacheSlot{}
	}
	return entry.c, true
}

// Lookup finds the chunk with the given ID, consulting the direct-mapped
// cache before the ordered map. A miss in the cache that hits the tree
// refills the slot unconditionally, last-writer-wins.
func (s *chunkStore) Lookup(id gmmpage.ChunkID) (*chunk, bool) {
	slot := s.slotFor(id)
	if slot.valid && slot.id == id {
		return slot.c, true
	}
	entry, ok := s.tree.Get(chunkEntry{id: id})
	if !ok {
		return nil, false
	}
	s.fill(id, entry.c)
	return entry.c, true
}

// Foreach visits every chunk in ascending chunk-ID order. fn must not
// mutate the store.
func (s *chunkStore) Foreach(fn func(*chunk)) {
	s.tree.Ascend(func(e chunkEntry) bool {
		fn(e.c)
		return true
	})
}

// Len reports the number of chunks currently in the store.
func (s *chunkStore) Len() int { return s.tree.Len() }
