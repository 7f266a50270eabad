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

import "github.com/alexpilotti/vboxgmm/pkg/gmmpage"

// mapping is a user-space mapping record. Chunk map/unmap is reserved
// (spec Non-goal); release() still has to honor "don't free a mapped
// chunk", so the bookkeeping lives here even though nothing ever appends
// to mappings yet.
type mapping struct {
	vm gmmpage.VMHandle
}

// chunk is one fixed-size group of contiguous host pages. It is never
// copied by value after creation: the chunk store, both free sets, and
// every Page ID referencing it all alias the same *chunk.
type chunk struct {
	id   gmmpage.ChunkID
	host HostChunk

	pages []gmmpage.Page // length == capacity

	freeHead uint32 // index of the head of the in-chunk free LIFO, or gmmpage.NilNext

	free, private, shared uint32

	hasAffinity bool
	affinityVM  gmmpage.VMHandle

	// Free-set linkage. linkedSet is nil iff the chunk is not currently
	// in any bucket of any free set, which per spec 4.D is exactly the
	// condition "chunk.free == 0" keeps true in steady state (a chunk
	// regains linkage the moment a page is freed back into it).
	linkedSet    *freeSet
	bucketIdx    int
	prevInBucket *chunk
	nextInBucket *chunk

	mappings []mapping
}

func newChunk(id gmmpage.ChunkID, host HostChunk, capacity uint32) *chunk {
	c := &chunk{
		id:    id,
		host:  host,
		pages: make([]gmmpage.Page, capacity),
		free:  capacity,
	}
	// Chain every page into the free LIFO so the first allocation pops
	// page 0, per spec 4.E.
	for i := uint32(0); i < capacity; i++ {
		next := gmmpage.NilNext
		if i+1 < capacity {
			next = i + 1
		}
		c.pages[i] = gmmpage.MakeFree(next)
	}
	c.freeHead = 0
	if capacity == 0 {
		c.freeHead = gmmpage.NilNext
	}
	return c
}

// capacity returns the number of page slots the chunk has.
func (c *chunk) capacity() uint32 { return uint32(len(c.pages)) }

// checkInvariant validates that free+private+shared equals capacity, and
// that the in-chunk free LIFO has exactly `free` entries with no
// duplicates, all terminating at the sentinel.
func (c *chunk) checkInvariant() error {
	if c.free+c.private+c.shared != c.capacity() {
		return ErrInternal
	}
	seen := make(map[uint32]bool, c.free)
	n := uint32(0)
	for idx := c.freeHead; idx != gmmpage.NilNext; {
		if seen[idx] {
			return ErrInternal
		}
		seen[idx] = true
		n++
		if n > c.capacity() {
			return ErrInternal
		}
		idx = c.pages[idx].NextFree()
	}
	if n != c.free {
		return ErrInternal
	}
	return nil
}

// popFree removes and returns the head of the in-chunk free LIFO. The
// caller must have already checked c.free > 0.
func (c *chunk) popFree() uint32 {
	idx := c.freeHead
	c.freeHead = c.pages[idx].NextFree()
	c.free--
	return idx
}

// pushFree returns page index idx to the head of the in-chunk free LIFO.
func (c *chunk) pushFree(idx uint32) {
	c.pages[idx] = gmmpage.MakeFree(c.freeHead)
	c.freeHead = idx
	c.free++
}
