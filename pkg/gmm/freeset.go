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

// freeSet is a histogram of chunks bucketed by free-page count. Two
// independent sets exist per GMM: one biased toward private allocation,
// one toward shared. bucketShift = log2(chunk capacity / bucket count).
type freeSet struct {
	name        string // "private" or "shared", for logging only
	buckets     []*chunk
	bucketShift uint
	pages       uint64 // cached sum of .free across every linked chunk
}

func newFreeSet(name string, numBuckets uint32, bucketShift uint) *freeSet {
	return &freeSet{
		name:        name,
		buckets:     make([]*chunk, numBuckets),
		bucketShift: bucketShift,
	}
}

func (s *freeSet) bucketFor(free uint32) int {
	if free == 0 {
		panic("gmm: freeSet.bucketFor called with a zero free count")
	}
	idx := int((free - 1) >> s.bucketShift)
	if idx >= len(s.buckets) {
		idx = len(s.buckets) - 1
	}
	return idx
}

// link inserts c at the head of the bucket matching c.free and adds
// c.free to the set's cached page total. c must not already be linked
// anywhere.
func (s *freeSet) link(c *chunk) {
	if c.linkedSet != nil {
		panic("gmm: link of an already-linked chunk")
	}
	if c.free == 0 {
		panic("gmm: link of a chunk with zero free pages")
	}
	idx := s.bucketFor(c.free)
	c.bucketIdx = idx
	c.prevInBucket = nil
	c.nextInBucket = s.buckets[idx]
	if s.buckets[idx] != nil {
		s.buckets[idx].prevInBucket = c
	}
	s.buckets[idx] = c
	c.linkedSet = s
	s.pages += uint64(c.free)
}

// unlink removes c from whatever bucket it's in. It is a no-op if c is
// not currently linked in any set.
func unlink(c *chunk) {
	s := c.linkedSet
	if s == nil {
		return
	}
	if c.prevInBucket != nil {
		c.prevInBucket.nextInBucket = c.nextInBucket
	} else {
		s.buckets[c.bucketIdx] = c.nextInBucket
	}
	if c.nextInBucket != nil {
		c.nextInBucket.prevInBucket = c.prevInBucket
	}
	s.pages -= uint64(c.free)
	c.prevInBucket = nil
	c.nextInBucket = nil
	c.linkedSet = nil
}

// relink re-buckets c after its free count changed, implemented as
// unlink-then-link per spec 4.D. c may be linked in any set or in none;
// it ends up linked in target if it has free pages, and unlinked if not.
func relink(c *chunk, target *freeSet) {
	unlink(c)
	if c.free > 0 {
		target.link(c)
	}
}

// forEachChunk visits every chunk currently linked in s, across every
// bucket, in no particular global order (bucket order, head-to-tail
// within a bucket).
func (s *freeSet) forEachChunk(fn func(*chunk) bool) {
	for _, head := range s.buckets {
		for c := head; c != nil; {
			next := c.nextInBucket
			if !fn(c) {
				return
			}
			c = next
		}
	}
}
