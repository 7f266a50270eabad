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
	"fmt"

	"github.com/alexpilotti/vboxgmm/pkg/gmmpage"
)

// AllocatePages allocates len(pageIDs) private pages for vm, charging the
// given account. pageIDs and pfns must have equal, non-zero length; on
// success pageIDs[i] and pfns[i] describe the i-th freshly allocated
// page. On any failure no page stays allocated and the VM and global
// page counters are unchanged; chunks created or moved between free sets
// to supply the request, and any chunk affinity set on the way, are kept.
func (g *GMM) AllocatePages(vm VMHandle, token OwnerToken, account Account, pageIDs []gmmpage.ID, pfns []uint32) error {
	if len(pageIDs) == 0 || len(pageIDs) != len(pfns) {
		return fmt.Errorf("%w: pageIDs and pfns must be equal-length and non-empty", ErrInvalidParameter)
	}
	count := uint64(len(pageIDs))

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, err := g.lookupVMLocked(vm)
	if err != nil {
		return err
	}
	if err := rec.checkOwner(token); err != nil {
		return err
	}
	if !rec.mayAllocate {
		return fmt.Errorf("%w: VM %d is not allowed to allocate", ErrInvalidParameter, vm)
	}

	if g.allocatedPages+count > g.maxPages {
		return ErrHitGlobalLimit
	}
	if rec.allocated.get(account)+count > rec.reserved.get(account) {
		return ErrHitVMAccountLimit
	}

	if err := g.ensureSupplyLocked(poolPrivate, uint32(count)); err != nil {
		return err
	}

	for i := uint64(0); i < count; i++ {
		id, pfn, err := g.allocateOnePrivatePageLocked(vm)
		if err != nil {
			g.unwindPrivateAllocationsLocked(pageIDs[:i])
			return err
		}
		pageIDs[i] = id
		pfns[i] = pfn
	}

	rec.allocated.add(account, count)
	rec.privatePages += count
	g.allocatedPages += count
	return nil
}

// unwindPrivateAllocationsLocked reverses a partial AllocatePages call by
// returning every page it already handed out to its chunk's free LIFO.
func (g *GMM) unwindPrivateAllocationsLocked(allocated []gmmpage.ID) {
	for _, id := range allocated {
		g.freePrivatePageLocked(id)
	}
}

// ensureSupplyLocked makes sure the target pool's free set has at least
// need free pages available, first by stealing fully-free chunks from the
// opposite pool, then by allocating new chunks from the host.
func (g *GMM) ensureSupplyLocked(target pool, need uint32) error {
	set := g.sets[target]
	if set.pages >= uint64(need) {
		return nil
	}

	opposite := g.sets[oppositePool(target)]
	var stolen []*chunk
	opposite.forEachChunk(func(c *chunk) bool {
		if c.free == c.capacity() {
			stolen = append(stolen, c)
		}
		return set.pages+sumFree(stolen) < uint64(need)
	})
	for _, c := range stolen {
		unlink(c)
		set.link(c)
	}

	for set.pages < uint64(need) {
		if _, err := g.createChunkLocked(target); err != nil {
			return err
		}
	}
	return nil
}

func sumFree(chunks []*chunk) uint64 {
	var n uint64
	for _, c := range chunks {
		n += uint64(c.free)
	}
	return n
}

func oppositePool(p pool) pool {
	if p == poolPrivate {
		return poolShared
	}
	return poolPrivate
}

// pickPrivateChunkLocked selects the chunk to allocate vm's next private
// page from. In legacy mode, a chunk already affine to vm is preferred
// over an unaffiliated one, and a chunk affine to a different VM is never
// used; outside legacy mode any chunk with a free page will do, and the
// fullest (fewest free pages) bucket is tried first to encourage
// consolidation.
func (g *GMM) pickPrivateChunkLocked(vm VMHandle) (*chunk, error) {
	set := g.sets[poolPrivate]
	if !g.legacyMode {
		for i := 0; i < len(set.buckets); i++ {
			if set.buckets[i] != nil {
				return set.buckets[i], nil
			}
		}
		return nil, ErrNoMemory
	}

	for i := len(set.buckets) - 1; i >= 0; i-- {
		for c := set.buckets[i]; c != nil; c = c.nextInBucket {
			if c.hasAffinity && c.affinityVM == vm {
				return c, nil
			}
		}
	}
	for i := len(set.buckets) - 1; i >= 0; i-- {
		for c := set.buckets[i]; c != nil; c = c.nextInBucket {
			if !c.hasAffinity {
				return c, nil
			}
		}
	}
	return nil, ErrNoMemory
}

func (g *GMM) allocateOnePrivatePageLocked(vm VMHandle) (gmmpage.ID, uint32, error) {
	c, err := g.pickPrivateChunkLocked(vm)
	if err != nil {
		return 0, 0, err
	}
	idx := c.popFree()
	if g.legacyMode && !c.hasAffinity {
		c.hasAffinity = true
		c.affinityVM = vm
	}
	pfn := uint32(c.host.PagePhysAddr(idx))
	c.pages[idx] = gmmpage.MakePrivate(vm, pfn)
	c.private++
	relink(c, g.sets[poolPrivate])

	id := gmmpage.EncodeID(c.id, idx, g.pageShift)
	return id, pfn, nil
}

// freePrivatePageLocked returns a Private page to its chunk's free LIFO.
// It is a no-op if id doesn't currently name a Private page, which lets
// callers use it defensively during unwind.
func (g *GMM) freePrivatePageLocked(id gmmpage.ID) {
	chunkID, idx := gmmpage.DecodeID(id, g.pageShift)
	c, ok := g.chunks.Lookup(chunkID)
	if !ok || !c.pages[idx].IsPrivate() {
		return
	}
	c.pushFree(idx)
	c.private--
	relink(c, g.sets[poolPrivate])
	g.releaseChunkLocked(c, g.sets[poolPrivate])
}

// freeSharedPageLocked decrements a Shared page's reference count,
// converting it back to Free and relinking its chunk once the count hits
// zero.
func (g *GMM) freeSharedPageLocked(id gmmpage.ID) error {
	chunkID, idx := gmmpage.DecodeID(id, g.pageShift)
	c, ok := g.chunks.Lookup(chunkID)
	if !ok {
		return fmt.Errorf("%w: chunk %d", ErrPageNotFound, chunkID)
	}
	p := c.pages[idx]
	if !p.IsShared() {
		return ErrPageNotShared
	}
	if p.Refs() == 1 {
		c.pages[idx] = gmmpage.Page(0)
		c.pushFree(idx)
		c.shared--
		g.sharedPages--
		relink(c, g.sets[poolShared])
		g.releaseChunkLocked(c, g.sets[poolShared])
		return nil
	}
	c.pages[idx] = p.Decref()
	g.sharedPages--
	return nil
}
