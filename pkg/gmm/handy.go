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

// HandyEntry describes one slot of a combined update-and-allocate call. For
// the first nUpdate entries of a call, IDPage and PFN are inputs: IDPage
// names a Private page the guest already holds, and PFN carries the value
// to overwrite its PFN with (or one of the two sentinels below).
// IDSharedPage, if set, independently names a Shared page to drop a
// reference on. For the remaining entries, IDPage and PFN are outputs: a
// freshly allocated page's ID and PFN. Every field is zeroed once
// processed so a caller can't replay a stale update descriptor as a new
// one on a later call.
type HandyEntry struct {
	IDPage       gmmpage.ID
	IDSharedPage gmmpage.ID
	PFN          uint32
	Err          error
}

// AllocateHandyPages processes entries[:nUpdate] as in-place PFN updates
// (plus independent shared-page decrefs) against pages vm already holds,
// then fills entries[nUpdate:] with freshly allocated private pages. It
// mirrors the reference's allocate_handy_pages(vm, n_update, n_alloc,
// descriptors): update and allocate are two phases of one call so a guest
// can hand back stale handy pages and ask for replacements in a single
// round trip. A failing entry does not stop later entries from being
// processed; the call returns the error of the last failing entry, or nil
// if every entry succeeded.
func (g *GMM) AllocateHandyPages(vm VMHandle, token OwnerToken, nUpdate int, entries []HandyEntry) error {
	if nUpdate < 0 || nUpdate > len(entries) {
		return fmt.Errorf("%w: nUpdate %d out of range for %d entries", ErrInvalidParameter, nUpdate, len(entries))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, err := g.lookupVMLocked(vm)
	if err != nil {
		return err
	}
	if err := rec.checkOwner(token); err != nil {
		return err
	}

	nAlloc := len(entries) - nUpdate
	if nAlloc > 0 {
		if err := g.ensureSupplyLocked(poolPrivate, uint32(nAlloc)); err != nil {
			return err
		}
	}

	var lastErr error
	for i := 0; i < nUpdate; i++ {
		entries[i].Err = g.processUpdateEntryLocked(vm, rec, &entries[i])
		if entries[i].Err != nil {
			lastErr = entries[i].Err
		}
	}

	for i := nUpdate; i < len(entries); i++ {
		e := &entries[i]
		id, pfn, err := g.allocateOnePrivatePageLocked(vm)
		if err != nil {
			e.Err = err
			lastErr = err
			continue
		}
		e.IDPage = id
		e.PFN = pfn
		e.Err = nil
		rec.privatePages++
		g.allocatedPages++
	}
	return lastErr
}

// processUpdateEntryLocked applies the update half of a handy-page entry:
// an in-place PFN overwrite on e.IDPage (if set) and an independent
// reference decrement on e.IDSharedPage (if set). Neither path frees or
// reallocates the private page; it stays allocated to vm throughout. Every
// field of e is zeroed once handled, regardless of outcome, so the caller
// can't replay a stale descriptor.
func (g *GMM) processUpdateEntryLocked(vm VMHandle, rec *vmRecord, e *HandyEntry) error {
	var firstErr error

	if e.IDPage != gmmpage.NilID {
		if err := g.overwritePrivatePFNLocked(vm, e.IDPage, e.PFN); err != nil {
			firstErr = err
		}
	}

	if e.IDSharedPage != gmmpage.NilID {
		if err := g.freeSharedPageLocked(e.IDSharedPage); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			rec.sharedPages--
		}
	}

	e.IDPage = gmmpage.NilID
	e.IDSharedPage = gmmpage.NilID
	e.PFN = 0
	return firstErr
}

// overwritePrivatePFNLocked rewrites the PFN of the Private page named by
// id in place; the page stays allocated to vm throughout. value follows
// the same sentinel rules as the reference's update loop: a value below
// ValidPFNBound becomes the page's new PFN, ValidPFNBound (the unshareable
// sentinel) marks the page unshareable, and NilPFN (the "no change"
// sentinel) leaves the page untouched. value is stored as given, with no
// shift, just as allocateOnePrivatePageLocked stores the host chunk's
// PagePhysAddr value for the page, truncated to 32 bits and unshifted, as
// its PFN.
func (g *GMM) overwritePrivatePFNLocked(vm VMHandle, id gmmpage.ID, value uint32) error {
	chunkID, idx := gmmpage.DecodeID(id, g.pageShift)
	c, ok := g.chunks.Lookup(chunkID)
	if !ok {
		return fmt.Errorf("%w: chunk %d", ErrPageNotFound, chunkID)
	}
	p := c.pages[idx]
	if !p.IsPrivate() {
		return ErrPageNotPrivate
	}
	if p.Owner() != vm {
		return ErrNotOwner
	}

	switch {
	case value < gmmpage.ValidPFNBound:
		c.pages[idx] = p.WithPFN(value)
	case value == gmmpage.ValidPFNBound:
		c.pages[idx] = p.WithPFN(gmmpage.UnshareablePFN)
	case value == gmmpage.NilPFN:
		// Leave the page's PFN untouched.
	default:
		return fmt.Errorf("%w: PFN update value %#x out of range", ErrInvalidParameter, value)
	}
	return nil
}
