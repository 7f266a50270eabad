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
	"testing"

	"gotest.tools/v3/assert"

	"github.com/alexpilotti/vboxgmm/pkg/gmmpage"
)

// fakeHost is an in-memory HostAllocator for tests: chunks never
// actually touch the OS, and PagePhysAddr returns a value derived from a
// monotonic counter so every allocated page gets a distinct "address".
type fakeHost struct {
	probe   bool
	nextPFN uint32
	freed   int
}

func (h *fakeHost) Probe() bool { return h.probe }

func (h *fakeHost) AllocChunk(pages uint32) (HostChunk, error) {
	c := &fakeChunk{base: h.nextPFN, pages: pages}
	h.nextPFN += pages
	return c, nil
}

func (h *fakeHost) FreeChunk(c HostChunk) error {
	h.freed++
	return nil
}

type fakeChunk struct {
	base, pages uint32
}

func (c *fakeChunk) PagePhysAddr(index uint32) uint64 { return uint64(c.base + index) }

func testGMM(t *testing.T, maxPages uint64) (*GMM, *fakeHost) {
	t.Helper()
	host := &fakeHost{probe: true}
	cfg := Config{
		MaxPages:           maxPages,
		ChunkCapacityPages: 16,
		ChunkCacheSize:     4,
		FreeSetBuckets:     4,
	}
	g, err := New(cfg, host)
	assert.NilError(t, err)
	return g, host
}

func registerVM(t *testing.T, g *GMM, vm VMHandle, reserve uint64) OwnerToken {
	t.Helper()
	token, err := g.InitPerVM(vm, PolicyNoOvercommit, PriorityNormal)
	assert.NilError(t, err)
	assert.NilError(t, g.InitialReservation(vm, token, reserve, 0, 0))
	return token
}

// A single VM allocates a handful of pages and they come back with
// distinct IDs and PFNs below ValidPFNBound, and the global/VM counters
// agree.
func TestScenarioSingleVMAllocate(t *testing.T) {
	g, _ := testGMM(t, 64)
	token := registerVM(t, g, 1, 10)

	ids := make([]gmmpage.ID, 5)
	pfns := make([]uint32, 5)
	assert.NilError(t, g.AllocatePages(1, token, AccountBase, ids, pfns))

	seen := map[gmmpage.ID]bool{}
	for i, id := range ids {
		assert.Assert(t, id != gmmpage.NilID)
		assert.Assert(t, !seen[id])
		seen[id] = true
		assert.Assert(t, pfns[i] < gmmpage.ValidPFNBound)
	}
	assert.Equal(t, g.allocatedPages, uint64(5))

	snap, err := g.VMStats(1)
	assert.NilError(t, err)
	assert.Equal(t, snap.Allocated.Base, uint64(5))
	assert.Equal(t, snap.PrivatePages, uint64(5))
}

// Legacy mode gives a VM's pages affinity to a single chunk until
// that chunk is exhausted.
func TestScenarioLegacyAffinity(t *testing.T) {
	host := &fakeHost{probe: true}
	cfg := Config{
		MaxPages:           64,
		ChunkCapacityPages: 16,
		ChunkCacheSize:     4,
		FreeSetBuckets:     4,
		ForceLegacyMode:    true,
	}
	g, err := New(cfg, host)
	assert.NilError(t, err)
	assert.Assert(t, g.legacyMode)

	token := registerVM(t, g, 1, 20)
	ids := make([]gmmpage.ID, 16)
	pfns := make([]uint32, 16)
	assert.NilError(t, g.AllocatePages(1, token, AccountBase, ids, pfns))

	firstChunk, _ := gmmpage.DecodeID(ids[0], g.pageShift)
	for _, id := range ids {
		cid, _ := gmmpage.DecodeID(id, g.pageShift)
		assert.Equal(t, cid, firstChunk)
	}
}

// A VM cannot allocate past its own reservation even though the
// global limit has plenty of room left.
func TestScenarioVMAccountLimit(t *testing.T) {
	g, _ := testGMM(t, 1000)
	token := registerVM(t, g, 1, 4)

	ids := make([]gmmpage.ID, 5)
	pfns := make([]uint32, 5)
	err := g.AllocatePages(1, token, AccountBase, ids, pfns)
	assert.ErrorIs(t, err, ErrHitVMAccountLimit)
	assert.Equal(t, g.allocatedPages, uint64(0))
}

// The global page ceiling is enforced across VMs even when each
// VM's own reservation would allow more.
func TestScenarioGlobalLimit(t *testing.T) {
	g, _ := testGMM(t, 8)
	tokenA := registerVM(t, g, 1, 100)
	tokenB := registerVM(t, g, 2, 100)

	idsA := make([]gmmpage.ID, 8)
	pfnsA := make([]uint32, 8)
	assert.NilError(t, g.AllocatePages(1, tokenA, AccountBase, idsA, pfnsA))

	idsB := make([]gmmpage.ID, 1)
	pfnsB := make([]uint32, 1)
	err := g.AllocatePages(2, tokenB, AccountBase, idsB, pfnsB)
	assert.ErrorIs(t, err, ErrHitGlobalLimit)
}

// Every chunk's free+private+shared page counts stay consistent with its
// capacity across a mix of allocation and cleanup.
func TestInvariantChunkPageAccounting(t *testing.T) {
	g, _ := testGMM(t, 64)
	token := registerVM(t, g, 1, 20)

	ids := make([]gmmpage.ID, 12)
	pfns := make([]uint32, 12)
	assert.NilError(t, g.AllocatePages(1, token, AccountBase, ids, pfns))

	g.chunks.Foreach(func(c *chunk) {
		assert.NilError(t, c.checkInvariant())
	})

	assert.NilError(t, g.CleanupVM(1, token))
	g.chunks.Foreach(func(c *chunk) {
		assert.NilError(t, c.checkInvariant())
		assert.Equal(t, c.private, uint32(0))
	})
}

// CleanupVM reclaims every page the VM owned, across every chunk, not
// just the VM's most recently touched chunk.
func TestCleanupVMReclaimsAcrossChunks(t *testing.T) {
	g, _ := testGMM(t, 64)
	token := registerVM(t, g, 1, 40)

	ids := make([]gmmpage.ID, 20)
	pfns := make([]uint32, 20)
	assert.NilError(t, g.AllocatePages(1, token, AccountBase, ids, pfns))
	assert.Assert(t, g.chunks.Len() >= 2)

	assert.NilError(t, g.CleanupVM(1, token))
	assert.Equal(t, g.allocatedPages, uint64(0))
	_, err := g.lookupVMLocked(1)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestNotOwnerRejected(t *testing.T) {
	g, _ := testGMM(t, 64)
	_ = registerVM(t, g, 1, 10)

	ids := make([]gmmpage.ID, 1)
	pfns := make([]uint32, 1)
	err := g.AllocatePages(1, OwnerToken(0xdead), AccountBase, ids, pfns)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestUpdateReservationWithoutInitialFails(t *testing.T) {
	g, _ := testGMM(t, 64)
	token, err := g.InitPerVM(1, PolicyNoOvercommit, PriorityNormal)
	assert.NilError(t, err)

	err = g.UpdateReservation(1, token, 5, 0, 0)
	assert.ErrorIs(t, err, ErrWrongOrder)
}

// An update entry overwrites its page's PFN in place rather than freeing
// and reallocating the page: the page ID stays valid, the global
// allocation count doesn't move, and the descriptor slot is zeroed once
// processed.
func TestAllocateHandyPagesUpdatesInPlace(t *testing.T) {
	g, _ := testGMM(t, 64)
	token := registerVM(t, g, 1, 20)

	ids := make([]gmmpage.ID, 4)
	pfns := make([]uint32, 4)
	assert.NilError(t, g.AllocatePages(1, token, AccountBase, ids, pfns))

	newPFN := pfns[0] + 1
	entries := []HandyEntry{
		{IDPage: ids[0], PFN: newPFN},
	}
	assert.NilError(t, g.AllocateHandyPages(1, token, 1, entries))
	assert.NilError(t, entries[0].Err)
	assert.Equal(t, entries[0].IDPage, gmmpage.NilID)
	assert.Equal(t, g.allocatedPages, uint64(4))

	chunkID, idx := gmmpage.DecodeID(ids[0], g.pageShift)
	c, ok := g.chunks.Lookup(chunkID)
	assert.Assert(t, ok)
	assert.Equal(t, c.pages[idx].PFN(), newPFN)
}

// A call with zero update entries only allocates, leaving every page's
// previous state untouched.
func TestAllocateHandyPagesZeroUpdates(t *testing.T) {
	g, _ := testGMM(t, 64)
	token := registerVM(t, g, 1, 20)

	entries := make([]HandyEntry, 4)
	assert.NilError(t, g.AllocateHandyPages(1, token, 0, entries))
	for _, e := range entries {
		assert.NilError(t, e.Err)
		assert.Assert(t, e.IDPage != gmmpage.NilID)
	}
	assert.Equal(t, g.allocatedPages, uint64(4))
}
