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

// SeedChunk registers a chunk's worth of host-physical addresses that the
// caller already owns by some other means, without going through
// createChunkLocked's host-allocator path. It exists only for legacy
// mode, where the platform's lack of non-contiguous physical allocation
// means the first chunk a VM touches has to be handed to the GMM
// pre-allocated; calling it outside legacy mode is a usage error, per
// the reference's GMMR0SeedChunk guard.
func (g *GMM) SeedChunk(vm VMHandle, token OwnerToken, phys []uint64) (gmmpage.ChunkID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.legacyMode {
		return 0, fmt.Errorf("%w: SeedChunk is only valid in legacy mode", ErrInvalidParameter)
	}
	rec, err := g.lookupVMLocked(vm)
	if err != nil {
		return 0, err
	}
	if err := rec.checkOwner(token); err != nil {
		return 0, err
	}
	if uint32(len(phys)) != g.cfg.ChunkCapacityPages {
		return 0, fmt.Errorf("%w: seed chunk must supply exactly %d pages, got %d", ErrInvalidParameter, g.cfg.ChunkCapacityPages, len(phys))
	}

	id, err := g.chunkIDs.Allocate()
	if err != nil {
		return 0, fmt.Errorf("%w: chunk ID space exhausted", ErrNoMemory)
	}
	c := newChunk(gmmpage.ChunkID(id), &seededChunk{phys: phys}, g.cfg.ChunkCapacityPages)
	c.hasAffinity = true
	c.affinityVM = vm
	g.chunks.Insert(c)
	g.sets[poolPrivate].link(c)
	g.chunkCount++

	g.log.WithFields(map[string]interface{}{
		"chunk_id": c.id,
		"vm":       vm,
	}).Info("gmm: chunk seeded")
	return c.id, nil
}

// seededChunk is the HostChunk implementation backing a SeedChunk call:
// its physical addresses were supplied by the caller up front rather
// than obtained from a HostAllocator.
type seededChunk struct {
	phys []uint64
}

func (s *seededChunk) PagePhysAddr(index uint32) uint64 { return s.phys[index] }
