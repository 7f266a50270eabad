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
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/alexpilotti/vboxgmm/pkg/gmmpage"
)

// hostAllocBackoff bounds how long createChunkLocked retries a transient
// host allocation failure before giving up and reporting ErrNoMemory. The
// host is probed under g.hostSem, which bounds how many such retries can
// be in flight across the process at once (Config.HostAllocConcurrency).
func hostAllocBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return b
}

// createChunkLocked allocates a new chunk from the host, gives it a chunk
// ID, and links it into target with every page free. It is the only path
// by which a new chunk enters the store; on any failure after a
// successful host allocation it unwinds the allocation before returning.
func (g *GMM) createChunkLocked(target pool) (*chunk, error) {
	if err := g.hostSem.Acquire(context.Background(), 1); err != nil {
		return nil, fmt.Errorf("%w: host allocation semaphore: %v", ErrInternal, err)
	}
	defer g.hostSem.Release(1)

	var host HostChunk
	op := func() error {
		h, err := g.host.AllocChunk(g.cfg.ChunkCapacityPages)
		if err != nil {
			return err
		}
		host = h
		return nil
	}
	if err := backoff.Retry(op, hostAllocBackoff()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMemory, err)
	}

	id, err := g.chunkIDs.Allocate()
	if err != nil {
		_ = g.host.FreeChunk(host)
		return nil, fmt.Errorf("%w: chunk ID space exhausted", ErrNoMemory)
	}

	c := newChunk(gmmpage.ChunkID(id), host, g.cfg.ChunkCapacityPages)
	g.chunks.Insert(c)
	g.sets[target].link(c)
	g.chunkCount++

	g.log.WithFields(map[string]interface{}{
		"chunk_id": c.id,
		"pool":     target.String(),
	}).Debug("gmm: chunk created")
	return c, nil
}

// destroyChunkLocked releases c back to the host. c must have zero
// mappings; it need not be empty of pages (Term calls this on
// still-populated chunks during shutdown).
func (g *GMM) destroyChunkLocked(c *chunk) error {
	if len(c.mappings) != 0 {
		return fmt.Errorf("%w: chunk %d still has active mappings", ErrInvalidParameter, c.id)
	}
	unlink(c)
	if _, ok := g.chunks.Remove(c.id); !ok {
		return fmt.Errorf("%w: chunk %d not present in store", ErrInternal, c.id)
	}
	if err := g.host.FreeChunk(c.host); err != nil {
		return fmt.Errorf("%w: freeing host memory for chunk %d: %v", ErrInternal, c.id, err)
	}
	g.chunkIDs.Free(uint32(c.id))
	g.chunkCount--
	g.log.WithField("chunk_id", c.id).Debug("gmm: chunk destroyed")
	return nil
}

// releaseChunkLocked destroys a chunk that has become entirely free,
// provided it isn't the last chunk remaining in its free set's bucket
// array (spec 4.F: don't release the only chunk backing a pool, to avoid
// thrashing alloc/free cycles at exactly one chunk's worth of memory).
func (g *GMM) releaseChunkLocked(c *chunk, set *freeSet) {
	if c.free != c.capacity() {
		return
	}
	lastInPool := true
	set.forEachChunk(func(other *chunk) bool {
		if other != c {
			lastInPool = false
			return false
		}
		return true
	})
	if lastInPool {
		return
	}
	if err := g.destroyChunkLocked(c); err != nil {
		g.log.WithError(err).WithField("chunk_id", c.id).Warn("gmm: failed to release empty chunk")
	}
}
