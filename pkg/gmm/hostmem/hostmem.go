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

// Package hostmem implements gmm.HostAllocator on top of anonymous mmap
// regions.
package hostmem

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/alexpilotti/vboxgmm/pkg/gmm"
)

// Allocator allocates guest RAM chunks as anonymous mmap regions. It
// reports non-contiguous allocation support unconditionally: every
// mmap-backed chunk is already allocated independently of every other
// chunk, so there is never a reason to fall back to legacy mode here.
type Allocator struct {
	pageSize int
}

// New returns an Allocator using the host's page size.
func New() *Allocator {
	return &Allocator{pageSize: unix.Getpagesize()}
}

// Probe always reports true: mmap allocations are never contiguous with
// each other by construction.
func (a *Allocator) Probe() bool { return true }

// AllocChunk maps pages worth of anonymous, zero-filled memory.
func (a *Allocator) AllocChunk(pages uint32) (gmm.HostChunk, error) {
	size := int(pages) * a.pageSize
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mmap %d bytes: %w", size, err)
	}
	return &mmapChunk{mem: mem, pageSize: a.pageSize}, nil
}

// FreeChunk unmaps memory obtained from AllocChunk.
func (a *Allocator) FreeChunk(h gmm.HostChunk) error {
	c, ok := h.(*mmapChunk)
	if !ok {
		return fmt.Errorf("hostmem: FreeChunk called with a foreign chunk handle")
	}
	if c.mem == nil {
		return fmt.Errorf("hostmem: double free of chunk handle")
	}
	err := unix.Munmap(c.mem)
	c.mem = nil
	return err
}

// mmapChunk backs one chunk's worth of mmap'd memory. PagePhysAddr
// returns the mapping's own virtual address rather than a real physical
// address: there is no way to learn a userspace mapping's host-physical
// backing without a kernel-side ioctl the reference's equivalent host
// abstraction provides and this standalone package does not attempt to
// simulate.
type mmapChunk struct {
	mem      []byte
	pageSize int
}

func (c *mmapChunk) PagePhysAddr(index uint32) uint64 {
	return uint64(uintptrOf(c.mem)) + uint64(index)*uint64(c.pageSize)
}
