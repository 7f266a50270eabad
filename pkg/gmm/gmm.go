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

// Package gmm implements the Global Memory Manager: a process-wide
// allocator that hands out host-physical RAM pages to guest VMs, tracks
// per-page ownership and sharing state, enforces per-VM reservations, and
// manages memory over-commitment across registered VMs.
//
// Every mutating call acquires GMM.mu on entry and releases it before
// returning on every path, including failure paths; internal helpers
// assume the lock is already held. The lock is not reentrant.
package gmm

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/alexpilotti/vboxgmm/pkg/chunkid"
	"github.com/alexpilotti/vboxgmm/pkg/gmmpage"
)

// VMHandle identifies a registered VM.
type VMHandle = gmmpage.VMHandle

// OwnerToken is handed back by InitPerVM and must be presented on every
// later per-VM call, standing in for the reference's "caller is the VM's
// designated thread" check (spec 5: per-VM entry points require the
// caller's identity to match).
type OwnerToken uint64

// Account is one of a VM's three reservation/allocation buckets.
type Account int

const (
	AccountBase Account = iota
	AccountShadow
	AccountFixed
)

func (a Account) String() string {
	switch a {
	case AccountBase:
		return "base"
	case AccountShadow:
		return "shadow"
	case AccountFixed:
		return "fixed"
	default:
		return "invalid"
	}
}

// Policy is a VM's over-commit policy tag. Enforcement beyond reservation
// arithmetic is a declared Non-goal; the tag is stored and reported only.
type Policy int

const (
	PolicyInvalid Policy = iota
	PolicyNoOvercommit
	PolicyAutoMinusOne
	PolicyAutoHalf
	PolicyAutoQuarter
	policyEnd
)

// Priority is a VM's out-of-memory priority tag.
type Priority int

const (
	PriorityInvalid Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityFlexible
	priorityEnd
)

type pool int

const (
	poolPrivate pool = iota
	poolShared
)

func (p pool) String() string {
	if p == poolPrivate {
		return "private"
	}
	return "shared"
}

// GMM is the process-wide memory manager. The zero value is not usable;
// construct one with New.
type GMM struct {
	mu sync.Mutex

	cfg        Config
	host       HostAllocator
	legacyMode bool

	pageShift   uint
	bucketShift uint

	chunkIDs *chunkid.Allocator
	chunks   *chunkStore
	sets     [2]*freeSet // indexed by pool

	vms       map[VMHandle]*vmRecord
	nextToken uint64

	maxPages           uint64
	reservedPages      uint64
	overCommittedPages uint64
	allocatedPages     uint64
	sharedPages        uint64
	chunkCount         uint64
	registeredVMCount  uint64

	hostSem *semaphore.Weighted

	log *log.Entry
}

// New constructs a GMM and probes the host allocator once, exactly as the
// reference's init() does, switching to legacy mode if the probe reports
// the host can't allocate non-contiguous physical memory (or if
// Config.ForceLegacyMode says to pretend it can't).
func New(cfg Config, host HostAllocator) (*GMM, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if host == nil {
		return nil, fmt.Errorf("%w: host allocator must not be nil", ErrInvalidParameter)
	}

	pageShift := log2(cfg.ChunkCapacityPages)
	bucketShift := log2(cfg.ChunkCapacityPages / cfg.FreeSetBuckets)
	chunkIDMax := uint32(1)<<(32-pageShift) - 1

	legacy := cfg.ForceLegacyMode || !host.Probe()

	g := &GMM{
		cfg:         cfg,
		host:        host,
		legacyMode:  legacy,
		pageShift:   pageShift,
		bucketShift: bucketShift,
		chunkIDs:    chunkid.New(chunkIDMax),
		chunks:      newChunkStore(cfg.ChunkCacheSize),
		vms:         make(map[VMHandle]*vmRecord),
		maxPages:    cfg.MaxPages,
		hostSem:     semaphore.NewWeighted(cfg.HostAllocConcurrency),
		log:         log.WithField("component", "gmm"),
	}
	g.sets[poolPrivate] = newFreeSet("private", cfg.FreeSetBuckets, bucketShift)
	g.sets[poolShared] = newFreeSet("shared", cfg.FreeSetBuckets, bucketShift)

	g.log.WithFields(log.Fields{
		"max_pages":    cfg.MaxPages,
		"chunk_pages":  cfg.ChunkCapacityPages,
		"legacy_mode":  legacy,
	}).Info("gmm: initialized")
	return g, nil
}

// Term tears down the GMM, releasing every chunk's host memory. It is the
// caller's responsibility to have already unregistered every VM.
func (g *GMM) Term() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	var ids []gmmpage.ChunkID
	g.chunks.Foreach(func(c *chunk) { ids = append(ids, c.id) })
	for _, id := range ids {
		c, ok := g.chunks.Lookup(id)
		if !ok {
			continue
		}
		if err := g.destroyChunkLocked(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LegacyMode reports whether the GMM is operating in legacy mode (the
// platform cannot allocate non-contiguous physical memory).
func (g *GMM) LegacyMode() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.legacyMode
}

// mintToken hands out a fresh per-VM owner token. Must be called with
// g.mu held.
func (g *GMM) mintToken() OwnerToken {
	g.nextToken++
	return OwnerToken(g.nextToken)
}

// checkOwner returns ErrNotOwner unless token matches the VM's registered
// token.
func (rec *vmRecord) checkOwner(token OwnerToken) error {
	if rec.token != token {
		return ErrNotOwner
	}
	return nil
}

func (g *GMM) lookupVMLocked(vm VMHandle) (*vmRecord, error) {
	rec, ok := g.vms[vm]
	if !ok {
		return nil, fmt.Errorf("%w: unknown VM handle %d", ErrInvalidParameter, vm)
	}
	return rec, nil
}
