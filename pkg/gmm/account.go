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

	"github.com/mohae/deepcopy"

	"github.com/alexpilotti/vboxgmm/pkg/gmmpage"
)

// accountTriple holds one value per Account bucket. Its accessors panic on
// any Account other than the three defined ones, so an unhandled Account
// is never a silent no-op.
type accountTriple struct {
	Base, Shadow, Fixed uint64
}

func (t accountTriple) sum() uint64 { return t.Base + t.Shadow + t.Fixed }

func (t accountTriple) get(a Account) uint64 {
	switch a {
	case AccountBase:
		return t.Base
	case AccountShadow:
		return t.Shadow
	case AccountFixed:
		return t.Fixed
	}
	panic(fmt.Sprintf("gmm: invalid account %d", a))
}

func (t *accountTriple) add(a Account, delta uint64) {
	switch a {
	case AccountBase:
		t.Base += delta
	case AccountShadow:
		t.Shadow += delta
	case AccountFixed:
		t.Fixed += delta
	default:
		panic(fmt.Sprintf("gmm: invalid account %d", a))
	}
}

func (t *accountTriple) sub(a Account, delta uint64) {
	switch a {
	case AccountBase:
		t.Base -= delta
	case AccountShadow:
		t.Shadow -= delta
	case AccountFixed:
		t.Fixed -= delta
	default:
		panic(fmt.Sprintf("gmm: invalid account %d", a))
	}
}

// vmRecord is a registered VM's reservation and allocation bookkeeping.
type vmRecord struct {
	handle VMHandle
	token  OwnerToken

	reserved   accountTriple
	allocated  accountTriple
	hasReservation bool

	privatePages uint64
	sharedPages  uint64

	policy      Policy
	priority    Priority
	mayAllocate bool
}

// VMStatsSnapshot is a point-in-time, independently mutable copy of a
// VM's accounting record.
type VMStatsSnapshot struct {
	Reserved  accountTriple
	Allocated accountTriple

	PrivatePages uint64
	SharedPages  uint64

	Policy      Policy
	Priority    Priority
	MayAllocate bool
}

// InitPerVM registers vm with the GMM and returns the token the caller
// must present on every later per-VM call.
func (g *GMM) InitPerVM(vm VMHandle, policy Policy, priority Priority) (OwnerToken, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if vm == 0 {
		return 0, fmt.Errorf("%w: nil VM handle", ErrInvalidParameter)
	}
	if _, exists := g.vms[vm]; exists {
		return 0, fmt.Errorf("%w: VM %d already registered", ErrInvalidParameter, vm)
	}
	if policy <= PolicyInvalid || policy >= policyEnd {
		return 0, fmt.Errorf("%w: invalid policy %d", ErrInvalidParameter, policy)
	}
	if priority <= PriorityInvalid || priority >= priorityEnd {
		return 0, fmt.Errorf("%w: invalid priority %d", ErrInvalidParameter, priority)
	}

	token := g.mintToken()
	g.vms[vm] = &vmRecord{
		handle:      vm,
		token:       token,
		policy:      policy,
		priority:    priority,
		mayAllocate: true,
	}
	g.registeredVMCount++
	return token, nil
}

// CleanupVM unregisters vm, reclaiming every page it still owns. Per the
// corrected accounting path, every chunk in the store is walked
// unconditionally and any Private page owned by vm is freed back to its
// chunk's free LIFO and relinked, regardless of whether vm happens to be
// the last registered VM.
func (g *GMM) CleanupVM(vm VMHandle, token OwnerToken) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, err := g.lookupVMLocked(vm)
	if err != nil {
		return err
	}
	if err := rec.checkOwner(token); err != nil {
		return err
	}

	var reclaimed uint64
	g.chunks.Foreach(func(c *chunk) {
		dirty := false
		for i := range c.pages {
			p := c.pages[i]
			if !p.IsPrivate() || p.Owner() != vm {
				continue
			}
			c.pages[i] = gmmpage.MakeFree(c.freeHead)
			c.freeHead = uint32(i)
			c.free++
			c.private--
			dirty = true
			reclaimed++
		}
		if dirty {
			relink(c, g.sets[poolPrivate])
		}
	})

	g.allocatedPages -= reclaimed
	g.reservedPages -= rec.reserved.sum()

	delete(g.vms, vm)
	g.registeredVMCount--

	g.log.WithFields(map[string]interface{}{
		"vm":        vm,
		"reclaimed": reclaimed,
	}).Info("gmm: VM cleaned up")
	return nil
}

// InitialReservation sets vm's starting reservation. It may be called
// exactly once per VM, before any UpdateReservation or allocation call.
func (g *GMM) InitialReservation(vm VMHandle, token OwnerToken, base, shadow, fixed uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, err := g.lookupVMLocked(vm)
	if err != nil {
		return err
	}
	if err := rec.checkOwner(token); err != nil {
		return err
	}
	if rec.hasReservation {
		return fmt.Errorf("%w: initial reservation already set for VM %d", ErrWrongOrder, vm)
	}

	rec.reserved = accountTriple{Base: base, Shadow: shadow, Fixed: fixed}
	rec.hasReservation = true
	g.reservedPages += rec.reserved.sum()
	return nil
}

// UpdateReservation adjusts vm's reservation after InitialReservation has
// already been called once.
func (g *GMM) UpdateReservation(vm VMHandle, token OwnerToken, base, shadow, fixed uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, err := g.lookupVMLocked(vm)
	if err != nil {
		return err
	}
	if err := rec.checkOwner(token); err != nil {
		return err
	}
	if !rec.hasReservation {
		return fmt.Errorf("%w: no initial reservation set for VM %d", ErrWrongOrder, vm)
	}

	next := accountTriple{Base: base, Shadow: shadow, Fixed: fixed}
	g.reservedPages = g.reservedPages - rec.reserved.sum() + next.sum()
	rec.reserved = next
	return nil
}

// VMStats returns an independent snapshot of vm's accounting record.
func (g *GMM) VMStats(vm VMHandle) (VMStatsSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, err := g.lookupVMLocked(vm)
	if err != nil {
		return VMStatsSnapshot{}, err
	}
	snap := VMStatsSnapshot{
		Reserved:     rec.reserved,
		Allocated:    rec.allocated,
		PrivatePages: rec.privatePages,
		SharedPages:  rec.sharedPages,
		Policy:       rec.policy,
		Priority:     rec.priority,
		MayAllocate:  rec.mayAllocate,
	}
	return deepcopy.Copy(snap).(VMStatsSnapshot), nil
}
