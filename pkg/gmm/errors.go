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

import "errors"

// The error taxonomy every GMM operation draws from. Callers compare with
// errors.Is; operations that wrap one of these with call-site context do
// so with fmt.Errorf's %w verb.
var (
	// ErrInvalidParameter means the caller violated an input contract
	// (bad sizes, nil handles, an out-of-range enum value).
	ErrInvalidParameter = errors.New("gmm: invalid parameter")

	// ErrNotOwner means a per-VM call was made with a token other than
	// the one InitPerVM handed back for that VM.
	ErrNotOwner = errors.New("gmm: caller does not own this VM")

	// ErrWrongOrder means a reservation call happened out of the
	// required sequence: InitialReservation on a VM that already has one,
	// or UpdateReservation on a VM that has none. Allocation calls do not
	// return it; an allocation before any reservation fails the account
	// limit check instead.
	ErrWrongOrder = errors.New("gmm: operation performed out of order")

	// ErrHitGlobalLimit means the allocation would exceed MaxPages.
	ErrHitGlobalLimit = errors.New("gmm: hit global page limit")

	// ErrHitVMAccountLimit means the allocation would exceed this VM's
	// reservation in the requested account.
	ErrHitVMAccountLimit = errors.New("gmm: hit per-VM account limit")

	// ErrSeedMe means the process is in legacy mode and the caller must
	// seed a chunk for this VM before allocating.
	ErrSeedMe = errors.New("gmm: legacy mode, caller must seed a chunk")

	// ErrPageNotFound means a page ID lookup found nothing.
	ErrPageNotFound = errors.New("gmm: page not found")

	// ErrPageNotPrivate means an operation expected a Private page.
	ErrPageNotPrivate = errors.New("gmm: page is not private")

	// ErrPageNotShared means an operation expected a Shared page.
	ErrPageNotShared = errors.New("gmm: page is not shared")

	// ErrNoMemory means the host allocator refused to produce more
	// memory.
	ErrNoMemory = errors.New("gmm: host allocator out of memory")

	// ErrInternal means an assertion or invariant check failed.
	ErrInternal = errors.New("gmm: internal invariant violation")

	// ErrNotImplemented marks an operation the reference declares but
	// reserves (page sharing across VMs, ballooning, chunk map/unmap).
	ErrNotImplemented = errors.New("gmm: not implemented")
)
