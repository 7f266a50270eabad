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
	"unsafe"

	"github.com/alexpilotti/vboxgmm/pkg/gmmpage"
)

// ReqHeader is the fixed part of every variable-length GMM request: a
// declared byte Size the caller computed for the whole request (header
// plus trailing array) and the VM it's on behalf of. Validating Size
// against the trailing array's actual length catches a caller that built
// the array with one length and declared another, the way the
// reference's GMMR0*Req validation does before touching any page data.
type ReqHeader struct {
	Size uint32
	VM   VMHandle
}

var handyEntrySize = uint32(unsafe.Sizeof(HandyEntry{}))
var pageIDSize = uint32(unsafe.Sizeof(gmmpage.ID(0)))
var pfnSize = uint32(unsafe.Sizeof(uint32(0)))

// AllocatePagesReq is the wire-shaped request for AllocatePages: Header
// declares the total size, Account selects the reservation bucket, and
// the two trailing slices are filled in lockstep by the call.
type AllocatePagesReq struct {
	Header  ReqHeader
	Account Account
	PageIDs []gmmpage.ID
	PFNs    []uint32
}

// Validate checks that Header.Size matches the size a header of this
// shape plus the two equal-length trailing arrays would actually occupy.
func (r *AllocatePagesReq) Validate() error {
	if len(r.PageIDs) != len(r.PFNs) {
		return fmt.Errorf("%w: PageIDs and PFNs length mismatch", ErrInvalidParameter)
	}
	want := uint32(unsafe.Sizeof(ReqHeader{})) + uint32(unsafe.Sizeof(Account(0))) +
		uint32(len(r.PageIDs))*pageIDSize + uint32(len(r.PFNs))*pfnSize
	if r.Header.Size != want {
		return fmt.Errorf("%w: declared request size %d does not match payload size %d", ErrInvalidParameter, r.Header.Size, want)
	}
	return nil
}

// AllocateHandyPagesReq is the wire-shaped request for
// AllocateHandyPages.
type AllocateHandyPagesReq struct {
	Header  ReqHeader
	Entries []HandyEntry
}

// Validate checks that Header.Size matches the size a header of this
// shape plus the trailing Entries array would actually occupy.
func (r *AllocateHandyPagesReq) Validate() error {
	want := uint32(unsafe.Sizeof(ReqHeader{})) + uint32(len(r.Entries))*handyEntrySize
	if r.Header.Size != want {
		return fmt.Errorf("%w: declared request size %d does not match payload size %d", ErrInvalidParameter, r.Header.Size, want)
	}
	return nil
}
