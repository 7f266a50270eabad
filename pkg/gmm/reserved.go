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

import "github.com/alexpilotti/vboxgmm/pkg/gmmpage"

// FreePages releases a batch of previously-allocated private or shared
// pages outside of the handy-page update path. The reference exposes an
// equivalent call, but nothing in this module's scope drives it yet
// (every caller so far frees through AllocateHandyPages' retire step or
// CleanupVM); it's kept as a declared, documented gap rather than
// omitted, so a future caller has a real signature to implement against.
func (g *GMM) FreePages(vm VMHandle, token OwnerToken, ids []gmmpage.ID) error {
	return ErrNotImplemented
}

// BalloonedPages reports guest balloon-driver page transitions to the
// GMM. Ballooning policy is a declared Non-goal.
func (g *GMM) BalloonedPages(vm VMHandle, token OwnerToken, ids []gmmpage.ID, inflate bool) error {
	return ErrNotImplemented
}

// FreeMapUnmapChunk transitions a chunk's user-space mapping state.
// Chunk mapping is a declared Non-goal; mapping bookkeeping exists on
// the chunk type only so release() can refuse to free a mapped chunk.
func (g *GMM) FreeMapUnmapChunk(vm VMHandle, token OwnerToken, chunkID gmmpage.ChunkID, mode int) error {
	return ErrNotImplemented
}
