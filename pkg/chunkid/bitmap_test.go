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

package chunkid

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestAllocateSkipsZero(t *testing.T) {
	a := New(16)
	id, err := a.Allocate()
	assert.NilError(t, err)
	assert.Assert(t, id != 0)
}

func TestAllocateIsDense(t *testing.T) {
	a := New(4)
	seen := map[uint32]bool{}
	for i := 0; i < 4; i++ {
		id, err := a.Allocate()
		assert.NilError(t, err)
		assert.Assert(t, !seen[id], "duplicate id %d", id)
		seen[id] = true
	}
}

func TestAllocateWrapsAfterFree(t *testing.T) {
	a := New(2)
	id1, err := a.Allocate()
	assert.NilError(t, err)
	id2, err := a.Allocate()
	assert.NilError(t, err)
	assert.Assert(t, id1 != id2)
	a.Free(id1)
	id3, err := a.Allocate()
	assert.NilError(t, err)
	assert.Equal(t, id3, id1)
}

func TestAllocateExhaustionReturnsError(t *testing.T) {
	a := New(1)
	_, err := a.Allocate()
	assert.NilError(t, err)
	_, err = a.Allocate()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestDoubleFreePanics(t *testing.T) {
	a := New(4)
	id, err := a.Allocate()
	assert.NilError(t, err)
	a.Free(id)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	a.Free(id)
}
