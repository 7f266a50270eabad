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

package gmmpage

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestPrivateRoundTrip(t *testing.T) {
	p := MakePrivate(VMHandle(7), 12345)
	assert.Assert(t, p.IsPrivate())
	assert.Assert(t, !p.IsShared())
	assert.Assert(t, !p.IsFree())
	assert.Equal(t, p.Owner(), VMHandle(7))
	assert.Equal(t, p.PFN(), uint32(12345))
}

func TestSharedIncrefDecref(t *testing.T) {
	p := MakeShared(0)
	assert.Assert(t, p.IsShared())
	p = p.Incref()
	p = p.Incref()
	assert.Equal(t, p.Refs(), uint32(2))
	p = p.Decref()
	assert.Equal(t, p.Refs(), uint32(1))
}

func TestDecrefBelowZeroPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic decrementing a zero-ref shared page")
		}
	}()
	MakeShared(0).Decref()
}

func TestFreeLIFOLink(t *testing.T) {
	p := MakeFree(NilNext)
	assert.Assert(t, p.IsFree())
	assert.Equal(t, p.NextFree(), NilNext)

	p = MakeFree(42)
	assert.Equal(t, p.NextFree(), uint32(42))
}

func TestWithPFNPreservesOwner(t *testing.T) {
	p := MakePrivate(VMHandle(3), 1)
	p = p.WithPFN(UnshareablePFN)
	assert.Equal(t, p.Owner(), VMHandle(3))
	assert.Equal(t, p.PFN(), UnshareablePFN)
}

func TestWrongVariantAccessPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic reading PFN of a shared page")
		}
	}()
	MakeShared(1).PFN()
}

func TestSentinelOrdering(t *testing.T) {
	// ValidPFNBound < UnshareablePFN < NilPFN, per spec.
	assert.Assert(t, ValidPFNBound < UnshareablePFN)
	assert.Assert(t, UnshareablePFN < NilPFN)
}

func TestPageIDRoundTrip(t *testing.T) {
	const pageShift = 8 // chunk capacity 256
	for _, chunk := range []ChunkID{1, 2, 0xFFFF, 0x3FFFFF} {
		for _, idx := range []uint32{0, 1, 255} {
			id := EncodeID(chunk, idx, pageShift)
			gotChunk, gotIdx := DecodeID(id, pageShift)
			assert.Equal(t, gotChunk, chunk)
			assert.Equal(t, gotIdx, idx)
		}
	}
}
