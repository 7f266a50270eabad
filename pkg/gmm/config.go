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

import "fmt"

// Config is decoded from a TOML file by cmd/gmmctl (see
// github.com/BurntSushi/toml); DefaultConfig is used by New when a field
// is left at its zero value.
type Config struct {
	// MaxPages is the global page ceiling. Zero means "unset"; New
	// requires a positive value one way or another.
	MaxPages uint64 `toml:"max_pages"`

	// ChunkCapacityPages is the number of pages per chunk. Must be a
	// power of two; the reference value is 256.
	ChunkCapacityPages uint32 `toml:"chunk_capacity_pages"`

	// ChunkCacheSize is the direct-mapped chunk lookup cache's slot
	// count. Must be a power of two; the reference value is 32.
	ChunkCacheSize uint32 `toml:"chunk_cache_size"`

	// FreeSetBuckets is the number of free-page histogram buckets per
	// free set. Must be a power of two dividing ChunkCapacityPages; the
	// reference value is 16.
	FreeSetBuckets uint32 `toml:"free_set_buckets"`

	// ForceLegacyMode forces legacy mode regardless of what the host
	// allocator's Probe reports, to exercise the legacy path in tests
	// without a kernel that actually lacks non-contiguous allocation.
	ForceLegacyMode bool `toml:"force_legacy_mode"`

	// HostAllocConcurrency bounds the number of chunk-create calls that
	// may be in flight against the host allocator at once.
	HostAllocConcurrency int64 `toml:"host_alloc_concurrency"`
}

// DefaultConfig mirrors the reference's compile-time constants.
func DefaultConfig(maxPages uint64) Config {
	return Config{
		MaxPages:             maxPages,
		ChunkCapacityPages:   256,
		ChunkCacheSize:       32,
		FreeSetBuckets:       16,
		HostAllocConcurrency: 4,
	}
}

func (c Config) withDefaults() Config {
	if c.ChunkCapacityPages == 0 {
		c.ChunkCapacityPages = 256
	}
	if c.ChunkCacheSize == 0 {
		c.ChunkCacheSize = 32
	}
	if c.FreeSetBuckets == 0 {
		c.FreeSetBuckets = 16
	}
	if c.HostAllocConcurrency == 0 {
		c.HostAllocConcurrency = 4
	}
	return c
}

func (c Config) validate() error {
	if c.MaxPages == 0 {
		return fmt.Errorf("gmm: config: max_pages must be positive")
	}
	if !isPowerOfTwo(c.ChunkCapacityPages) {
		return fmt.Errorf("gmm: config: chunk_capacity_pages must be a power of two, got %d", c.ChunkCapacityPages)
	}
	if !isPowerOfTwo(c.ChunkCacheSize) {
		return fmt.Errorf("gmm: config: chunk_cache_size must be a power of two, got %d", c.ChunkCacheSize)
	}
	if !isPowerOfTwo(c.FreeSetBuckets) {
		return fmt.Errorf("gmm: config: free_set_buckets must be a power of two, got %d", c.FreeSetBuckets)
	}
	if c.FreeSetBuckets > c.ChunkCapacityPages {
		return fmt.Errorf("gmm: config: free_set_buckets (%d) must not exceed chunk_capacity_pages (%d)", c.FreeSetBuckets, c.ChunkCapacityPages)
	}
	return nil
}

func isPowerOfTwo(v uint32) bool { return v != 0 && v&(v-1) == 0 }

func log2(v uint32) uint {
	if !isPowerOfTwo(v) {
		panic(fmt.Sprintf("gmm: log2 of non-power-of-two %d", v))
	}
	var shift uint
	for v > 1 {
		v >>= 1
		shift++
	}
	return shift
}
