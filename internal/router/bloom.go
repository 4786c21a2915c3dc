// Copyright 2025 The Rivaas Authors
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

package router

import "hash/fnv"

// bloomFilter is a probabilistic set used to reject exact-path misses before
// touching the exact-match table: an unset bit means "definitely not a
// static route", letting Lookup skip straight to the radix descent instead
// of doing the map lookup first. FNV-1a with per-function seeds, same as the
// teacher's router/compiler package.
type bloomFilter struct {
	bits  []uint64
	size  uint64
	seeds []uint64
}

func newBloomFilter(size uint64, numHashFuncs int) *bloomFilter {
	if size == 0 {
		size = 64
	}
	bf := &bloomFilter{
		bits:  make([]uint64, (size+63)/64),
		size:  size,
		seeds: make([]uint64, numHashFuncs),
	}
	for i := range numHashFuncs {
		bf.seeds[i] = uint64(i + 1)
	}
	return bf
}

func (bf *bloomFilter) hashWithSeed(baseHash, seed uint64) uint64 {
	return (baseHash ^ seed) % bf.size
}

func (bf *bloomFilter) Add(data []byte) {
	h := fnv.New64a()
	h.Write(data)
	baseHash := h.Sum64()
	for _, seed := range bf.seeds {
		pos := bf.hashWithSeed(baseHash, seed)
		bf.bits[pos/64] |= 1 << (pos % 64)
	}
}

// Test reports whether data might have been added. False means definitely
// not; true means maybe, and the caller must confirm against the real set.
func (bf *bloomFilter) Test(data []byte) bool {
	h := fnv.New64a()
	h.Write(data)
	baseHash := h.Sum64()
	for _, seed := range bf.seeds {
		pos := bf.hashWithSeed(baseHash, seed)
		if bf.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}
