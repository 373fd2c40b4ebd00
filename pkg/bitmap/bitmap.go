// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides a fixed-size bitmap.
package bitmap

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrNoUnsetBits is returned by FirstZero when every bit in range is set.
var ErrNoUnsetBits = errors.New("bitmap has no unset bits")

// Bitmap implements an efficient fixed-size bitmap.
//
// The zero value is an empty bitmap of size zero.
type Bitmap struct {
	// size is the number of valid bits. Bits at or above size are never
	// set.
	size uint32

	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// bitBlock holds the bits. The type of bitBlock is uint64 which means
	// each number in bitBlock contains 64 entries.
	bitBlock []uint64
}

// New create a new empty Bitmap holding exactly size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (uint64(size)+63)/64),
	}
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

func (b *Bitmap) checkRange(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range for bitmap of size %d", i, b.size))
	}
}

// Contains returns true if bit i is set.
func (b *Bitmap) Contains(i uint32) bool {
	b.checkRange(i)
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// FirstZero returns the first unset bit from the range [start, size).
func (b *Bitmap) FirstZero(start uint32) (bit uint32, err error) {
	if start >= b.size {
		return 0, ErrNoUnsetBits
	}
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := uint32(bits.TrailingZeros64(^w) + i*64)
			if r >= b.size {
				break
			}
			return r, nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return 0, ErrNoUnsetBits
}

// Add sets bit i. It returns false if the bit was already set.
func (b *Bitmap) Add(i uint32) bool {
	b.checkRange(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	if oldBlock&mask != 0 {
		return false
	}
	b.bitBlock[blockNum] = oldBlock | mask
	b.numOnes++
	return true
}

// Remove clears bit i. It returns false if the bit was already clear.
func (b *Bitmap) Remove(i uint32) bool {
	b.checkRange(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	if oldBlock&mask == 0 {
		return false
	}
	b.bitBlock[blockNum] = oldBlock &^ mask
	b.numOnes--
	return true
}

// AddRange sets the bits within [begin, end).
func (b *Bitmap) AddRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		if i%64 == 0 && end-i >= 64 {
			blk := &b.bitBlock[i/64]
			b.numOnes += uint32(64 - bits.OnesCount64(*blk))
			*blk = ^uint64(0)
			i += 63
			continue
		}
		b.Add(i)
	}
}

// ClearRange clears the bits within [begin, end).
func (b *Bitmap) ClearRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		if i%64 == 0 && end-i >= 64 {
			blk := &b.bitBlock[i/64]
			b.numOnes -= uint32(bits.OnesCount64(*blk))
			*blk = 0
			i += 63
			continue
		}
		b.Remove(i)
	}
}

// GetNumOnes return the the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}
