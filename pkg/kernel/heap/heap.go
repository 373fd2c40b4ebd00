// Copyright 2018 The gVisor Authors.
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

// Package heap provides the kernel heap: a first-fit allocator over a
// fixed virtual range.
//
// Free space is kept as an address-ordered list of blocks. Blocks never
// overlap and are never adjacent; a free that touches a neighbour merges
// with it.
package heap

import (
	"fmt"

	"github.com/kcore-os/kcore/pkg/abi/kcore"
	"github.com/kcore-os/kcore/pkg/errors"
	"github.com/kcore-os/kcore/pkg/errors/kerr"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/ilist"
	"github.com/kcore-os/kcore/pkg/log"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

// MinBlockSize is the allocation granule. Every size is rounded up to a
// multiple of it and every block starts on it.
const MinBlockSize = 16

var (
	// ErrOutOfMemory is returned when no free block fits.
	ErrOutOfMemory = errors.New(kcore.ENOMEM, "kernel heap exhausted")

	// ErrBadFree is returned for frees outside the heap or overlapping
	// free space.
	ErrBadFree = errors.New(kcore.EINVAL, "invalid heap free")
)

// Mapper maps the heap's backing pages.
type Mapper interface {
	MapAnonymous(virt hostarch.Addr, length uint64, opts pagetables.MapOpts) error
}

// Opts are the mapping options of heap pages.
var Opts = pagetables.MapOpts{AccessType: hostarch.ReadWrite, Global: true}

// block is a free range.
type block struct {
	ilist.Entry[*block]
	start hostarch.Addr
	size  uint64
}

func (b *block) end() hostarch.Addr {
	return b.start + hostarch.Addr(b.size)
}

// Block describes a free range.
type Block struct {
	Start hostarch.Addr `json:"start" yaml:"start"`
	Size  uint64        `json:"size" yaml:"size"`
}

// Stats describes heap usage.
type Stats struct {
	Size        uint64 `json:"size" yaml:"size"`
	Used        uint64 `json:"used" yaml:"used"`
	Free        uint64 `json:"free" yaml:"free"`
	FreeBlocks  int    `json:"free_blocks" yaml:"free_blocks"`
	LargestFree uint64 `json:"largest_free" yaml:"largest_free"`
	Allocations uint64 `json:"allocations" yaml:"allocations"`
	Frees       uint64 `json:"frees" yaml:"frees"`
}

// Heap is a first-fit allocator.
//
// Heap is not synchronized; the kernel serializes calls.
type Heap struct {
	start hostarch.Addr
	size  uint64

	// free is ordered by address.
	free ilist.List[*block]

	used        uint64
	allocations uint64
	frees       uint64
}

// New maps [start, start+size) through m and returns a heap managing it.
func New(m Mapper, start hostarch.Addr, size uint64) (*Heap, error) {
	if !start.IsPageAligned() || size == 0 || size%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("%w: heap %#x+%#x must be page aligned", kerr.EINVAL, start, size)
	}
	if err := m.MapAnonymous(start, size, Opts); err != nil {
		return nil, fmt.Errorf("mapping heap: %w", err)
	}
	h := &Heap{start: start, size: size}
	h.free.PushBack(&block{start: start, size: size})
	log.Infof("Heap: %d KiB at %#x", size>>10, start)
	return h, nil
}

// Start returns the first address of the heap.
func (h *Heap) Start() hostarch.Addr {
	return h.start
}

// Size returns the size of the heap.
func (h *Heap) Size() uint64 {
	return h.size
}

// Contains returns true if addr is inside the heap.
func (h *Heap) Contains(addr hostarch.Addr) bool {
	return addr >= h.start && uint64(addr-h.start) < h.size
}

func roundUp(x, align uint64) (uint64, bool) {
	r := hostarch.AlignUp(x, align)
	return r, r >= x
}

// Allocate returns the lowest address at which size bytes aligned to align
// are free. align must be a power of two; values below MinBlockSize are
// raised to it.
func (h *Heap) Allocate(size, align uint64) (hostarch.Addr, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero sized allocation", kerr.EINVAL)
	}
	if align < MinBlockSize {
		align = MinBlockSize
	}
	if !hostarch.IsPowerOfTwo(align) {
		return 0, fmt.Errorf("%w: alignment %d is not a power of two", kerr.EINVAL, align)
	}
	size, ok := roundUp(size, MinBlockSize)
	if !ok || size > h.size {
		return 0, fmt.Errorf("%w: %d bytes", ErrOutOfMemory, size)
	}
	for b := h.free.Front(); b != nil; b = b.Next() {
		aligned, ok := roundUp(uint64(b.start), align)
		if !ok || aligned+size < aligned || hostarch.Addr(aligned+size) > b.end() {
			continue
		}
		addr := hostarch.Addr(aligned)
		pad := uint64(addr - b.start)
		rest := uint64(b.end() - (addr + hostarch.Addr(size)))
		switch {
		case pad == 0 && rest == 0:
			h.free.Remove(b)
		case pad == 0:
			b.start = addr + hostarch.Addr(size)
			b.size = rest
		default:
			// The padding stays free in front of the allocation.
			b.size = pad
			if rest != 0 {
				h.free.InsertAfter(b, &block{start: addr + hostarch.Addr(size), size: rest})
			}
		}
		h.used += size
		h.allocations++
		return addr, nil
	}
	return 0, fmt.Errorf("%w: %d bytes aligned to %d", ErrOutOfMemory, size, align)
}

// Deallocate returns [addr, addr+size) to the heap. size is rounded up as
// in Allocate.
func (h *Heap) Deallocate(addr hostarch.Addr, size uint64) error {
	size, ok := roundUp(size, MinBlockSize)
	if size == 0 || !ok || uint64(addr)%MinBlockSize != 0 || !h.Contains(addr) || uint64(addr-h.start)+size > h.size {
		return fmt.Errorf("%w: [%#x, +%d)", ErrBadFree, addr, size)
	}
	end := addr + hostarch.Addr(size)

	// Find the first free block after addr.
	var next *block
	for b := h.free.Front(); b != nil; b = b.Next() {
		if b.start > addr {
			next = b
			break
		}
	}
	var prev *block
	if next != nil {
		prev = next.Prev()
	} else {
		prev = h.free.Back()
	}
	if (prev != nil && prev.end() > addr) || (next != nil && end > next.start) {
		return fmt.Errorf("%w: [%#x, %#x) overlaps free space", ErrBadFree, addr, end)
	}

	switch {
	case prev != nil && prev.end() == addr && next != nil && next.start == end:
		prev.size += size + next.size
		h.free.Remove(next)
	case prev != nil && prev.end() == addr:
		prev.size += size
	case next != nil && next.start == end:
		next.start = addr
		next.size += size
	case next != nil:
		h.free.InsertBefore(next, &block{start: addr, size: size})
	default:
		h.free.PushBack(&block{start: addr, size: size})
	}
	h.used -= size
	h.frees++
	return nil
}

// FreeBlocks returns the free list in address order.
func (h *Heap) FreeBlocks() []Block {
	var bs []Block
	for b := h.free.Front(); b != nil; b = b.Next() {
		bs = append(bs, Block{Start: b.start, Size: b.size})
	}
	return bs
}

// Stats returns current usage.
func (h *Heap) Stats() Stats {
	s := Stats{
		Size:        h.size,
		Used:        h.used,
		Free:        h.size - h.used,
		Allocations: h.allocations,
		Frees:       h.frees,
	}
	for b := h.free.Front(); b != nil; b = b.Next() {
		s.FreeBlocks++
		if b.size > s.LargestFree {
			s.LargestFree = b.size
		}
	}
	return s
}
