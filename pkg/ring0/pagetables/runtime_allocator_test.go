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

package pagetables

import (
	"unsafe"
)

// runtimeAllocator is a trivial allocator that uses Go heap memory. The
// "physical" address of a table is its host address.
type runtimeAllocator struct {
	// used is the set of tables in use.
	used map[*PTEs]struct{}
}

// newRuntimeAllocator returns an allocator that uses runtime allocation.
func newRuntimeAllocator() *runtimeAllocator {
	return &runtimeAllocator{
		used: make(map[*PTEs]struct{}),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (r *runtimeAllocator) NewPTEs() (*PTEs, error) {
	ptes := newAlignedPTEs()
	r.used[ptes] = struct{}{}
	return ptes, nil
}

// PhysicalFor returns the physical address for the given PTEs.
func (r *runtimeAllocator) PhysicalFor(ptes *PTEs) uintptr {
	return ptesToPhysical(ptes)
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *runtimeAllocator) LookupPTEs(physical uintptr) *PTEs {
	ptes := physicalToPTEs(physical)
	if _, ok := r.used[ptes]; !ok {
		return nil
	}
	return ptes
}

// FreePTEs implements Allocator.FreePTEs.
func (r *runtimeAllocator) FreePTEs(ptes *PTEs) {
	delete(r.used, ptes)
}

// Used returns the number of tables currently allocated.
func (r *runtimeAllocator) Used() int {
	return len(r.used)
}

// newAlignedPTEs returns a set of aligned PTEs.
func newAlignedPTEs() *PTEs {
	ptes := new(PTEs)
	offset := physicalFor(ptes) & (pteSize - 1)
	if offset == 0 {
		// Already aligned.
		return ptes
	}

	// Need to force an aligned allocation.
	unaligned := make([]byte, (2*pteSize)-1)
	offset = uintptr(unsafe.Pointer(&unaligned[0])) & (pteSize - 1)
	if offset != 0 {
		offset = pteSize - offset
	}
	return (*PTEs)(unsafe.Pointer(&unaligned[offset]))
}

// physicalFor returns the "physical" address for PTEs.
//
//go:nosplit
func physicalFor(ptes *PTEs) uintptr {
	return uintptr(unsafe.Pointer(ptes))
}

// ptesToPhysical and physicalToPTEs convert between host pointers and the
// addresses the runtimeAllocator reports. The allocator keeps every table
// referenced from its used map, so the pointers remain live.
func ptesToPhysical(ptes *PTEs) uintptr {
	return physicalFor(ptes)
}

func physicalToPTEs(physical uintptr) *PTEs {
	return (*PTEs)(unsafe.Pointer(physical))
}
