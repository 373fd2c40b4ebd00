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
	"errors"
	"fmt"

	"github.com/kcore-os/kcore/pkg/physmem"
)

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new set of zeroed PTEs and their physical address.
	NewPTEs() (*PTEs, error)

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uintptr

	// LookupPTEs looks up PTEs by physical address. It returns nil if the
	// address does not hold a table.
	LookupPTEs(physical uintptr) *PTEs

	// FreePTEs marks a set of PTEs a freed, although they may not be available
	// for use again until Recycle is called, below.
	FreePTEs(ptes *PTEs)
}

// FrameSource provides physical frames for page tables.
type FrameSource interface {
	AllocFrame() (uintptr, error)
	FreeFrame(physical uintptr) error
}

// PhysicalAllocator allocates tables from physical frames, so that the
// tables are reachable by the processor's walk through physical memory.
type PhysicalAllocator struct {
	Memory *physmem.Memory
	Frames FrameSource
}

// NewPTEs implements Allocator.NewPTEs.
func (a *PhysicalAllocator) NewPTEs() (*PTEs, error) {
	physical, err := a.Frames.AllocFrame()
	if err != nil {
		return nil, err
	}
	if err := a.Memory.Zero(physical, pteSize); err != nil {
		return nil, errors.Join(err, a.Frames.FreeFrame(physical))
	}
	return a.LookupPTEs(physical), nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *PhysicalAllocator) PhysicalFor(ptes *PTEs) uintptr {
	physical, ok := physicalOffset(a.Memory, ptes)
	if !ok {
		panic(fmt.Sprintf("page table %p is not in physical memory", ptes))
	}
	return physical
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *PhysicalAllocator) LookupPTEs(physical uintptr) *PTEs {
	return TableAt(a.Memory, physical)
}

// FreePTEs implements Allocator.FreePTEs.
func (a *PhysicalAllocator) FreePTEs(ptes *PTEs) {
	if err := a.Frames.FreeFrame(a.PhysicalFor(ptes)); err != nil {
		panic(fmt.Sprintf("freeing page table frame: %v", err))
	}
}
