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

// Package mm implements address spaces on top of the processor's page
// tables.
//
// There is one kernel address space, which owns the upper half. Every user
// address space shares the kernel's upper half tables, so kernel mappings
// made after a user space is created are visible in it.
package mm

import (
	stderrors "errors"
	"fmt"

	"github.com/kcore-os/kcore/pkg/abi/kcore"
	"github.com/kcore-os/kcore/pkg/cleanup"
	"github.com/kcore-os/kcore/pkg/errors"
	"github.com/kcore-os/kcore/pkg/errors/kerr"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/physmem"
	"github.com/kcore-os/kcore/pkg/ring0"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

// Virtual address layout.
const (
	// UserTop is the end of the lower half.
	UserTop hostarch.Addr = 0x0000800000000000

	// KernelHalf is the start of the upper half.
	KernelHalf hostarch.Addr = 0xffff800000000000

	// KernelSharedBase is the start of the top level slot the kernel
	// maps into. Its tables exist from boot, so every user address space
	// shares them.
	KernelSharedBase hostarch.Addr = 0xffffff8000000000

	// KernelTextBase is where kernel programs are loaded, above the
	// interrupt entry stubs.
	KernelTextBase hostarch.Addr = 0xffffffff80100000

	// KernelTextTop is the end of the kernel program area.
	KernelTextTop hostarch.Addr = 0xffffffff80200000

	// BootStackBase is the bottom of the boot stack.
	BootStackBase hostarch.Addr = 0xffffffff80200000

	// DoubleFaultStackBase is the bottom of the IST1 stack for #DF.
	DoubleFaultStackBase hostarch.Addr = 0xffffffff80210000

	// KernelHeapBase is the start of the kernel heap.
	KernelHeapBase hostarch.Addr = 0xffffffff81000000

	// kernelTop is the last page of the address space.
	kernelTop hostarch.Addr = 0xfffffffffffff000
)

// User image layout.
const (
	UserTextBase  hostarch.Addr = 0x400000
	UserDataBase  hostarch.Addr = 0x600000
	UserStackTop  hostarch.Addr = 0x7ffffff000
	UserStackSize               = 4 * hostarch.PageSize
)

var (
	// ErrAlreadyMapped is returned when mapping over a present page.
	ErrAlreadyMapped = pagetables.ErrAlreadyMapped

	// ErrNotMapped is returned for addresses with no present mapping.
	ErrNotMapped = errors.New(kcore.EFAULT, "virtual address not mapped")
)

// IsKernel returns true for upper half addresses.
func IsKernel(addr hostarch.Addr) bool {
	return addr >= KernelHalf
}

// IsUser returns true for lower half addresses.
func IsUser(addr hostarch.Addr) bool {
	return addr < UserTop
}

// AddressSpace is a set of page tables together with the frames they map.
type AddressSpace struct {
	mem    *physmem.Memory
	frames pagetables.FrameSource
	pt     *pagetables.PageTables

	// kernel is set for the kernel address space.
	kernel bool
}

// NewKernel returns the kernel address space. The upper half top level
// entries are allocated immediately, so that user address spaces created
// later share every kernel table.
func NewKernel(mem *physmem.Memory, frames pagetables.FrameSource) (*AddressSpace, error) {
	pt, err := pagetables.New(&pagetables.PhysicalAllocator{Memory: mem, Frames: frames})
	if err != nil {
		return nil, err
	}
	if err := pt.Prepopulate(KernelSharedBase, kernelTop); err != nil {
		return nil, err
	}
	return &AddressSpace{mem: mem, frames: frames, pt: pt, kernel: true}, nil
}

// NewUser returns an empty user address space sharing the upper half of
// the kernel address space k.
func (k *AddressSpace) NewUser() (*AddressSpace, error) {
	if !k.kernel {
		return nil, fmt.Errorf("%w: user address space created from a user address space", kerr.EINVAL)
	}
	pt, err := pagetables.New(k.pt.Allocator)
	if err != nil {
		return nil, err
	}
	pt.ShareUpper(k.pt)
	return &AddressSpace{mem: k.mem, frames: k.frames, pt: pt}, nil
}

// IsKernel returns true for the kernel address space.
func (as *AddressSpace) IsKernel() bool {
	return as.kernel
}

// CR3 returns the page table root.
func (as *AddressSpace) CR3() uint64 {
	return as.pt.CR3()
}

// Map maps the page at virt to the frame at physical.
func (as *AddressSpace) Map(virt hostarch.Addr, physical uintptr, opts pagetables.MapOpts) error {
	if !virt.IsPageAligned() || physical%hostarch.PageSize != 0 {
		return fmt.Errorf("%w: map %#x -> %#x: unaligned", kerr.EINVAL, virt, physical)
	}
	switch {
	case IsKernel(virt) && opts.User:
		return fmt.Errorf("%w: user mapping at kernel address %#x", kerr.EINVAL, virt)
	case IsKernel(virt) && !as.kernel:
		return fmt.Errorf("%w: kernel address %#x mapped through a user address space", kerr.EINVAL, virt)
	case IsKernel(virt) && virt < KernelSharedBase:
		return fmt.Errorf("%w: kernel address %#x below %#x", kerr.EINVAL, virt, KernelSharedBase)
	case !IsKernel(virt) && !IsUser(virt):
		return fmt.Errorf("%w: non-canonical address %#x", kerr.EINVAL, virt)
	}
	return as.pt.Map(virt, hostarch.PageSize, opts, physical)
}

// Unmap removes the mapping at virt and returns the frame it mapped. If the
// address space is loaded on c, the TLB entry is invalidated. Kernel half
// pages are part of every address space and are always invalidated. c may
// be nil.
func (as *AddressSpace) Unmap(c *ring0.CPU, virt hostarch.Addr) (uintptr, error) {
	virt = virt.RoundDown()
	physical, _, ok := as.pt.Lookup(virt)
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrNotMapped, virt)
	}
	as.pt.Unmap(virt, hostarch.PageSize)
	if c != nil && (IsKernel(virt) || as.Active(c)) {
		c.Invlpg(uint64(virt))
	}
	return physical, nil
}

// Translate returns the physical address mapped at virt.
func (as *AddressSpace) Translate(virt hostarch.Addr) (uintptr, error) {
	physical, _, ok := as.pt.Lookup(virt)
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrNotMapped, virt)
	}
	return physical, nil
}

// Lookup returns the physical address and options mapped at virt.
func (as *AddressSpace) Lookup(virt hostarch.Addr) (uintptr, pagetables.MapOpts, bool) {
	return as.pt.Lookup(virt)
}

// MapAnonymous maps zeroed frames at [virt, virt+length). On failure no
// page of the range is left mapped.
func (as *AddressSpace) MapAnonymous(virt hostarch.Addr, length uint64, opts pagetables.MapOpts) error {
	if !virt.IsPageAligned() || length%hostarch.PageSize != 0 || length == 0 {
		return fmt.Errorf("%w: anonymous mapping %#x+%#x", kerr.EINVAL, virt, length)
	}
	end, ok := virt.AddLength(length)
	if !ok {
		return fmt.Errorf("%w: anonymous mapping %#x+%#x overflows", kerr.EINVAL, virt, length)
	}
	var cu cleanup.Cleanup
	defer cu.CleanOrPanic("anonymous mapping")
	for addr := virt; addr < end; addr += hostarch.PageSize {
		physical, err := as.frames.AllocFrame()
		if err != nil {
			return err
		}
		if err := as.mem.Zero(physical, hostarch.PageSize); err != nil {
			return stderrors.Join(err, as.frames.FreeFrame(physical))
		}
		if err := as.Map(addr, physical, opts); err != nil {
			return stderrors.Join(err, as.frames.FreeFrame(physical))
		}
		page := addr
		cu.Add(func() error {
			as.pt.Unmap(page, hostarch.PageSize)
			return as.frames.FreeFrame(physical)
		})
	}
	cu.Release()
	return nil
}

// Activate loads the address space on c.
func (as *AddressSpace) Activate(c *ring0.CPU) {
	c.LoadCR3(as.pt.CR3())
}

// Active returns true if the address space is loaded on c.
func (as *AddressSpace) Active(c *ring0.CPU) bool {
	return c.CR3() == as.pt.CR3()
}

// CopyIn copies n bytes at addr out of the address space. Every page must
// be mapped.
func (as *AddressSpace) CopyIn(addr hostarch.Addr, n int) ([]byte, error) {
	return as.copyIn(addr, n, false)
}

// CopyInUser copies n bytes at addr out of the lower half. Every page must
// be mapped and user accessible; kernel memory is never read.
func (as *AddressSpace) CopyInUser(addr hostarch.Addr, n int) ([]byte, error) {
	end, ok := addr.AddLength(uint64(n))
	if n < 0 || !ok || end > UserTop {
		return nil, fmt.Errorf("%w: user buffer %#x+%d", kerr.EFAULT, addr, n)
	}
	return as.copyIn(addr, n, true)
}

func (as *AddressSpace) copyIn(addr hostarch.Addr, n int, user bool) ([]byte, error) {
	buf := make([]byte, 0, n)
	for uint64(len(buf)) < uint64(n) {
		cur := addr + hostarch.Addr(len(buf))
		chunk := hostarch.PageSize - cur.PageOffset()
		if left := uint64(n - len(buf)); chunk > left {
			chunk = left
		}
		physical, opts, ok := as.pt.Lookup(cur)
		if !ok || (user && !opts.User) {
			return nil, fmt.Errorf("%w: %#x", kerr.EFAULT, cur)
		}
		b, err := as.mem.Slice(physical, chunk)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", kerr.EFAULT, err)
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

// CopyOut writes b at addr. Every page must be mapped and writable.
func (as *AddressSpace) CopyOut(addr hostarch.Addr, b []byte) error {
	for done := 0; done < len(b); {
		cur := addr + hostarch.Addr(done)
		chunk := int(hostarch.PageSize - cur.PageOffset())
		if left := len(b) - done; chunk > left {
			chunk = left
		}
		physical, opts, ok := as.pt.Lookup(cur)
		if !ok || !opts.AccessType.Write {
			return fmt.Errorf("%w: %#x", kerr.EFAULT, cur)
		}
		dst, err := as.mem.Slice(physical, uint64(chunk))
		if err != nil {
			return fmt.Errorf("%w: %v", kerr.EFAULT, err)
		}
		copy(dst, b[done:done+chunk])
		done += chunk
	}
	return nil
}

// UserPages returns the number of pages mapped in the lower half.
func (as *AddressSpace) UserPages() int {
	n := 0
	as.pt.Visit(0, UserTop, func(hostarch.Addr, uintptr, pagetables.MapOpts) { n++ })
	return n
}

// Release frees every lower half frame and table of a user address space.
// The address space must not be active.
func (as *AddressSpace) Release() error {
	if as.kernel {
		return fmt.Errorf("%w: the kernel address space is never released", kerr.EBUSY)
	}
	var err error
	as.pt.Release(func(_ hostarch.Addr, physical uintptr) {
		if ferr := as.frames.FreeFrame(physical); ferr != nil && err == nil {
			err = ferr
		}
	})
	return err
}
