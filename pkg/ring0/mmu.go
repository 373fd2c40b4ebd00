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

package ring0

import (
	"encoding/binary"

	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

const pageSize = hostarch.PageSize

// isCanonical returns true iff addr is a canonical 48-bit address.
func isCanonical(addr uint64) bool {
	return pagetables.IsCanonical(uintptr(addr))
}

// permitted checks an access against effective page permissions. Writes are
// checked in supervisor mode too (CR0.WP is set).
func permitted(opts pagetables.MapOpts, at hostarch.AccessType, user bool) bool {
	if user && !opts.User {
		return false
	}
	if at.Write && !opts.AccessType.Write {
		return false
	}
	if at.Execute && !opts.AccessType.Execute {
		return false
	}
	return true
}

// pageFaultCode returns the error code for a failed access.
func pageFaultCode(present bool, at hostarch.AccessType, user bool) uint64 {
	var code uint64
	if present {
		code |= PFProtection
	}
	if at.Write {
		code |= PFWrite
	}
	if user {
		code |= PFUser
	}
	if at.Execute {
		code |= PFInstruction
	}
	return code
}

// lookupTable maps a physical table address to its entries.
func (c *CPU) lookupTable(physical uintptr) *pagetables.PTEs {
	return pagetables.TableAt(c.mem, physical)
}

// translate returns the physical address for an access to addr at the
// current privilege level.
func (c *CPU) translate(addr uint64, at hostarch.AccessType) (uintptr, *Fault) {
	return c.translateAs(addr, at, c.CPL() == 3)
}

func (c *CPU) translateAs(addr uint64, at hostarch.AccessType, user bool) (uintptr, *Fault) {
	if !isCanonical(addr) {
		return 0, NewFault(GeneralProtectionFault, 0)
	}
	page := addr &^ (pageSize - 1)
	offset := uintptr(addr & (pageSize - 1))
	if e, ok := c.tlb.lookup(page); ok {
		if permitted(e.opts, at, user) && (!at.Write || e.dirty) {
			c.stats.TLBHits++
			return e.physical + offset, nil
		}
		c.tlb.invalidate(page)
	}
	c.stats.TLBMisses++

	pte, opts := pagetables.Walk(c.lookupTable, uintptr(c.cr3&^(pageSize-1)), hostarch.Addr(addr))
	if pte == nil {
		return 0, &Fault{Vector: PageFault, ErrorCode: pageFaultCode(false, at, user), Addr: addr}
	}
	if !permitted(opts, at, user) {
		return 0, &Fault{Vector: PageFault, ErrorCode: pageFaultCode(true, at, user), Addr: addr}
	}
	pte.MarkAccessed(at.Write)
	physical := pte.Address()
	c.tlb.insert(page, tlbEntry{physical: physical, opts: opts, dirty: pte.Dirty()})
	return physical + offset, nil
}

// Translate returns the physical address an access to addr at the current
// privilege level would reach, filling the TLB as a real access would.
func (c *CPU) Translate(addr uint64, at hostarch.AccessType) (uintptr, error) {
	p, f := c.translate(addr, at)
	if f != nil {
		return 0, f
	}
	return p, nil
}

// access copies between b and guest memory at addr, page by page.
func (c *CPU) access(addr uint64, b []byte, at hostarch.AccessType) *Fault {
	for len(b) > 0 {
		physical, f := c.translate(addr, at)
		if f != nil {
			return f
		}
		n := int(pageSize - (addr & (pageSize - 1)))
		if n > len(b) {
			n = len(b)
		}
		mem, err := c.mem.Slice(physical, uint64(n))
		if err != nil {
			return NewFault(MachineCheck, 0)
		}
		if at.Write {
			copy(mem, b[:n])
		} else {
			copy(b[:n], mem)
		}
		addr += uint64(n)
		b = b[n:]
	}
	return nil
}

func (c *CPU) load64(addr uint64) (uint64, *Fault) {
	var buf [8]byte
	if f := c.access(addr, buf[:], hostarch.Read); f != nil {
		return 0, f
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (c *CPU) store64(addr uint64, v uint64) *Fault {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	// Check both halves before writing either, so a failed store has no
	// effect.
	if _, f := c.translate(addr, hostarch.Write); f != nil {
		return f
	}
	if end := addr + 7; end&^(pageSize-1) != addr&^(pageSize-1) {
		if _, f := c.translate(end, hostarch.Write); f != nil {
			return f
		}
	}
	return c.access(addr, buf[:], hostarch.Write)
}

// Load64 loads eight bytes at addr with the current privilege level.
func (c *CPU) Load64(addr uint64) (uint64, error) {
	v, f := c.load64(addr)
	if f != nil {
		return 0, f
	}
	return v, nil
}

// Store64 stores eight bytes at addr with the current privilege level.
func (c *CPU) Store64(addr uint64, v uint64) error {
	if f := c.store64(addr, v); f != nil {
		return f
	}
	return nil
}

// ReadAt reads len(b) bytes at addr with the current privilege level.
func (c *CPU) ReadAt(addr uint64, b []byte) error {
	if f := c.access(addr, b, hostarch.Read); f != nil {
		return f
	}
	return nil
}

// WriteAt writes b at addr with the current privilege level.
func (c *CPU) WriteAt(addr uint64, b []byte) error {
	if f := c.access(addr, b, hostarch.Write); f != nil {
		return f
	}
	return nil
}

// fetch returns the instruction at rip.
func (c *CPU) fetch(rip uint64) (Instruction, *Fault) {
	physical, f := c.translate(rip, hostarch.Execute)
	if f != nil {
		return nil, f
	}
	insn, ok := c.text.Lookup(physical)
	if !ok {
		return nil, NewFault(InvalidOpcode, 0)
	}
	return insn, nil
}
