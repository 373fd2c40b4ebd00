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
	"fmt"
)

// Segment indices and Selectors.
const (
	// Index into GDT array.
	_          = iota // Null descriptor first.
	segKcode          // Kernel code (64-bit).
	segKdata          // Kernel data.
	segUdata          // User data.
	segUcode64        // User code (64-bit).
	segTss            // Task segment descriptor.
	segTssHi          // Upper bits for TSS.
	segLast           // Last segment (terminal, not included).
)

// Selectors.
const (
	Kcode   Selector = segKcode << 3
	Kdata   Selector = segKdata << 3
	Udata   Selector = (segUdata << 3) | 3
	Ucode64 Selector = (segUcode64 << 3) | 3
	Tss     Selector = segTss << 3
)

// Flag sets.
const (
	// KernelFlagsSet should always be set in the kernel.
	KernelFlagsSet = _RFLAGS_RESERVED

	// UserFlagsSet are always set in userspace.
	UserFlagsSet = _RFLAGS_RESERVED | _RFLAGS_IF

	// KernelFlagsClear should always be clear in the kernel.
	KernelFlagsClear = _RFLAGS_TF | _RFLAGS_IF | _RFLAGS_IOPL0 | _RFLAGS_IOPL1 | _RFLAGS_AC | _RFLAGS_NT

	// UserFlagsClear are always cleared in userspace.
	UserFlagsClear = _RFLAGS_NT | _RFLAGS_IOPL0 | _RFLAGS_IOPL1
)

// SegmentDescriptorFlags are typed flags within a descriptor.
type SegmentDescriptorFlags uint32

// SegmentDescriptorFlag declarations.
const (
	SegmentDescriptorAccess     SegmentDescriptorFlags = 1 << 8  // Access bit (always set).
	SegmentDescriptorWrite                             = 1 << 9  // Write permission.
	SegmentDescriptorExpandDown                        = 1 << 10 // Grows down, not used.
	SegmentDescriptorExecute                           = 1 << 11 // Execute permission.
	SegmentDescriptorSystem                            = 1 << 12 // Zero => system, 1 => user code/data.
	SegmentDescriptorPresent                           = 1 << 15 // Present.
	SegmentDescriptorAVL                               = 1 << 20 // Available.
	SegmentDescriptorLong                              = 1 << 21 // Long mode.
	SegmentDescriptorDB                                = 1 << 22 // 16 or 32-bit.
	SegmentDescriptorG                                 = 1 << 23 // Granularity: page or byte.
)

// segmentDescriptorTSS is the system type of an available 64-bit TSS.
const segmentDescriptorTSS = 0x9 << 8

// SegmentDescriptor is a segment descriptor.
type SegmentDescriptor struct {
	bits [2]uint32
}

// descriptorTable is a collection of descriptors.
type descriptorTable [segLast]SegmentDescriptor

// String returns a string representation of the descriptor.
func (d *SegmentDescriptor) String() string {
	return fmt.Sprintf("base=%#x limit=%#x dpl=%d flags=%#x", d.Base(), d.Limit(), d.DPL(), uint32(d.Flags()))
}

// Base returns the descriptor's base linear address.
func (d *SegmentDescriptor) Base() uint32 {
	return d.bits[1]&0xFF000000 | (d.bits[1]&0x000000FF)<<16 | d.bits[0]>>16
}

// Limit returns the descriptor size.
func (d *SegmentDescriptor) Limit() uint32 {
	l := d.bits[0]&0xFFFF | d.bits[1]&0xF0000
	if d.bits[1]&uint32(SegmentDescriptorG) != 0 {
		l <<= 12
		l |= 0xFFF
	}
	return l
}

// Flags returns descriptor flags.
func (d *SegmentDescriptor) Flags() SegmentDescriptorFlags {
	return SegmentDescriptorFlags(d.bits[1] & 0x00F09F00)
}

// DPL returns the descriptor privilege level.
func (d *SegmentDescriptor) DPL() int {
	return int((d.bits[1] >> 13) & 3)
}

// Present returns true iff the present bit is set.
func (d *SegmentDescriptor) Present() bool {
	return d.bits[1]&uint32(SegmentDescriptorPresent) != 0
}

// IsCode returns true for present 64-bit code segments.
func (d *SegmentDescriptor) IsCode() bool {
	want := uint32(SegmentDescriptorPresent | SegmentDescriptorSystem | SegmentDescriptorExecute | SegmentDescriptorLong)
	return d.bits[1]&want == want
}

// IsData returns true for present writable data segments.
func (d *SegmentDescriptor) IsData() bool {
	want := uint32(SegmentDescriptorPresent | SegmentDescriptorSystem | SegmentDescriptorWrite)
	return d.bits[1]&want == want && d.bits[1]&uint32(SegmentDescriptorExecute) == 0
}

func (d *SegmentDescriptor) setNull() {
	d.bits[0] = 0
	d.bits[1] = 0
}

func (d *SegmentDescriptor) set(base, limit uint32, dpl int, flags SegmentDescriptorFlags) {
	flags |= SegmentDescriptorPresent
	if limit>>12 != 0 {
		limit >>= 12
		flags |= SegmentDescriptorG
	}
	d.bits[0] = base<<16 | limit&0xFFFF
	d.bits[1] = base&0xFF000000 | (base>>16)&0xFF | limit&0x000F0000 | uint32(flags) | uint32(dpl)<<13
}

func (d *SegmentDescriptor) setCode64(base, limit uint32, dpl int) {
	d.set(base, limit, dpl,
		SegmentDescriptorLong|
			SegmentDescriptorSystem|
			SegmentDescriptorAccess|
			SegmentDescriptorExecute)
}

func (d *SegmentDescriptor) setData(base, limit uint32, dpl int) {
	d.set(base, limit, dpl,
		SegmentDescriptorDB|
			SegmentDescriptorSystem|
			SegmentDescriptorAccess|
			SegmentDescriptorWrite)
}

// setHi is only used for the TSS segment, which is magically 64-bits.
func (d *SegmentDescriptor) setHi(base uint32) {
	d.bits[0] = base
	d.bits[1] = 0
}

// Gate64 is a 64-bit task, trap, or interrupt gate.
type Gate64 struct {
	bits [4]uint32
}

// idt64 is a 64-bit interrupt descriptor table.
type idt64 [_NR_INTERRUPTS]Gate64

// Gate types.
const (
	gateInterrupt = 0xE << 8
	gateTrap      = 0xF << 8
	gatePresent   = 1 << 15
)

func (g *Gate64) setInterrupt(cs Selector, rip uint64, dpl int, ist int) {
	g.bits[0] = uint32(cs)<<16 | uint32(rip)&0xFFFF
	g.bits[1] = uint32(rip)&0xFFFF0000 | gatePresent | uint32(dpl)<<13 | gateInterrupt | uint32(ist)&0x7
	g.bits[2] = uint32(rip >> 32)
}

func (g *Gate64) setTrap(cs Selector, rip uint64, dpl int, ist int) {
	g.setInterrupt(cs, rip, dpl, ist)
	g.bits[1] |= 1 << 8
}

// Present returns true iff the gate is present.
func (g *Gate64) Present() bool {
	return g.bits[1]&gatePresent != 0
}

// DPL returns the privilege level required to invoke the gate with int n.
func (g *Gate64) DPL() int {
	return int((g.bits[1] >> 13) & 3)
}

// IST returns the interrupt stack table index, zero for none.
func (g *Gate64) IST() int {
	return int(g.bits[1] & 0x7)
}

// IsTrap returns true for trap gates, which leave IF unchanged.
func (g *Gate64) IsTrap() bool {
	return g.bits[1]&(0xF<<8) == gateTrap
}

// Selector returns the code segment the gate enters.
func (g *Gate64) Selector() Selector {
	return Selector(g.bits[0] >> 16)
}

// Offset returns the entry point of the gate.
func (g *Gate64) Offset() uint64 {
	return uint64(g.bits[2])<<32 | uint64(g.bits[1]&0xFFFF0000) | uint64(g.bits[0]&0xFFFF)
}

// TaskState64 is a 64-bit task state structure.
type TaskState64 struct {
	_              uint32
	rsp0Lo, rsp0Hi uint32
	rsp1Lo, rsp1Hi uint32
	rsp2Lo, rsp2Hi uint32
	_              [2]uint32
	ist1Lo, ist1Hi uint32
	ist2Lo, ist2Hi uint32
	ist3Lo, ist3Hi uint32
	ist4Lo, ist4Hi uint32
	ist5Lo, ist5Hi uint32
	ist6Lo, ist6Hi uint32
	ist7Lo, ist7Hi uint32
	_              [2]uint32
	_              uint16
	ioPerm         uint16
}

// tssLimit is the limit of TaskState64.
const tssLimit = 0x67

// RSP0 returns the stack loaded on a transition to ring 0.
func (t *TaskState64) RSP0() uint64 {
	return uint64(t.rsp0Hi)<<32 | uint64(t.rsp0Lo)
}

func (t *TaskState64) setRSP0(v uint64) {
	t.rsp0Lo = uint32(v)
	t.rsp0Hi = uint32(v >> 32)
}

// IST returns interrupt stack table entry n, for n in 1-7.
func (t *TaskState64) IST(n int) uint64 {
	lo, hi := t.istEntry(n)
	return uint64(*hi)<<32 | uint64(*lo)
}

func (t *TaskState64) setIST(n int, v uint64) {
	lo, hi := t.istEntry(n)
	*lo = uint32(v)
	*hi = uint32(v >> 32)
}

func (t *TaskState64) istEntry(n int) (*uint32, *uint32) {
	switch n {
	case 1:
		return &t.ist1Lo, &t.ist1Hi
	case 2:
		return &t.ist2Lo, &t.ist2Hi
	case 3:
		return &t.ist3Lo, &t.ist3Hi
	case 4:
		return &t.ist4Lo, &t.ist4Hi
	case 5:
		return &t.ist5Lo, &t.ist5Hi
	case 6:
		return &t.ist6Lo, &t.ist6Hi
	case 7:
		return &t.ist7Lo, &t.ist7Hi
	}
	panic(fmt.Sprintf("invalid IST index %d", n))
}
