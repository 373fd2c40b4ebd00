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

// Useful bits.
const (
	_CR0_PE = 1 << 0
	_CR0_ET = 1 << 4
	_CR0_NE = 1 << 5
	_CR0_WP = 1 << 16
	_CR0_AM = 1 << 18
	_CR0_PG = 1 << 31

	_CR4_PSE = 1 << 4
	_CR4_PAE = 1 << 5
	_CR4_PGE = 1 << 7

	_RFLAGS_CF       = 1 << 0
	_RFLAGS_RESERVED = 1 << 1
	_RFLAGS_TF       = 1 << 8
	_RFLAGS_IF       = 1 << 9
	_RFLAGS_DF       = 1 << 10
	_RFLAGS_IOPL0    = 1 << 12
	_RFLAGS_IOPL1    = 1 << 13
	_RFLAGS_NT       = 1 << 14
	_RFLAGS_AC       = 1 << 18

	_EFER_SCE = 0x001
	_EFER_LME = 0x100
	_EFER_LMA = 0x400
	_EFER_NX  = 0x800
)

// Exported flag bits.
const (
	// FlagIF is the interrupt enable flag in RFLAGS.
	FlagIF = _RFLAGS_IF

	// FlagCF is the carry flag, set by compare instructions.
	FlagCF = _RFLAGS_CF
)

// Vector is an exception vector.
type Vector uintptr

// Exception vectors.
const (
	DivideByZero Vector = iota
	Debug
	NMI
	Breakpoint
	Overflow
	BoundRangeExceeded
	InvalidOpcode
	DeviceNotAvailable
	DoubleFault
	CoprocessorSegmentOverrun
	InvalidTSS
	SegmentNotPresent
	StackSegmentFault
	GeneralProtectionFault
	PageFault
	_
	X87FloatingPointException
	AlignmentCheck
	MachineCheck
	SIMDFloatingPointException
	VirtualizationException
	ControlProtectionException
	SecurityException = 0x1e
	SyscallInt80      = 0x80
	_NR_INTERRUPTS    = 0x100
)

// Vector counts.
const (
	// NumExceptions is the number of vectors reserved for processor
	// exceptions, all of which need a handler before interrupts are
	// enabled.
	NumExceptions = 32

	// NumVectors is the size of the IDT.
	NumVectors = _NR_INTERRUPTS
)

var vectorNames = map[Vector]string{
	DivideByZero:               "divide error (#DE)",
	Debug:                      "debug (#DB)",
	NMI:                        "non-maskable interrupt",
	Breakpoint:                 "breakpoint (#BP)",
	Overflow:                   "overflow (#OF)",
	BoundRangeExceeded:         "bound range exceeded (#BR)",
	InvalidOpcode:              "invalid opcode (#UD)",
	DeviceNotAvailable:         "device not available (#NM)",
	DoubleFault:                "double fault (#DF)",
	CoprocessorSegmentOverrun:  "coprocessor segment overrun",
	InvalidTSS:                 "invalid TSS (#TS)",
	SegmentNotPresent:          "segment not present (#NP)",
	StackSegmentFault:          "stack-segment fault (#SS)",
	GeneralProtectionFault:     "general protection fault (#GP)",
	PageFault:                  "page fault (#PF)",
	X87FloatingPointException:  "x87 floating-point exception (#MF)",
	AlignmentCheck:             "alignment check (#AC)",
	MachineCheck:               "machine check (#MC)",
	SIMDFloatingPointException: "SIMD floating-point exception (#XM)",
	VirtualizationException:    "virtualization exception (#VE)",
	ControlProtectionException: "control protection exception (#CP)",
	SecurityException:          "security exception (#SX)",
	SyscallInt80:               "syscall (int 0x80)",
}

// String implements fmt.Stringer.
func (v Vector) String() string {
	if name, ok := vectorNames[v]; ok {
		return name
	}
	if v < NumExceptions {
		return fmt.Sprintf("reserved exception %d", uintptr(v))
	}
	return fmt.Sprintf("interrupt %#x", uintptr(v))
}

// IsException returns true for the processor-reserved vectors 0-31.
func (v Vector) IsException() bool {
	return v < NumExceptions
}

// HasErrorCode returns true iff the processor pushes an error code when
// delivering v.
func (v Vector) HasErrorCode() bool {
	switch v {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault,
		GeneralProtectionFault, PageFault, AlignmentCheck, ControlProtectionException, SecurityException:
		return true
	}
	return false
}

// Page fault error code bits.
const (
	// PFProtection is set for protection violations and clear for
	// non-present pages.
	PFProtection = 1 << 0

	// PFWrite is set if the access was a write.
	PFWrite = 1 << 1

	// PFUser is set if the access was made at CPL 3.
	PFUser = 1 << 2

	// PFInstruction is set for instruction fetches.
	PFInstruction = 1 << 4
)

// Selector error code bits, used for #GP and #NP.
const (
	errorCodeExternal = 1 << 0
	errorCodeIDT      = 1 << 1
)

// Selector is a segment Selector.
type Selector uint16

// RPL returns the requested privilege level of the selector.
func (s Selector) RPL() uint8 {
	return uint8(s & 3)
}

// Index returns the GDT index of the selector.
func (s Selector) Index() int {
	return int(s >> 3)
}
