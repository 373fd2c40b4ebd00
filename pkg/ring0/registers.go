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
	"io"
)

// Registers is the saved register file of a thread of execution. The
// layout matches the order in which the trap entry path saves registers,
// followed by the frame pushed by the processor.
type Registers struct {
	R15    uint64
	R14    uint64
	R13    uint64
	R12    uint64
	Rbp    uint64
	Rbx    uint64
	R11    uint64
	R10    uint64
	R9     uint64
	R8     uint64
	Rax    uint64
	Rcx    uint64
	Rdx    uint64
	Rsi    uint64
	Rdi    uint64
	Rip    uint64
	Cs     uint64
	Eflags uint64
	Rsp    uint64
	Ss     uint64
	FsBase uint64
	GsBase uint64
	Ds     uint64
	Es     uint64
	Fs     uint64
	Gs     uint64
}

// Reg names a general purpose register.
type Reg int

// General purpose registers.
const (
	RAX Reg = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RBP
	RSP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	numRegs
)

var regNames = [...]string{
	RAX: "rax", RBX: "rbx", RCX: "rcx", RDX: "rdx",
	RSI: "rsi", RDI: "rdi", RBP: "rbp", RSP: "rsp",
	R8: "r8", R9: "r9", R10: "r10", R11: "r11",
	R12: "r12", R13: "r13", R14: "r14", R15: "r15",
}

// String implements fmt.Stringer.
func (r Reg) String() string {
	if r < 0 || r >= numRegs {
		return fmt.Sprintf("reg%d", int(r))
	}
	return regNames[r]
}

func (r *Registers) reg(n Reg) *uint64 {
	switch n {
	case RAX:
		return &r.Rax
	case RBX:
		return &r.Rbx
	case RCX:
		return &r.Rcx
	case RDX:
		return &r.Rdx
	case RSI:
		return &r.Rsi
	case RDI:
		return &r.Rdi
	case RBP:
		return &r.Rbp
	case RSP:
		return &r.Rsp
	case R8:
		return &r.R8
	case R9:
		return &r.R9
	case R10:
		return &r.R10
	case R11:
		return &r.R11
	case R12:
		return &r.R12
	case R13:
		return &r.R13
	case R14:
		return &r.R14
	case R15:
		return &r.R15
	}
	panic(fmt.Sprintf("invalid register %d", int(n)))
}

// Get returns the value of general purpose register n.
func (r *Registers) Get(n Reg) uint64 {
	return *r.reg(n)
}

// Set sets general purpose register n.
func (r *Registers) Set(n Reg, v uint64) {
	*r.reg(n) = v
}

// SyscallNo returns the system call number.
func (r *Registers) SyscallNo() uintptr {
	return uintptr(r.Rax)
}

// SyscallArgs returns the six argument registers, in calling convention
// order: rdi, rsi, rdx, r10, r8, r9.
func (r *Registers) SyscallArgs() [6]uintptr {
	return [6]uintptr{
		uintptr(r.Rdi),
		uintptr(r.Rsi),
		uintptr(r.Rdx),
		uintptr(r.R10),
		uintptr(r.R8),
		uintptr(r.R9),
	}
}

// SetReturn sets the system call return register.
func (r *Registers) SetReturn(v uintptr) {
	r.Rax = uint64(v)
}

// CPL returns the privilege level encoded in the saved code selector.
func (r *Registers) CPL() uint8 {
	return Selector(r.Cs).RPL()
}

// InterruptsEnabled returns true if IF is set in the saved flags.
func (r *Registers) InterruptsEnabled() bool {
	return r.Eflags&_RFLAGS_IF != 0
}

// Dump writes the register file in the layout of a kernel fault report.
func (r *Registers) Dump(w io.Writer) {
	fmt.Fprintf(w, "RAX=%016x RBX=%016x RCX=%016x RDX=%016x\n", r.Rax, r.Rbx, r.Rcx, r.Rdx)
	fmt.Fprintf(w, "RSI=%016x RDI=%016x RBP=%016x RSP=%016x\n", r.Rsi, r.Rdi, r.Rbp, r.Rsp)
	fmt.Fprintf(w, " R8=%016x  R9=%016x R10=%016x R11=%016x\n", r.R8, r.R9, r.R10, r.R11)
	fmt.Fprintf(w, "R12=%016x R13=%016x R14=%016x R15=%016x\n", r.R12, r.R13, r.R14, r.R15)
	fmt.Fprintf(w, "RIP=%016x RFL=%016x CS=%04x SS=%04x\n", r.Rip, r.Eflags, r.Cs, r.Ss)
}
