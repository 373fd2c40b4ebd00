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

// Fault is an exception raised by an instruction, a memory access or
// interrupt delivery.
type Fault struct {
	Vector    Vector
	ErrorCode uint64

	// Addr is the faulting linear address of a page fault.
	Addr uint64
}

// Error implements error.Error.
func (f *Fault) Error() string {
	if f.Vector == PageFault {
		return fmt.Sprintf("%v at %#x (error code %#x)", f.Vector, f.Addr, f.ErrorCode)
	}
	if f.Vector.HasErrorCode() {
		return fmt.Sprintf("%v (error code %#x)", f.Vector, f.ErrorCode)
	}
	return f.Vector.String()
}

// trap returns true for exceptions reported after the instruction completes.
func (f *Fault) trap() bool {
	switch f.Vector {
	case Breakpoint, Overflow, Debug:
		return true
	}
	return false
}

// NewFault returns a fault for v.
func NewFault(v Vector, errorCode uint64) *Fault {
	return &Fault{Vector: v, ErrorCode: errorCode}
}

// TrapFrame describes one trap as seen by its handler.
type TrapFrame struct {
	// Vector is the vector being delivered.
	Vector Vector

	// ErrorCode is the code pushed by the processor, or zero.
	ErrorCode uint64

	// FaultAddr is CR2 for page faults.
	FaultAddr uint64

	// External is set for interrupts from the interrupt controller.
	External bool

	// Software is set for int n.
	Software bool

	// Regs is the interrupted register file. It is loaded back into the
	// processor when the handler returns.
	Regs Registers
}

// FromUser returns true if the trap interrupted ring 3.
func (tf *TrapFrame) FromUser() bool {
	return tf.Regs.CPL() == 3
}

// Dump writes a fault report for the trap.
func (tf *TrapFrame) Dump(w io.Writer) {
	fmt.Fprintf(w, "vector %d: %v\n", uintptr(tf.Vector), tf.Vector)
	if tf.Vector.HasErrorCode() {
		fmt.Fprintf(w, "error code: %#x\n", tf.ErrorCode)
	}
	if tf.Vector == PageFault {
		fmt.Fprintf(w, "fault address: %#x (%s)\n", tf.FaultAddr, PageFaultCause(tf.ErrorCode))
	}
	tf.Regs.Dump(w)
}

// PageFaultCause describes a page fault error code.
func PageFaultCause(code uint64) string {
	present := "not-present"
	if code&PFProtection != 0 {
		present = "protection"
	}
	op := "read"
	switch {
	case code&PFInstruction != 0:
		op = "fetch"
	case code&PFWrite != 0:
		op = "write"
	}
	mode := "supervisor"
	if code&PFUser != 0 {
		mode = "user"
	}
	return fmt.Sprintf("%s %s %s", mode, op, present)
}

type deliveryKind int

const (
	deliveryException deliveryKind = iota
	deliveryExternal
	deliverySoftware
)

// exceptionClass classifies vectors for double fault detection.
type exceptionClass int

const (
	classBenign exceptionClass = iota
	classContributory
	classPageFault
	classDoubleFault
)

func classOf(v Vector) exceptionClass {
	switch v {
	case DivideByZero, InvalidTSS, SegmentNotPresent, StackSegmentFault, GeneralProtectionFault:
		return classContributory
	case PageFault:
		return classPageFault
	case DoubleFault:
		return classDoubleFault
	}
	return classBenign
}

// escalates returns true if second raised while delivering first becomes a
// double fault.
func escalates(first, second Vector) bool {
	switch classOf(first) {
	case classContributory:
		return classOf(second) == classContributory
	case classPageFault:
		c := classOf(second)
		return c == classContributory || c == classPageFault
	}
	return false
}

// raise delivers an exception.
func (c *CPU) raise(f *Fault) {
	c.stats.Exceptions++
	c.deliver(f.Vector, f.ErrorCode, f.Addr, deliveryException)
}

// deliver delivers v, handling faults raised by the delivery itself.
//
// A fault while delivering a double fault shuts the processor down.
func (c *CPU) deliver(v Vector, code, addr uint64, kind deliveryKind) {
	for {
		if v == PageFault {
			c.cr2 = addr
		}
		f := c.enter(v, code, kind)
		if f == nil || c.shutdown != nil {
			return
		}
		c.stats.Exceptions++
		switch {
		case v == DoubleFault:
			c.Stop(fmt.Sprintf("triple fault: %v while delivering %v", f, v))
			return
		case kind == deliveryException && escalates(v, f.Vector):
			v, code, addr, kind = DoubleFault, 0, 0, deliveryException
		default:
			v, code, addr, kind = f.Vector, f.ErrorCode, f.Addr, deliveryException
		}
	}
}

// SoftwareInterrupt performs int n at the current privilege level.
func (c *CPU) SoftwareInterrupt(v Vector) error {
	if c.idt != nil {
		if g := c.idt.Gate(v); g.Present() && g.DPL() < int(c.CPL()) {
			return NewFault(GeneralProtectionFault, uint64(v)<<3|errorCodeIDT)
		}
	}
	c.deliver(v, 0, 0, deliverySoftware)
	return nil
}

// enter pushes the interrupt frame, calls the handler and returns from it.
func (c *CPU) enter(v Vector, code uint64, kind deliveryKind) *Fault {
	var ext uint64
	if kind != deliverySoftware {
		ext = errorCodeExternal
	}
	if c.idt == nil || v >= NumVectors || !c.idt.Gate(v).Present() || c.idt.handlers[v] == nil {
		return NewFault(GeneralProtectionFault, uint64(v)<<3|errorCodeIDT|ext)
	}
	gate := c.idt.Gate(v)
	if gate.Selector() != Kcode {
		return NewFault(GeneralProtectionFault, uint64(gate.Selector())&^3|ext)
	}

	old := c.regs
	cpl := c.CPL()

	// Select the stack.
	var rsp uint64
	switch {
	case gate.IST() != 0:
		if !c.installed {
			return NewFault(InvalidTSS, uint64(Tss)|ext)
		}
		rsp = c.tss.IST(gate.IST())
	case cpl != 0:
		if !c.installed {
			return NewFault(InvalidTSS, uint64(Tss)|ext)
		}
		rsp = c.tss.RSP0()
	default:
		rsp = old.Rsp
	}
	rsp &^= 15

	// Push the frame as the kernel.
	c.regs.Cs = uint64(Kcode)
	frame := [6]uint64{old.Ss, old.Rsp, old.Eflags, old.Cs, old.Rip, code}
	n := 5
	if v.HasErrorCode() {
		n = 6
	}
	for _, word := range frame[:n] {
		rsp -= 8
		if f := c.store64(rsp, word); f != nil {
			c.regs = old
			return f
		}
	}

	c.regs.Rsp = rsp
	if cpl != 0 {
		c.regs.Ss = 0
	}
	c.regs.Rip = gate.Offset()
	if !gate.IsTrap() {
		c.regs.Eflags &^= _RFLAGS_IF
	}
	c.regs.Eflags &^= _RFLAGS_TF | _RFLAGS_NT
	c.halted = false

	tf := &TrapFrame{
		Vector:    v,
		ErrorCode: code,
		External:  kind == deliveryExternal,
		Software:  kind == deliverySoftware,
		Regs:      old,
	}
	if v == PageFault {
		tf.FaultAddr = c.cr2
	}
	if !v.HasErrorCode() {
		tf.ErrorCode = 0
	}

	c.nesting++
	c.idt.handlers[v](c, tf)
	c.nesting--
	if c.shutdown != nil {
		return nil
	}
	if f := c.iret(tf); f != nil {
		// The handler left an invalid context behind. Report it from the
		// handler's own context.
		c.deliver(f.Vector, f.ErrorCode, 0, deliveryException)
	}
	return nil
}

// iret loads the register file saved in tf, validating the selectors.
func (c *CPU) iret(tf *TrapFrame) *Fault {
	r := tf.Regs
	cs := Selector(r.Cs)
	d := c.Descriptor(cs)
	if d == nil || !d.IsCode() || d.DPL() != int(cs.RPL()) {
		return NewFault(GeneralProtectionFault, uint64(cs)&^3)
	}
	if cs.RPL() < c.CPL() {
		return NewFault(GeneralProtectionFault, uint64(cs)&^3)
	}
	if cs.RPL() == 3 {
		ss := Selector(r.Ss)
		sd := c.Descriptor(ss)
		if sd == nil || !sd.IsData() || sd.DPL() != 3 || ss.RPL() != 3 {
			return NewFault(GeneralProtectionFault, uint64(ss)&^3)
		}
		r.Eflags = (r.Eflags | UserFlagsSet) &^ UserFlagsClear
	} else {
		r.Eflags |= KernelFlagsSet
	}
	if !isCanonical(r.Rip) {
		return NewFault(GeneralProtectionFault, 0)
	}
	c.regs = r
	return nil
}
