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

// Package ring0 models the x86-64 processor the kernel runs on: descriptor
// tables, the task state segment, interrupt delivery, the MMU and the
// instruction loop.
//
// The processor executes Instructions registered in a Text at physical
// addresses. Every fetch, load and store goes through the page tables loaded
// in CR3, so mapping mistakes surface as page faults exactly as they would on
// hardware. Interrupt and exception delivery pushes the architectural frame
// on the selected stack before calling the Go Handler registered in the IDT.
package ring0

import (
	"fmt"
	"io"

	"github.com/kcore-os/kcore/pkg/physmem"
)

// InterruptController is the processor's view of its interrupt controller.
type InterruptController interface {
	// Pending returns true if an unmasked interrupt request is waiting.
	Pending() bool

	// Acknowledge accepts the highest priority request, marking it in
	// service, and returns its vector.
	Acknowledge() (Vector, bool)
}

// Stats are processor event counters.
type Stats struct {
	Cycles       uint64 `json:"cycles" yaml:"cycles"`
	Instructions uint64 `json:"instructions" yaml:"instructions"`
	Idle         uint64 `json:"idle" yaml:"idle"`
	Interrupts   uint64 `json:"interrupts" yaml:"interrupts"`
	Exceptions   uint64 `json:"exceptions" yaml:"exceptions"`
	TLBHits      uint64 `json:"tlb_hits" yaml:"tlb_hits"`
	TLBMisses    uint64 `json:"tlb_misses" yaml:"tlb_misses"`
	TLBFlushes   uint64 `json:"tlb_flushes" yaml:"tlb_flushes"`
}

// Shutdown is returned by Step once the processor has stopped for good.
type Shutdown struct {
	// Reason describes why the processor stopped.
	Reason string

	// Regs is the register file at the time of the stop.
	Regs Registers
}

// Error implements error.Error.
func (s *Shutdown) Error() string {
	return "processor shutdown: " + s.Reason
}

// CPU is a single x86-64 processor.
//
// A CPU is driven from one goroutine. Handlers run synchronously on that
// goroutine, from inside Step.
type CPU struct {
	regs Registers

	// gdt and tss are loaded by Install.
	gdt       descriptorTable
	tss       TaskState64
	installed bool

	idt *IDT

	cr0  uint64
	cr2  uint64
	cr3  uint64
	cr4  uint64
	efer uint64

	mem  *physmem.Memory
	text *Text
	tlb  tlb
	irq  InterruptController

	// halted is set by hlt and cleared by the next interrupt.
	halted bool

	// shutdown is set once the processor has stopped.
	shutdown *Shutdown

	// nesting counts handlers currently running.
	nesting int

	stats Stats
}

// NewCPU returns a processor in 64-bit mode with paging enabled and the
// given physical memory and program text attached. Descriptor tables are
// not loaded until Install and LoadIDT.
func NewCPU(mem *physmem.Memory, text *Text) *CPU {
	c := &CPU{
		mem:  mem,
		text: text,
		cr0:  _CR0_PE | _CR0_ET | _CR0_NE | _CR0_WP | _CR0_AM | _CR0_PG,
		cr4:  _CR4_PSE | _CR4_PAE | _CR4_PGE,
		efer: _EFER_LME | _EFER_LMA | _EFER_SCE | _EFER_NX,
	}
	c.tlb.init()
	c.regs.Cs = uint64(Kcode)
	c.regs.Ss = uint64(Kdata)
	c.regs.Ds = uint64(Kdata)
	c.regs.Es = uint64(Kdata)
	c.regs.Eflags = KernelFlagsSet
	return c
}

// Install loads the global descriptor table and the task register.
//
// The table holds, in order: the null descriptor, kernel code, kernel data,
// user data, user code and the two-slot TSS descriptor.
func (c *CPU) Install() {
	c.gdt[0].setNull()
	c.gdt[segKcode].setCode64(0, 0, 0)
	c.gdt[segKdata].setData(0, 0xffffffff, 0)
	c.gdt[segUdata].setData(0, 0xffffffff, 3)
	c.gdt[segUcode64].setCode64(0, 0, 3)

	// The TSS address is the address of the structure itself; the
	// descriptor only needs to be well formed for ltr.
	tssBase := uint64(0)
	c.gdt[segTss].set(uint32(tssBase), tssLimit, 0, segmentDescriptorTSS)
	c.gdt[segTssHi].setHi(uint32(tssBase >> 32))

	// No I/O permission bitmap.
	c.tss.ioPerm = tssLimit + 1
	c.installed = true

	c.regs.Cs = uint64(Kcode)
	c.regs.Ss = uint64(Kdata)
	c.regs.Ds = uint64(Kdata)
	c.regs.Es = uint64(Kdata)
	c.regs.Fs = uint64(Kdata)
	c.regs.Gs = uint64(Kdata)
	c.regs.Eflags = (c.regs.Eflags | KernelFlagsSet) &^ (KernelFlagsClear &^ _RFLAGS_IF)
}

// Installed returns true once Install has been called.
func (c *CPU) Installed() bool {
	return c.installed
}

// Descriptor returns the GDT descriptor referenced by sel, or nil if sel is
// out of range.
func (c *CPU) Descriptor(sel Selector) *SegmentDescriptor {
	if sel.Index() >= len(c.gdt) {
		return nil
	}
	return &c.gdt[sel.Index()]
}

// SetPrivilege0Stack sets the stack loaded on a transition from ring 3.
func (c *CPU) SetPrivilege0Stack(top uint64) {
	c.tss.setRSP0(top)
}

// Privilege0Stack returns the stack loaded on a transition from ring 3.
func (c *CPU) Privilege0Stack() uint64 {
	return c.tss.RSP0()
}

// SetInterruptStack sets interrupt stack table entry n (1-7).
func (c *CPU) SetInterruptStack(n int, top uint64) {
	c.tss.setIST(n, top)
}

// InterruptStack returns interrupt stack table entry n (1-7).
func (c *CPU) InterruptStack(n int) uint64 {
	return c.tss.IST(n)
}

// LoadIDT loads the interrupt descriptor table.
func (c *CPU) LoadIDT(idt *IDT) {
	c.idt = idt
}

// IDT returns the loaded interrupt descriptor table.
func (c *CPU) IDT() *IDT {
	return c.idt
}

// SetInterruptController attaches the interrupt controller.
func (c *CPU) SetInterruptController(ic InterruptController) {
	c.irq = ic
}

// Registers returns the live register file.
func (c *CPU) Registers() *Registers {
	return &c.regs
}

// Memory returns the processor's physical memory.
func (c *CPU) Memory() *physmem.Memory {
	return c.mem
}

// Text returns the processor's program text.
func (c *CPU) Text() *Text {
	return c.text
}

// CPL returns the current privilege level.
func (c *CPU) CPL() uint8 {
	return Selector(c.regs.Cs).RPL()
}

// InterruptsEnabled returns the state of IF.
func (c *CPU) InterruptsEnabled() bool {
	return c.regs.Eflags&_RFLAGS_IF != 0
}

// EnableInterrupts sets IF.
func (c *CPU) EnableInterrupts() {
	c.regs.Eflags |= _RFLAGS_IF
}

// DisableInterrupts clears IF and returns whether it was set.
func (c *CPU) DisableInterrupts() bool {
	was := c.InterruptsEnabled()
	c.regs.Eflags &^= _RFLAGS_IF
	return was
}

// RestoreInterrupts sets IF to enabled.
func (c *CPU) RestoreInterrupts(enabled bool) {
	if enabled {
		c.EnableInterrupts()
	} else {
		c.DisableInterrupts()
	}
}

// CR2 returns the last page fault address.
func (c *CPU) CR2() uint64 {
	return c.cr2
}

// CR3 returns the page table root.
func (c *CPU) CR3() uint64 {
	return c.cr3
}

// LoadCR3 switches page tables. Non-global TLB entries are flushed.
func (c *CPU) LoadCR3(cr3 uint64) {
	c.cr3 = cr3
	c.tlb.flush(false)
	c.stats.TLBFlushes++
}

// Invlpg drops the TLB entry for the page containing addr.
func (c *CPU) Invlpg(addr uint64) {
	c.tlb.invalidate(addr &^ (pageSize - 1))
}

// FlushTLB drops every TLB entry, global ones included.
func (c *CPU) FlushTLB() {
	c.tlb.flush(true)
	c.stats.TLBFlushes++
}

// Halt stops instruction execution until the next interrupt. Halting with
// interrupts disabled stops the processor for good.
func (c *CPU) Halt() {
	c.halted = true
}

// Halted returns true while the processor waits for an interrupt.
func (c *CPU) Halted() bool {
	return c.halted
}

// Stop shuts the processor down. Subsequent calls to Step return a
// *Shutdown with the given reason. Only the first reason is kept.
func (c *CPU) Stop(reason string) {
	if c.shutdown != nil {
		return
	}
	c.halted = true
	c.regs.Eflags &^= _RFLAGS_IF
	c.shutdown = &Shutdown{Reason: reason, Regs: c.regs}
}

// Stopped returns the shutdown, or nil if the processor is running.
func (c *CPU) Stopped() *Shutdown {
	return c.shutdown
}

// InHandler returns true while a trap handler is running.
func (c *CPU) InHandler() bool {
	return c.nesting > 0
}

// Stats returns a copy of the event counters.
func (c *CPU) Stats() Stats {
	return c.stats
}

// Dump writes the processor state in the layout of a fault report.
func (c *CPU) Dump(w io.Writer) {
	c.regs.Dump(w)
	fmt.Fprintf(w, "CR2=%016x CR3=%016x CPL=%d\n", c.cr2, c.cr3, c.CPL())
}

// Step executes one processor cycle: a pending interrupt is delivered if
// IF is set, otherwise one instruction is executed unless the processor is
// halted.
//
// Step returns a *Shutdown once the processor has stopped.
func (c *CPU) Step() error {
	if c.shutdown != nil {
		return c.shutdown
	}
	c.stats.Cycles++

	if c.InterruptsEnabled() && c.irq != nil && c.irq.Pending() {
		if v, ok := c.irq.Acknowledge(); ok {
			c.halted = false
			c.stats.Interrupts++
			c.deliver(v, 0, 0, deliveryExternal)
			return c.err()
		}
	}

	if c.halted {
		if !c.InterruptsEnabled() {
			c.Stop("halted with interrupts disabled")
			return c.shutdown
		}
		c.stats.Idle++
		return nil
	}

	rip := c.regs.Rip
	insn, f := c.fetch(rip)
	if f != nil {
		c.raise(f)
		return c.err()
	}
	c.regs.Rip = rip + InstructionSize
	c.stats.Instructions++
	if err := insn(c); err != nil {
		f, ok := err.(*Fault)
		if !ok {
			c.Stop(fmt.Sprintf("machine check at %#x: %v", rip, err))
			return c.shutdown
		}
		if !f.trap() {
			// Faults report the address of the faulting instruction.
			c.regs.Rip = rip
		}
		c.raise(f)
	}
	return c.err()
}

// err returns c.shutdown as an error without the typed-nil trap.
func (c *CPU) err() error {
	if c.shutdown == nil {
		return nil
	}
	return c.shutdown
}
