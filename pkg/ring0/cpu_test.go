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
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/physmem"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

const (
	testText      = 0xffffffff80100000
	testStack     = 0xffffffff80200000
	testISTStack  = 0xffffffff80210000
	testData      = 0xffffffff80300000
	testUnmapped  = 0xffffffff80800000
	testUserText  = 0x400000
	testUserStack = 0x7ff000
	testUserData  = 0x600000
)

var (
	kernelExec = pagetables.MapOpts{AccessType: hostarch.ReadExec, Global: true}
	kernelRW   = pagetables.MapOpts{AccessType: hostarch.ReadWrite, Global: true}
	kernelRO   = pagetables.MapOpts{AccessType: hostarch.Read, Global: true}
	userExec   = pagetables.MapOpts{AccessType: hostarch.ReadExec, User: true}
	userRW     = pagetables.MapOpts{AccessType: hostarch.ReadWrite, User: true}
)

type bumpFrames struct {
	next, end uintptr
}

func (b *bumpFrames) AllocFrame() (uintptr, error) {
	if b.next >= b.end {
		return 0, fmt.Errorf("out of frames")
	}
	f := b.next
	b.next += pageSize
	return f, nil
}

func (b *bumpFrames) FreeFrame(uintptr) error { return nil }

type testMachine struct {
	t      *testing.T
	mem    *physmem.Memory
	frames *bumpFrames
	pt     *pagetables.PageTables
	text   *Text
	cpu    *CPU
	idt    *IDT

	// traps records every handled vector.
	traps []*TrapFrame
}

func newTestMachine(t *testing.T) *testMachine {
	t.Helper()
	mem, err := physmem.New(4 << 20)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { mem.Release() })
	frames := &bumpFrames{next: 0x100000, end: 4 << 20}
	pt, err := pagetables.New(&pagetables.PhysicalAllocator{Memory: mem, Frames: frames})
	if err != nil {
		t.Fatalf("pagetables.New: %v", err)
	}
	m := &testMachine{
		t:      t,
		mem:    mem,
		frames: frames,
		pt:     pt,
		text:   NewText(),
		idt:    NewIDT(),
	}
	m.cpu = NewCPU(mem, m.text)
	m.cpu.Install()
	m.cpu.LoadIDT(m.idt)
	m.cpu.LoadCR3(pt.CR3())
	m.mapPage(testStack, kernelRW)
	m.cpu.Registers().Rsp = testStack + pageSize
	m.cpu.SetPrivilege0Stack(testStack + pageSize)
	return m
}

func (m *testMachine) mapPage(va uint64, opts pagetables.MapOpts) uintptr {
	m.t.Helper()
	physical, err := m.frames.AllocFrame()
	if err != nil {
		m.t.Fatalf("AllocFrame: %v", err)
	}
	if err := m.pt.Map(hostarch.Addr(va), pageSize, opts, physical); err != nil {
		m.t.Fatalf("Map(%#x): %v", va, err)
	}
	return physical
}

func (m *testMachine) load(va uint64, opts pagetables.MapOpts, prog Program) {
	m.t.Helper()
	physical := m.mapPage(va, opts)
	if err := m.text.Load(physical, prog); err != nil {
		m.t.Fatalf("Load: %v", err)
	}
}

// record installs a handler for v that records the trap and, if stop is
// set, shuts the processor down.
func (m *testMachine) record(v Vector, opts GateOpts, stop bool) {
	m.t.Helper()
	err := m.idt.Register(v, opts, func(c *CPU, tf *TrapFrame) {
		m.traps = append(m.traps, tf)
		if stop {
			c.Stop(v.String())
		}
	})
	if err != nil {
		m.t.Fatalf("Register(%v): %v", v, err)
	}
}

// recordExceptions installs stopping handlers for all exceptions, with the
// double fault on IST 1.
func (m *testMachine) recordExceptions() {
	for v := Vector(0); v < NumExceptions; v++ {
		opts := GateOpts{}
		if v == DoubleFault {
			opts.IST = 1
		}
		m.record(v, opts, true)
	}
}

func (m *testMachine) run(steps int) error {
	for i := 0; i < steps; i++ {
		if err := m.cpu.Step(); err != nil {
			return err
		}
	}
	return nil
}

func (m *testMachine) enterUser(entry, stackTop uint64) {
	*m.cpu.Registers() = UserContext(entry, stackTop)
}

func (m *testMachine) lastTrap() *TrapFrame {
	m.t.Helper()
	if len(m.traps) == 0 {
		m.t.Fatalf("no trap was delivered")
	}
	return m.traps[len(m.traps)-1]
}

func TestInstall(t *testing.T) {
	m := newTestMachine(t)
	c := m.cpu
	for _, tc := range []struct {
		sel  Selector
		code bool
		dpl  int
	}{
		{Kcode, true, 0},
		{Kdata, false, 0},
		{Udata, false, 3},
		{Ucode64, true, 3},
	} {
		d := c.Descriptor(tc.sel)
		if d == nil || !d.Present() {
			t.Errorf("selector %#x: descriptor not present", tc.sel)
			continue
		}
		if d.IsCode() != tc.code {
			t.Errorf("selector %#x: IsCode = %v, want %v", tc.sel, d.IsCode(), tc.code)
		}
		if !tc.code && !d.IsData() {
			t.Errorf("selector %#x: not a data segment", tc.sel)
		}
		if d.DPL() != tc.dpl {
			t.Errorf("selector %#x: DPL = %d, want %d", tc.sel, d.DPL(), tc.dpl)
		}
	}
	if d := c.Descriptor(Tss); !d.Present() || d.Limit() != tssLimit {
		t.Errorf("TSS descriptor = %v, want limit %#x", d, tssLimit)
	}
	if c.tss.ioPerm != tssLimit+1 {
		t.Errorf("ioPerm = %#x, want %#x", c.tss.ioPerm, tssLimit+1)
	}
	if got := c.Registers().Cs; got != uint64(Kcode) {
		t.Errorf("CS = %#x, want %#x", got, Kcode)
	}
}

func TestSelectors(t *testing.T) {
	for _, tc := range []struct {
		sel  Selector
		want uint16
	}{
		{Kcode, 0x08},
		{Kdata, 0x10},
		{Udata, 0x1b},
		{Ucode64, 0x23},
		{Tss, 0x28},
	} {
		if uint16(tc.sel) != tc.want {
			t.Errorf("selector = %#x, want %#x", uint16(tc.sel), tc.want)
		}
	}
}

func TestRegisterDuplicate(t *testing.T) {
	idt := NewIDT()
	h := func(*CPU, *TrapFrame) {}
	if err := idt.Register(0x20, GateOpts{}, h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := idt.Register(0x20, GateOpts{}, h); !errors.Is(err, ErrDuplicateHandler) {
		t.Errorf("second Register = %v, want %v", err, ErrDuplicateHandler)
	}
	if err := idt.Register(0x21, GateOpts{DPL: 4}, h); err == nil {
		t.Errorf("Register with DPL 4 succeeded")
	}
	g := idt.Gate(0x20)
	if !g.Present() || g.Selector() != Kcode || g.IsTrap() {
		t.Errorf("gate = %+v, want present interrupt gate in %#x", g, Kcode)
	}
}

func TestCheckExceptions(t *testing.T) {
	idt := NewIDT()
	h := func(*CPU, *TrapFrame) {}
	for v := Vector(0); v < NumExceptions; v++ {
		if v == PageFault {
			continue
		}
		if err := idt.Register(v, GateOpts{}, h); err != nil {
			t.Fatalf("Register(%v): %v", v, err)
		}
	}
	if err := idt.CheckExceptions(); err == nil || !strings.Contains(err.Error(), "page fault") {
		t.Errorf("CheckExceptions = %v, want missing page fault", err)
	}
	idt.Register(PageFault, GateOpts{}, h)
	if err := idt.CheckExceptions(); err != nil {
		t.Errorf("CheckExceptions = %v, want nil", err)
	}
}

func TestStepProgram(t *testing.T) {
	m := newTestMachine(t)
	m.recordExceptions()
	m.load(testText, kernelExec, Program{
		MovImm(RCX, 5),
		MovImm(RAX, 0),
		AddImm(RAX, 2),
		Loop(RCX, -2),
		Push(RAX),
		Pop(RBX),
		Hlt(),
	})
	m.cpu.Registers().Rip = testText

	err := m.run(100)
	var s *Shutdown
	if !errors.As(err, &s) || !strings.Contains(s.Reason, "interrupts disabled") {
		t.Fatalf("run = %v, want halt with interrupts disabled", err)
	}
	regs := m.cpu.Registers()
	if regs.Rax != 10 || regs.Rbx != 10 {
		t.Errorf("rax, rbx = %d, %d, want 10, 10", regs.Rax, regs.Rbx)
	}
	if got, want := m.cpu.Stats().Instructions, uint64(15); got != want {
		t.Errorf("instructions = %d, want %d", got, want)
	}
	if len(m.traps) != 0 {
		t.Errorf("unexpected traps: %v", m.traps[0].Vector)
	}
}

func TestInvalidOpcode(t *testing.T) {
	m := newTestMachine(t)
	m.recordExceptions()
	m.load(testText, kernelExec, Program{Nop()})
	// The second slot holds no instruction.
	m.cpu.Registers().Rip = testText
	m.run(10)
	tf := m.lastTrap()
	if tf.Vector != InvalidOpcode || tf.Regs.Rip != testText+InstructionSize {
		t.Errorf("trap %v at %#x, want %v at %#x", tf.Vector, tf.Regs.Rip, InvalidOpcode, uint64(testText+InstructionSize))
	}
}

func TestPageFaults(t *testing.T) {
	for _, tc := range []struct {
		name string
		user bool
		prog func(addr uint64) Program
		addr uint64
		code uint64
	}{
		{
			name: "kernel read not present",
			prog: func(addr uint64) Program { return Program{MovImm(RBX, addr), Load(RAX, RBX, 0)} },
			addr: testUnmapped,
			code: 0,
		},
		{
			name: "kernel write read-only",
			prog: func(addr uint64) Program { return Program{MovImm(RBX, addr), Store(RBX, 0, RAX)} },
			addr: testData,
			code: PFProtection | PFWrite,
		},
		{
			name: "user read supervisor",
			user: true,
			prog: func(addr uint64) Program { return Program{MovImm(RBX, addr), Load(RAX, RBX, 0)} },
			addr: testData,
			code: PFProtection | PFUser,
		},
		{
			name: "kernel fetch no execute",
			prog: func(addr uint64) Program { return Program{Jmp(addr)} },
			addr: testData,
			code: PFProtection | PFInstruction,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMachine(t)
			m.recordExceptions()
			m.mapPage(testData, kernelRO)
			if tc.user {
				m.load(testUserText, userExec, tc.prog(tc.addr))
				m.enterUser(testUserText, testUserStack+pageSize)
			} else {
				m.load(testText, kernelExec, tc.prog(tc.addr))
				m.cpu.Registers().Rip = testText
			}
			m.run(10)
			tf := m.lastTrap()
			if tf.Vector != PageFault {
				t.Fatalf("trap = %v, want page fault", tf.Vector)
			}
			if tf.FaultAddr != tc.addr || m.cpu.CR2() != tc.addr {
				t.Errorf("fault address = %#x (CR2 %#x), want %#x", tf.FaultAddr, m.cpu.CR2(), tc.addr)
			}
			if tf.ErrorCode != tc.code {
				t.Errorf("error code = %#x (%s), want %#x (%s)", tf.ErrorCode, PageFaultCause(tf.ErrorCode), tc.code, PageFaultCause(tc.code))
			}
		})
	}
}

func TestNonCanonicalAccess(t *testing.T) {
	m := newTestMachine(t)
	m.recordExceptions()
	m.load(testText, kernelExec, Program{MovImm(RBX, 0x0000800000000000), Load(RAX, RBX, 0)})
	m.cpu.Registers().Rip = testText
	m.run(10)
	if tf := m.lastTrap(); tf.Vector != GeneralProtectionFault {
		t.Errorf("trap = %v, want #GP", tf.Vector)
	}
}

func TestSyscallFromUser(t *testing.T) {
	m := newTestMachine(t)
	m.recordExceptions()
	var frame [5]uint64
	var rsp uint64
	err := m.idt.Register(SyscallInt80, GateOpts{DPL: 3}, func(c *CPU, tf *TrapFrame) {
		rsp = c.Registers().Rsp
		for i := range frame {
			v, err := c.Load64(rsp + uint64(i)*8)
			if err != nil {
				t.Errorf("reading frame: %v", err)
			}
			frame[i] = v
		}
		if c.InterruptsEnabled() {
			t.Errorf("interrupts enabled in handler")
		}
		tf.Regs.SetReturn(uintptr(tf.Regs.Rdi * 2))
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	m.mapPage(testUserStack, userRW)
	m.load(testUserText, userExec, Program{
		MovImm(RDI, 21),
		Int(SyscallInt80),
		Nop(),
	})
	m.enterUser(testUserText, testUserStack+pageSize)
	if err := m.run(3); err != nil {
		t.Fatalf("run: %v", err)
	}

	if want := uint64(testStack + pageSize - 40); rsp != want {
		t.Errorf("handler rsp = %#x, want %#x", rsp, want)
	}
	want := [5]uint64{
		testUserText + 2*InstructionSize,
		uint64(Ucode64),
		UserFlagsSet,
		testUserStack + pageSize,
		uint64(Udata),
	}
	if diff := cmp.Diff(want, frame); diff != "" {
		t.Errorf("interrupt frame mismatch (-want +got):\n%s", diff)
	}
	regs := m.cpu.Registers()
	if regs.Rax != 42 || regs.CPL() != 3 || regs.Rsp != testUserStack+pageSize {
		t.Errorf("after iret: rax=%d cpl=%d rsp=%#x, want 42, 3, %#x", regs.Rax, regs.CPL(), regs.Rsp, uint64(testUserStack+pageSize))
	}
}

func TestSoftwareInterruptPrivilege(t *testing.T) {
	m := newTestMachine(t)
	m.recordExceptions()
	m.record(0x81, GateOpts{}, false)
	m.load(testUserText, userExec, Program{Int(0x81)})
	m.enterUser(testUserText, testUserStack+pageSize)
	m.run(5)
	tf := m.lastTrap()
	if tf.Vector != GeneralProtectionFault {
		t.Fatalf("trap = %v, want #GP", tf.Vector)
	}
	if want := uint64(0x81<<3 | errorCodeIDT); tf.ErrorCode != want {
		t.Errorf("error code = %#x, want %#x", tf.ErrorCode, want)
	}
	if tf.Regs.Rip != testUserText || !tf.FromUser() {
		t.Errorf("fault reported at %#x (user %v), want %#x from user", tf.Regs.Rip, tf.FromUser(), uint64(testUserText))
	}
}

func TestUserPrivilegedInstruction(t *testing.T) {
	m := newTestMachine(t)
	m.recordExceptions()
	m.load(testUserText, userExec, Program{Cli()})
	m.enterUser(testUserText, testUserStack+pageSize)
	m.run(5)
	if tf := m.lastTrap(); tf.Vector != GeneralProtectionFault {
		t.Errorf("trap = %v, want #GP", tf.Vector)
	}
}

func TestMissingGate(t *testing.T) {
	m := newTestMachine(t)
	m.recordExceptions()
	m.load(testText, kernelExec, Program{Int(0x90)})
	m.cpu.Registers().Rip = testText
	m.run(5)
	tf := m.lastTrap()
	if tf.Vector != GeneralProtectionFault || tf.ErrorCode != 0x90<<3|errorCodeIDT {
		t.Errorf("trap = %v code %#x, want #GP code %#x", tf.Vector, tf.ErrorCode, 0x90<<3|errorCodeIDT)
	}
}

func TestDoubleFaultOnBadPrivilegeStack(t *testing.T) {
	m := newTestMachine(t)
	m.recordExceptions()
	m.record(SyscallInt80, GateOpts{DPL: 3}, false)
	m.mapPage(testISTStack, kernelRW)
	m.cpu.SetInterruptStack(1, testISTStack+pageSize)
	m.cpu.SetPrivilege0Stack(testUnmapped)
	m.load(testUserText, userExec, Program{Int(SyscallInt80)})
	m.enterUser(testUserText, testUserStack+pageSize)

	err := m.run(5)
	var s *Shutdown
	if !errors.As(err, &s) {
		t.Fatalf("run = %v, want shutdown", err)
	}
	tf := m.lastTrap()
	if tf.Vector != DoubleFault {
		t.Fatalf("trap = %v, want double fault", tf.Vector)
	}
	if len(m.traps) != 1 {
		t.Errorf("%d traps delivered, want only the double fault", len(m.traps))
	}
	if m.cpu.CR2() != testUnmapped-8 {
		t.Errorf("CR2 = %#x, want %#x", m.cpu.CR2(), uint64(testUnmapped-8))
	}
}

func TestTripleFault(t *testing.T) {
	m := newTestMachine(t)
	m.recordExceptions()
	m.record(SyscallInt80, GateOpts{DPL: 3}, false)
	// Neither the privilege stack nor IST 1 is usable.
	m.cpu.SetPrivilege0Stack(testUnmapped)
	m.load(testUserText, userExec, Program{Int(SyscallInt80)})
	m.enterUser(testUserText, testUserStack+pageSize)

	err := m.run(5)
	var s *Shutdown
	if !errors.As(err, &s) || !strings.Contains(s.Reason, "triple fault") {
		t.Fatalf("run = %v, want triple fault", err)
	}
	if len(m.traps) != 0 {
		t.Errorf("trap %v delivered, want none", m.traps[0].Vector)
	}
	if err := m.cpu.Step(); !errors.As(err, &s) {
		t.Errorf("Step after shutdown = %v, want shutdown", err)
	}
}

func TestTLBInvalidation(t *testing.T) {
	m := newTestMachine(t)
	physical := m.mapPage(testData, pagetables.MapOpts{AccessType: hostarch.ReadWrite})
	if err := m.mem.WriteUint64(physical, 0xfeed); err != nil {
		t.Fatalf("WriteUint64: %v", err)
	}
	c := m.cpu
	if v, err := c.Load64(testData); err != nil || v != 0xfeed {
		t.Fatalf("Load64 = %#x, %v, want 0xfeed", v, err)
	}
	if n := m.pt.Unmap(testData, pageSize); n != 1 {
		t.Fatalf("Unmap = %d, want 1", n)
	}
	if _, err := c.Load64(testData); err != nil {
		t.Errorf("Load64 after unmap without invlpg = %v, want stale hit", err)
	}
	c.Invlpg(testData)
	_, err := c.Load64(testData)
	var f *Fault
	if !errors.As(err, &f) || f.Vector != PageFault {
		t.Errorf("Load64 after invlpg = %v, want page fault", err)
	}
}

func TestTLBFlushOnCR3(t *testing.T) {
	m := newTestMachine(t)
	m.mapPage(testData, pagetables.MapOpts{AccessType: hostarch.ReadWrite})
	m.mapPage(testData+pageSize, kernelRW)
	c := m.cpu
	c.Load64(testData)
	c.Load64(testData + pageSize)
	m.pt.Unmap(testData, 2*pageSize)
	c.LoadCR3(m.pt.CR3())
	if _, err := c.Load64(testData); err == nil {
		t.Errorf("non-global entry survived CR3 load")
	}
	if _, err := c.Load64(testData + pageSize); err != nil {
		t.Errorf("global entry flushed by CR3 load: %v", err)
	}
	c.FlushTLB()
	if _, err := c.Load64(testData + pageSize); err == nil {
		t.Errorf("global entry survived full flush")
	}
}

type fakeController struct {
	pending []Vector
}

func (f *fakeController) Pending() bool { return len(f.pending) > 0 }

func (f *fakeController) Acknowledge() (Vector, bool) {
	if len(f.pending) == 0 {
		return 0, false
	}
	v := f.pending[0]
	f.pending = f.pending[1:]
	return v, true
}

func TestExternalInterrupt(t *testing.T) {
	m := newTestMachine(t)
	m.recordExceptions()
	m.record(0x20, GateOpts{}, false)
	ic := &fakeController{}
	m.cpu.SetInterruptController(ic)
	m.load(testText, kernelExec, Program{
		Sti(),
		Hlt(),
		JmpRel(-2),
	})
	m.cpu.Registers().Rip = testText
	m.run(4)
	if !m.cpu.Halted() {
		t.Fatalf("processor not halted")
	}

	ic.pending = []Vector{0x20}
	m.run(1)
	tf := m.lastTrap()
	if tf.Vector != 0x20 || !tf.External {
		t.Errorf("trap = %v external %v, want 0x20 external", tf.Vector, tf.External)
	}
	if !m.cpu.InterruptsEnabled() || m.cpu.Halted() {
		t.Errorf("after interrupt: IF %v halted %v, want IF set and running", m.cpu.InterruptsEnabled(), m.cpu.Halted())
	}

	// Masked while IF is clear.
	m.cpu.DisableInterrupts()
	ic.pending = []Vector{0x20}
	m.traps = nil
	m.cpu.Registers().Rip = testText + 2*InstructionSize
	m.run(1)
	if len(m.traps) != 0 {
		t.Errorf("interrupt delivered with IF clear")
	}
}

func TestBreakpointResumes(t *testing.T) {
	m := newTestMachine(t)
	m.record(Breakpoint, GateOpts{DPL: 3}, false)
	m.load(testText, kernelExec, Program{Int3(), MovImm(RAX, 7)})
	m.cpu.Registers().Rip = testText
	m.run(2)
	if tf := m.lastTrap(); tf.Regs.Rip != testText+InstructionSize {
		t.Errorf("breakpoint reported at %#x, want %#x", tf.Regs.Rip, uint64(testText+InstructionSize))
	}
	if m.cpu.Registers().Rax != 7 {
		t.Errorf("execution did not resume after breakpoint")
	}
}

func TestInterruptSafeMutex(t *testing.T) {
	m := newTestMachine(t)
	var mu InterruptSafeMutex
	mu.Init(m.cpu)
	m.cpu.EnableInterrupts()
	mu.Lock()
	if m.cpu.InterruptsEnabled() {
		t.Errorf("interrupts enabled while locked")
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("recursive Lock did not panic")
			}
		}()
		mu.Lock()
	}()
	mu.Unlock()
	if !m.cpu.InterruptsEnabled() {
		t.Errorf("interrupts not restored by Unlock")
	}

	m.cpu.DisableInterrupts()
	mu.Lock()
	mu.Unlock()
	if m.cpu.InterruptsEnabled() {
		t.Errorf("Unlock enabled interrupts that were disabled before Lock")
	}
}

func TestSwitchContext(t *testing.T) {
	a := Registers{Rax: 1, Rbx: 2, R15: 3, Rip: 0x1000, Rsp: 0x2000, Cs: uint64(Kcode), Eflags: KernelFlagsSet}
	b := UserContext(0x400000, 0x800000)
	b.Rdi = 9
	live := a
	var saved Registers
	SwitchContext(&live, &saved, &b)
	if diff := cmp.Diff(a, saved); diff != "" {
		t.Errorf("saved context mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(b, live); diff != "" {
		t.Errorf("loaded context mismatch (-want +got):\n%s", diff)
	}
}

func TestIretRejectsBadSelector(t *testing.T) {
	m := newTestMachine(t)
	m.recordExceptions()
	err := m.idt.Register(SyscallInt80, GateOpts{DPL: 3}, func(c *CPU, tf *TrapFrame) {
		// A user code selector with kernel RPL.
		tf.Regs.Cs = uint64(Ucode64) &^ 3
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	m.load(testText, kernelExec, Program{Int(SyscallInt80)})
	m.cpu.Registers().Rip = testText
	m.run(2)
	if tf := m.lastTrap(); tf.Vector != GeneralProtectionFault {
		t.Errorf("trap = %v, want #GP", tf.Vector)
	}
}
