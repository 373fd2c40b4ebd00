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

// Package kernel provides the kernel core: the boot sequence, trap and
// interrupt handling, the process subsystem and the syscall gate.
//
// All kernel state is owned by a Kernel, created once by Boot. State that
// interrupt handlers touch is protected by Kernel.mu, an interrupt-safe
// mutex; holding it keeps interrupts disabled.
//
// Lock order:
//
//	Kernel.mu
//		(no nested locks)
package kernel

import (
	"fmt"
	"time"

	"github.com/google/btree"

	"github.com/kcore-os/kcore/pkg/devices/console"
	"github.com/kcore-os/kcore/pkg/devices/keyboard"
	"github.com/kcore-os/kcore/pkg/devices/pic"
	"github.com/kcore-os/kcore/pkg/devices/pit"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/kernel/heap"
	"github.com/kcore-os/kcore/pkg/kernel/mm"
	"github.com/kcore-os/kcore/pkg/kernel/pgalloc"
	"github.com/kcore-os/kcore/pkg/log"
	"github.com/kcore-os/kcore/pkg/machine"
	"github.com/kcore-os/kcore/pkg/ring0"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

// Interrupt vectors of the remapped PIC.
const (
	MasterVectorBase = 0x20
	SlaveVectorBase  = 0x28

	TimerVector    = ring0.Vector(MasterVectorBase + pit.IRQ)
	KeyboardVector = ring0.Vector(MasterVectorBase + keyboard.IRQ)
)

// Defaults for Config.
const (
	DefaultTimerHz         = 100
	DefaultHeapSize        = 256 << 10
	DefaultKernelStackSize = 8 << 10
	DefaultKernelImageSize = 512 << 10
)

// Fixed sizes.
const (
	// KernelImageBase is the physical load address of the kernel image.
	KernelImageBase = 0x100000

	bootStackSize        = 4 * hostarch.PageSize
	doubleFaultStackSize = 4 * hostarch.PageSize

	// doubleFaultIST is the TSS interrupt stack used for #DF.
	doubleFaultIST = 1
)

var (
	kernelText = pagetables.MapOpts{AccessType: hostarch.ReadExec, Global: true}
	kernelData = pagetables.MapOpts{AccessType: hostarch.ReadWrite, Global: true}
)

// Config configures the kernel.
type Config struct {
	// TimerHz is the timer interrupt frequency.
	TimerHz int

	// HeapSize is the size of the kernel heap, page aligned.
	HeapSize uint64

	// KernelStackSize is the default kernel stack size of new processes.
	KernelStackSize uint64

	// KernelImageSize is the size of the kernel image at KernelImageBase.
	// Its frames are never allocated.
	KernelImageSize uint64

	// Debug turns frame allocator misuse into panics.
	Debug bool

	// SyscallTable is the syscall table to dispatch through. If nil, the
	// registered KC64 table is used.
	SyscallTable *SyscallTable
}

func (c *Config) setDefaults() {
	if c.TimerHz == 0 {
		c.TimerHz = DefaultTimerHz
	}
	if c.HeapSize == 0 {
		c.HeapSize = DefaultHeapSize
	}
	if c.KernelStackSize == 0 {
		c.KernelStackSize = DefaultKernelStackSize
	}
	if c.KernelImageSize == 0 {
		c.KernelImageSize = DefaultKernelImageSize
	}
}

// Stats are kernel event counters.
type Stats struct {
	Ticks      uint64 `json:"ticks" yaml:"ticks"`
	Switches   uint64 `json:"switches" yaml:"switches"`
	Syscalls   uint64 `json:"syscalls" yaml:"syscalls"`
	Keystrokes uint64 `json:"keystrokes" yaml:"keystrokes"`

	Frames pgalloc.Stats `json:"frames" yaml:"frames"`
	Heap   heap.Stats    `json:"heap" yaml:"heap"`
	CPU    ring0.Stats   `json:"cpu" yaml:"cpu"`
}

// Kernel is the kernel core.
type Kernel struct {
	m   *machine.Machine
	cpu *ring0.CPU
	cfg Config

	idt      *ring0.IDT
	console  console.Device
	syscalls *SyscallTable

	// keyLog reports keystrokes.
	keyLog log.Logger

	mu ring0.InterruptSafeMutex

	// frames is the physical frame allocator.
	//
	// +checklocks:mu
	frames *pgalloc.Allocator

	// kernelAS is the kernel address space.
	kernelAS *mm.AddressSpace

	// +checklocks:mu
	heap *heap.Heap

	// textNext is the next free kernel program address.
	//
	// +checklocks:mu
	textNext hostarch.Addr

	// processes is ordered by PID.
	//
	// +checklocks:mu
	processes *btree.BTreeG[*Process]

	// runQueue holds Ready processes in scheduling order.
	//
	// +checklocks:mu
	runQueue processList

	// current is the Running process; idle is PID 0.
	//
	// +checklocks:mu
	current *Process
	idle    *Process

	// +checklocks:mu
	nextPID PID

	// +checklocks:mu
	ticks uint64
	// +checklocks:mu
	switches uint64
	// +checklocks:mu
	syscallCount uint64
	// +checklocks:mu
	keystrokes uint64
}

// Boot initializes the kernel on m and leaves the processor in the idle
// context with interrupts enabled. Nothing runs until the machine does.
//
// The order follows the dependencies between subsystems: descriptor
// tables, interrupts, the frame allocator, the kernel address space, the
// heap, then processes.
func Boot(m *machine.Machine, cfg Config) (*Kernel, error) {
	cfg.setDefaults()
	table := cfg.SyscallTable
	if table == nil {
		var ok bool
		if table, ok = LookupSyscallTable(KC64); !ok {
			return nil, fmt.Errorf("no %s syscall table registered", KC64)
		}
	}
	k := &Kernel{
		m:        m,
		cpu:      m.CPU,
		cfg:      cfg,
		console:  m.Console(),
		syscalls: table,
		keyLog:   log.BasicRateLimitedLogger(100 * time.Millisecond),
		nextPID:  1,
		textNext: mm.KernelTextBase,
	}
	k.mu.Init(k.cpu)
	k.cpu.DisableInterrupts()

	// Descriptor tables.
	k.cpu.Install()
	k.idt = ring0.NewIDT()
	k.installHandlers()
	k.cpu.LoadIDT(k.idt)
	log.Infof("GDT, TSS and IDT installed")

	// Interrupt controller and timer.
	if err := pic.Remap(m.Bus, MasterVectorBase, SlaveVectorBase); err != nil {
		return nil, err
	}
	pic.MaskAll(m.Bus)
	pic.SetMask(m.Bus, pit.IRQ, false)
	pic.SetMask(m.Bus, keyboard.IRQ, false)
	if err := pit.Program(m.Bus, cfg.TimerHz); err != nil {
		return nil, err
	}
	if d, ok := k.console.(*console.Driver); ok {
		d.Init()
	}
	log.Infof("PIC remapped to %#x/%#x, timer at %d Hz", MasterVectorBase, SlaveVectorBase, cfg.TimerHz)

	// Physical memory.
	frames, err := pgalloc.New(m.MemoryMap)
	if err != nil {
		return nil, err
	}
	frames.Debug = cfg.Debug
	if err := frames.Reserve(KernelImageBase, cfg.KernelImageSize); err != nil {
		return nil, fmt.Errorf("reserving kernel image: %w", err)
	}
	k.frames = frames

	// Virtual memory.
	kas, err := mm.NewKernel(m.Memory, frames)
	if err != nil {
		return nil, fmt.Errorf("creating kernel address space: %w", err)
	}
	if err := kas.MapAnonymous(mm.BootStackBase, bootStackSize, kernelData); err != nil {
		return nil, fmt.Errorf("mapping boot stack: %w", err)
	}
	if err := kas.MapAnonymous(mm.DoubleFaultStackBase, doubleFaultStackSize, kernelData); err != nil {
		return nil, fmt.Errorf("mapping double fault stack: %w", err)
	}
	kas.Activate(k.cpu)
	k.kernelAS = kas
	bootStackTop := uint64(mm.BootStackBase) + bootStackSize
	k.cpu.SetPrivilege0Stack(bootStackTop)
	k.cpu.SetInterruptStack(doubleFaultIST, uint64(mm.DoubleFaultStackBase)+doubleFaultStackSize)

	// Heap.
	h, err := heap.New(kas, mm.KernelHeapBase, cfg.HeapSize)
	if err != nil {
		return nil, err
	}
	k.heap = h

	// Processes. The boot context becomes the idle process.
	k.processes = btree.NewG[*Process](8, func(a, b *Process) bool { return a.pid < b.pid })
	entry, err := k.LoadKernelText(IdleProgram())
	if err != nil {
		return nil, fmt.Errorf("loading idle program: %w", err)
	}
	k.idle = &Process{
		pid:             0,
		name:            "idle",
		state:           Running,
		kernelStack:     mm.BootStackBase,
		kernelStackSize: bootStackSize,
		regs:            ring0.KernelContext(uint64(entry), bootStackTop),
	}
	k.processes.ReplaceOrInsert(k.idle)
	k.current = k.idle
	regs := k.idle.regs
	regs.Eflags &^= ring0.FlagIF
	*k.cpu.Registers() = regs

	k.EnableInterrupts()
	log.Infof("Boot complete: %v, heap %d bytes free", frames.Stats(), h.Stats().Free)
	return k, nil
}

// EnableInterrupts sets IF. It panics if an exception vector has no handler.
func (k *Kernel) EnableInterrupts() {
	if err := k.idt.CheckExceptions(); err != nil {
		panic(fmt.Sprintf("enabling interrupts: %v", err))
	}
	k.cpu.EnableInterrupts()
}

// Machine returns the machine the kernel runs on.
func (k *Kernel) Machine() *machine.Machine {
	return k.m
}

// CPU returns the processor.
func (k *Kernel) CPU() *ring0.CPU {
	return k.cpu
}

// IDT returns the interrupt descriptor table.
func (k *Kernel) IDT() *ring0.IDT {
	return k.idt
}

// Console returns the console device.
func (k *Kernel) Console() console.Device {
	return k.console
}

// SyscallTable returns the syscall table in use.
func (k *Kernel) SyscallTable() *SyscallTable {
	return k.syscalls
}

// KernelAddressSpace returns the kernel address space.
func (k *Kernel) KernelAddressSpace() *mm.AddressSpace {
	return k.kernelAS
}

// Allocate allocates kernel memory from the heap.
func (k *Kernel) Allocate(size, align uint64) (hostarch.Addr, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.heap.Allocate(size, align)
}

// Deallocate returns kernel memory to the heap.
func (k *Kernel) Deallocate(addr hostarch.Addr, size uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.heap.Deallocate(addr, size)
}

// Ticks returns the number of timer interrupts handled.
func (k *Kernel) Ticks() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ticks
}

// Stats returns the kernel counters together with the allocator and
// processor statistics.
func (k *Kernel) Stats() Stats {
	k.mu.Lock()
	defer k.mu.Unlock()
	return Stats{
		Ticks:      k.ticks,
		Switches:   k.switches,
		Syscalls:   k.syscallCount,
		Keystrokes: k.keystrokes,
		Frames:     k.frames.Stats(),
		Heap:       k.heap.Stats(),
		CPU:        k.cpu.Stats(),
	}
}
