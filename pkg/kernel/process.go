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

package kernel

import (
	"errors"
	"fmt"

	"github.com/kcore-os/kcore/pkg/cleanup"
	"github.com/kcore-os/kcore/pkg/devices/console"
	"github.com/kcore-os/kcore/pkg/errors/kerr"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/ilist"
	"github.com/kcore-os/kcore/pkg/kernel/mm"
	"github.com/kcore-os/kcore/pkg/log"
	"github.com/kcore-os/kcore/pkg/ring0"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

// PID is a process ID. PID 0 is the idle process.
type PID int32

// State is a process state.
type State int

// Process states.
const (
	// Ready processes are on the run queue.
	Ready State = iota

	// Running is the process on the processor.
	Running

	// Blocked processes wait for an event. Nothing blocks yet.
	Blocked

	// Zombie processes have exited and wait to be reaped.
	Zombie
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Zombie:
		return "zombie"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Process is a process control block.
type Process struct {
	// Entry links the process into the run queue.
	ilist.Entry[*Process]

	pid   PID
	name  string
	state State

	// regs is the saved register file while the process is not running.
	regs ring0.Registers

	// kernelStack is the bottom of the process's kernel stack.
	kernelStack     hostarch.Addr
	kernelStackSize uint64

	// as is the user address space, or nil for kernel threads.
	as *mm.AddressSpace

	// textFrames are the frames holding the user program.
	textFrames []uintptr

	exitCode int

	// ticks counts timer interrupts taken while running; runs counts the
	// times the process was switched to.
	ticks uint64
	runs  uint64
}

type processList = ilist.List[*Process]

// PID returns the process ID.
func (p *Process) PID() PID {
	return p.pid
}

// kernelStackTop returns the initial stack pointer of the kernel stack.
func (p *Process) kernelStackTop() uint64 {
	return uint64(p.kernelStack) + p.kernelStackSize
}

// ProcessInfo is a snapshot of a process.
type ProcessInfo struct {
	PID       PID    `json:"pid" yaml:"pid"`
	Name      string `json:"name" yaml:"name"`
	State     State  `json:"state" yaml:"state"`
	User      bool   `json:"user" yaml:"user"`
	ExitCode  int    `json:"exit_code" yaml:"exit_code"`
	Ticks     uint64 `json:"ticks" yaml:"ticks"`
	Runs      uint64 `json:"runs" yaml:"runs"`
	UserPages int    `json:"user_pages" yaml:"user_pages"`
}

// Image is a user program.
type Image struct {
	// Name names the process.
	Name string

	// Text is loaded at mm.UserTextBase.
	Text ring0.Program

	// Data is copied to mm.UserDataBase, if not empty.
	Data []byte
}

// LoadKernelText loads prog into the kernel program area and returns its
// entry address. Kernel text is never unloaded.
func (k *Kernel) LoadKernelText(prog ring0.Program) (hostarch.Addr, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	size, ok := hostarch.PageRoundUp(prog.Size())
	if len(prog) == 0 || !ok {
		return 0, fmt.Errorf("%w: empty kernel program", kerr.EINVAL)
	}
	entry := k.textNext
	if end, ok := entry.AddLength(size); !ok || end > mm.KernelTextTop {
		return 0, fmt.Errorf("%w: kernel program area full", kerr.ENOMEM)
	}
	frames, err := k.loadText(k.kernelAS, entry, prog, kernelText)
	if err != nil {
		return 0, err
	}
	k.textNext += hostarch.Addr(size)
	log.Debugf("Kernel program of %d instructions at %#x (%d frames)", len(prog), entry, len(frames))
	return entry, nil
}

// loadText maps prog at virt in as, one frame per page, and registers
// its instructions with the processor.
//
// Preconditions: k.mu is held.
func (k *Kernel) loadText(as *mm.AddressSpace, virt hostarch.Addr, prog ring0.Program, opts pagetables.MapOpts) ([]uintptr, error) {
	const perPage = hostarch.PageSize / ring0.InstructionSize
	text := k.cpu.Text()
	var frames []uintptr
	cu := cleanup.Make(func() error {
		for i, f := range frames {
			text.Unload(f, hostarch.PageSize)
			if _, err := as.Unmap(k.cpu, virt+hostarch.Addr(i)*hostarch.PageSize); err != nil {
				return err
			}
			if err := k.frames.FreeFrame(f); err != nil {
				return err
			}
		}
		return nil
	})
	defer cu.CleanOrPanic("loading text")
	for i := 0; i < len(prog); i += perPage {
		chunk := prog[i:min(i+perPage, len(prog))]
		f, err := k.frames.AllocFrame()
		if err != nil {
			return nil, err
		}
		va := virt + hostarch.Addr(i/perPage)*hostarch.PageSize
		if err := as.Map(va, f, opts); err != nil {
			return nil, errors.Join(err, k.frames.FreeFrame(f))
		}
		frames = append(frames, f)
		if err := text.Load(f, chunk); err != nil {
			return nil, err
		}
	}
	cu.Release()
	return frames, nil
}

// allocPID returns the next PID.
//
// Preconditions: k.mu is held.
func (k *Kernel) allocPID() PID {
	pid := k.nextPID
	k.nextPID++
	return pid
}

// allocKernelStack allocates a kernel stack from the heap.
//
// Preconditions: k.mu is held.
func (k *Kernel) allocKernelStack(size uint64) (hostarch.Addr, uint64, error) {
	if size == 0 {
		size = k.cfg.KernelStackSize
	}
	size = hostarch.AlignUp(size, 16)
	addr, err := k.heap.Allocate(size, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("allocating kernel stack: %w", err)
	}
	return addr, size, nil
}

// enqueue makes p Ready and appends it to the run queue.
//
// Preconditions: k.mu is held.
func (k *Kernel) enqueue(p *Process) {
	p.state = Ready
	k.runQueue.PushBack(p)
}

// SpawnKernelThread creates a kernel thread starting at entry, which must
// be an address returned by LoadKernelText. A stackSize of zero selects the
// configured default.
func (k *Kernel) SpawnKernelThread(name string, entry hostarch.Addr, stackSize uint64) (PID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if entry < mm.KernelTextBase || entry >= k.textNext {
		return 0, fmt.Errorf("%w: entry %#x is not kernel text", kerr.EINVAL, entry)
	}
	stack, size, err := k.allocKernelStack(stackSize)
	if err != nil {
		return 0, err
	}
	p := &Process{
		pid:             k.allocPID(),
		name:            name,
		kernelStack:     stack,
		kernelStackSize: size,
	}
	p.regs = ring0.KernelContext(uint64(entry), p.kernelStackTop())
	k.processes.ReplaceOrInsert(p)
	k.enqueue(p)
	log.Infof("Spawned kernel thread %q as pid %d", name, p.pid)
	return p.pid, nil
}

// SpawnUser creates a user process running img in its own address space.
func (k *Kernel) SpawnUser(img Image) (PID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(img.Text) == 0 {
		return 0, fmt.Errorf("%w: image %q has no text", kerr.EINVAL, img.Name)
	}
	textSize, _ := hostarch.PageRoundUp(img.Text.Size())
	if textSize > uint64(mm.UserDataBase-mm.UserTextBase) {
		return 0, fmt.Errorf("%w: image %q text too large", kerr.EINVAL, img.Name)
	}
	as, err := k.kernelAS.NewUser()
	if err != nil {
		return 0, err
	}
	p := &Process{name: img.Name, as: as}
	cu := cleanup.Make(func() error {
		k.releaseUser(p)
		return nil
	})
	defer cu.CleanOrPanic("spawning user process")

	userText := pagetables.MapOpts{AccessType: hostarch.ReadExec, User: true}
	userData := pagetables.MapOpts{AccessType: hostarch.ReadWrite, User: true}
	if p.textFrames, err = k.loadText(as, mm.UserTextBase, img.Text, userText); err != nil {
		return 0, err
	}
	if len(img.Data) > 0 {
		size, ok := hostarch.PageRoundUp(uint64(len(img.Data)))
		if !ok || size > uint64(mm.UserStackTop-mm.UserStackSize-mm.UserDataBase) {
			return 0, fmt.Errorf("%w: image %q data too large", kerr.EINVAL, img.Name)
		}
		if err := as.MapAnonymous(mm.UserDataBase, size, userData); err != nil {
			return 0, err
		}
		if err := as.CopyOut(mm.UserDataBase, img.Data); err != nil {
			return 0, err
		}
	}
	if err := as.MapAnonymous(mm.UserStackTop-mm.UserStackSize, mm.UserStackSize, userData); err != nil {
		return 0, err
	}
	stack, size, err := k.allocKernelStack(0)
	if err != nil {
		return 0, err
	}
	p.kernelStack, p.kernelStackSize = stack, size
	cu.Release()

	p.pid = k.allocPID()
	p.regs = ring0.UserContext(uint64(mm.UserTextBase), uint64(mm.UserStackTop))
	k.processes.ReplaceOrInsert(p)
	k.enqueue(p)
	log.Infof("Spawned user process %q as pid %d (%d text pages)", img.Name, p.pid, len(p.textFrames))
	return p.pid, nil
}

// releaseUser frees the user resources of p: its program text, its address
// space and its kernel stack.
//
// Preconditions: k.mu is held. p is not running.
func (k *Kernel) releaseUser(p *Process) {
	for _, f := range p.textFrames {
		k.cpu.Text().Unload(f, hostarch.PageSize)
	}
	p.textFrames = nil
	if p.as != nil {
		if err := p.as.Release(); err != nil {
			panic(fmt.Sprintf("releasing address space of pid %d: %v", p.pid, err))
		}
		p.as = nil
	}
	if p.kernelStackSize != 0 {
		if err := k.heap.Deallocate(p.kernelStack, p.kernelStackSize); err != nil {
			panic(fmt.Sprintf("freeing kernel stack of pid %d: %v", p.pid, err))
		}
		p.kernelStackSize = 0
	}
}

// Exit terminates the current process with code, replacing live with the
// context of the next process. The exiting process never runs again.
func (k *Kernel) Exit(live *ring0.Registers, code int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p := k.current
	if p == k.idle {
		return fmt.Errorf("%w: the idle process cannot exit", kerr.EPERM)
	}
	p.state = Zombie
	p.exitCode = code
	console.Both(k.console, []byte(fmt.Sprintf("Process %d exiting with code: %d\n", p.pid, code)))
	log.Infof("Process %d (%s) exited with code %d", p.pid, p.name, code)
	k.schedule(live)
	return nil
}

// Reap removes a zombie process and returns its exit code.
func (k *Kernel) Reap(pid PID) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.reapLocked(pid)
}

// Preconditions: k.mu is held.
func (k *Kernel) reapLocked(pid PID) (int, error) {
	p, ok := k.processes.Get(&Process{pid: pid})
	if !ok {
		return 0, fmt.Errorf("%w: pid %d", kerr.ESRCH, pid)
	}
	if p.state != Zombie {
		return 0, fmt.Errorf("%w: pid %d is %v", kerr.EBUSY, pid, p.state)
	}
	k.releaseUser(p)
	k.processes.Delete(p)
	log.Debugf("Reaped pid %d", pid)
	return p.exitCode, nil
}

// ExitStatus is the exit code of a reaped process.
type ExitStatus struct {
	PID  PID `json:"pid" yaml:"pid"`
	Code int `json:"code" yaml:"code"`
}

// ReapZombies reaps every zombie in PID order.
func (k *Kernel) ReapZombies() []ExitStatus {
	k.mu.Lock()
	defer k.mu.Unlock()
	var zombies []PID
	k.processes.Ascend(func(p *Process) bool {
		if p.state == Zombie {
			zombies = append(zombies, p.pid)
		}
		return true
	})
	var reaped []ExitStatus
	for _, pid := range zombies {
		code, err := k.reapLocked(pid)
		if err != nil {
			panic(fmt.Sprintf("reaping zombie %d: %v", pid, err))
		}
		reaped = append(reaped, ExitStatus{PID: pid, Code: code})
	}
	return reaped
}

// Processes returns a snapshot of the process table in PID order.
func (k *Kernel) Processes() []ProcessInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	var ps []ProcessInfo
	k.processes.Ascend(func(p *Process) bool {
		info := ProcessInfo{
			PID:      p.pid,
			Name:     p.name,
			State:    p.state,
			User:     p.as != nil,
			ExitCode: p.exitCode,
			Ticks:    p.ticks,
			Runs:     p.runs,
		}
		if p.as != nil {
			info.UserPages = p.as.UserPages()
		}
		ps = append(ps, info)
		return true
	})
	return ps
}

// Current returns the PID of the running process.
func (k *Kernel) Current() PID {
	return k.currentPID()
}
