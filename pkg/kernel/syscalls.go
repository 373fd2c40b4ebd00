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
	"fmt"
	"sort"

	"github.com/kcore-os/kcore/pkg/devices/console"
	"github.com/kcore-os/kcore/pkg/errors/kerr"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/kernel/mm"
	"github.com/kcore-os/kcore/pkg/log"
	"github.com/kcore-os/kcore/pkg/ring0"
)

// KC64 names the native syscall ABI: int 0x80 with the number in RAX and
// arguments in RDI, RSI, RDX, R10, R8 and R9.
const KC64 = "KC64"

// SyscallArgument is an argument supplied to a syscall implementation.
type SyscallArgument struct {
	Value uintptr
}

// SyscallArguments represents the set of arguments passed to a syscall.
type SyscallArguments [6]SyscallArgument

// Pointer returns the hostarch.Addr representation of a pointer argument.
func (a SyscallArgument) Pointer() hostarch.Addr {
	return hostarch.Addr(a.Value)
}

// Int returns the int32 representation of a 32-bit signed integer argument.
func (a SyscallArgument) Int() int32 {
	return int32(a.Value)
}

// SizeT returns the uint representation of a size_t argument.
func (a SyscallArgument) SizeT() uint {
	return uint(a.Value)
}

// SyscallControl is returned by syscalls to control the behavior of
// handleSyscall.
type SyscallControl struct {
	// ignoreReturn is set if the return value must not be stored in RAX,
	// because the caller no longer runs.
	ignoreReturn bool
}

// CtrlDoExit is returned by the implementations of the exit syscall.
var CtrlDoExit = &SyscallControl{ignoreReturn: true}

// SyscallFn is a syscall implementation.
type SyscallFn func(t *Task, args SyscallArguments) (uintptr, *SyscallControl, error)

// Syscall includes the syscall implementation and some metadata.
type Syscall struct {
	// Name is the syscall name.
	Name string

	// Fn is the implementation of the syscall.
	Fn SyscallFn

	// Supported is false for syscalls that are declared but always fail
	// with ENOTSUP.
	Supported bool
}

// SyscallTable is a lookup table of system calls.
type SyscallTable struct {
	// ABI names the calling convention, e.g. KC64.
	ABI string

	// Table is the collection of functions.
	Table map[uintptr]Syscall
}

// allSyscallTables contains all known tables.
var allSyscallTables []*SyscallTable

// RegisterSyscallTable registers a new syscall table for use by a Kernel.
func RegisterSyscallTable(s *SyscallTable) {
	allSyscallTables = append(allSyscallTables, s)
}

// LookupSyscallTable returns the registered table for abi.
func LookupSyscallTable(abi string) (*SyscallTable, bool) {
	for _, s := range allSyscallTables {
		if s.ABI == abi {
			return s, true
		}
	}
	return nil, false
}

// Lookup returns the syscall implementation, if one exists.
func (s *SyscallTable) Lookup(sysno uintptr) SyscallFn {
	if sc, ok := s.Table[sysno]; ok {
		return sc.Fn
	}
	return nil
}

// SyscallEntry describes one table entry.
type SyscallEntry struct {
	Number    uintptr `json:"number" yaml:"number"`
	Name      string  `json:"name" yaml:"name"`
	Supported bool    `json:"supported" yaml:"supported"`
}

// Entries returns the table sorted by number.
func (s *SyscallTable) Entries() []SyscallEntry {
	es := make([]SyscallEntry, 0, len(s.Table))
	for n, sc := range s.Table {
		es = append(es, SyscallEntry{Number: n, Name: sc.Name, Supported: sc.Supported})
	}
	sort.Slice(es, func(i, j int) bool { return es[i].Number < es[j].Number })
	return es
}

// Task is the calling process as seen by a syscall implementation. It is
// valid only for the duration of the call.
type Task struct {
	k  *Kernel
	p  *Process
	tf *ring0.TrapFrame
}

// Kernel returns the kernel.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// PID returns the caller's process ID.
func (t *Task) PID() PID {
	return t.p.pid
}

// FromUser returns true if the call was made from ring 3.
func (t *Task) FromUser() bool {
	return t.tf.FromUser()
}

// CopyIn copies n bytes at addr from the caller's memory. Ring 3 callers
// may only name user accessible lower half memory.
func (t *Task) CopyIn(addr hostarch.Addr, n int) ([]byte, error) {
	if t.FromUser() {
		return t.p.as.CopyInUser(addr, n)
	}
	if t.p.as != nil {
		return t.p.as.CopyIn(addr, n)
	}
	return t.k.kernelAS.CopyIn(addr, n)
}

// Write writes b to the console destination.
func (t *Task) Write(dest console.Destination, b []byte) (int, error) {
	return t.k.console.WriteBytes(dest, b)
}

// Exit terminates the caller. The syscall must return CtrlDoExit.
func (t *Task) Exit(code int) error {
	return t.k.Exit(&t.tf.Regs, code)
}

// AddressSpace returns the caller's address space.
func (t *Task) AddressSpace() *mm.AddressSpace {
	if t.p.as != nil {
		return t.p.as
	}
	return t.k.kernelAS
}

// handleSyscall dispatches int 0x80. The implementation runs without the
// kernel lock held.
func (k *Kernel) handleSyscall(c *ring0.CPU, tf *ring0.TrapFrame) {
	k.mu.Lock()
	k.syscallCount++
	p := k.current
	k.mu.Unlock()

	sysno := tf.Regs.SyscallNo()
	fn := k.syscalls.Lookup(sysno)
	if fn == nil {
		log.Debugf("Unknown syscall %d from pid %d", sysno, p.pid)
		tf.Regs.SetReturn(kerr.ToReturn(kerr.ENOSYS))
		return
	}
	var args SyscallArguments
	for i, v := range tf.Regs.SyscallArgs() {
		args[i] = SyscallArgument{Value: v}
	}
	t := &Task{k: k, p: p, tf: tf}
	rval, ctrl, err := fn(t, args)
	if ctrl != nil && ctrl.ignoreReturn {
		return
	}
	if err != nil {
		log.Debugf("Syscall %d from pid %d: %v", sysno, p.pid, err)
		rval = kerr.ToReturn(err)
	}
	tf.Regs.SetReturn(rval)
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	return fmt.Sprintf("Task{pid: %d}", t.p.pid)
}
