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

// Package workload provides the demonstration programs run by kcore boot
// and by the end-to-end tests.
package workload

import (
	"encoding/binary"
	"fmt"

	"github.com/kcore-os/kcore/pkg/abi/kcore"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/kernel"
	"github.com/kcore-os/kcore/pkg/kernel/mm"
	"github.com/kcore-os/kcore/pkg/ring0"
)

// CounterProgram increments the eight bytes at addr forever.
func CounterProgram(addr hostarch.Addr) ring0.Program {
	return ring0.Program{
		ring0.IncMem(uint64(addr)),
		ring0.JmpRel(-2),
	}
}

// Counter is a kernel thread that increments a heap word.
type Counter struct {
	PID  kernel.PID
	Addr hostarch.Addr
}

// SpawnCounters starts n counter threads, each with its own zeroed heap
// word.
func SpawnCounters(k *kernel.Kernel, n int) ([]Counter, error) {
	var cs []Counter
	for i := 0; i < n; i++ {
		addr, err := k.Allocate(8, 8)
		if err != nil {
			return nil, err
		}
		if err := k.KernelAddressSpace().CopyOut(addr, make([]byte, 8)); err != nil {
			return nil, err
		}
		entry, err := k.LoadKernelText(CounterProgram(addr))
		if err != nil {
			return nil, err
		}
		pid, err := k.SpawnKernelThread(fmt.Sprintf("counter-%d", i), entry, 0)
		if err != nil {
			return nil, err
		}
		cs = append(cs, Counter{PID: pid, Addr: addr})
	}
	return cs, nil
}

// Read returns the current value of c.
func (c Counter) Read(k *kernel.Kernel) (uint64, error) {
	b, err := k.KernelAddressSpace().CopyIn(c.Addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// syscall returns the instructions of a syscall with up to three
// arguments.
func syscall(sysno uintptr, args ...uint64) ring0.Program {
	regs := []ring0.Reg{ring0.RDI, ring0.RSI, ring0.RDX}
	p := ring0.Program{ring0.MovImm(ring0.RAX, uint64(sysno))}
	for i, a := range args {
		p = append(p, ring0.MovImm(regs[i], a))
	}
	return append(p, ring0.Int(kcore.SyscallVector))
}

// Hello returns a user image that writes msg to fd and exits with code.
func Hello(name string, fd int, msg string, code int) kernel.Image {
	var text ring0.Program
	text = append(text, syscall(kcore.SYS_WRITE, uint64(fd), uint64(mm.UserDataBase), uint64(len(msg)))...)
	text = append(text, syscall(kcore.SYS_EXIT, uint64(code))...)
	// exit does not return.
	text = append(text, ring0.Ud2())
	return kernel.Image{
		Name: name,
		Text: text,
		Data: []byte(msg),
	}
}

// Spinner returns a user image that loops forever without making
// syscalls.
func Spinner(name string) kernel.Image {
	return kernel.Image{
		Name: name,
		Text: ring0.Program{
			ring0.Inc(ring0.RBX),
			ring0.JmpRel(-2),
		},
	}
}

// Demo starts the standard workload: three counters and a user process
// that greets the console.
func Demo(k *kernel.Kernel) ([]Counter, kernel.PID, error) {
	cs, err := SpawnCounters(k, 3)
	if err != nil {
		return nil, 0, err
	}
	pid, err := k.SpawnUser(Hello("hello", kcore.STDOUT_FILENO, "Hello from user mode!\n", 0))
	if err != nil {
		return nil, 0, err
	}
	return cs, pid, nil
}
