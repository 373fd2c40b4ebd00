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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/kcore-os/kcore/pkg/devices/console"
	"github.com/kcore-os/kcore/pkg/errors/kerr"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/kernel/mm"
	"github.com/kcore-os/kcore/pkg/ring0"
)

func TestSpawnKernelThread(t *testing.T) {
	k := newKernel(t, Config{})
	entry := spinEntry(t, k)
	heapBefore := k.Stats().Heap.Used
	pid := spawn(t, k, "worker", entry)
	if pid != 1 {
		t.Errorf("first PID = %d, want 1", pid)
	}
	if next := spawn(t, k, "worker2", entry); next != pid+1 {
		t.Errorf("second PID = %d, want %d", next, pid+1)
	}
	if used := k.Stats().Heap.Used - heapBefore; used != 2*DefaultKernelStackSize {
		t.Errorf("kernel stacks use %d heap bytes, want %d", used, 2*DefaultKernelStackSize)
	}
	want := []ProcessInfo{
		{PID: 0, Name: "idle", State: Running},
		{PID: 1, Name: "worker", State: Ready},
		{PID: 2, Name: "worker2", State: Ready},
	}
	if diff := cmp.Diff(want, k.Processes()); diff != "" {
		t.Errorf("Processes mismatch (-want +got):\n%s", diff)
	}

	k.mu.Lock()
	p, _ := k.processes.Get(&Process{pid: pid})
	regs := p.regs
	k.mu.Unlock()
	wantRegs := ring0.KernelContext(uint64(entry), p.kernelStackTop())
	if diff := cmp.Diff(wantRegs, regs); diff != "" {
		t.Errorf("initial context mismatch (-want +got):\n%s", diff)
	}
	if !regs.InterruptsEnabled() {
		t.Errorf("kernel thread starts with interrupts disabled")
	}
}

func TestSpawnKernelThreadRejectsEntry(t *testing.T) {
	k := newKernel(t, Config{})
	for _, entry := range []hostarch.Addr{0, mm.UserTextBase, mm.KernelTextTop, mm.KernelHeapBase} {
		if _, err := k.SpawnKernelThread("bad", entry, 0); !errors.Is(err, kerr.EINVAL) {
			t.Errorf("SpawnKernelThread(%#x) = %v, want EINVAL", entry, err)
		}
	}
}

func TestSpawnKernelThreadOutOfMemory(t *testing.T) {
	k := newKernel(t, Config{HeapSize: 4 * hostarch.PageSize})
	entry := spinEntry(t, k)
	if _, err := k.SpawnKernelThread("huge", entry, 8*hostarch.PageSize); !errors.Is(err, kerr.ENOMEM) {
		t.Errorf("SpawnKernelThread with a stack larger than the heap = %v, want ENOMEM", err)
	}
	if n := len(k.Processes()); n != 1 {
		t.Errorf("%d processes after a failed spawn, want 1", n)
	}
}

func TestExitAndReap(t *testing.T) {
	var out strings.Builder
	k := newKernel(t, Config{})
	k.console = &console.Buffer{}
	entry := spinEntry(t, k)
	heapBefore := k.Stats().Heap
	a := spawn(t, k, "a", entry)
	b := spawn(t, k, "b", entry)

	live := *k.CPU().Registers()
	k.Schedule(&live)
	if err := k.Exit(&live, 3); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if k.Current() != b {
		t.Errorf("Current after exit = %d, want %d", k.Current(), b)
	}
	out.WriteString(k.console.(*console.Buffer).String(console.Serial))
	if want := "Process 1 exiting with code: 3\n"; out.String() != want {
		t.Errorf("console = %q, want %q", out.String(), want)
	}

	if _, err := k.Reap(b); !errors.Is(err, kerr.EBUSY) {
		t.Errorf("Reap(running) = %v, want EBUSY", err)
	}
	code, err := k.Reap(a)
	if err != nil || code != 3 {
		t.Errorf("Reap(%d) = %d, %v, want 3, nil", a, code, err)
	}
	if _, err := k.Reap(a); !errors.Is(err, kerr.ESRCH) {
		t.Errorf("second Reap = %v, want ESRCH", err)
	}

	// b exits too; nothing is left but idle.
	if err := k.Exit(&live, 0); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if k.Current() != 0 {
		t.Errorf("Current = %d, want idle", k.Current())
	}
	want := []ExitStatus{{PID: b, Code: 0}}
	if diff := cmp.Diff(want, k.ReapZombies()); diff != "" {
		t.Errorf("ReapZombies mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(heapBefore, k.Stats().Heap, cmpopts.IgnoreFields(heapBefore, "Allocations", "Frees")); diff != "" {
		t.Errorf("kernel stacks leaked (-before +after):\n%s", diff)
	}
}

func TestIdleCannotExit(t *testing.T) {
	k := newKernel(t, Config{})
	live := *k.CPU().Registers()
	if err := k.Exit(&live, 1); !errors.Is(err, kerr.EPERM) {
		t.Errorf("Exit from idle = %v, want EPERM", err)
	}
}

func TestSpawnUser(t *testing.T) {
	k := newKernel(t, Config{})
	framesBefore := k.Stats().Frames
	img := Image{
		Name: "user",
		Text: ring0.Program{ring0.Inc(ring0.RBX), ring0.JmpRel(-2)},
		Data: []byte("data"),
	}
	pid, err := k.SpawnUser(img)
	if err != nil {
		t.Fatalf("SpawnUser: %v", err)
	}
	procs := k.Processes()
	// Text, data and four stack pages.
	want := ProcessInfo{PID: pid, Name: "user", State: Ready, User: true, UserPages: 6}
	if diff := cmp.Diff(want, procs[len(procs)-1]); diff != "" {
		t.Errorf("ProcessInfo mismatch (-want +got):\n%s", diff)
	}

	k.mu.Lock()
	p, _ := k.processes.Get(&Process{pid: pid})
	k.mu.Unlock()
	if diff := cmp.Diff(ring0.UserContext(uint64(mm.UserTextBase), uint64(mm.UserStackTop)), p.regs); diff != "" {
		t.Errorf("initial context mismatch (-want +got):\n%s", diff)
	}
	b, err := p.as.CopyInUser(mm.UserDataBase, 4)
	if err != nil || string(b) != "data" {
		t.Errorf("CopyInUser(data) = %q, %v, want \"data\"", b, err)
	}
	if _, opts, ok := p.as.Lookup(mm.UserTextBase); !ok || !opts.User || opts.AccessType.Write {
		t.Errorf("text mapping = %+v, %v, want user read-only", opts, ok)
	}

	// Switch to it, then away, and make it exit.
	live := *k.CPU().Registers()
	k.Schedule(&live)
	if !p.as.Active(k.CPU()) {
		t.Errorf("user address space not active after the switch")
	}
	if err := k.Exit(&live, 0); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if !k.KernelAddressSpace().Active(k.CPU()) {
		t.Errorf("kernel address space not active after exit")
	}
	if _, err := k.Reap(pid); err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if diff := cmp.Diff(framesBefore, k.Stats().Frames); diff != "" {
		t.Errorf("frames leaked (-before +after):\n%s", diff)
	}
}

func TestSpawnUserRejects(t *testing.T) {
	k := newKernel(t, Config{})
	framesBefore := k.Stats().Frames
	big := make(ring0.Program, (mm.UserDataBase-mm.UserTextBase)/ring0.InstructionSize+1)
	for i := range big {
		big[i] = ring0.Nop()
	}
	for _, tc := range []struct {
		name string
		img  Image
	}{
		{"no text", Image{Name: "empty"}},
		{"text too large", Image{Name: "big", Text: big}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := k.SpawnUser(tc.img); !errors.Is(err, kerr.EINVAL) {
				t.Errorf("SpawnUser = %v, want EINVAL", err)
			}
		})
	}
	if diff := cmp.Diff(framesBefore, k.Stats().Frames); diff != "" {
		t.Errorf("frames leaked (-before +after):\n%s", diff)
	}
}

func TestLoadKernelText(t *testing.T) {
	k := newKernel(t, Config{})
	prog := make(ring0.Program, 600)
	for i := range prog {
		prog[i] = ring0.Nop()
	}
	a, err := k.LoadKernelText(prog)
	if err != nil {
		t.Fatalf("LoadKernelText: %v", err)
	}
	b, err := k.LoadKernelText(IdleProgram())
	if err != nil {
		t.Fatalf("LoadKernelText: %v", err)
	}
	// 600 instructions take two pages.
	if b != a+2*hostarch.PageSize {
		t.Errorf("second program at %#x, want %#x", b, a+2*hostarch.PageSize)
	}
	if _, err := k.LoadKernelText(nil); !errors.Is(err, kerr.EINVAL) {
		t.Errorf("LoadKernelText(empty) = %v, want EINVAL", err)
	}
	if _, opts, ok := k.KernelAddressSpace().Lookup(a); !ok || opts.User || opts.AccessType.Write || !opts.AccessType.Execute {
		t.Errorf("kernel text mapping = %+v, %v, want supervisor read-exec", opts, ok)
	}
}
