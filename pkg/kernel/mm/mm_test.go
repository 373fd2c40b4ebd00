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

package mm

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kcore-os/kcore/pkg/errors/kerr"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/kernel/pgalloc"
	"github.com/kcore-os/kcore/pkg/physmem"
	"github.com/kcore-os/kcore/pkg/ring0"
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

var (
	kernelRW = pagetables.MapOpts{AccessType: hostarch.ReadWrite, Global: true}
	userRW   = pagetables.MapOpts{AccessType: hostarch.ReadWrite, User: true}
	userRO   = pagetables.MapOpts{AccessType: hostarch.Read, User: true}
)

type env struct {
	mem    *physmem.Memory
	frames *pgalloc.Allocator
	kernel *AddressSpace
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mem, err := physmem.New(4 << 20)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { mem.Release() })
	frames, err := pgalloc.New(physmem.DefaultMemoryMap(4 << 20))
	if err != nil {
		t.Fatalf("pgalloc.New: %v", err)
	}
	k, err := NewKernel(mem, frames)
	if err != nil {
		t.Fatalf("NewKernel: %v", err)
	}
	return &env{mem: mem, frames: frames, kernel: k}
}

func (e *env) frame(t *testing.T) uintptr {
	t.Helper()
	f, err := e.frames.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	return f
}

func TestMapTranslateUnmap(t *testing.T) {
	e := newEnv(t)
	f := e.frame(t)
	va := KernelHeapBase + 0x5000
	if err := e.kernel.Map(va, f, kernelRW); err != nil {
		t.Fatalf("Map: %v", err)
	}
	got, err := e.kernel.Translate(va + 0x123)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != f+0x123 {
		t.Errorf("Translate = %#x, want %#x", got, f+0x123)
	}
	if err := e.kernel.Map(va, e.frame(t), kernelRW); !errors.Is(err, ErrAlreadyMapped) || !errors.Is(err, kerr.EEXIST) {
		t.Errorf("remap = %v, want ErrAlreadyMapped", err)
	}
	old, err := e.kernel.Unmap(nil, va)
	if err != nil || old != f {
		t.Errorf("Unmap = %#x, %v, want %#x", old, err, f)
	}
	if _, err := e.kernel.Translate(va); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Translate after Unmap = %v, want ErrNotMapped", err)
	}
	if _, err := e.kernel.Unmap(nil, va); !errors.Is(err, ErrNotMapped) {
		t.Errorf("second Unmap = %v, want ErrNotMapped", err)
	}
}

func TestMapRejects(t *testing.T) {
	e := newEnv(t)
	user, err := e.kernel.NewUser()
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	for _, tc := range []struct {
		name string
		as   *AddressSpace
		virt hostarch.Addr
		phys uintptr
		opts pagetables.MapOpts
	}{
		{"user flag on kernel half", e.kernel, KernelHeapBase, 0x200000, userRW},
		{"kernel half through user space", user, KernelHeapBase, 0x200000, kernelRW},
		{"unaligned virtual", e.kernel, KernelHeapBase + 8, 0x200000, kernelRW},
		{"unaligned physical", user, UserDataBase, 0x200008, userRW},
		{"non-canonical", e.kernel, 0x0000900000000000, 0x200000, kernelRW},
		{"below shared kernel tables", e.kernel, KernelHalf, 0x200000, kernelRW},
		{"last unshared kernel page", e.kernel, KernelSharedBase - hostarch.PageSize, 0x200000, kernelRW},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.as.Map(tc.virt, tc.phys, tc.opts); !errors.Is(err, kerr.EINVAL) {
				t.Errorf("Map = %v, want EINVAL", err)
			}
		})
	}
}

func TestUserSharesKernelHalf(t *testing.T) {
	e := newEnv(t)
	user, err := e.kernel.NewUser()
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	// Mapped after the user space was created.
	f := e.frame(t)
	if err := e.kernel.Map(KernelHeapBase, f, kernelRW); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got, err := user.Translate(KernelHeapBase); err != nil || got != f {
		t.Errorf("user Translate(kernel) = %#x, %v, want %#x", got, err, f)
	}
	uf := e.frame(t)
	if err := user.Map(UserDataBase, uf, userRW); err != nil {
		t.Fatalf("user Map: %v", err)
	}
	if _, err := e.kernel.Translate(UserDataBase); !errors.Is(err, ErrNotMapped) {
		t.Errorf("user mapping visible in the kernel space: %v", err)
	}
}

func TestMapAnonymous(t *testing.T) {
	e := newEnv(t)
	before := e.frames.Stats().Free
	if err := e.kernel.MapAnonymous(KernelHeapBase, 4*hostarch.PageSize, kernelRW); err != nil {
		t.Fatalf("MapAnonymous: %v", err)
	}
	for i := hostarch.Addr(0); i < 4; i++ {
		f, err := e.kernel.Translate(KernelHeapBase + i*hostarch.PageSize)
		if err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
		b, _ := e.mem.Slice(f, hostarch.PageSize)
		for _, v := range b {
			if v != 0 {
				t.Fatalf("page %d not zeroed", i)
			}
		}
	}
	if used := before - e.frames.Stats().Free; used < 4 {
		t.Errorf("%d frames used, want at least 4", used)
	}
}

func TestMapAnonymousRollsBack(t *testing.T) {
	e := newEnv(t)
	// Block the fourth page so the range fails part way.
	blocker := e.frame(t)
	if err := e.kernel.Map(KernelHeapBase+3*hostarch.PageSize, blocker, kernelRW); err != nil {
		t.Fatalf("Map: %v", err)
	}
	before := e.frames.Stats()
	err := e.kernel.MapAnonymous(KernelHeapBase, 4*hostarch.PageSize, kernelRW)
	if !errors.Is(err, ErrAlreadyMapped) {
		t.Fatalf("MapAnonymous = %v, want ErrAlreadyMapped", err)
	}
	for i := hostarch.Addr(0); i < 3; i++ {
		if _, err := e.kernel.Translate(KernelHeapBase + i*hostarch.PageSize); err == nil {
			t.Errorf("page %d left mapped", i)
		}
	}
	if diff := cmp.Diff(before, e.frames.Stats()); diff != "" {
		t.Errorf("frames leaked (-before +after):\n%s", diff)
	}
}

// failingFrees is a frame source whose frees always fail.
type failingFrees struct {
	*pgalloc.Allocator
}

var errFree = errors.New("free failed")

func (failingFrees) FreeFrame(uintptr) error {
	return errFree
}

func TestMapAnonymousReportsFreeErrors(t *testing.T) {
	e := newEnv(t)
	k, err := NewKernel(e.mem, failingFrees{e.frames})
	if err != nil {
		t.Fatalf("NewKernel: %v", err)
	}
	if err := k.Map(KernelHeapBase, e.frame(t), kernelRW); err != nil {
		t.Fatalf("Map: %v", err)
	}
	err = k.MapAnonymous(KernelHeapBase, hostarch.PageSize, kernelRW)
	if !errors.Is(err, ErrAlreadyMapped) {
		t.Errorf("MapAnonymous = %v, want ErrAlreadyMapped", err)
	}
	if !errors.Is(err, errFree) {
		t.Errorf("MapAnonymous = %v, want the free error as well", err)
	}
}

func TestMapAnonymousOutOfMemory(t *testing.T) {
	e := newEnv(t)
	free := e.frames.Stats().Free
	err := e.kernel.MapAnonymous(KernelHeapBase, (free+1)*hostarch.PageSize, kernelRW)
	if !errors.Is(err, kerr.ENOMEM) {
		t.Fatalf("MapAnonymous = %v, want ENOMEM", err)
	}
	if got := e.frames.Stats().Free; got+16 < free {
		// Intermediate tables stay allocated; leaves do not.
		t.Errorf("free frames %d -> %d", free, got)
	}
}

func TestCopyInUser(t *testing.T) {
	e := newEnv(t)
	user, err := e.kernel.NewUser()
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	if err := user.MapAnonymous(UserDataBase, 2*hostarch.PageSize, userRW); err != nil {
		t.Fatalf("MapAnonymous: %v", err)
	}
	if err := e.kernel.MapAnonymous(KernelHeapBase, hostarch.PageSize, kernelRW); err != nil {
		t.Fatalf("MapAnonymous: %v", err)
	}
	msg := []byte("spans a page boundary")
	at := UserDataBase + hostarch.PageSize - 5
	if err := user.CopyOut(at, msg); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	got, err := user.CopyInUser(at, len(msg))
	if err != nil {
		t.Fatalf("CopyInUser: %v", err)
	}
	if string(got) != string(msg) {
		t.Errorf("CopyInUser = %q, want %q", got, msg)
	}

	for _, tc := range []struct {
		name string
		addr hostarch.Addr
		n    int
	}{
		{"unmapped", UserTextBase, 8},
		{"runs off the mapping", UserDataBase + 2*hostarch.PageSize - 4, 8},
		{"kernel address", KernelHeapBase, 8},
		{"crosses into the kernel half", UserTop - 4, 8},
		{"negative length", UserDataBase, -1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := user.CopyInUser(tc.addr, tc.n); !errors.Is(err, kerr.EFAULT) {
				t.Errorf("CopyInUser(%#x, %d) = %v, want EFAULT", tc.addr, tc.n, err)
			}
		})
	}
	if _, err := user.CopyIn(KernelHeapBase, 8); err != nil {
		t.Errorf("CopyIn(kernel) = %v", err)
	}
}

func TestCopyInUserRequiresUserPages(t *testing.T) {
	e := newEnv(t)
	// A supervisor-only page in the lower half.
	if err := e.kernel.Map(UserDataBase, e.frame(t), pagetables.MapOpts{AccessType: hostarch.ReadWrite}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if _, err := e.kernel.CopyInUser(UserDataBase, 8); !errors.Is(err, kerr.EFAULT) {
		t.Errorf("CopyInUser of a supervisor page = %v, want EFAULT", err)
	}
}

func TestCopyOutReadOnly(t *testing.T) {
	e := newEnv(t)
	user, _ := e.kernel.NewUser()
	if err := user.MapAnonymous(UserTextBase, hostarch.PageSize, userRO); err != nil {
		t.Fatalf("MapAnonymous: %v", err)
	}
	if err := user.CopyOut(UserTextBase, []byte("x")); !errors.Is(err, kerr.EFAULT) {
		t.Errorf("CopyOut to read-only page = %v, want EFAULT", err)
	}
}

func TestActivateAndInvalidate(t *testing.T) {
	e := newEnv(t)
	c := ring0.NewCPU(e.mem, ring0.NewText())
	c.Install()
	f := e.frame(t)
	va := KernelHeapBase
	if err := e.kernel.Map(va, f, kernelRW); err != nil {
		t.Fatalf("Map: %v", err)
	}
	e.kernel.Activate(c)
	if !e.kernel.Active(c) {
		t.Fatalf("kernel space not active after Activate")
	}
	if err := c.Store64(uint64(va), 42); err != nil {
		t.Fatalf("Store64: %v", err)
	}
	if _, err := e.kernel.Unmap(c, va); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	// The cached translation must be gone.
	if _, err := c.Load64(uint64(va)); err == nil {
		t.Errorf("Load64 after Unmap succeeded")
	}

	user, _ := e.kernel.NewUser()
	user.Activate(c)
	if e.kernel.Active(c) || !user.Active(c) {
		t.Errorf("Activate did not switch address spaces")
	}
}

func TestKernelUnmapInvalidatesUnderUserCR3(t *testing.T) {
	e := newEnv(t)
	c := ring0.NewCPU(e.mem, ring0.NewText())
	c.Install()
	user, err := e.kernel.NewUser()
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	va := KernelHeapBase
	if err := e.kernel.Map(va, e.frame(t), kernelRW); err != nil {
		t.Fatalf("Map: %v", err)
	}
	user.Activate(c)
	if err := c.Store64(uint64(va), 42); err != nil {
		t.Fatalf("Store64 through the shared kernel half: %v", err)
	}
	if _, err := e.kernel.Unmap(c, va); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, err := user.Translate(va); err == nil {
		t.Errorf("Translate after Unmap succeeded")
	}
	if v, err := c.Load64(uint64(va)); err == nil {
		t.Errorf("Load64 after Unmap = %d, want a fault", v)
	}
}

func TestReleaseFreesUserFrames(t *testing.T) {
	e := newEnv(t)
	before := e.frames.Stats()
	user, err := e.kernel.NewUser()
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	if err := user.MapAnonymous(UserTextBase, 2*hostarch.PageSize, userRW); err != nil {
		t.Fatalf("MapAnonymous: %v", err)
	}
	if err := user.MapAnonymous(UserStackTop-UserStackSize, UserStackSize, userRW); err != nil {
		t.Fatalf("MapAnonymous: %v", err)
	}
	if got := user.UserPages(); got != 6 {
		t.Errorf("UserPages = %d, want 6", got)
	}
	if err := user.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if diff := cmp.Diff(before, e.frames.Stats()); diff != "" {
		t.Errorf("frames leaked (-before +after):\n%s", diff)
	}
	if err := e.kernel.Release(); !errors.Is(err, kerr.EBUSY) {
		t.Errorf("kernel Release = %v, want EBUSY", err)
	}
}
