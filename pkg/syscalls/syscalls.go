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

// Package syscalls is the interface from programs to the kernel.
//
// Note that the stubs in this package may merely provide the interface, not
// the actual implementation. It just makes writing syscall stubs
// straightforward.
package syscalls

import (
	"github.com/kcore-os/kcore/pkg/errors/kerr"
	"github.com/kcore-os/kcore/pkg/kernel"
	"github.com/kcore-os/kcore/pkg/log"
)

// Supported returns a syscall that is fully supported.
func Supported(name string, fn kernel.SyscallFn) kernel.Syscall {
	return kernel.Syscall{
		Name:      name,
		Fn:        fn,
		Supported: true,
	}
}

// NotSupported returns a syscall that is declared but always fails with
// ENOTSUP.
func NotSupported(name string) kernel.Syscall {
	return kernel.Syscall{
		Name: name,
		Fn:   ErrorWithEvent(name, kerr.ENOTSUP),
	}
}

// ErrorWithEvent gives a syscall function that logs the unimplemented call
// and returns the passed error.
func ErrorWithEvent(name string, err error) kernel.SyscallFn {
	return func(t *kernel.Task, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
		UnimplementedEvent(t, name)
		return 0, nil, err
	}
}

// UnimplementedEvent reports a call to an unimplemented syscall.
func UnimplementedEvent(t *kernel.Task, name string) {
	log.Infof("Unsupported syscall %s from pid %d", name, t.PID())
}
