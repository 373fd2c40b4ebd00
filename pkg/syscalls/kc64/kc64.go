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

// Package kc64 provides the native syscall table.
package kc64

import (
	"github.com/kcore-os/kcore/pkg/abi/kcore"
	"github.com/kcore-os/kcore/pkg/kernel"
	"github.com/kcore-os/kcore/pkg/syscalls"
)

// Table is the KC64 syscall table.
var Table = &kernel.SyscallTable{
	ABI: kernel.KC64,
	Table: map[uintptr]kernel.Syscall{
		kcore.SYS_WRITE:  syscalls.Supported("write", Write),
		kcore.SYS_READ:   syscalls.NotSupported("read"),
		kcore.SYS_EXIT:   syscalls.Supported("exit", Exit),
		kcore.SYS_GETPID: syscalls.Supported("getpid", Getpid),
		kcore.SYS_FORK:   syscalls.NotSupported("fork"),
		kcore.SYS_EXEC:   syscalls.NotSupported("exec"),
	},
}

func init() {
	kernel.RegisterSyscallTable(Table)
}
