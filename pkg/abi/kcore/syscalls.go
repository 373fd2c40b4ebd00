// Copyright 2026 The gVisor Authors.
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

package kcore

// Syscall numbers, passed in RAX.
const (
	SYS_WRITE  = 0
	SYS_READ   = 1
	SYS_EXIT   = 2
	SYS_GETPID = 3
	SYS_FORK   = 4
	SYS_EXEC   = 5
)

// SyscallVector is the software interrupt vector of the syscall gate.
const SyscallVector = 0x80

// Standard file descriptors.
const (
	STDIN_FILENO  = 0
	STDOUT_FILENO = 1
	STDERR_FILENO = 2
)

// MaxWrite is the largest byte count accepted by a single write.
const MaxWrite = 4096
