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

// Package kcore contains the constants shared between the kernel and the
// programs that run on it: syscall numbers, file descriptors and error
// numbers.
//
// Error numbers use the Linux values so that a negative RAX returned from
// the syscall gate decodes the same way it would on Linux.
package kcore

import "fmt"

// Errno represents a kernel error number.
type Errno uint32

// Error numbers.
const (
	NOERRNO Errno = 0
	EPERM   Errno = 1
	ESRCH   Errno = 3
	EIO     Errno = 5
	EBADF   Errno = 9
	ECHILD  Errno = 10
	EAGAIN  Errno = 11
	ENOMEM  Errno = 12
	EFAULT  Errno = 14
	EBUSY   Errno = 16
	EEXIST  Errno = 17
	EINVAL  Errno = 22
	ENOSPC  Errno = 28
	ERANGE  Errno = 34
	ENOSYS  Errno = 38
	ENOTSUP Errno = 95
)

// MaxErrno is one greater than the largest defined error number.
const MaxErrno = ENOTSUP + 1

var errnoNames = map[Errno]string{
	NOERRNO: "NOERRNO",
	EPERM:   "EPERM",
	ESRCH:   "ESRCH",
	EIO:     "EIO",
	EBADF:   "EBADF",
	ECHILD:  "ECHILD",
	EAGAIN:  "EAGAIN",
	ENOMEM:  "ENOMEM",
	EFAULT:  "EFAULT",
	EBUSY:   "EBUSY",
	EEXIST:  "EEXIST",
	EINVAL:  "EINVAL",
	ENOSPC:  "ENOSPC",
	ERANGE:  "ERANGE",
	ENOSYS:  "ENOSYS",
	ENOTSUP: "ENOTSUP",
}

// String implements fmt.Stringer.
func (e Errno) String() string {
	if name, ok := errnoNames[e]; ok {
		return name
	}
	return fmt.Sprintf("Errno(%d)", uint32(e))
}

// DecodeReturn splits a raw syscall return value into a value and an error
// number. Values in [-4095, -1] are errors, as on Linux.
func DecodeReturn(rax uint64) (uint64, Errno) {
	if v := int64(rax); v < 0 && v >= -4095 {
		return 0, Errno(-v)
	}
	return rax, NOERRNO
}
