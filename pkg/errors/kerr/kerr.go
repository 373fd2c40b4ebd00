// Copyright 2021 The gVisor Authors.
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

// Package kerr contains the kernel's generic error values, one per error
// number, along with conversions to and from the syscall return convention.
package kerr

import (
	goerrors "errors"
	"fmt"

	"github.com/kcore-os/kcore/pkg/abi/kcore"
	"github.com/kcore-os/kcore/pkg/errors"
)

// The following errors are semantically identical to the errno of the same
// name.
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(kcore.EPERM, "operation not permitted")
	ESRCH                 = errors.New(kcore.ESRCH, "no such process")
	EIO                   = errors.New(kcore.EIO, "I/O error")
	EBADF                 = errors.New(kcore.EBADF, "bad file number")
	ECHILD                = errors.New(kcore.ECHILD, "no child processes")
	EAGAIN                = errors.New(kcore.EAGAIN, "try again")
	ENOMEM                = errors.New(kcore.ENOMEM, "out of memory")
	EFAULT                = errors.New(kcore.EFAULT, "bad address")
	EBUSY                 = errors.New(kcore.EBUSY, "device or resource busy")
	EEXIST                = errors.New(kcore.EEXIST, "file exists")
	EINVAL                = errors.New(kcore.EINVAL, "invalid argument")
	ENOSPC                = errors.New(kcore.ENOSPC, "no space left on device")
	ERANGE                = errors.New(kcore.ERANGE, "math result not representable")
	ENOSYS                = errors.New(kcore.ENOSYS, "invalid system call number")
	ENOTSUP               = errors.New(kcore.ENOTSUP, "operation not supported")
)

var errorSlice = []*errors.Error{
	kcore.NOERRNO: noError,
	kcore.EPERM:   EPERM,
	kcore.ESRCH:   ESRCH,
	kcore.EIO:     EIO,
	kcore.EBADF:   EBADF,
	kcore.ECHILD:  ECHILD,
	kcore.EAGAIN:  EAGAIN,
	kcore.ENOMEM:  ENOMEM,
	kcore.EFAULT:  EFAULT,
	kcore.EBUSY:   EBUSY,
	kcore.EEXIST:  EEXIST,
	kcore.EINVAL:  EINVAL,
	kcore.ENOSPC:  ENOSPC,
	kcore.ERANGE:  ERANGE,
	kcore.ENOSYS:  ENOSYS,
	kcore.ENOTSUP: ENOTSUP,
}

// FromErrno returns the generic error for the given error number.
func FromErrno(e kcore.Errno) error {
	if e == kcore.NOERRNO {
		return nil
	}
	if int(e) >= len(errorSlice) || errorSlice[e] == nil {
		panic(fmt.Sprintf("invalid error requested with errno: %d", e))
	}
	return errorSlice[e]
}

// ToErrno extracts the error number carried by err. Errors that do not
// carry one, anywhere in their chain, are reported as EIO with ok false.
func ToErrno(err error) (e kcore.Errno, ok bool) {
	if err == nil {
		return kcore.NOERRNO, true
	}
	var kerr *errors.Error
	if goerrors.As(err, &kerr) && kerr != nil {
		return kerr.Errno(), true
	}
	return kcore.EIO, false
}

// ToReturn converts err into the value placed in RAX for a failed syscall.
func ToReturn(err error) uintptr {
	e, _ := ToErrno(err)
	return uintptr(-int64(e))
}

// Equals compares a kernel error to a given error.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	return goerrors.Is(err, e)
}
