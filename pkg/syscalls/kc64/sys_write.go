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

package kc64

import (
	"fmt"

	"github.com/kcore-os/kcore/pkg/abi/kcore"
	"github.com/kcore-os/kcore/pkg/devices/console"
	"github.com/kcore-os/kcore/pkg/errors/kerr"
	"github.com/kcore-os/kcore/pkg/kernel"
)

// destination returns the console device behind fd.
func destination(fd int32) (console.Destination, bool) {
	switch fd {
	case kcore.STDOUT_FILENO:
		return console.VGAText, true
	case kcore.STDERR_FILENO:
		return console.Serial, true
	}
	return 0, false
}

// Write implements write(fd, buf, len).
func Write(t *kernel.Task, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	fd := args[0].Int()
	addr := args[1].Pointer()
	size := args[2].SizeT()

	dest, ok := destination(fd)
	if !ok {
		return 0, nil, kerr.EBADF
	}
	if size == 0 {
		return 0, nil, nil
	}
	if size > kcore.MaxWrite {
		return 0, nil, fmt.Errorf("%w: write of %d bytes exceeds %d", kerr.EINVAL, size, kcore.MaxWrite)
	}

	// Get the source of the write.
	b, err := t.CopyIn(addr, int(size))
	if err != nil {
		return 0, nil, err
	}
	n, err := t.Write(dest, b)
	if err != nil {
		return uintptr(n), nil, fmt.Errorf("%w: %v", kerr.EIO, err)
	}
	return uintptr(n), nil, nil
}
