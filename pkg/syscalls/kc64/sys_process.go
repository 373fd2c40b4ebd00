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
	"github.com/kcore-os/kcore/pkg/kernel"
)

// Exit implements exit(code). It does not return to the caller.
func Exit(t *kernel.Task, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	code := args[0].Int()
	if err := t.Exit(int(code)); err != nil {
		return 0, nil, err
	}
	return 0, kernel.CtrlDoExit, nil
}

// Getpid implements getpid().
func Getpid(t *kernel.Task, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return uintptr(t.PID()), nil, nil
}
