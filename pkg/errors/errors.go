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

// Package errors holds the standardized error definition for kcore.
package errors

import (
	"github.com/kcore-os/kcore/pkg/abi/kcore"
)

// Error represents a kernel error. An Error carries the error number that
// is reported to user mode when the error crosses the syscall gate.
type Error struct {
	errno   kcore.Errno
	message string
}

// New makes a new error.
func New(err kcore.Errno, message string) *Error {
	return &Error{
		errno:   err,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying error number.
func (e *Error) Errno() kcore.Errno { return e.errno }

// Is reports whether target is an *Error with the same error number. This
// lets subsystems define descriptive errors that still match the generic
// kerr values under errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t != nil && t.errno == e.errno
}
