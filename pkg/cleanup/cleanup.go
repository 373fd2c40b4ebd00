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


// Package cleanup undoes the completed steps of a multi-step setup when a
// later step fails.
package cleanup

import (
	"errors"
)

// Cleanup is a stack of undo functions. Usage:
//
//	var cu cleanup.Cleanup
//	defer cu.CleanOrPanic("mapping stack")
//	f, err := frames.AllocFrame()
//	...
//	cu.Add(func() error { return frames.FreeFrame(f) })
//	...
//	cu.Release() // on success, keeps the frame.
type Cleanup struct {
	undo []func() error
}

// Make creates a new Cleanup with f as its first undo function.
func Make(f func() error) Cleanup {
	return Cleanup{undo: []func() error{f}}
}

// Add pushes an undo function.
func (c *Cleanup) Add(f func() error) {
	c.undo = append(c.undo, f)
}

// Len returns the number of pending undo functions.
func (c *Cleanup) Len() int {
	return len(c.undo)
}

// Clean calls all undo functions in reverse order and empties the stack.
// Every function runs even if an earlier one fails; the errors are joined.
func (c *Cleanup) Clean() error {
	undo := c.undo
	c.undo = nil
	var errs []error
	for i := len(undo) - 1; i >= 0; i-- {
		if err := undo[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CleanOrPanic calls Clean and panics if an undo function fails.
func (c *Cleanup) CleanOrPanic(what string) {
	if err := c.Clean(); err != nil {
		panic("undoing " + what + ": " + err.Error())
	}
}

// Release drops the undo functions without calling them.
func (c *Cleanup) Release() {
	c.undo = nil
}
