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

package ring0

import (
	"fmt"

	"github.com/kcore-os/kcore/pkg/abi/kcore"
	"github.com/kcore-os/kcore/pkg/errors"
)

// ErrDuplicateHandler is returned when a vector already has a handler.
var ErrDuplicateHandler = errors.New(kcore.EEXIST, "interrupt vector already has a handler")

// Handler handles a trap. It may modify the saved registers in tf, which are
// restored when the handler returns.
type Handler func(c *CPU, tf *TrapFrame)

// GateOpts describe how a vector is entered.
type GateOpts struct {
	// DPL is the highest privilege level (numerically) allowed to raise the
	// vector with a software interrupt.
	DPL int

	// IST selects an interrupt stack table entry; zero uses the normal
	// stack selection.
	IST int

	// Trap selects a trap gate, which leaves interrupts enabled.
	Trap bool
}

// entryBase is the kernel text address of the first entry stub. The stubs
// are laid out at entryStride bytes per vector.
const (
	entryBase   = 0xffffffff80001000
	entryStride = 16
)

// IDT is an interrupt descriptor table together with the handlers behind
// its gates.
type IDT struct {
	gates    idt64
	handlers [NumVectors]Handler
}

// NewIDT returns an empty table.
func NewIDT() *IDT {
	return new(IDT)
}

// Register installs h for vector v.
//
// It returns ErrDuplicateHandler if v already has a handler.
func (t *IDT) Register(v Vector, opts GateOpts, h Handler) error {
	if v >= NumVectors {
		return fmt.Errorf("vector %#x out of range", uintptr(v))
	}
	if h == nil {
		return fmt.Errorf("nil handler for %v", v)
	}
	if t.handlers[v] != nil {
		return fmt.Errorf("%w: %v", ErrDuplicateHandler, v)
	}
	if opts.DPL < 0 || opts.DPL > 3 || opts.IST < 0 || opts.IST > 7 {
		return fmt.Errorf("invalid gate options %+v for %v", opts, v)
	}
	rip := uint64(entryBase + uintptr(v)*entryStride)
	if opts.Trap {
		t.gates[v].setTrap(Kcode, rip, opts.DPL, opts.IST)
	} else {
		t.gates[v].setInterrupt(Kcode, rip, opts.DPL, opts.IST)
	}
	t.handlers[v] = h
	return nil
}

// Registered returns true iff v has a handler.
func (t *IDT) Registered(v Vector) bool {
	return v < NumVectors && t.handlers[v] != nil
}

// Gate returns the gate for v.
func (t *IDT) Gate(v Vector) *Gate64 {
	return &t.gates[v]
}

// CheckExceptions returns an error naming the first processor exception
// vector without a handler.
func (t *IDT) CheckExceptions() error {
	for v := Vector(0); v < NumExceptions; v++ {
		if t.handlers[v] == nil {
			return fmt.Errorf("no handler for exception %d: %v", uintptr(v), v)
		}
	}
	return nil
}
