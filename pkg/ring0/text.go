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
)

// InstructionSize is the encoded size of every Instruction.
const InstructionSize = 8

// Instruction is one instruction of program text. It runs with RIP already
// advanced past itself. It returns a *Fault to raise an exception; any other
// error is a machine check.
//
// An instruction that faults must not have modified processor state.
type Instruction func(c *CPU) error

// Program is a sequence of instructions laid out contiguously.
type Program []Instruction

// Size returns the size of the program text in bytes.
func (p Program) Size() uint64 {
	return uint64(len(p)) * InstructionSize
}

// Text holds the instructions stored in physical memory, keyed by their
// physical address. Text is shared by every address space: mapping a frame
// that holds text at some virtual address makes the text executable there.
type Text struct {
	insns map[uintptr]Instruction
}

// NewText returns an empty Text.
func NewText() *Text {
	return &Text{insns: make(map[uintptr]Instruction)}
}

// Load stores prog at the given physical address.
func (t *Text) Load(physical uintptr, prog Program) error {
	if physical%InstructionSize != 0 {
		return fmt.Errorf("text at %#x is not aligned", physical)
	}
	for i := range prog {
		if _, ok := t.insns[physical+uintptr(i)*InstructionSize]; ok {
			return fmt.Errorf("text already loaded at %#x", physical+uintptr(i)*InstructionSize)
		}
	}
	for i, insn := range prog {
		t.insns[physical+uintptr(i)*InstructionSize] = insn
	}
	return nil
}

// Unload removes any text in [physical, physical+length). It returns the
// number of instructions removed.
func (t *Text) Unload(physical uintptr, length uint64) int {
	n := 0
	for addr := physical &^ (InstructionSize - 1); addr < physical+uintptr(length); addr += InstructionSize {
		if _, ok := t.insns[addr]; ok {
			delete(t.insns, addr)
			n++
		}
	}
	return n
}

// Lookup returns the instruction stored at physical.
func (t *Text) Lookup(physical uintptr) (Instruction, bool) {
	insn, ok := t.insns[physical]
	return insn, ok
}

// Len returns the number of stored instructions.
func (t *Text) Len() int {
	return len(t.insns)
}
