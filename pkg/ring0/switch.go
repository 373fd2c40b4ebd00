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

// SwitchContext saves the live register file into save and loads load in
// its place. Every register is copied, including the segment selectors and
// flags, so a thread resumes exactly where it was suspended.
//
// live is normally the register file of a TrapFrame, which the processor
// loads when the handler returns. save may be nil when the outgoing
// context is discarded.
func SwitchContext(live, save, load *Registers) {
	if save != nil {
		*save = *live
	}
	*live = *load
}

// KernelContext returns the initial register file of a kernel thread
// starting at entry with the given stack top. Interrupts are enabled.
func KernelContext(entry, stackTop uint64) Registers {
	return Registers{
		Rip:    entry,
		Rsp:    stackTop,
		Cs:     uint64(Kcode),
		Ss:     uint64(Kdata),
		Ds:     uint64(Kdata),
		Es:     uint64(Kdata),
		Eflags: KernelFlagsSet | _RFLAGS_IF,
	}
}

// UserContext returns the initial register file of a user thread starting
// at entry with the given stack top. It is entered through iret.
func UserContext(entry, stackTop uint64) Registers {
	return Registers{
		Rip:    entry,
		Rsp:    stackTop,
		Cs:     uint64(Ucode64),
		Ss:     uint64(Udata),
		Ds:     uint64(Udata),
		Es:     uint64(Udata),
		Eflags: UserFlagsSet,
	}
}
