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

package kernel

import (
	"github.com/kcore-os/kcore/pkg/ring0"
)

// IdleProgram returns the idle loop: halt until the next interrupt.
func IdleProgram() ring0.Program {
	return ring0.Program{
		ring0.Hlt(),
		ring0.JmpRel(-2),
	}
}

// Schedule runs the scheduler as the timer does. live is the register file
// the processor resumes with, normally a TrapFrame's.
func (k *Kernel) Schedule(live *ring0.Registers) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.schedule(live)
}

// schedule picks the next process in round-robin order and switches to it.
//
// The run queue is strictly FIFO. A preempted process goes to the tail. If
// the queue is empty the current process keeps running, or the idle
// process runs if the current one cannot.
//
// Preconditions: k.mu is held.
func (k *Kernel) schedule(live *ring0.Registers) {
	from := k.current
	next, ok := k.runQueue.PopFront()
	if !ok {
		if from.state == Running {
			return
		}
		next = k.idle
	}
	if from.state == Running && from != k.idle {
		k.enqueue(from)
	}
	if next == from {
		return
	}
	k.contextSwitch(live, from, next)
}

// contextSwitch saves the live register file into from and loads to's.
// The kernel stack used on entry from ring 3 and the address space follow
// to.
//
// Preconditions: k.mu is held. to is not on the run queue.
func (k *Kernel) contextSwitch(live *ring0.Registers, from, to *Process) {
	save := &from.regs
	if from.state == Zombie {
		save = nil
	}
	if from.state == Running {
		from.state = Ready
	}
	ring0.SwitchContext(live, save, &to.regs)
	to.state = Running
	to.runs++
	k.current = to
	k.switches++

	k.cpu.SetPrivilege0Stack(to.kernelStackTop())
	as := to.as
	if as == nil {
		as = k.kernelAS
	}
	if !as.Active(k.cpu) {
		as.Activate(k.cpu)
	}
}
