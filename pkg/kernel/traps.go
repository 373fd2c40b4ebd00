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
	"bytes"
	"fmt"

	"github.com/kcore-os/kcore/pkg/abi/kcore"
	"github.com/kcore-os/kcore/pkg/devices/console"
	"github.com/kcore-os/kcore/pkg/devices/keyboard"
	"github.com/kcore-os/kcore/pkg/devices/pic"
	"github.com/kcore-os/kcore/pkg/devices/pit"
	"github.com/kcore-os/kcore/pkg/log"
	"github.com/kcore-os/kcore/pkg/ring0"
)

// installHandlers binds every exception vector, the two device interrupts
// and the syscall gate. A registration failure is a kernel bug.
func (k *Kernel) installHandlers() {
	for v := ring0.Vector(0); v < ring0.NumExceptions; v++ {
		var opts ring0.GateOpts
		h := k.handleFatal
		switch v {
		case ring0.DoubleFault:
			opts.IST = doubleFaultIST
		case ring0.Breakpoint:
			// int3 is allowed from ring 3.
			opts.DPL = 3
			h = k.handleDebug
		case ring0.Debug:
			h = k.handleDebug
		}
		k.mustRegister(v, opts, h)
	}
	k.mustRegister(TimerVector, ring0.GateOpts{}, k.handleTimer)
	k.mustRegister(KeyboardVector, ring0.GateOpts{}, k.handleKeyboard)
	k.mustRegister(kcore.SyscallVector, ring0.GateOpts{DPL: 3}, k.handleSyscall)
}

func (k *Kernel) mustRegister(v ring0.Vector, opts ring0.GateOpts, h ring0.Handler) {
	if err := k.idt.Register(v, opts, h); err != nil {
		panic(fmt.Sprintf("installing handler for %v: %v", v, err))
	}
}

// handleFatal reports an exception on both consoles and halts.
func (k *Kernel) handleFatal(c *ring0.CPU, tf *ring0.TrapFrame) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\nEXCEPTION: %v\n", tf.Vector)
	if tf.FromUser() {
		fmt.Fprintf(&buf, "in user mode, pid %d\n", k.currentPID())
	}
	tf.Dump(&buf)
	fmt.Fprintf(&buf, "kernel panic: system halted\n")
	console.Both(k.console, buf.Bytes())
	log.Warningf("Fatal %v at %#x, error code %#x", tf.Vector, tf.Regs.Rip, tf.ErrorCode)
	c.Stop(fmt.Sprintf("%v at %#x", tf.Vector, tf.Regs.Rip))
}

// handleDebug reports #DB and #BP and resumes.
func (k *Kernel) handleDebug(c *ring0.CPU, tf *ring0.TrapFrame) {
	log.Infof("%v at %#x from pid %d", tf.Vector, tf.Regs.Rip, k.currentPID())
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "DEBUG %v:\n", tf.Vector)
	tf.Regs.Dump(&buf)
	k.console.WriteBytes(console.Serial, buf.Bytes())
}

// handleTimer acknowledges the timer, accounts the tick and preempts the
// current process.
func (k *Kernel) handleTimer(c *ring0.CPU, tf *ring0.TrapFrame) {
	pic.EOI(k.m.Bus, pit.IRQ)

	k.mu.Lock()
	defer k.mu.Unlock()
	k.ticks++
	k.current.ticks++
	if hz := uint64(k.cfg.TimerHz); k.ticks%hz == 0 {
		log.Infof("%d seconds elapsed", k.ticks/hz)
	}
	k.schedule(&tf.Regs)
}

// handleKeyboard drains one scancode. Input is not buffered.
func (k *Kernel) handleKeyboard(c *ring0.CPU, tf *ring0.TrapFrame) {
	scancode := k.m.Bus.Inb(keyboard.DataPort)
	pic.EOI(k.m.Bus, keyboard.IRQ)

	k.mu.Lock()
	k.keystrokes++
	k.mu.Unlock()
	k.keyLog.Debugf("Keyboard scancode %#02x", scancode)
}

// currentPID returns the PID of the running process.
func (k *Kernel) currentPID() PID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current.pid
}
