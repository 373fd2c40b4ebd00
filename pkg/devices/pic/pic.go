// Copyright 2019 The gVisor Authors.
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

// Package pic implements the cascaded 8259A programmable interrupt
// controller pair and the kernel's driver for it.
package pic

import (
	"github.com/kcore-os/kcore/pkg/log"
	"github.com/kcore-os/kcore/pkg/ring0"
)

// Ports.
const (
	MasterCommand = 0x20
	MasterData    = 0x21
	SlaveCommand  = 0xa0
	SlaveData     = 0xa1
)

// Initialization and operation command words.
const (
	ICW1Init = 0x10
	ICW1ICW4 = 0x01
	ICW48086 = 0x01

	OCW2EOI         = 0x20
	OCW2SpecificEOI = 0x60
	OCW3ReadIRR     = 0x0a
	OCW3ReadISR     = 0x0b
)

// CascadeLine is the master input the slave is wired to.
const CascadeLine = 2

// Lines per chip.
const linesPerChip = 8

// NumIRQs is the number of interrupt request lines of the pair.
const NumIRQs = 2 * linesPerChip

// Power-on vector bases, which collide with processor exceptions.
const (
	defaultMasterOffset = 0x08
	defaultSlaveOffset  = 0x70
)

// chip is one 8259A.
type chip struct {
	name string

	// offset is the vector of line 0, programmed with ICW2.
	offset uint8

	irr uint8
	isr uint8
	imr uint8

	// initStep is the next expected initialization word: 0 when
	// operational, 2-4 during the ICW sequence.
	initStep int
	needICW4 bool

	// readISR selects ISR over IRR for command port reads.
	readISR bool
}

func (c *chip) writeCommand(v uint8) {
	switch {
	case v&ICW1Init != 0:
		c.initStep = 2
		c.needICW4 = v&ICW1ICW4 != 0
		c.imr = 0
		c.isr = 0
		c.irr = 0
		c.readISR = false
	case v == OCW3ReadIRR:
		c.readISR = false
	case v == OCW3ReadISR:
		c.readISR = true
	case v&0xe0 == OCW2EOI:
		c.eoi()
	case v&0xe0 == OCW2SpecificEOI:
		c.isr &^= 1 << (v & 7)
	default:
		log.Debugf("pic %s: ignoring command %#x", c.name, v)
	}
}

func (c *chip) writeData(v uint8) {
	switch c.initStep {
	case 2:
		c.offset = v &^ 7
		c.initStep = 3
	case 3:
		// Cascade wiring is fixed.
		if c.needICW4 {
			c.initStep = 4
		} else {
			c.initStep = 0
		}
	case 4:
		if v&ICW48086 == 0 {
			log.Warningf("pic %s: only 8086 mode is supported, got ICW4 %#x", c.name, v)
		}
		c.initStep = 0
	default:
		c.imr = v
	}
}

func (c *chip) readCommand() uint8 {
	if c.readISR {
		return c.isr
	}
	return c.irr
}

// eoi clears the highest priority in-service bit.
func (c *chip) eoi() {
	for line := uint8(0); line < linesPerChip; line++ {
		if c.isr&(1<<line) != 0 {
			c.isr &^= 1 << line
			return
		}
	}
}

// highest returns the highest priority requested, unmasked line with
// priority above every line in service. Line 0 has the highest priority.
func (c *chip) highest(irr uint8) (uint8, bool) {
	if c.initStep != 0 {
		return 0, false
	}
	pending := irr &^ c.imr
	for line := uint8(0); line < linesPerChip; line++ {
		if c.isr&(1<<line) != 0 {
			return 0, false
		}
		if pending&(1<<line) != 0 {
			return line, true
		}
	}
	return 0, false
}

// PIC is the master/slave pair. It implements ring0.InterruptController
// and devices.PortDevice.
type PIC struct {
	master chip
	slave  chip

	// spurious counts acknowledges with nothing to deliver.
	spurious uint64
}

// New returns a pair in its power-on state.
func New() *PIC {
	return &PIC{
		master: chip{name: "master", offset: defaultMasterOffset},
		slave:  chip{name: "slave", offset: defaultSlaveOffset},
	}
}

// masterIRR is the master's request register including the cascade input.
func (p *PIC) masterIRR() uint8 {
	irr := p.master.irr
	if _, ok := p.slave.highest(p.slave.irr); ok {
		irr |= 1 << CascadeLine
	}
	return irr
}

// Raise asserts interrupt request line irq (0-15).
func (p *PIC) Raise(irq int) {
	switch {
	case irq < 0 || irq >= NumIRQs:
		log.Warningf("pic: raise of invalid irq %d", irq)
	case irq < linesPerChip:
		p.master.irr |= 1 << irq
	default:
		p.slave.irr |= 1 << (irq - linesPerChip)
	}
}

// Pending implements ring0.InterruptController.Pending.
func (p *PIC) Pending() bool {
	_, ok := p.master.highest(p.masterIRR())
	return ok
}

// Acknowledge implements ring0.InterruptController.Acknowledge.
func (p *PIC) Acknowledge() (ring0.Vector, bool) {
	line, ok := p.master.highest(p.masterIRR())
	if !ok {
		p.spurious++
		return 0, false
	}
	if line != CascadeLine {
		p.master.irr &^= 1 << line
		p.master.isr |= 1 << line
		return ring0.Vector(p.master.offset + line), true
	}
	sline, ok := p.slave.highest(p.slave.irr)
	if !ok {
		p.spurious++
		return 0, false
	}
	p.slave.irr &^= 1 << sline
	p.slave.isr |= 1 << sline
	p.master.isr |= 1 << CascadeLine
	return ring0.Vector(p.slave.offset + sline), true
}

// In implements devices.PortDevice.In.
func (p *PIC) In(port uint16) uint8 {
	switch port {
	case MasterCommand:
		return p.master.readCommand()
	case MasterData:
		return p.master.imr
	case SlaveCommand:
		return p.slave.readCommand()
	case SlaveData:
		return p.slave.imr
	}
	return 0xff
}

// Out implements devices.PortDevice.Out.
func (p *PIC) Out(port uint16, v uint8) {
	switch port {
	case MasterCommand:
		p.master.writeCommand(v)
	case MasterData:
		p.master.writeData(v)
	case SlaveCommand:
		p.slave.writeCommand(v)
	case SlaveData:
		p.slave.writeData(v)
	}
}

// Offsets returns the programmed vector bases.
func (p *PIC) Offsets() (master, slave uint8) {
	return p.master.offset, p.slave.offset
}

// InService returns the combined in-service register, slave in the high
// byte.
func (p *PIC) InService() uint16 {
	return uint16(p.slave.isr)<<8 | uint16(p.master.isr)
}

// Spurious returns the number of spurious acknowledges.
func (p *PIC) Spurious() uint64 {
	return p.spurious
}
