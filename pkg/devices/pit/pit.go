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

// Package pit implements channel 0 of the 8253/8254 programmable interval
// timer and the kernel's driver for it.
package pit

import (
	"fmt"

	"github.com/kcore-os/kcore/pkg/devices"
	"github.com/kcore-os/kcore/pkg/log"
)

// Ports.
const (
	Channel0 = 0x40
	Command  = 0x43
)

// BaseFrequency is the input clock in Hz.
const BaseFrequency = 1193182

// IRQ is the interrupt request line of channel 0.
const IRQ = 0

// Command byte fields.
const (
	selectShift = 6
	accessShift = 4
	modeShift   = 1

	accessLatch  = 0
	accessLow    = 1
	accessHigh   = 2
	accessLowHi  = 3
	modeRateGen  = 2
	modeSquare   = 3
	commandBCD   = 1
	channelField = 3
)

// PIT is channel 0 of the timer. Channels 1 and 2 are not wired.
type PIT struct {
	raise func(irq int)

	mode   uint8
	access uint8

	// divisor is the reload value; zero means 65536.
	divisor uint16

	// programmed is set once a full reload value has been written.
	programmed bool

	// writeHigh is set when the next data write is the high byte.
	writeHigh bool

	// latch holds a latched count and readHigh selects its byte.
	latch    uint16
	latched  bool
	readHigh bool

	ticks uint64
}

// New returns an unprogrammed timer that raises interrupts through raise.
func New(raise func(irq int)) *PIT {
	return &PIT{raise: raise}
}

// Out implements devices.PortDevice.Out.
func (p *PIT) Out(port uint16, v uint8) {
	switch port {
	case Command:
		if channel := v >> selectShift; channel != 0 {
			log.Debugf("pit: ignoring command %#x for channel %d", v, channel)
			return
		}
		access := (v >> accessShift) & channelField
		if access == accessLatch {
			p.latch = p.divisor
			p.latched = true
			p.readHigh = false
			return
		}
		if v&commandBCD != 0 {
			log.Warningf("pit: BCD counting is not supported")
		}
		p.access = access
		p.mode = (v >> modeShift) & 7
		p.writeHigh = access == accessHigh
		p.programmed = false
	case Channel0:
		switch p.access {
		case accessLow:
			p.divisor = uint16(v)
			p.programmed = true
		case accessHigh:
			p.divisor = uint16(v) << 8
			p.programmed = true
		case accessLowHi:
			if p.writeHigh {
				p.divisor = p.divisor&0xff | uint16(v)<<8
				p.programmed = true
			} else {
				p.divisor = p.divisor&0xff00 | uint16(v)
			}
			p.writeHigh = !p.writeHigh
		}
	}
}

// In implements devices.PortDevice.In.
func (p *PIT) In(port uint16) uint8 {
	if port != Channel0 {
		return 0xff
	}
	v := p.divisor
	if p.latched {
		v = p.latch
	}
	if p.readHigh {
		p.readHigh = false
		p.latched = false
		return uint8(v >> 8)
	}
	p.readHigh = true
	return uint8(v)
}

// Programmed returns true once a reload value has been loaded.
func (p *PIT) Programmed() bool {
	return p.programmed
}

// Mode returns the operating mode.
func (p *PIT) Mode() uint8 {
	return p.mode
}

// Divisor returns the effective reload value.
func (p *PIT) Divisor() uint32 {
	if p.divisor == 0 {
		return 1 << 16
	}
	return uint32(p.divisor)
}

// Frequency returns the output frequency in Hz, zero if unprogrammed.
func (p *PIT) Frequency() float64 {
	if !p.programmed {
		return 0
	}
	return float64(BaseFrequency) / float64(p.Divisor())
}

// Tick advances the timer by one output period, raising IRQ0. An
// unprogrammed timer does nothing.
func (p *PIT) Tick() bool {
	if !p.programmed {
		return false
	}
	p.ticks++
	p.raise(IRQ)
	return true
}

// Ticks returns the number of output periods.
func (p *PIT) Ticks() uint64 {
	return p.ticks
}

// DivisorFor returns the reload value for hz.
func DivisorFor(hz int) (uint16, error) {
	if hz <= 0 {
		return 0, fmt.Errorf("timer frequency %d Hz must be positive", hz)
	}
	d := BaseFrequency / hz
	if d < 1 || d > 1<<16 {
		return 0, fmt.Errorf("timer frequency %d Hz out of range", hz)
	}
	if d == 1<<16 {
		d = 0
	}
	return uint16(d), nil
}

// Program sets channel 0 to mode 3 at hz.
func Program(io devices.PortIO, hz int) error {
	d, err := DivisorFor(hz)
	if err != nil {
		return err
	}
	io.Outb(Command, accessLowHi<<accessShift|modeSquare<<modeShift)
	io.Outb(Channel0, uint8(d))
	io.Outb(Channel0, uint8(d>>8))
	return nil
}
