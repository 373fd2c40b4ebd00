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

package console

import (
	"bytes"
	"io"

	"github.com/kcore-os/kcore/pkg/devices"
	"github.com/kcore-os/kcore/pkg/log"
)

// COM1 is the base port of the first serial port.
const COM1 = 0x3f8

// UARTPorts is the number of ports decoded by a UART.
const UARTPorts = 8

// Register offsets from the base port.
const (
	regData        = 0 // THR/RBR, or divisor low with DLAB.
	regInterrupt   = 1 // IER, or divisor high with DLAB.
	regFIFO        = 2
	regLineControl = 3
	regModem       = 4
	regLineStatus  = 5
)

// Line status bits.
const (
	lsrTHREmpty = 0x20
	lsrIdle     = 0x40
)

const lcrDLAB = 0x80

// UART is a 16550 serial port. Transmitted bytes are collected and copied
// to an optional host writer. Reception is not wired.
type UART struct {
	base uint16

	divisor uint16
	ier     uint8
	lcr     uint8
	mcr     uint8
	fcr     uint8

	out bytes.Buffer
	tee io.Writer
}

// NewUART returns a UART decoding [base, base+UARTPorts). tee may be nil.
func NewUART(base uint16, tee io.Writer) *UART {
	return &UART{base: base, tee: tee}
}

// Base returns the base port.
func (u *UART) Base() uint16 {
	return u.base
}

// In implements devices.PortDevice.In.
func (u *UART) In(port uint16) uint8 {
	switch port - u.base {
	case regData:
		if u.lcr&lcrDLAB != 0 {
			return uint8(u.divisor)
		}
		return 0
	case regInterrupt:
		if u.lcr&lcrDLAB != 0 {
			return uint8(u.divisor >> 8)
		}
		return u.ier
	case regLineControl:
		return u.lcr
	case regModem:
		return u.mcr
	case regLineStatus:
		return lsrTHREmpty | lsrIdle
	}
	return 0
}

// Out implements devices.PortDevice.Out.
func (u *UART) Out(port uint16, v uint8) {
	switch port - u.base {
	case regData:
		if u.lcr&lcrDLAB != 0 {
			u.divisor = u.divisor&0xff00 | uint16(v)
			return
		}
		u.out.WriteByte(v)
		if u.tee != nil {
			if _, err := u.tee.Write([]byte{v}); err != nil {
				log.Warningf("serial: host write failed: %v", err)
				u.tee = nil
			}
		}
	case regInterrupt:
		if u.lcr&lcrDLAB != 0 {
			u.divisor = u.divisor&0xff | uint16(v)<<8
			return
		}
		u.ier = v
	case regFIFO:
		u.fcr = v
	case regLineControl:
		u.lcr = v
	case regModem:
		u.mcr = v
	}
}

// Baud returns the configured baud rate, zero if no divisor is set.
func (u *UART) Baud() int {
	if u.divisor == 0 {
		return 0
	}
	return 115200 / int(u.divisor)
}

// Output returns everything transmitted so far.
func (u *UART) Output() []byte {
	return u.out.Bytes()
}

// InitSerial programs the UART at base for 9600 baud, 8N1, FIFO enabled.
func InitSerial(ports devices.PortIO, base uint16) {
	ports.Outb(base+regInterrupt, 0x00)
	ports.Outb(base+regLineControl, lcrDLAB)
	ports.Outb(base+regData, 0x0c)
	ports.Outb(base+regInterrupt, 0x00)
	ports.Outb(base+regLineControl, 0x03)
	ports.Outb(base+regFIFO, 0xc7)
	ports.Outb(base+regModem, 0x0b)
}

// WriteSerial transmits b, waiting for the holding register before each
// byte.
func WriteSerial(ports devices.PortIO, base uint16, b []byte) {
	for _, c := range b {
		for ports.Inb(base+regLineStatus)&lsrTHREmpty == 0 {
		}
		ports.Outb(base+regData, c)
	}
}
