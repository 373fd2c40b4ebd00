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

// Package devices provides the I/O port bus that connects the machine's
// legacy devices to the kernel.
package devices

import (
	"fmt"

	"github.com/kcore-os/kcore/pkg/log"
)

// PortDevice is a device decoding a range of I/O ports.
type PortDevice interface {
	// In reads one byte from port.
	In(port uint16) uint8

	// Out writes one byte to port.
	Out(port uint16, v uint8)
}

// PortIO is port-mapped I/O as seen by a driver.
type PortIO interface {
	Inb(port uint16) uint8
	Outb(port uint16, v uint8)
}

// floating is the value read from an undecoded port.
const floating = 0xff

type portRange struct {
	first, last uint16
	dev         PortDevice
	name        string
}

// Bus routes port I/O to devices.
type Bus struct {
	ranges []portRange
}

// Register attaches dev to ports [first, first+count).
func (b *Bus) Register(name string, first uint16, count int, dev PortDevice) error {
	if count <= 0 || int(first)+count-1 > 0xffff {
		return fmt.Errorf("device %s: invalid port range %#x+%d", name, first, count)
	}
	last := first + uint16(count-1)
	for _, r := range b.ranges {
		if first <= r.last && r.first <= last {
			return fmt.Errorf("device %s: ports [%#x, %#x] overlap %s", name, first, last, r.name)
		}
	}
	b.ranges = append(b.ranges, portRange{first: first, last: last, dev: dev, name: name})
	return nil
}

func (b *Bus) lookup(port uint16) *portRange {
	for i := range b.ranges {
		if r := &b.ranges[i]; r.first <= port && port <= r.last {
			return r
		}
	}
	return nil
}

// Inb implements PortIO.Inb.
func (b *Bus) Inb(port uint16) uint8 {
	r := b.lookup(port)
	if r == nil {
		log.Debugf("in from undecoded port %#x", port)
		return floating
	}
	return r.dev.In(port)
}

// Outb implements PortIO.Outb.
func (b *Bus) Outb(port uint16, v uint8) {
	r := b.lookup(port)
	if r == nil {
		log.Debugf("out %#x to undecoded port %#x", v, port)
		return
	}
	r.dev.Out(port, v)
}
