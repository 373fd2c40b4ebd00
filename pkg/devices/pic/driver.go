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

package pic

import (
	"fmt"

	"github.com/kcore-os/kcore/pkg/devices"
)

// Remap runs the initialization sequence on both chips, moving IRQs 0-7 to
// masterOffset and 8-15 to slaveOffset. The interrupt masks are preserved.
func Remap(io devices.PortIO, masterOffset, slaveOffset uint8) error {
	if masterOffset&7 != 0 || slaveOffset&7 != 0 {
		return fmt.Errorf("pic offsets %#x/%#x are not multiples of 8", masterOffset, slaveOffset)
	}
	masterMask := io.Inb(MasterData)
	slaveMask := io.Inb(SlaveData)

	io.Outb(MasterCommand, ICW1Init|ICW1ICW4)
	io.Outb(SlaveCommand, ICW1Init|ICW1ICW4)
	io.Outb(MasterData, masterOffset)
	io.Outb(SlaveData, slaveOffset)
	io.Outb(MasterData, 1<<CascadeLine)
	io.Outb(SlaveData, CascadeLine)
	io.Outb(MasterData, ICW48086)
	io.Outb(SlaveData, ICW48086)

	io.Outb(MasterData, masterMask)
	io.Outb(SlaveData, slaveMask)
	return nil
}

// SetMask masks or unmasks irq. Unmasking a slave line also unmasks the
// cascade input of the master.
func SetMask(io devices.PortIO, irq int, masked bool) {
	port := uint16(MasterData)
	line := irq
	if irq >= linesPerChip {
		port = SlaveData
		line -= linesPerChip
		if !masked {
			SetMask(io, CascadeLine, false)
		}
	}
	v := io.Inb(port)
	if masked {
		v |= 1 << line
	} else {
		v &^= 1 << line
	}
	io.Outb(port, v)
}

// MaskAll masks every line on both chips.
func MaskAll(io devices.PortIO) {
	io.Outb(MasterData, 0xff)
	io.Outb(SlaveData, 0xff)
}

// EOI signals end of interrupt for irq. Slave lines need an EOI on both
// chips.
func EOI(io devices.PortIO, irq int) {
	if irq >= linesPerChip {
		io.Outb(SlaveCommand, OCW2EOI)
	}
	io.Outb(MasterCommand, OCW2EOI)
}
