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

// Package keyboard implements the data and status ports of a PS/2 keyboard
// controller.
package keyboard

// Ports.
const (
	DataPort   = 0x60
	StatusPort = 0x64
)

// IRQ is the keyboard interrupt request line.
const IRQ = 1

// statusOutputFull is set while a scancode is waiting in the data port.
const statusOutputFull = 0x01

// Controller buffers scancodes and raises IRQ1 for each.
type Controller struct {
	raise func(irq int)
	queue []uint8
}

// New returns a controller raising interrupts through raise.
func New(raise func(irq int)) *Controller {
	return &Controller{raise: raise}
}

// Press queues a scancode and raises the interrupt.
func (c *Controller) Press(scancode uint8) {
	c.queue = append(c.queue, scancode)
	c.raise(IRQ)
}

// Pending returns the number of unread scancodes.
func (c *Controller) Pending() int {
	return len(c.queue)
}

// In implements devices.PortDevice.In.
func (c *Controller) In(port uint16) uint8 {
	switch port {
	case DataPort:
		if len(c.queue) == 0 {
			return 0
		}
		v := c.queue[0]
		c.queue = c.queue[1:]
		if len(c.queue) > 0 {
			// The next byte gets its own interrupt.
			c.raise(IRQ)
		}
		return v
	case StatusPort:
		if len(c.queue) > 0 {
			return statusOutputFull
		}
		return 0
	}
	return 0xff
}

// Out implements devices.PortDevice.Out. Controller commands are ignored.
func (c *Controller) Out(port uint16, v uint8) {}
