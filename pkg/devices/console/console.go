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

// Package console provides the kernel's text output collaborator: a VGA
// text mode buffer and a 16550 serial port, together with the driver that
// writes to them.
package console

import (
	"fmt"

	"github.com/kcore-os/kcore/pkg/devices"
)

// Destination selects an output device.
type Destination int

// Destinations.
const (
	VGAText Destination = iota
	Serial
)

// String implements fmt.Stringer.
func (d Destination) String() string {
	switch d {
	case VGAText:
		return "vga"
	case Serial:
		return "serial"
	}
	return fmt.Sprintf("destination(%d)", int(d))
}

// Device is text output as used by the kernel.
type Device interface {
	// WriteBytes writes b to dest and returns the number of bytes written.
	WriteBytes(dest Destination, b []byte) (int, error)
}

// Driver drives the VGA buffer directly and the serial port through port
// I/O.
type Driver struct {
	VGA        *VGA
	IO         devices.PortIO
	SerialBase uint16
}

// Init programs the serial port.
func (d *Driver) Init() {
	InitSerial(d.IO, d.SerialBase)
}

// WriteBytes implements Device.WriteBytes.
func (d *Driver) WriteBytes(dest Destination, b []byte) (int, error) {
	switch dest {
	case VGAText:
		return d.VGA.Write(b)
	case Serial:
		WriteSerial(d.IO, d.SerialBase, b)
		return len(b), nil
	}
	return 0, fmt.Errorf("unknown console destination %v", dest)
}

// Both writes b to every destination, as the kernel does for diagnostics.
func Both(d Device, b []byte) {
	d.WriteBytes(VGAText, b)
	d.WriteBytes(Serial, b)
}

// Buffer is a Device that records output per destination.
type Buffer struct {
	Out map[Destination][]byte
}

// WriteBytes implements Device.WriteBytes.
func (b *Buffer) WriteBytes(dest Destination, p []byte) (int, error) {
	if b.Out == nil {
		b.Out = make(map[Destination][]byte)
	}
	b.Out[dest] = append(b.Out[dest], p...)
	return len(p), nil
}

// String returns the output for dest.
func (b *Buffer) String(dest Destination) string {
	return string(b.Out[dest])
}
