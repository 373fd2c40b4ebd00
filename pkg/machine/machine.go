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

// Package machine assembles the simulated PC the kernel runs on: physical
// memory with its firmware map, one processor, the interrupt controller,
// the interval timer, the keyboard controller and the console devices.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kcore-os/kcore/pkg/devices"
	"github.com/kcore-os/kcore/pkg/devices/console"
	"github.com/kcore-os/kcore/pkg/devices/keyboard"
	"github.com/kcore-os/kcore/pkg/devices/pic"
	"github.com/kcore-os/kcore/pkg/devices/pit"
	"github.com/kcore-os/kcore/pkg/log"
	"github.com/kcore-os/kcore/pkg/physmem"
	"github.com/kcore-os/kcore/pkg/ring0"
)

// DefaultCyclesPerTick is the number of processor cycles per timer period.
const DefaultCyclesPerTick = 1000

// Config configures a machine.
type Config struct {
	// MemorySize is the amount of physical memory, page aligned.
	MemorySize uint64

	// MemoryMap is the firmware memory map. If empty, the standard PC
	// layout for MemorySize is used.
	MemoryMap physmem.MemoryMap

	// CyclesPerTick is the number of processor cycles per timer period.
	CyclesPerTick int

	// VGAOut and SerialOut receive copies of console output, if set.
	VGAOut    io.Writer
	SerialOut io.Writer
}

// HaltError is returned by Run when the processor has stopped.
type HaltError struct {
	// Reason describes why the processor stopped.
	Reason string

	// Tick is the timer period during which it stopped.
	Tick uint64

	// Regs is the register file at the time of the stop.
	Regs ring0.Registers

	shutdown *ring0.Shutdown
}

// Error implements error.Error.
func (e *HaltError) Error() string {
	return fmt.Sprintf("machine halted at tick %d: %s", e.Tick, e.Reason)
}

// Unwrap returns the processor shutdown.
func (e *HaltError) Unwrap() error {
	return e.shutdown
}

// Machine is a single-processor PC.
type Machine struct {
	Memory    *physmem.Memory
	MemoryMap physmem.MemoryMap
	Text      *ring0.Text
	CPU       *ring0.CPU
	Bus       *devices.Bus
	PIC       *pic.PIC
	PIT       *pit.PIT
	Keyboard  *keyboard.Controller
	UART      *console.UART
	VGA       *console.VGA

	cyclesPerTick int
	ticks         uint64
}

// New builds a machine.
func New(cfg Config) (*Machine, error) {
	if cfg.CyclesPerTick == 0 {
		cfg.CyclesPerTick = DefaultCyclesPerTick
	}
	if cfg.CyclesPerTick < 0 {
		return nil, fmt.Errorf("cycles per tick %d must be positive", cfg.CyclesPerTick)
	}
	mm := cfg.MemoryMap
	if len(mm) == 0 {
		mm = physmem.DefaultMemoryMap(cfg.MemorySize)
	}
	if err := mm.Validate(); err != nil {
		return nil, fmt.Errorf("invalid memory map: %w", err)
	}
	if mm.End() > cfg.MemorySize {
		return nil, fmt.Errorf("memory map ends at %#x beyond memory size %#x", mm.End(), cfg.MemorySize)
	}
	mem, err := physmem.New(cfg.MemorySize)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		Memory:        mem,
		MemoryMap:     mm,
		Text:          ring0.NewText(),
		Bus:           new(devices.Bus),
		PIC:           pic.New(),
		cyclesPerTick: cfg.CyclesPerTick,
	}
	m.CPU = ring0.NewCPU(mem, m.Text)
	m.CPU.SetInterruptController(m.PIC)
	m.PIT = pit.New(m.PIC.Raise)
	m.Keyboard = keyboard.New(m.PIC.Raise)
	m.UART = console.NewUART(console.COM1, cfg.SerialOut)
	m.VGA = console.NewVGA(cfg.VGAOut)

	for _, d := range []struct {
		name  string
		first uint16
		count int
		dev   devices.PortDevice
	}{
		{"pic-master", pic.MasterCommand, 2, m.PIC},
		{"pic-slave", pic.SlaveCommand, 2, m.PIC},
		{"pit", pit.Channel0, 4, m.PIT},
		{"keyboard-data", keyboard.DataPort, 1, m.Keyboard},
		{"keyboard-status", keyboard.StatusPort, 1, m.Keyboard},
		{"com1", console.COM1, console.UARTPorts, m.UART},
	} {
		if err := m.Bus.Register(d.name, d.first, d.count, d.dev); err != nil {
			mem.Release()
			return nil, err
		}
	}
	log.Infof("Machine: %d MiB RAM, %d usable, %d cycles per tick", cfg.MemorySize>>20, mm.UsableBytes()>>20, cfg.CyclesPerTick)
	return m, nil
}

// Release frees the machine's memory.
func (m *Machine) Release() error {
	return m.Memory.Release()
}

// CyclesPerTick returns the number of processor cycles per timer period.
func (m *Machine) CyclesPerTick() int {
	return m.cyclesPerTick
}

// Ticks returns the number of completed timer periods.
func (m *Machine) Ticks() uint64 {
	return m.ticks
}

// Console returns a console driver bound to the machine's devices.
func (m *Machine) Console() *console.Driver {
	return &console.Driver{VGA: m.VGA, IO: m.Bus, SerialBase: console.COM1}
}

// PressKey queues a scancode at the keyboard controller.
func (m *Machine) PressKey(scancode uint8) {
	m.Keyboard.Press(scancode)
}

// Run runs the machine for the given number of timer periods. Each period
// executes the configured number of processor cycles and then lets the
// timer fire.
//
// Run returns a *HaltError if the processor stops, or the context's error
// if ctx is cancelled; cancellation is checked between periods.
func (m *Machine) Run(ctx context.Context, ticks uint64) error {
	for i := uint64(0); i < ticks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.RunTick(); err != nil {
			return err
		}
	}
	return nil
}

// RunTick runs a single timer period.
func (m *Machine) RunTick() error {
	for c := 0; c < m.cyclesPerTick; c++ {
		if err := m.CPU.Step(); err != nil {
			return m.halt(err)
		}
	}
	m.PIT.Tick()
	m.ticks++
	return nil
}

func (m *Machine) halt(err error) error {
	var s *ring0.Shutdown
	if !errors.As(err, &s) {
		return err
	}
	return &HaltError{
		Reason:   s.Reason,
		Tick:     m.ticks,
		Regs:     s.Regs,
		shutdown: s,
	}
}
