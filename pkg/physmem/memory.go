// Copyright 2026 The gVisor Authors.
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

// Package physmem provides the machine's physical memory and the firmware
// memory map describing it.
//
// Physical memory is an anonymous private host mapping. It is page aligned,
// so structures with architectural layouts (page tables in particular) may
// be viewed in place.
package physmem

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/kcore-os/kcore/pkg/hostarch"
)

// Memory is the physical address space [0, Size()).
//
// Memory is not safe for concurrent use; the machine drives it from a single
// goroutine.
type Memory struct {
	data []byte
}

// New maps size bytes of zeroed physical memory. size must be page aligned.
func New(size uint64) (*Memory, error) {
	if size == 0 || size%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("physical memory size %#x is not a non-zero multiple of the page size", size)
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap of %#x bytes of physical memory: %w", size, err)
	}
	return &Memory{data: data}, nil
}

// Release unmaps the memory. The Memory must not be used afterwards.
func (m *Memory) Release() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Size returns the size of physical memory in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

// Slice returns the bytes backing [addr, addr+length). The slice aliases
// physical memory.
func (m *Memory) Slice(addr uintptr, length uint64) ([]byte, error) {
	end := uint64(addr) + length
	if end < uint64(addr) || end > uint64(len(m.data)) {
		return nil, &BusError{Addr: addr, Length: length}
	}
	return m.data[addr:end:end], nil
}

// Page returns the page-sized slice at the page aligned address addr.
func (m *Memory) Page(addr uintptr) ([]byte, error) {
	if !hostarch.Addr(addr).IsPageAligned() {
		return nil, fmt.Errorf("physical address %#x is not page aligned", addr)
	}
	return m.Slice(addr, hostarch.PageSize)
}

// ReadUint64 reads the little-endian word at addr.
func (m *Memory) ReadUint64(addr uintptr) (uint64, error) {
	b, err := m.Slice(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteUint64 writes v as a little-endian word at addr.
func (m *Memory) WriteUint64(addr uintptr, v uint64) error {
	b, err := m.Slice(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// Zero clears [addr, addr+length).
func (m *Memory) Zero(addr uintptr, length uint64) error {
	b, err := m.Slice(addr, length)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}

// BusError is returned for accesses beyond the end of physical memory.
type BusError struct {
	Addr   uintptr
	Length uint64
}

// Error implements error.Error.
func (e *BusError) Error() string {
	return fmt.Sprintf("physical access [%#x, %#x) outside of installed memory", e.Addr, uint64(e.Addr)+e.Length)
}
