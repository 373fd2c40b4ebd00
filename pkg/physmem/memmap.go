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

package physmem

import (
	"fmt"
	"sort"
)

// RegionType is the firmware's classification of a physical range.
type RegionType uint32

// Region types, numbered as in the multiboot2/E820 memory map.
const (
	Usable RegionType = iota + 1
	Reserved
	ACPIReclaimable
	ACPINVS
	BadMemory
)

// String implements fmt.Stringer.
func (t RegionType) String() string {
	switch t {
	case Usable:
		return "usable"
	case Reserved:
		return "reserved"
	case ACPIReclaimable:
		return "acpi-reclaimable"
	case ACPINVS:
		return "acpi-nvs"
	case BadMemory:
		return "bad"
	default:
		return fmt.Sprintf("RegionType(%d)", uint32(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t RegionType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Region is one entry of the memory map.
type Region struct {
	Start  uint64     `json:"start" yaml:"start"`
	Length uint64     `json:"length" yaml:"length"`
	Type   RegionType `json:"type" yaml:"type"`
}

// End returns the exclusive end of the region.
func (r Region) End() uint64 {
	return r.Start + r.Length
}

// String implements fmt.Stringer.
func (r Region) String() string {
	return fmt.Sprintf("[%#012x, %#012x) %s", r.Start, r.End(), r.Type)
}

// MemoryMap is the memory map handed to the kernel by the boot loader.
type MemoryMap []Region

// Well-known low memory layout.
const (
	// conventionalEnd is the end of conventional memory below the EBDA.
	conventionalEnd = 0x9fc00

	// extendedStart is the start of extended memory, above the ISA hole.
	extendedStart = 0x100000
)

// DefaultMemoryMap returns a PC-style map for size bytes of RAM: usable
// conventional memory, the reserved EBDA/ISA hole, and usable extended
// memory up to size.
func DefaultMemoryMap(size uint64) MemoryMap {
	mm := MemoryMap{
		{Start: 0, Length: conventionalEnd, Type: Usable},
		{Start: conventionalEnd, Length: extendedStart - conventionalEnd, Type: Reserved},
	}
	if size > extendedStart {
		mm = append(mm, Region{Start: extendedStart, Length: size - extendedStart, Type: Usable})
	}
	return mm
}

// Visit calls fn for each region in address order until fn returns false.
func (mm MemoryMap) Visit(fn func(r Region) bool) {
	sorted := append(MemoryMap(nil), mm...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	for _, r := range sorted {
		if !fn(r) {
			return
		}
	}
}

// End returns the highest end address of any region.
func (mm MemoryMap) End() uint64 {
	var end uint64
	for _, r := range mm {
		if r.End() > end {
			end = r.End()
		}
	}
	return end
}

// UsableBytes returns the total size of usable regions.
func (mm MemoryMap) UsableBytes() uint64 {
	var total uint64
	for _, r := range mm {
		if r.Type == Usable {
			total += r.Length
		}
	}
	return total
}

// Validate checks that regions are non-empty and do not overlap. Usable
// regions need not be page aligned; only whole frames inside them are used.
func (mm MemoryMap) Validate() error {
	var prev *Region
	var err error
	mm.Visit(func(r Region) bool {
		if r.Length == 0 {
			err = fmt.Errorf("empty region at %#x", r.Start)
			return false
		}
		if prev != nil && prev.End() > r.Start {
			err = fmt.Errorf("region %v overlaps %v", r, *prev)
			return false
		}
		rr := r
		prev = &rr
		return true
	})
	return err
}
