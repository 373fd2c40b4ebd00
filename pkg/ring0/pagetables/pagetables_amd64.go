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

package pagetables

import (
	"fmt"

	"github.com/kcore-os/kcore/pkg/hostarch"
)

// Address constraints.
//
// The lowerTop and upperBottom currently apply to four-level pagetables;
// additional refactoring would be necessary to support five-level pagetables.
const (
	lowerTop    = 0x00007fffffffffff
	upperBottom = 0xffff800000000000

	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteMask = 0x1ff << pteShift
	pmdMask = 0x1ff << pmdShift
	pudMask = 0x1ff << pudShift
	pgdMask = 0x1ff << pgdShift

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift

	executeDisable = 1 << 63
	entriesPerPage = 512

	// upperFirstIndex is the first PGD index of the upper half.
	upperFirstIndex = entriesPerPage / 2
)

// Exported address space limits.
const (
	// LowerTop is the last canonical lower-half address.
	LowerTop = lowerTop

	// UpperBottom is the first canonical upper-half address.
	UpperBottom = upperBottom
)

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

// IsCanonical returns true iff addr is a canonical 48-bit address.
func IsCanonical(addr uintptr) bool {
	return addr <= lowerTop || addr >= upperBottom
}

// next returns the next address quantized by the given size.
//
//go:nosplit
func next(start uint64, size uint64) uint64 {
	start &= ^(size - 1)
	start += size
	return start
}

// iterateRange iterates over all appropriate levels of page tables for the
// given range.
//
// If alloc is set, then Set _must_ be called on all given PTEs. The exception
// is that an allocation failure is returned immediately.
//
// Only 4K leaves are visited; this kernel never installs super pages.
func (p *PageTables) iterateRange(startAddr, endAddr uintptr, alloc bool, fn func(s, e uintptr, pte *PTE)) error {
	start := uint64(startAddr)
	end := uint64(endAddr)
	if start%pteSize != 0 {
		panic(fmt.Sprintf("unaligned start: %v", start))
	}
	if start > end {
		panic(fmt.Sprintf("start > end (%v > %v))", start, end))
	}

	// Deal with cases where we traverse the "gap".
	//
	// These are all explicitly disallowed if alloc is set, and we must
	// traverse an entry for each address explicitly.
	switch {
	case start < lowerTop && end > lowerTop && end < upperBottom:
		if alloc {
			panic(fmt.Sprintf("alloc [%x, %x) spans non-canonical range", start, end))
		}
		return p.iterateRange(startAddr, lowerTop, false, fn)
	case start < lowerTop && end > lowerTop:
		if alloc {
			panic(fmt.Sprintf("alloc [%x, %x) spans non-canonical range", start, end))
		}
		if err := p.iterateRange(startAddr, lowerTop, false, fn); err != nil {
			return err
		}
		return p.iterateRange(upperBottom, endAddr, false, fn)
	case start > lowerTop && end < upperBottom:
		if alloc {
			panic(fmt.Sprintf("alloc [%x, %x) spans non-canonical range", start, end))
		}
		return nil
	case start > lowerTop && start < upperBottom && end > upperBottom:
		if alloc {
			panic(fmt.Sprintf("alloc [%x, %x) spans non-canonical range", start, end))
		}
		return p.iterateRange(upperBottom, endAddr, false, fn)
	}

	for pgdIndex := int((start & pgdMask) >> pgdShift); start < end && pgdIndex < entriesPerPage; pgdIndex++ {
		userTable := pgdIndex < upperFirstIndex
		var (
			pgdEntry   = &p.root[pgdIndex]
			pudEntries *PTEs
		)
		if !pgdEntry.Valid() {
			if !alloc {
				// Skip over this entry.
				start = next(start, pgdSize)
				continue
			}

			// Allocate a new pgd.
			var err error
			if pudEntries, err = p.Allocator.NewPTEs(); err != nil {
				return err
			}
			pgdEntry.setPageTable(p, pudEntries, userTable)
		} else {
			pudEntries = p.Allocator.LookupPTEs(pgdEntry.Address())
		}

		// Map the next level.
		for pudIndex := int((start & pudMask) >> pudShift); start < end && pudIndex < entriesPerPage; pudIndex++ {
			var (
				pudEntry   = &pudEntries[pudIndex]
				pmdEntries *PTEs
			)
			if !pudEntry.Valid() {
				if !alloc {
					// Skip over this entry.
					start = next(start, pudSize)
					continue
				}

				// Allocate a new pud.
				var err error
				if pmdEntries, err = p.Allocator.NewPTEs(); err != nil {
					return err
				}
				pudEntry.setPageTable(p, pmdEntries, userTable)
			} else {
				pmdEntries = p.Allocator.LookupPTEs(pudEntry.Address())
			}

			// Map the next level, since this is valid.
			for pmdIndex := int((start & pmdMask) >> pmdShift); start < end && pmdIndex < entriesPerPage; pmdIndex++ {
				var (
					pmdEntry   = &pmdEntries[pmdIndex]
					pteEntries *PTEs
				)
				if !pmdEntry.Valid() {
					if !alloc {
						// Skip over this entry.
						start = next(start, pmdSize)
						continue
					}

					// Allocate a new pmd.
					var err error
					if pteEntries, err = p.Allocator.NewPTEs(); err != nil {
						return err
					}
					pmdEntry.setPageTable(p, pteEntries, userTable)
				} else {
					pteEntries = p.Allocator.LookupPTEs(pmdEntry.Address())
				}

				// As above, we map the next level.
				for pteIndex := int((start & pteMask) >> pteShift); start < end && pteIndex < entriesPerPage; pteIndex++ {
					pteEntry := &pteEntries[pteIndex]
					if !pteEntry.Valid() && !alloc {
						start += pteSize
						continue
					}

					// At this point, we are guaranteed that start%pteSize == 0.
					fn(uintptr(start), uintptr(start+pteSize), pteEntry)

					// Note that the pte was changed.
					start += pteSize
				}
			}
		}
	}
	return nil
}

// walk performs the processor's walk of addr through the tables rooted at
// root. It returns the leaf entry, which is nil if any level is not
// present, and the permissions in effect: write and user are allowed only if
// every level allows them, and execute is denied if any level denies it.
func walk(lookup func(physical uintptr) *PTEs, root uintptr, addr uintptr) (*PTE, MapOpts) {
	effective := MapOpts{AccessType: hostarch.AnyAccess, User: true}
	tableAddr := root
	shifts := [...]uint{pgdShift, pudShift, pmdShift, pteShift}
	for level, shift := range shifts {
		entries := lookup(tableAddr)
		if entries == nil {
			return nil, MapOpts{}
		}
		entry := &entries[(addr>>shift)&(entriesPerPage-1)]
		if !entry.Valid() {
			return nil, MapOpts{}
		}
		opts := entry.Opts()
		effective.AccessType.Write = effective.AccessType.Write && opts.AccessType.Write
		effective.AccessType.Execute = effective.AccessType.Execute && opts.AccessType.Execute
		effective.User = effective.User && opts.User
		if level == len(shifts)-1 {
			effective.Global = opts.Global
			effective.WriteThrough = opts.WriteThrough
			effective.CacheDisable = opts.CacheDisable
			return entry, effective
		}
		tableAddr = entry.Address()
	}
	panic("unreachable")
}
