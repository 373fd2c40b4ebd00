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

// Package pagetables provides a generic implementation of pagetables.
//
// The tables are kept in the architectural x86-64 format (four levels, 512
// eight-byte entries per 4K table) in memory obtained from an Allocator, so
// that the processor can walk them directly from CR3.
package pagetables

import (
	"fmt"

	"github.com/kcore-os/kcore/pkg/abi/kcore"
	"github.com/kcore-os/kcore/pkg/errors"
	"github.com/kcore-os/kcore/pkg/hostarch"
)

// ErrAlreadyMapped is returned by Map when a page in the range already has
// a present mapping. Existing mappings are never overwritten silently.
var ErrAlreadyMapped = errors.New(kcore.EEXIST, "virtual page already mapped")

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// root is the pagetable root.
	root *PTEs

	// rootPhysical is the cached physical address of the root.
	rootPhysical uintptr
}

// New returns new PageTables.
func New(a Allocator) (*PageTables, error) {
	p := new(PageTables)
	if err := p.Init(a); err != nil {
		return nil, err
	}
	return p, nil
}

// Init initializes a set of PageTables.
func (p *PageTables) Init(allocator Allocator) error {
	root, err := allocator.NewPTEs()
	if err != nil {
		return err
	}
	p.Allocator = allocator
	p.root = root
	p.rootPhysical = p.Allocator.PhysicalFor(p.root)
	return nil
}

// CR3 returns the value to load into CR3 to activate these tables.
func (p *PageTables) CR3() uint64 {
	return uint64(p.rootPhysical)
}

// ShareUpper copies the upper half PGD entries of from into p. The tables
// below those entries are shared: mappings added later under an existing
// upper PGD entry become visible in both.
func (p *PageTables) ShareUpper(from *PageTables) {
	copy(p.root[upperFirstIndex:], from.root[upperFirstIndex:])
}

// Prepopulate allocates the intermediate PGD entries covering [start, end)
// without installing any leaves. Used for the kernel half so that tables
// created by ShareUpper afterwards observe every later kernel mapping.
func (p *PageTables) Prepopulate(start, end hostarch.Addr) error {
	for addr := uint64(start) &^ (pgdSize - 1); addr < uint64(end); addr += pgdSize {
		pgdEntry := &p.root[(addr&pgdMask)>>pgdShift]
		if pgdEntry.Valid() {
			continue
		}
		pudEntries, err := p.Allocator.NewPTEs()
		if err != nil {
			return err
		}
		pgdEntry.setPageTable(p, pudEntries, (addr&pgdMask)>>pgdShift < upperFirstIndex)
		if next(addr, pgdSize) < addr {
			break
		}
	}
	return nil
}

// Map installs a mapping with the given physical address.
//
// The range must be page aligned and contain no present mapping; otherwise
// ErrAlreadyMapped is returned and nothing is changed. If allocating an
// intermediate table fails the leaves installed by this call are removed
// again, but the intermediate tables stay.
func (p *PageTables) Map(addr hostarch.Addr, length uintptr, opts MapOpts, physical uintptr) error {
	if !opts.AccessType.Any() {
		return fmt.Errorf("map %#x: no access requested", addr)
	}
	if !addr.IsPageAligned() || length%pteSize != 0 || physical%pteSize != 0 {
		return fmt.Errorf("map %#x+%#x -> %#x: unaligned", addr, length, physical)
	}
	end, ok := addr.AddLength(uint64(length))
	if !ok {
		panic("pagetables.Map: overflow")
	}
	if !IsCanonical(uintptr(addr)) || (length > 0 && !IsCanonical(uintptr(end-1))) {
		return fmt.Errorf("map [%#x, %#x): non-canonical", addr, end)
	}

	// Refuse to overwrite.
	var existing error
	p.iterateRange(uintptr(addr), uintptr(end), false, func(s, e uintptr, pte *PTE) {
		if existing == nil {
			existing = fmt.Errorf("%w: %#x -> %#x", ErrAlreadyMapped, s, pte.Address())
		}
	})
	if existing != nil {
		return existing
	}

	installed := uintptr(addr)
	err := p.iterateRange(uintptr(addr), uintptr(end), true, func(s, e uintptr, pte *PTE) {
		pte.Set(physical+(s-uintptr(addr)), opts)
		installed = e
	})
	if err != nil {
		p.Unmap(addr, installed-uintptr(addr))
		return err
	}
	return nil
}

// Unmap unmaps the given range. The intermediate tables are left in place.
//
// It returns the number of present leaves that were cleared.
func (p *PageTables) Unmap(addr hostarch.Addr, length uintptr) int {
	count := 0
	p.iterateRange(uintptr(addr), uintptr(addr)+length, false, func(s, e uintptr, pte *PTE) {
		pte.Clear()
		count++
	})
	return count
}

// Lookup returns the physical address for the given virtual address.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical uintptr, opts MapOpts, ok bool) {
	if !IsCanonical(uintptr(addr)) {
		return 0, MapOpts{}, false
	}
	pte, _ := walk(p.Allocator.LookupPTEs, p.rootPhysical, uintptr(addr))
	if pte == nil {
		return 0, MapOpts{}, false
	}
	return pte.Address() + uintptr(addr.PageOffset()), pte.Opts(), true
}

// Visit calls fn for every present leaf in [start, end).
func (p *PageTables) Visit(start, end hostarch.Addr, fn func(addr hostarch.Addr, physical uintptr, opts MapOpts)) {
	p.iterateRange(uintptr(start), uintptr(end), false, func(s, e uintptr, pte *PTE) {
		fn(hostarch.Addr(s), pte.Address(), pte.Opts())
	})
}

// Release frees every lower half table together with the root, calling
// freeLeaf for each present lower half leaf first. Shared upper half tables
// are not freed. The PageTables must not be used afterwards.
func (p *PageTables) Release(freeLeaf func(addr hostarch.Addr, physical uintptr)) {
	if freeLeaf != nil {
		p.Visit(0, lowerTop, func(addr hostarch.Addr, physical uintptr, _ MapOpts) {
			freeLeaf(addr, physical)
		})
	}
	for pgdIndex := 0; pgdIndex < upperFirstIndex; pgdIndex++ {
		pgdEntry := &p.root[pgdIndex]
		if !pgdEntry.Valid() {
			continue
		}
		pudEntries := p.Allocator.LookupPTEs(pgdEntry.Address())
		for pudIndex := range pudEntries {
			pudEntry := &pudEntries[pudIndex]
			if !pudEntry.Valid() {
				continue
			}
			pmdEntries := p.Allocator.LookupPTEs(pudEntry.Address())
			for pmdIndex := range pmdEntries {
				pmdEntry := &pmdEntries[pmdIndex]
				if pmdEntry.Valid() {
					p.Allocator.FreePTEs(p.Allocator.LookupPTEs(pmdEntry.Address()))
				}
			}
			p.Allocator.FreePTEs(pmdEntries)
		}
		p.Allocator.FreePTEs(pudEntries)
		pgdEntry.Clear()
	}
	p.Allocator.FreePTEs(p.root)
	p.root = nil
}

// Walk performs the processor's page walk for addr starting at the table
// whose physical address is root. lookup maps a table's physical address to
// its entries. It returns the leaf entry, or nil if the address is not
// mapped, together with the permissions in effect for the access.
func Walk(lookup func(physical uintptr) *PTEs, root uintptr, addr hostarch.Addr) (*PTE, MapOpts) {
	return walk(lookup, root, uintptr(addr))
}
