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
	"strings"

	"github.com/kcore-os/kcore/pkg/hostarch"
)

// Bits in page table entries.
const (
	present      = 0x001
	writable     = 0x002
	user         = 0x004
	writeThrough = 0x008
	cacheDisable = 0x010
	accessed     = 0x020
	dirty        = 0x040
	super        = 0x080
	global       = 0x100
	optionMask   = executeDisable | 0xfff
)

// MapOpts are x86 options.
type MapOpts struct {
	// AccessType defines permissions. Read access is implied by any
	// present mapping.
	AccessType hostarch.AccessType

	// Global indicates the page is global.
	Global bool

	// User indicates the page is a user page.
	User bool

	// WriteThrough selects write-through caching (PWT).
	WriteThrough bool

	// CacheDisable disables caching of the page (PCD).
	CacheDisable bool
}

// String implements fmt.Stringer.
func (o MapOpts) String() string {
	var b strings.Builder
	b.WriteString(o.AccessType.String())
	if o.User {
		b.WriteString(" user")
	}
	if o.Global {
		b.WriteString(" global")
	}
	if o.WriteThrough {
		b.WriteString(" wt")
	}
	if o.CacheDisable {
		b.WriteString(" cd")
	}
	return b.String()
}

// PTE is a page table entry.
type PTE uintptr

// Clear clears this PTE, including super page information.
//
//go:nosplit
func (p *PTE) Clear() {
	*p = 0
}

// Valid returns true iff this entry is valid.
//
//go:nosplit
func (p *PTE) Valid() bool {
	return *p&present != 0
}

// Opts returns the PTE options.
//
// These are all options except Valid and Super.
//
//go:nosplit
func (p *PTE) Opts() MapOpts {
	v := *p
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&present != 0,
			Write:   v&writable != 0,
			Execute: v&executeDisable == 0,
		},
		Global:       v&global != 0,
		User:         v&user != 0,
		WriteThrough: v&writeThrough != 0,
		CacheDisable: v&cacheDisable != 0,
	}
}

// IsSuper returns true iff this page is a super page.
//
//go:nosplit
func (p *PTE) IsSuper() bool {
	return *p&super != 0
}

// Accessed returns true iff the processor has used this entry for a
// translation since the bit was last cleared.
func (p *PTE) Accessed() bool {
	return *p&accessed != 0
}

// Dirty returns true iff the processor has written through this entry.
func (p *PTE) Dirty() bool {
	return *p&dirty != 0
}

// MarkAccessed sets the accessed bit, and the dirty bit if write is set.
// These are the bits the processor updates during a walk.
func (p *PTE) MarkAccessed(write bool) {
	*p |= accessed
	if write {
		*p |= dirty
	}
}

// Set sets this PTE value.
//
// This does not change the super page property.
//
//go:nosplit
func (p *PTE) Set(addr uintptr, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := (addr &^ optionMask) | present | accessed
	if opts.User {
		v |= user
	}
	if opts.Global {
		v |= global
	}
	if !opts.AccessType.Execute {
		v |= executeDisable
	}
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	if opts.WriteThrough {
		v |= writeThrough
	}
	if opts.CacheDisable {
		v |= cacheDisable
	}
	if p.IsSuper() {
		// Note that this is inherited from the previous instance. Set
		// does not change the value of Super. See above.
		v |= super
	}
	*p = PTE(v)
}

// setPageTable sets this PTE value and forces the write bit and super bit to
// be cleared. This is used explicitly for breaking super pages. The user bit
// is set only for tables reachable from the lower half; the effective
// permission of a user leaf is the intersection over all levels.
//
//go:nosplit
func (p *PTE) setPageTable(pt *PageTables, ptes *PTEs, userTable bool) {
	addr := pt.Allocator.PhysicalFor(ptes)
	if addr&^optionMask != addr {
		// This should never happen.
		panic(fmt.Sprintf("unaligned physical address: %v", addr))
	}
	v := addr | present | writable | accessed | dirty
	if userTable {
		v |= user
	}
	*p = PTE(v)
}

// Address extracts the address. This should only be used if Valid returns
// true.
//
//go:nosplit
func (p *PTE) Address() uintptr {
	return uintptr(*p &^ optionMask)
}
