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

package ring0

import (
	"github.com/kcore-os/kcore/pkg/ring0/pagetables"
)

// tlbCapacity bounds the number of cached translations. When full, the
// whole non-global set is dropped.
const tlbCapacity = 1024

// tlbEntry is a cached translation for one page.
type tlbEntry struct {
	physical uintptr
	opts     pagetables.MapOpts

	// dirty is set once a write has been translated through this entry.
	dirty bool
}

// tlb caches translations by virtual page. Entries survive page table
// changes until invalidated, as on hardware.
type tlb struct {
	entries map[uint64]tlbEntry
}

func (t *tlb) init() {
	t.entries = make(map[uint64]tlbEntry)
}

func (t *tlb) lookup(page uint64) (tlbEntry, bool) {
	e, ok := t.entries[page]
	return e, ok
}

func (t *tlb) insert(page uint64, e tlbEntry) {
	if len(t.entries) >= tlbCapacity {
		t.flush(false)
		if len(t.entries) >= tlbCapacity {
			t.flush(true)
		}
	}
	t.entries[page] = e
}

func (t *tlb) invalidate(page uint64) {
	delete(t.entries, page)
}

// flush drops all non-global entries, or every entry if global is set.
func (t *tlb) flush(global bool) {
	for page, e := range t.entries {
		if global || !e.opts.Global {
			delete(t.entries, page)
		}
	}
}

// size returns the number of cached entries.
func (t *tlb) size() int {
	return len(t.entries)
}
