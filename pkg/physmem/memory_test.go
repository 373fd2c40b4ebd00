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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestReadWrite(t *testing.T) {
	m, err := New(4 * 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Release()

	if err := m.WriteUint64(0x1ff8, 0xdeadbeefcafe); err != nil {
		t.Fatalf("WriteUint64: %v", err)
	}
	got, err := m.ReadUint64(0x1ff8)
	if err != nil || got != 0xdeadbeefcafe {
		t.Errorf("ReadUint64 = %#x, %v", got, err)
	}
	if err := m.Zero(0x1000, 4096); err != nil {
		t.Fatalf("Zero: %v", err)
	}
	if got, _ := m.ReadUint64(0x1ff8); got != 0 {
		t.Errorf("word not cleared: %#x", got)
	}
}

func TestBusError(t *testing.T) {
	m, err := New(4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Release()

	var be *BusError
	if _, err := m.ReadUint64(4092); !errors.As(err, &be) {
		t.Errorf("ReadUint64 across the end = %v, want BusError", err)
	}
	if _, err := m.Page(0x10); err == nil {
		t.Errorf("Page of an unaligned address succeeded")
	}
}

func TestNewRejectsUnaligned(t *testing.T) {
	if _, err := New(4097); err == nil {
		t.Errorf("New(4097) succeeded")
	}
}

func TestDefaultMemoryMap(t *testing.T) {
	mm := DefaultMemoryMap(16 << 20)
	want := MemoryMap{
		{Start: 0, Length: 0x9fc00, Type: Usable},
		{Start: 0x9fc00, Length: 0x60400, Type: Reserved},
		{Start: 0x100000, Length: 15 << 20, Type: Usable},
	}
	if diff := cmp.Diff(want, mm); diff != "" {
		t.Errorf("DefaultMemoryMap mismatch (-want +got):\n%s", diff)
	}
	if err := mm.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if got := mm.End(); got != 16<<20 {
		t.Errorf("End() = %#x", got)
	}
}

func TestValidateOverlap(t *testing.T) {
	mm := MemoryMap{
		{Start: 0x1000, Length: 0x2000, Type: Usable},
		{Start: 0x2000, Length: 0x1000, Type: Reserved},
	}
	if err := mm.Validate(); err == nil {
		t.Errorf("Validate accepted overlapping regions")
	}
}
