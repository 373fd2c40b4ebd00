// Copyright 2021 The gVisor Authors.
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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddRemove(t *testing.T) {
	b := New(200)
	for _, i := range []uint32{0, 5, 63, 64, 199} {
		if !b.Add(i) {
			t.Errorf("Add(%d) = false on a clear bit", i)
		}
	}
	if b.Add(5) {
		t.Errorf("Add(5) = true on a set bit")
	}
	var set []uint32
	for i := uint32(0); i < b.Size(); i++ {
		if b.Contains(i) {
			set = append(set, i)
		}
	}
	if diff := cmp.Diff([]uint32{0, 5, 63, 64, 199}, set); diff != "" {
		t.Errorf("set bits mismatch (-want +got):\n%s", diff)
	}
	if got := b.GetNumOnes(); got != 5 {
		t.Errorf("GetNumOnes() = %d, want 5", got)
	}
	if !b.Remove(63) || b.Remove(63) {
		t.Errorf("Remove(63) should succeed exactly once")
	}
	if b.Contains(63) || !b.Contains(64) {
		t.Errorf("Contains mismatch after Remove")
	}
}

func TestFirstZero(t *testing.T) {
	b := New(130)
	b.AddRange(0, 70)
	for _, tc := range []struct {
		start uint32
		want  uint32
	}{
		{0, 70},
		{69, 70},
		{71, 71},
		{129, 129},
	} {
		got, err := b.FirstZero(tc.start)
		if err != nil || got != tc.want {
			t.Errorf("FirstZero(%d) = %d, %v; want %d", tc.start, got, err, tc.want)
		}
	}

	b.AddRange(70, 130)
	if _, err := b.FirstZero(0); err != ErrNoUnsetBits {
		t.Errorf("FirstZero on a full bitmap returned %v, want ErrNoUnsetBits", err)
	}
}

func TestFirstZeroIgnoresPadding(t *testing.T) {
	// The last block has 64-3 padding bits that must never be reported.
	b := New(3)
	b.AddRange(0, 3)
	if bit, err := b.FirstZero(0); err == nil {
		t.Errorf("FirstZero = %d, want ErrNoUnsetBits", bit)
	}
}

func TestRanges(t *testing.T) {
	b := New(256)
	b.AddRange(10, 200)
	if got, want := b.GetNumOnes(), uint32(190); got != want {
		t.Errorf("GetNumOnes() = %d, want %d", got, want)
	}
	b.ClearRange(60, 140)
	if got, want := b.GetNumOnes(), uint32(110); got != want {
		t.Errorf("GetNumOnes() = %d, want %d", got, want)
	}
	if b.Contains(139) || !b.Contains(140) {
		t.Errorf("ClearRange(60, 140) cleared the wrong bits")
	}
	if got, err := b.FirstZero(10); err != nil || got != 60 {
		t.Errorf("FirstZero(10) = %d, %v; want 60", got, err)
	}
}

func TestOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Add past the end did not panic")
		}
	}()
	b := New(10)
	b.Add(10)
}
