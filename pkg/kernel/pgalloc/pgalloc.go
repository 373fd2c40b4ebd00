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

// Package pgalloc contains the physical frame allocator.
//
// Frames are tracked in a bitmap with one bit per 4K frame spanned by the
// firmware memory map; a set bit means the frame is allocated. Frames
// outside usable regions, and frame 0, are allocated from the start and are
// never handed out.
package pgalloc

import (
	"fmt"
	"math"

	"github.com/kcore-os/kcore/pkg/abi/kcore"
	"github.com/kcore-os/kcore/pkg/bitmap"
	"github.com/kcore-os/kcore/pkg/errors"
	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/log"
	"github.com/kcore-os/kcore/pkg/physmem"
)

var (
	// ErrOutOfMemory is returned when no frame is free.
	ErrOutOfMemory = errors.New(kcore.ENOMEM, "out of physical memory")

	// ErrDoubleFree is returned when freeing a frame that is not allocated.
	ErrDoubleFree = errors.New(kcore.EINVAL, "frame is not allocated")

	// ErrBadFrame is returned for addresses that are not managed frames.
	ErrBadFrame = errors.New(kcore.ERANGE, "address is not a managed frame")
)

// Stats are frame counts.
type Stats struct {
	Total uint64 `json:"total" yaml:"total"`
	Free  uint64 `json:"free" yaml:"free"`
	Used  uint64 `json:"used" yaml:"used"`
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("%d frames: %d free, %d used", s.Total, s.Free, s.Used)
}

// Allocator allocates physical frames.
//
// Allocator is not synchronized; the kernel serializes calls.
type Allocator struct {
	frames bitmap.Bitmap

	// hint is where the next search starts.
	hint uint32

	// Debug turns allocator misuse into panics.
	Debug bool
}

// New returns an allocator for the frames described by mm.
func New(mm physmem.MemoryMap) (*Allocator, error) {
	if err := mm.Validate(); err != nil {
		return nil, err
	}
	end, ok := hostarch.PageRoundUp(mm.End())
	if !ok || end/hostarch.PageSize > math.MaxUint32 {
		return nil, fmt.Errorf("memory map end %#x is too large", mm.End())
	}
	n := uint32(end / hostarch.PageSize)
	if n == 0 {
		return nil, fmt.Errorf("memory map is empty")
	}
	a := &Allocator{frames: bitmap.New(n)}
	a.frames.AddRange(0, n)
	mm.Visit(func(r physmem.Region) bool {
		if r.Type != physmem.Usable {
			return true
		}
		start, ok := hostarch.PageRoundUp(r.Start)
		if !ok {
			return true
		}
		last := hostarch.PageRoundDown(r.End())
		if start < last {
			a.frames.ClearRange(uint32(start/hostarch.PageSize), uint32(last/hostarch.PageSize))
		}
		return true
	})
	// Frame 0 doubles as the null physical address.
	a.frames.Add(0)
	a.hint = 1
	log.Infof("Physical memory: %v", a.Stats())
	return a, nil
}

// Reserve marks every frame overlapping [start, start+length) allocated.
func (a *Allocator) Reserve(start, length uint64) error {
	if length == 0 {
		return nil
	}
	first := hostarch.PageRoundDown(start) / hostarch.PageSize
	last, ok := hostarch.PageRoundUp(start + length)
	if !ok || start+length < start || last/hostarch.PageSize > uint64(a.frames.Size()) {
		return fmt.Errorf("%w: reserve [%#x, %#x)", ErrBadFrame, start, start+length)
	}
	a.frames.AddRange(uint32(first), uint32(last/hostarch.PageSize))
	return nil
}

// AllocFrame allocates one frame and returns its physical address. The
// search continues from just after the previous allocation.
func (a *Allocator) AllocFrame() (uintptr, error) {
	bit, err := a.frames.FirstZero(a.hint)
	if err != nil {
		bit, err = a.frames.FirstZero(0)
	}
	if err != nil {
		return 0, ErrOutOfMemory
	}
	a.frames.Add(bit)
	a.hint = bit + 1
	if a.hint >= a.frames.Size() {
		a.hint = 0
	}
	return uintptr(bit) * hostarch.PageSize, nil
}

// FreeFrame releases the frame at physical.
func (a *Allocator) FreeFrame(physical uintptr) error {
	if physical%hostarch.PageSize != 0 || physical/hostarch.PageSize >= uintptr(a.frames.Size()) {
		return a.misuse(fmt.Errorf("%w: %#x", ErrBadFrame, physical))
	}
	if !a.frames.Remove(uint32(physical / hostarch.PageSize)) {
		return a.misuse(fmt.Errorf("%w: %#x", ErrDoubleFree, physical))
	}
	return nil
}

func (a *Allocator) misuse(err error) error {
	if a.Debug {
		panic(err.Error())
	}
	return err
}

// IsAllocated returns true if the frame containing physical is allocated.
// Addresses beyond the managed range are reported allocated.
func (a *Allocator) IsAllocated(physical uintptr) bool {
	frame := physical / hostarch.PageSize
	if frame >= uintptr(a.frames.Size()) {
		return true
	}
	return a.frames.Contains(uint32(frame))
}

// Stats returns the current frame counts.
func (a *Allocator) Stats() Stats {
	total := uint64(a.frames.Size())
	used := uint64(a.frames.GetNumOnes())
	return Stats{Total: total, Free: total - used, Used: used}
}
