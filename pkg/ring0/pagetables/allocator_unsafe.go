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
	"unsafe"

	"github.com/kcore-os/kcore/pkg/physmem"
)

// TableAt returns a view of the table stored in the frame at physical, or
// nil if the frame is not inside mem.
func TableAt(mem *physmem.Memory, physical uintptr) *PTEs {
	if physical&(pteSize-1) != 0 {
		return nil
	}
	b, err := mem.Page(physical)
	if err != nil {
		return nil
	}
	return (*PTEs)(unsafe.Pointer(&b[0]))
}

// physicalOffset returns the physical address of ptes within mem.
func physicalOffset(mem *physmem.Memory, ptes *PTEs) (uintptr, bool) {
	b, err := mem.Slice(0, mem.Size())
	if err != nil || len(b) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(&b[0]))
	p := uintptr(unsafe.Pointer(ptes))
	if p < base || p-base >= uintptr(len(b)) {
		return 0, false
	}
	return p - base, true
}
