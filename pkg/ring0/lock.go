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
	"github.com/kcore-os/kcore/pkg/sync"
)

// InterruptSafeMutex protects kernel state shared with interrupt handlers.
//
// Lock disables interrupts before taking the lock, so a handler can never
// preempt a holder on the same processor. There is one processor, so the
// lock is never contended; contention means a handler re-entered a critical
// section and is a fatal kernel bug.
type InterruptSafeMutex struct {
	cpu *CPU
	mu  sync.Mutex

	// restore is the interrupt state to restore on Unlock.
	restore bool
}

// Init binds the mutex to a processor.
func (m *InterruptSafeMutex) Init(c *CPU) {
	m.cpu = c
}

// Lock disables interrupts and takes the lock.
func (m *InterruptSafeMutex) Lock() {
	was := m.cpu.DisableInterrupts()
	if !m.mu.TryLock() {
		panic("InterruptSafeMutex: recursive lock")
	}
	m.restore = was
}

// Unlock releases the lock and restores the interrupt state saved by Lock.
func (m *InterruptSafeMutex) Unlock() {
	restore := m.restore
	m.mu.Unlock()
	m.cpu.RestoreInterrupts(restore)
}
