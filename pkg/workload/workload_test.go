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


package workload_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kcore-os/kcore/pkg/abi/kcore"
	"github.com/kcore-os/kcore/pkg/kernel"
	"github.com/kcore-os/kcore/pkg/machine"
	"github.com/kcore-os/kcore/pkg/syscalls/kc64"
	"github.com/kcore-os/kcore/pkg/workload"
)

func TestHelloImage(t *testing.T) {
	img := workload.Hello("greeter", kcore.STDERR_FILENO, "abc", 3)
	if img.Name != "greeter" {
		t.Errorf("Name = %q, want greeter", img.Name)
	}
	if diff := cmp.Diff([]byte("abc"), img.Data); diff != "" {
		t.Errorf("Data mismatch (-want +got):\n%s", diff)
	}
	// write: 4 loads and int; exit: 2 loads and int; ud2.
	if got, want := len(img.Text), 5+3+1; got != want {
		t.Errorf("len(Text) = %d, want %d", got, want)
	}
	if len(workload.Spinner("s").Data) != 0 {
		t.Errorf("Spinner has data")
	}
	if len(workload.CounterProgram(0x1000)) != 2 {
		t.Errorf("CounterProgram is not a two instruction loop")
	}
}

func TestDemo(t *testing.T) {
	var vga bytes.Buffer
	m, err := machine.New(machine.Config{MemorySize: 8 << 20, CyclesPerTick: 100, VGAOut: &vga})
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}
	defer m.Release()
	k, err := kernel.Boot(m, kernel.Config{SyscallTable: kc64.Table})
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	cs, pid, err := workload.Demo(k)
	if err != nil {
		t.Fatalf("Demo: %v", err)
	}
	if len(cs) != 3 || pid != 4 {
		t.Fatalf("Demo = %d counters, pid %d; want 3 counters and pid 4", len(cs), pid)
	}
	for _, c := range cs {
		if v, err := c.Read(k); err != nil || v != 0 {
			t.Errorf("counter %d before running = %d, %v; want 0", c.PID, v, err)
		}
	}

	if err := m.Run(context.Background(), 50); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, c := range cs {
		if v, err := c.Read(k); err != nil || v == 0 {
			t.Errorf("counter %d after running = %d, %v; want > 0", c.PID, v, err)
		}
	}
	if want := "Hello from user mode!\nProcess 4 exiting with code: 0\n"; vga.String() != want {
		t.Errorf("VGA = %q, want %q", vga.String(), want)
	}
}
