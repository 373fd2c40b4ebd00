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


package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/kcore-os/kcore/kcore/config"
	"github.com/kcore-os/kcore/pkg/kernel"
	"github.com/kcore-os/kcore/pkg/kernel/heap"
	"github.com/kcore-os/kcore/pkg/kernel/pgalloc"
	"github.com/kcore-os/kcore/pkg/log"
	"github.com/kcore-os/kcore/pkg/machine"
	"github.com/kcore-os/kcore/pkg/physmem"
	"github.com/kcore-os/kcore/pkg/syscalls/kc64"
)

// MemoryReport describes physical memory before and after boot.
type MemoryReport struct {
	Regions     physmem.MemoryMap `json:"regions" yaml:"regions"`
	UsableBytes uint64            `json:"usable_bytes" yaml:"usable_bytes"`
	Firmware    pgalloc.Stats     `json:"firmware" yaml:"firmware"`
	Booted      pgalloc.Stats     `json:"booted" yaml:"booted"`
	Heap        heap.Stats        `json:"heap" yaml:"heap"`
}

// Memmap implements subcommands.Command for the "memmap" command.
type Memmap struct {
	output string
}

// Name implements subcommands.Command.Name.
func (*Memmap) Name() string {
	return "memmap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Memmap) Synopsis() string {
	return "print the firmware memory map and frame allocator statistics"
}

// Usage implements subcommands.Command.Usage.
func (*Memmap) Usage() string {
	return `memmap [flags] - print the memory map for --memory-size and the frames left after boot.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Memmap) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.output, "o", "text", "Output format (text, json, yaml).")
}

// Execute implements subcommands.Command.Execute.
func (m *Memmap) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	r, err := Memory(conf)
	if err != nil {
		return Errorf("%v", err)
	}
	if err := writeOutput(os.Stdout, m.output, r, r.writeText); err != nil {
		return Errorf("error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

// Memory boots a machine configured by conf without running it and
// reports its memory.
func Memory(conf *config.Config) (*MemoryReport, error) {
	m, err := machine.New(machine.Config{MemorySize: uint64(conf.MemorySize)})
	if err != nil {
		return nil, fmt.Errorf("creating machine: %w", err)
	}
	defer func() {
		if err := m.Release(); err != nil {
			log.Warningf("Releasing machine: %v", err)
		}
	}()

	frames, err := pgalloc.New(m.MemoryMap)
	if err != nil {
		return nil, err
	}
	r := &MemoryReport{
		Regions:     m.MemoryMap,
		UsableBytes: m.MemoryMap.UsableBytes(),
		Firmware:    frames.Stats(),
	}

	k, err := kernel.Boot(m, kernel.Config{
		TimerHz:         conf.TimerHz,
		HeapSize:        uint64(conf.HeapSize),
		KernelStackSize: uint64(conf.KernelStackSize),
		Debug:           conf.Debug,
		SyscallTable:    kc64.Table,
	})
	if err != nil {
		return nil, fmt.Errorf("booting kernel: %w", err)
	}
	s := k.Stats()
	r.Booted = s.Frames
	r.Heap = s.Heap
	return r, nil
}

func (r *MemoryReport) writeText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "START\tEND\tSIZE\tTYPE\n")
	for _, reg := range r.Regions {
		fmt.Fprintf(tw, "%#012x\t%#012x\t%v\t%v\n", reg.Start, reg.End(), config.ByteSize(reg.Length), reg.Type)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nUsable: %v\n", config.ByteSize(r.UsableBytes))
	fmt.Fprintf(w, "Firmware: %v\n", r.Firmware)
	fmt.Fprintf(w, "After boot: %v\n", r.Booted)
	_, err := fmt.Fprintf(w, "Heap: %d bytes, %d free\n", r.Heap.Size, r.Heap.Free)
	return err
}
