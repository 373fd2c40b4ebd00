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
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/kcore-os/kcore/kcore/config"
	"github.com/kcore-os/kcore/pkg/abi/kcore"
	"github.com/kcore-os/kcore/pkg/kernel"
	"github.com/kcore-os/kcore/pkg/log"
	"github.com/kcore-os/kcore/pkg/machine"
	"github.com/kcore-os/kcore/pkg/syscalls/kc64"
	"github.com/kcore-os/kcore/pkg/workload"
)

// demoScancode is the scancode pressed for each --keystrokes ('a' make).
const demoScancode = 0x1e

// Workload selects the processes started after boot.
type Workload struct {
	// Counters is the number of counter kernel threads.
	Counters int

	// Greeting is written by a user process to the VGA console. If empty,
	// no user process is started.
	Greeting string

	// Keystrokes is the number of keys pressed before the first tick.
	Keystrokes int
}

// CounterResult is the final value of a counter thread.
type CounterResult struct {
	PID   kernel.PID `json:"pid" yaml:"pid"`
	Value uint64     `json:"value" yaml:"value"`
}

// Report describes a finished boot.
type Report struct {
	Ticks       uint64               `json:"ticks" yaml:"ticks"`
	Interrupted bool                 `json:"interrupted,omitempty" yaml:"interrupted,omitempty"`
	Halt        string               `json:"halt,omitempty" yaml:"halt,omitempty"`
	Stats       kernel.Stats         `json:"stats" yaml:"stats"`
	Processes   []kernel.ProcessInfo `json:"processes" yaml:"processes"`
	Exited      []kernel.ExitStatus  `json:"exited" yaml:"exited"`
	Counters    []CounterResult      `json:"counters" yaml:"counters"`
	VGA         []string             `json:"vga" yaml:"vga"`
	Serial      string               `json:"serial" yaml:"serial"`
}

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	output  string
	console bool
	wl      Workload
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the kernel on a simulated machine and run a workload"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boot the kernel, run the workload for --ticks timer periods and print a report.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.output, "o", "text", "Output format (text, json, yaml).")
	f.BoolVar(&b.console, "console", false, "copy VGA output to stdout and serial output to stderr while running.")
	f.IntVar(&b.wl.Counters, "counters", 3, "number of counter kernel threads.")
	f.StringVar(&b.wl.Greeting, "greeting", "Hello from user mode!\n", "message written by the user process, empty for none.")
	f.IntVar(&b.wl.Keystrokes, "keystrokes", 0, "number of keys pressed at boot.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if _, ok := encoders[b.output]; !ok && b.output != "text" {
		return Errorf("unsupported output format %q", b.output)
	}

	var vga, serial io.Writer
	if b.console {
		vga, serial = os.Stdout, os.Stderr
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigs)

	r, err := Run(ctx, conf, b.wl, vga, serial, sigs)
	if err != nil {
		return Errorf("boot failed: %v", err)
	}
	if err := writeOutput(os.Stdout, b.output, r, r.writeText); err != nil {
		return Errorf("error writing report: %v", err)
	}
	if r.Halt != "" {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// Run boots a machine configured by conf, starts w and runs it for
// conf.Ticks timer periods. It stops early if the processor halts, ctx is
// cancelled or a signal arrives on sigs. vga and serial receive copies of
// console output if not nil.
func Run(ctx context.Context, conf *config.Config, w Workload, vga, serial io.Writer, sigs <-chan os.Signal) (*Report, error) {
	m, err := machine.New(machine.Config{
		MemorySize:    uint64(conf.MemorySize),
		CyclesPerTick: conf.CyclesPerTick,
		VGAOut:        vga,
		SerialOut:     serial,
	})
	if err != nil {
		return nil, fmt.Errorf("creating machine: %w", err)
	}
	defer func() {
		if err := m.Release(); err != nil {
			log.Warningf("Releasing machine: %v", err)
		}
	}()

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

	counters, err := workload.SpawnCounters(k, w.Counters)
	if err != nil {
		return nil, fmt.Errorf("starting counters: %w", err)
	}
	if w.Greeting != "" {
		if _, err := k.SpawnUser(workload.Hello("hello", kcore.STDOUT_FILENO, w.Greeting, 0)); err != nil {
			return nil, fmt.Errorf("starting user process: %w", err)
		}
	}
	for i := 0; i < w.Keystrokes; i++ {
		m.PressKey(demoScancode)
	}
	log.Infof("Running %d counters for %d ticks", len(counters), conf.Ticks)

	r := &Report{}
	interrupted, err := runMachine(ctx, m, conf.Ticks, sigs)
	var he *machine.HaltError
	switch {
	case errors.As(err, &he):
		r.Halt = he.Reason
	case err != nil:
		return nil, err
	}
	r.Interrupted = interrupted

	r.Ticks = m.Ticks()
	r.Processes = k.Processes()
	r.Exited = k.ReapZombies()
	for _, c := range counters {
		v, err := c.Read(k)
		if err != nil {
			return nil, fmt.Errorf("reading counter %d: %w", c.PID, err)
		}
		r.Counters = append(r.Counters, CounterResult{PID: c.PID, Value: v})
	}
	r.Stats = k.Stats()
	r.VGA = m.VGA.Lines()
	r.Serial = string(m.UART.Output())
	return r, nil
}

// runMachine runs m in an errgroup alongside a watcher that stops it when a
// signal arrives. interrupted is true if the run was stopped early by a
// signal or by ctx.
func runMachine(ctx context.Context, m *machine.Machine, ticks uint64, sigs <-chan os.Signal) (interrupted bool, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Stop the watcher once the machine is done.
		defer cancel()
		return m.Run(gctx, ticks)
	})
	g.Go(func() error {
		select {
		case s := <-sigs:
			log.Infof("Received %v, stopping the machine", s)
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return true, nil
	}
	return false, err
}

func (r *Report) writeText(w io.Writer) error {
	fmt.Fprintf(w, "Ran %d ticks", r.Ticks)
	switch {
	case r.Halt != "":
		fmt.Fprintf(w, ", halted: %s", r.Halt)
	case r.Interrupted:
		fmt.Fprintf(w, ", interrupted")
	}
	fmt.Fprintf(w, "\n\n")

	fmt.Fprintf(w, "VGA:\n")
	for _, l := range r.VGA {
		fmt.Fprintf(w, "  %s\n", l)
	}
	if r.Serial != "" {
		fmt.Fprintf(w, "Serial:\n%s", r.Serial)
		if r.Serial[len(r.Serial)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
	fmt.Fprintln(w)

	s := r.Stats
	fmt.Fprintf(w, "Switches: %d, syscalls: %d, keystrokes: %d\n", s.Switches, s.Syscalls, s.Keystrokes)
	fmt.Fprintf(w, "Frames: %v\n", s.Frames)
	fmt.Fprintf(w, "Heap: %d of %d bytes used, %d free blocks\n", s.Heap.Used, s.Heap.Size, s.Heap.FreeBlocks)
	fmt.Fprintf(w, "CPU: %d instructions, %d idle, %d interrupts, %d exceptions\n\n", s.CPU.Instructions, s.CPU.Idle, s.CPU.Interrupts, s.CPU.Exceptions)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "PID\tNAME\tSTATE\tMODE\tTICKS\tRUNS\n")
	for _, p := range r.Processes {
		mode := "kernel"
		if p.User {
			mode = "user"
		}
		fmt.Fprintf(tw, "%d\t%s\t%v\t%s\t%d\t%d\n", p.PID, p.Name, p.State, mode, p.Ticks, p.Runs)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, e := range r.Exited {
		fmt.Fprintf(w, "\nProcess %d exited with code %d", e.PID, e.Code)
	}
	if len(r.Exited) > 0 {
		fmt.Fprintln(w)
	}
	if len(r.Counters) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(tw, "COUNTER\tVALUE\n")
		for _, c := range r.Counters {
			fmt.Fprintf(tw, "%d\t%d\n", c.PID, c.Value)
		}
		return tw.Flush()
	}
	return nil
}
