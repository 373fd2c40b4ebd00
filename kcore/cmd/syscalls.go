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
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/kcore-os/kcore/pkg/kernel"
)

// Syscalls implements subcommands.Command for the "syscalls" command.
type Syscalls struct {
	output string
	abi    string
}

// outputMap maps output formats to the functions writing them.
var outputMap = map[string]func(io.Writer, []kernel.SyscallEntry) error{
	"table": outputTable,
	"json":  outputJSON,
	"csv":   outputCSV,
}

// Name implements subcommands.Command.Name.
func (*Syscalls) Name() string {
	return "syscalls"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Syscalls) Synopsis() string {
	return "Print compatibility information for syscalls."
}

// Usage implements subcommands.Command.Usage.
func (*Syscalls) Usage() string {
	return `syscalls [options] - Print compatibility information for syscalls.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Syscalls) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.output, "o", "table", "Output format (table, csv, json).")
	f.StringVar(&s.abi, "abi", kernel.KC64, "The syscall ABI.")
}

// Execute implements subcommands.Command.Execute.
func (s *Syscalls) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	out, ok := outputMap[s.output]
	if !ok {
		return Errorf("Unsupported output format %q", s.output)
	}
	t, ok := kernel.LookupSyscallTable(s.abi)
	if !ok {
		return Errorf("syscall table for %s not found", s.abi)
	}
	if err := out(os.Stdout, t.Entries()); err != nil {
		return Errorf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

func support(e kernel.SyscallEntry) string {
	if e.Supported {
		return "Full"
	}
	return "Unimplemented"
}

// outputTable outputs the syscall info in tabular format.
func outputTable(w io.Writer, entries []kernel.SyscallEntry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	// Write the header
	if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\n", "NUM", "NAME", "SUPPORT"); err != nil {
		return err
	}

	// Write each syscall entry
	for _, e := range entries {
		_, err := fmt.Fprintf(tw, "%s\t%s\t%s\n",
			strconv.FormatUint(uint64(e.Number), 10),
			e.Name,
			support(e),
		)
		if err != nil {
			return err
		}
	}
	return tw.Flush()
}

// outputJSON outputs the syscall info in JSON format.
func outputJSON(w io.Writer, entries []kernel.SyscallEntry) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(entries)
}

// outputCSV outputs the syscall info in CSV format.
func outputCSV(w io.Writer, entries []kernel.SyscallEntry) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write([]string{"number", "name", "support"}); err != nil {
		return err
	}
	for _, e := range entries {
		row := []string{strconv.FormatUint(uint64(e.Number), 10), e.Name, support(e)}
		if err := csvWriter.Write(row); err != nil {
			return err
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}
