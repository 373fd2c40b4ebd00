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


// Package cmd holds implementations of the kcore commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"

	"github.com/kcore-os/kcore/pkg/log"
)

// ErrorLogger is where error messages should be written to, in addition to
// stderr and the debug log.
var ErrorLogger io.Writer

// Errorf logs error to the error log (--log), to stderr, and debug logs.
// It returns subcommands.ExitFailure for convenience with
// subcommand.Execute().
func Errorf(format string, args ...any) subcommands.ExitStatus {
	// If there is an error log, write the error there as well.
	if ErrorLogger != nil {
		fmt.Fprintf(ErrorLogger, format+"\n", args...)
	}
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf(format, args...)
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, and then exits the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// encoders are the structured output formats shared by the commands.
var encoders = map[string]func(w io.Writer, v any) error{
	"json": func(w io.Writer, v any) error {
		e := json.NewEncoder(w)
		e.SetIndent("", "  ")
		return e.Encode(v)
	},
	"yaml": func(w io.Writer, v any) error {
		e := yaml.NewEncoder(w)
		e.SetIndent(2)
		if err := e.Encode(v); err != nil {
			return err
		}
		return e.Close()
	},
}

// writeOutput writes v in the named format. "text" uses text; the other
// formats encode v.
func writeOutput(w io.Writer, format string, v any, text func(io.Writer) error) error {
	if format == "text" {
		return text(w)
	}
	enc, ok := encoders[format]
	if !ok {
		return fmt.Errorf("unsupported output format %q", format)
	}
	return enc(w, v)
}
