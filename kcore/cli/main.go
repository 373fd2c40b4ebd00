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


// Package cli is the main entrypoint for kcore.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"

	"github.com/kcore-os/kcore/kcore/cmd"
	"github.com/kcore-os/kcore/kcore/config"
	"github.com/kcore-os/kcore/pkg/log"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	// Logs go to stderr unless --log names a file. The consoles of the
	// simulated machine are on stdout.
	var logFile io.Writer
	if conf.LogFilename != "" {
		f, err := log.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		cmd.ErrorLogger = f
		logFile = f
	}

	switch {
	case conf.Debug:
		log.SetLevel(log.Debug)
	case logFile == nil:
		// Keep stderr quiet unless asked.
		log.SetLevel(log.Warning)
	}
	e, err := newEmitter(conf, logFile, os.Stderr)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	log.SetTarget(e)

	const delimString = `**************** kcore ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, PID %d", runtime.Version(), runtime.GOARCH, os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// newEmitter returns the emitter for logFile, or for stderr if logFile is
// nil. With --alsologtostderr, messages written to a log file are copied to
// stderr.
func newEmitter(conf *config.Config, logFile, stderr io.Writer) (log.Emitter, error) {
	if logFile == nil {
		return log.NewEmitter(conf.LogFormat, stderr)
	}
	e, err := log.NewEmitter(conf.LogFormat, logFile)
	if err != nil {
		return nil, err
	}
	if !conf.AlsoLogToStderr {
		return e, nil
	}
	se, err := log.NewEmitter(conf.LogFormat, stderr)
	if err != nil {
		return nil, err
	}
	return &log.MultiEmitter{e, se}, nil
}

// forEachCmd invokes the passed callback for each command supported by kcore.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Boot), "")
	cb(new(cmd.Memmap), "")
	cb(new(cmd.Syscalls), "")
}
