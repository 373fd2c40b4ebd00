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

// Package config provides basic infrastructure to set configuration settings
// for kcore. Each setting that can be changed from the command line must
// have a field in Config tagged with the name of its flag.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kcore-os/kcore/pkg/hostarch"
	"github.com/kcore-os/kcore/pkg/log"
)

// Config holds configuration that is not part of the machine or the
// workload. Every field with a "flag" tag is populated from the flag of
// that name.
type Config struct {
	// ConfigFile is a TOML file whose keys are flag names. Values in the
	// file are used for flags not given on the command line.
	ConfigFile string `flag:"config"`

	// MemorySize is the amount of physical memory of the machine.
	MemorySize ByteSize `flag:"memory-size"`

	// HeapSize is the size of the kernel heap.
	HeapSize ByteSize `flag:"heap-size"`

	// KernelStackSize is the kernel stack size of each process.
	KernelStackSize ByteSize `flag:"kernel-stack-size"`

	// TimerHz is the timer interrupt frequency.
	TimerHz int `flag:"timer-hz"`

	// CyclesPerTick is the number of instructions executed between timer
	// interrupts.
	CyclesPerTick int `flag:"cycles-per-tick"`

	// Ticks is the number of timer periods the boot command runs for.
	Ticks uint64 `flag:"ticks"`

	// Debug indicates that debug logging and allocator checks are enabled.
	Debug bool `flag:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// AlsoLogToStderr allows to send log messages to stderr as well as the
	// log file.
	AlsoLogToStderr bool `flag:"alsologtostderr"`
}

const (
	minMemorySize      = 4 << 20
	minKernelStackSize = hostarch.PageSize

	// pitFrequency bounds TimerHz: the divisor is 16 bits wide.
	pitFrequency = 1193182
	minTimerHz   = pitFrequency/0x10000 + 1
)

// Validate checks that the settings are consistent with each other.
func (c *Config) Validate() error {
	if c.MemorySize < minMemorySize {
		return fmt.Errorf("memory-size must be at least %v, got %v", ByteSize(minMemorySize), c.MemorySize)
	}
	if !c.MemorySize.pageAligned() {
		return fmt.Errorf("memory-size %v is not page aligned", c.MemorySize)
	}
	if c.HeapSize == 0 || !c.HeapSize.pageAligned() {
		return fmt.Errorf("heap-size %v must be a non-zero multiple of the page size", c.HeapSize)
	}
	if c.HeapSize > c.MemorySize/2 {
		return fmt.Errorf("heap-size %v exceeds half of memory-size %v", c.HeapSize, c.MemorySize)
	}
	if c.KernelStackSize < minKernelStackSize || c.KernelStackSize%16 != 0 {
		return fmt.Errorf("kernel-stack-size %v must be a multiple of 16 and at least %v", c.KernelStackSize, ByteSize(minKernelStackSize))
	}
	if c.TimerHz < minTimerHz || c.TimerHz > pitFrequency {
		return fmt.Errorf("timer-hz must be between %d and %d, got %d", minTimerHz, pitFrequency, c.TimerHz)
	}
	if c.CyclesPerTick <= 0 {
		return fmt.Errorf("cycles-per-tick must be positive, got %d", c.CyclesPerTick)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format %q, must be 'text' or 'json'", c.LogFormat)
	}
	return nil
}

// Log logs important aspects of the configuration.
func (c *Config) Log() {
	log.Infof("Config.MemorySize: %v", c.MemorySize)
	log.Infof("Config.HeapSize: %v", c.HeapSize)
	log.Infof("Config.KernelStackSize: %v", c.KernelStackSize)
	log.Infof("Config.TimerHz: %d", c.TimerHz)
	log.Infof("Config.CyclesPerTick: %d", c.CyclesPerTick)
	log.Infof("Config.Ticks: %d", c.Ticks)
	log.Infof("Config.Debug: %t", c.Debug)
	if c.ConfigFile != "" {
		log.Infof("Config.ConfigFile: %s", c.ConfigFile)
	}
}

// ByteSize is a size in bytes. It is written with an optional K, M or G
// suffix for powers of 1024, e.g. "32M".
type ByteSize uint64

var byteSizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"G", 30},
	{"M", 20},
	{"K", 10},
}

func byteSizePtr(v ByteSize) *ByteSize {
	return &v
}

// Set implements flag.Value.
func (b *ByteSize) Set(v string) error {
	s := strings.ToUpper(strings.TrimSpace(v))
	s = strings.TrimSuffix(s, "B")
	shift := uint(0)
	for _, sf := range byteSizeSuffixes {
		if strings.HasSuffix(s, sf.suffix) {
			s = strings.TrimSuffix(s, sf.suffix)
			shift = sf.shift
			break
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %q", v)
	}
	if shift > 0 && n > (^uint64(0))>>shift {
		return fmt.Errorf("size %q overflows", v)
	}
	*b = ByteSize(n << shift)
	return nil
}

// Get implements flag.Getter.
func (b *ByteSize) Get() any {
	return *b
}

// String implements flag.Value and fmt.Stringer.
func (b ByteSize) String() string {
	v := uint64(b)
	for _, sf := range byteSizeSuffixes {
		if v != 0 && v%(1<<sf.shift) == 0 {
			return fmt.Sprintf("%d%s", v>>sf.shift, sf.suffix)
		}
	}
	return strconv.FormatUint(v, 10)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	return b.Set(string(text))
}

func (b ByteSize) pageAligned() bool {
	return uint64(b)%hostarch.PageSize == 0
}
