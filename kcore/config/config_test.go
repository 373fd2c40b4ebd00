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


package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newFlags(t *testing.T) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kcore.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		MemorySize:      32 << 20,
		HeapSize:        256 << 10,
		KernelStackSize: 8 << 10,
		TimerHz:         100,
		CyclesPerTick:   1000,
		Ticks:           500,
		LogFormat:       "text",
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("NewFromFlags() mismatch (-want +got):\n%s", diff)
	}

	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlags(t)
	for name, val := range map[string]string{
		"debug":       "true",
		"memory-size": "64M",
		"timer-hz":    "250",
		"ticks":       "42",
	} {
		if err := testFlags.Lookup(name).Value.Set(val); err != nil {
			t.Errorf("Flag set: %v", err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := ByteSize(64 << 20); c.MemorySize != want {
		t.Errorf("MemorySize=%v, want: %v", c.MemorySize, want)
	}
	if want := 250; c.TimerHz != want {
		t.Errorf("TimerHz=%v, want: %v", c.TimerHz, want)
	}
	if want := uint64(42); c.Ticks != want {
		t.Errorf("Ticks=%v, want: %v", c.Ticks, want)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	c.Debug = true
	c.HeapSize = 512 << 10
	c.LogFormat = "json"
	c.CyclesPerTick = 10
	c.AlsoLogToStderr = true

	args := c.ToFlags()
	want := []string{
		"--heap-size=512K",
		"--cycles-per-tick=10",
		"--debug=true",
		"--log-format=json",
		"--alsologtostderr=true",
	}
	if diff := cmp.Diff(want, args); diff != "" {
		t.Errorf("ToFlags() mismatch (-want +got):\n%s", diff)
	}

	testFlags := newFlags(t)
	if err := testFlags.Parse(args); err != nil {
		t.Fatal(err)
	}
	c2, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, c2); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFile(t *testing.T) {
	path := writeFile(t, `
memory-size = "16M"
timer-hz = 50
debug = true
log-format = "json"
`)
	testFlags := newFlags(t)
	// Explicit flags win over the file.
	if err := testFlags.Parse([]string{"--config=" + path, "--timer-hz=200"}); err != nil {
		t.Fatal(err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := ByteSize(16 << 20); c.MemorySize != want {
		t.Errorf("MemorySize=%v, want: %v", c.MemorySize, want)
	}
	if want := 200; c.TimerHz != want {
		t.Errorf("TimerHz=%v, want: %v", c.TimerHz, want)
	}
	if !c.Debug {
		t.Errorf("Debug=false, want: true")
	}
	if want := "json"; c.LogFormat != want {
		t.Errorf("LogFormat=%q, want: %q", c.LogFormat, want)
	}
	if c.ConfigFile != path {
		t.Errorf("ConfigFile=%q, want: %q", c.ConfigFile, path)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		want     string
	}{
		{
			name:     "syntax",
			contents: "memory-size = ",
			want:     "error reading config file",
		},
		{
			name:     "unknown",
			contents: "platform = \"kvm\"",
			want:     `unknown key "platform"`,
		},
		{
			name:     "nested",
			contents: "config = \"other.toml\"",
			want:     "nested",
		},
		{
			name:     "bad value",
			contents: "memory-size = \"lots\"",
			want:     "error setting memory-size",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlags(t)
			if err := testFlags.Parse([]string{"--config=" + writeFile(t, tc.contents)}); err != nil {
				t.Fatal(err)
			}
			_, err := NewFromFlags(testFlags)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("NewFromFlags() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		arg  string
		want string
	}{
		{name: "small memory", arg: "--memory-size=1M", want: "memory-size must be at least"},
		{name: "unaligned memory", arg: "--memory-size=4194305", want: "not page aligned"},
		{name: "unaligned heap", arg: "--heap-size=1000", want: "heap-size"},
		{name: "large heap", arg: "--heap-size=24M", want: "exceeds half"},
		{name: "small stack", arg: "--kernel-stack-size=1K", want: "kernel-stack-size"},
		{name: "slow timer", arg: "--timer-hz=10", want: "timer-hz"},
		{name: "no cycles", arg: "--cycles-per-tick=0", want: "cycles-per-tick"},
		{name: "log format", arg: "--log-format=xml", want: "invalid log-format"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlags(t)
			if err := testFlags.Parse([]string{tc.arg}); err != nil {
				t.Fatal(err)
			}
			_, err := NewFromFlags(testFlags)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("NewFromFlags(%s) = %v, want error containing %q", tc.arg, err, tc.want)
			}
		})
	}
}

func TestByteSize(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    ByteSize
		str     string
		wantErr bool
	}{
		{in: "0", want: 0, str: "0"},
		{in: "4096", want: 4096, str: "4K"},
		{in: "1000", want: 1000, str: "1000"},
		{in: "32M", want: 32 << 20, str: "32M"},
		{in: "32mb", want: 32 << 20, str: "32M"},
		{in: "2G", want: 2 << 30, str: "2G"},
		{in: "1536K", want: 1536 << 10, str: "1536K"},
		{in: "x", wantErr: true},
		{in: "-1K", wantErr: true},
		{in: "17179869184G", wantErr: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			var b ByteSize
			err := b.Set(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Errorf("Set(%q) = nil, want error", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("Set(%q): %v", tc.in, err)
			}
			if b != tc.want {
				t.Errorf("Set(%q) = %d, want %d", tc.in, b, tc.want)
			}
			if got := b.String(); got != tc.str {
				t.Errorf("String() = %q, want %q", got, tc.str)
			}
		})
	}
}
