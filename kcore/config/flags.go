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
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/BurntSushi/toml"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file with default values for the flags below, keyed by flag name.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging and frame allocator checks.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr. %TIMESTAMP% is replaced with the start time.")
	flagSet.String("log-format", "text", "log format: text (default), json.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr as well as the --log file.")

	// Flags that control the machine.
	flagSet.Var(byteSizePtr(32<<20), "memory-size", "amount of physical memory, e.g. 32M.")
	flagSet.Int("cycles-per-tick", 1000, "instructions executed per timer period.")

	// Flags that control the kernel.
	flagSet.Var(byteSizePtr(256<<10), "heap-size", "size of the kernel heap.")
	flagSet.Var(byteSizePtr(8<<10), "kernel-stack-size", "kernel stack size of each process.")
	flagSet.Int("timer-hz", 100, "timer interrupt frequency.")
	flagSet.Uint64("ticks", 500, "number of timer periods to run the workload for.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags. If --config names a file, its values are applied to every flag
// not set explicitly on the command line.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	if path := flagSet.Lookup("config").Value.String(); path != "" {
		if err := applyFile(flagSet, path); err != nil {
			return nil, err
		}
	}

	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// applyFile sets flags from the TOML file at path. Flags already set on the
// command line keep their value.
func applyFile(flagSet *flag.FlagSet, path string) error {
	var values map[string]any
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return fmt.Errorf("error reading config file %q: %w", path, err)
	}

	explicit := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	// Apply in a stable order so errors are reproducible.
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if name == "config" {
			return fmt.Errorf("config file %q: nested %q is not allowed", path, name)
		}
		fl := flagSet.Lookup(name)
		if fl == nil || !isConfigFlag(name) {
			return fmt.Errorf("config file %q: unknown key %q", path, name)
		}
		if explicit[name] {
			continue
		}
		if err := fl.Value.Set(fmt.Sprint(values[name])); err != nil {
			return fmt.Errorf("config file %q: error setting %s=%v: %w", path, name, values[name], err)
		}
	}
	return nil
}

func isConfigFlag(name string) bool {
	st := reflect.TypeOf(Config{})
	for i := 0; i < st.NumField(); i++ {
		if tag, ok := st.Field(i).Tag.Lookup("flag"); ok && tag == name {
			return true
		}
	}
	return false
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags with their default value are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
