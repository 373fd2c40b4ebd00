// Copyright 2019 The gVisor Authors.
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

package console

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kcore-os/kcore/pkg/devices"
)

func TestVGAWrite(t *testing.T) {
	var tee bytes.Buffer
	v := NewVGA(&tee)
	fmt.Fprintf(v, "hello\nwor\x01ld\tx\rW")
	want := []string{"hello", "Wor\xfeld  x"}
	if diff := cmp.Diff(want, v.Lines()); diff != "" {
		t.Errorf("screen mismatch (-want +got):\n%s", diff)
	}
	if tee.String() != "hello\nwor\x01ld\tx\rW" {
		t.Errorf("tee = %q", tee.String())
	}
	if c := v.Cell(0, 0); c.Char != 'h' || c.Attr != LightGray {
		t.Errorf("cell = %+v, want 'h' light gray on black", c)
	}
}

func TestVGAScroll(t *testing.T) {
	v := NewVGA(nil)
	for i := 0; i < Height+2; i++ {
		fmt.Fprintf(v, "line %d\n", i)
	}
	lines := v.Lines()
	if len(lines) != Height-1 {
		t.Fatalf("%d lines, want %d", len(lines), Height-1)
	}
	if lines[0] != "line 3" || lines[len(lines)-1] != fmt.Sprintf("line %d", Height+1) {
		t.Errorf("after scroll: first %q last %q", lines[0], lines[len(lines)-1])
	}
	if row, col := v.Cursor(); row != Height-1 || col != 0 {
		t.Errorf("cursor = %d,%d, want %d,0", row, col, Height-1)
	}
}

func TestVGAWrap(t *testing.T) {
	v := NewVGA(nil)
	v.Write([]byte(strings.Repeat("a", Width+3)))
	if got := v.Line(1); got != "aaa" {
		t.Errorf("wrapped line = %q, want %q", got, "aaa")
	}
}

func TestDriver(t *testing.T) {
	var bus devices.Bus
	var host bytes.Buffer
	u := NewUART(COM1, &host)
	if err := bus.Register("com1", COM1, UARTPorts, u); err != nil {
		t.Fatalf("Register: %v", err)
	}
	d := &Driver{VGA: NewVGA(nil), IO: &bus, SerialBase: COM1}
	d.Init()
	if u.Baud() != 9600 {
		t.Errorf("baud = %d, want 9600", u.Baud())
	}
	if n, err := d.WriteBytes(Serial, []byte("to serial")); n != 9 || err != nil {
		t.Errorf("WriteBytes(Serial) = %d, %v", n, err)
	}
	if n, err := d.WriteBytes(VGAText, []byte("to vga")); n != 6 || err != nil {
		t.Errorf("WriteBytes(VGAText) = %d, %v", n, err)
	}
	if _, err := d.WriteBytes(Destination(7), nil); err == nil {
		t.Errorf("WriteBytes to unknown destination succeeded")
	}
	if got := string(u.Output()); got != "to serial" {
		t.Errorf("serial output = %q", got)
	}
	if host.String() != "to serial" {
		t.Errorf("host output = %q", host.String())
	}
	if got := d.VGA.Line(0); got != "to vga" {
		t.Errorf("vga line = %q", got)
	}
}

func TestBoth(t *testing.T) {
	var b Buffer
	Both(&b, []byte("panic"))
	if b.String(VGAText) != "panic" || b.String(Serial) != "panic" {
		t.Errorf("Both wrote %q / %q", b.String(VGAText), b.String(Serial))
	}
}
