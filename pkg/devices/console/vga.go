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
	"io"
	"strings"
)

// Text mode geometry.
const (
	Width  = 80
	Height = 25
)

// Colors.
const (
	Black      = 0x0
	Blue       = 0x1
	Green      = 0x2
	Cyan       = 0x3
	Red        = 0x4
	Magenta    = 0x5
	Brown      = 0x6
	LightGray  = 0x7
	DarkGray   = 0x8
	LightRed   = 0xc
	Yellow     = 0xe
	White      = 0xf
)

const (
	defaultFg   = LightGray
	defaultBg   = Black
	unprintable = 0xfe
)

// Cell is one character cell of the text buffer.
type Cell struct {
	Char byte
	Attr uint8
}

// VGA is an 80x25 text mode buffer. Output scrolls at the bottom row.
type VGA struct {
	cells [Height][Width]Cell
	row   int
	col   int
	attr  uint8

	// tee, if set, receives a copy of everything written.
	tee io.Writer
}

// NewVGA returns a cleared buffer. tee may be nil.
func NewVGA(tee io.Writer) *VGA {
	v := &VGA{tee: tee}
	v.SetColor(defaultFg, defaultBg)
	v.Clear()
	return v
}

// SetColor sets the attribute for subsequent output.
func (v *VGA) SetColor(fg, bg uint8) {
	v.attr = bg<<4 | fg&0xf
}

// Clear blanks the screen and homes the cursor.
func (v *VGA) Clear() {
	for r := range v.cells {
		v.clearRow(r)
	}
	v.row, v.col = 0, 0
}

func (v *VGA) clearRow(r int) {
	for c := range v.cells[r] {
		v.cells[r][c] = Cell{Char: ' ', Attr: v.attr}
	}
}

func (v *VGA) newline() {
	v.col = 0
	if v.row < Height-1 {
		v.row++
		return
	}
	copy(v.cells[:Height-1], v.cells[1:])
	v.clearRow(Height - 1)
}

func (v *VGA) putc(b byte) {
	switch b {
	case '\n':
		v.newline()
		return
	case '\r':
		v.col = 0
		return
	case '\b':
		if v.col > 0 {
			v.col--
			v.cells[v.row][v.col] = Cell{Char: ' ', Attr: v.attr}
		}
		return
	case '\t':
		for {
			v.putc(' ')
			if v.col%8 == 0 {
				return
			}
		}
	}
	if b < 0x20 || b > 0x7e {
		b = unprintable
	}
	if v.col >= Width {
		v.newline()
	}
	v.cells[v.row][v.col] = Cell{Char: b, Attr: v.attr}
	v.col++
}

// Write implements io.Writer.
func (v *VGA) Write(b []byte) (int, error) {
	for _, c := range b {
		v.putc(c)
	}
	if v.tee != nil {
		if _, err := v.tee.Write(b); err != nil {
			return len(b), err
		}
	}
	return len(b), nil
}

// Cursor returns the cursor position.
func (v *VGA) Cursor() (row, col int) {
	return v.row, v.col
}

// Cell returns the cell at (row, col).
func (v *VGA) Cell(row, col int) Cell {
	return v.cells[row][col]
}

// Line returns row r with trailing blanks removed.
func (v *VGA) Line(r int) string {
	var sb strings.Builder
	for _, c := range v.cells[r] {
		sb.WriteByte(c.Char)
	}
	return strings.TrimRight(sb.String(), " ")
}

// Lines returns the screen contents up to the last non-blank row.
func (v *VGA) Lines() []string {
	lines := make([]string, Height)
	last := -1
	for r := range lines {
		lines[r] = v.Line(r)
		if lines[r] != "" {
			last = r
		}
	}
	return lines[:last+1]
}
