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

package ring0

// privileged fails with #GP outside ring 0.
func privileged(c *CPU) error {
	if c.CPL() != 0 {
		return NewFault(GeneralProtectionFault, 0)
	}
	return nil
}

// Nop does nothing.
func Nop() Instruction {
	return func(c *CPU) error { return nil }
}

// Hlt waits for the next interrupt.
func Hlt() Instruction {
	return func(c *CPU) error {
		if err := privileged(c); err != nil {
			return err
		}
		c.Halt()
		return nil
	}
}

// Cli clears IF.
func Cli() Instruction {
	return func(c *CPU) error {
		if err := privileged(c); err != nil {
			return err
		}
		c.DisableInterrupts()
		return nil
	}
}

// Sti sets IF.
func Sti() Instruction {
	return func(c *CPU) error {
		if err := privileged(c); err != nil {
			return err
		}
		c.EnableInterrupts()
		return nil
	}
}

// Int raises software interrupt v.
func Int(v Vector) Instruction {
	return func(c *CPU) error {
		return c.SoftwareInterrupt(v)
	}
}

// Int3 raises a breakpoint.
func Int3() Instruction {
	return Int(Breakpoint)
}

// Ud2 raises an invalid opcode exception.
func Ud2() Instruction {
	return func(c *CPU) error {
		return NewFault(InvalidOpcode, 0)
	}
}

// Jmp jumps to an absolute address.
func Jmp(target uint64) Instruction {
	return func(c *CPU) error {
		c.regs.Rip = target
		return nil
	}
}

// JmpRel jumps n instructions relative to the next instruction.
func JmpRel(n int) Instruction {
	return func(c *CPU) error {
		c.regs.Rip = uint64(int64(c.regs.Rip) + int64(n)*InstructionSize)
		return nil
	}
}

// Jnz jumps n instructions relative to the next instruction if r is not
// zero.
func Jnz(r Reg, n int) Instruction {
	return func(c *CPU) error {
		if c.regs.Get(r) != 0 {
			c.regs.Rip = uint64(int64(c.regs.Rip) + int64(n)*InstructionSize)
		}
		return nil
	}
}

// Loop decrements r and jumps n instructions if the result is not zero.
func Loop(r Reg, n int) Instruction {
	return func(c *CPU) error {
		v := c.regs.Get(r) - 1
		c.regs.Set(r, v)
		if v != 0 {
			c.regs.Rip = uint64(int64(c.regs.Rip) + int64(n)*InstructionSize)
		}
		return nil
	}
}

// MovImm loads an immediate into r.
func MovImm(r Reg, v uint64) Instruction {
	return func(c *CPU) error {
		c.regs.Set(r, v)
		return nil
	}
}

// Mov copies src into dst.
func Mov(dst, src Reg) Instruction {
	return func(c *CPU) error {
		c.regs.Set(dst, c.regs.Get(src))
		return nil
	}
}

// AddImm adds an immediate to r.
func AddImm(r Reg, v uint64) Instruction {
	return func(c *CPU) error {
		c.regs.Set(r, c.regs.Get(r)+v)
		return nil
	}
}

// Add adds src to dst.
func Add(dst, src Reg) Instruction {
	return func(c *CPU) error {
		c.regs.Set(dst, c.regs.Get(dst)+c.regs.Get(src))
		return nil
	}
}

// Inc increments r.
func Inc(r Reg) Instruction {
	return AddImm(r, 1)
}

// Div divides dst by src, raising #DE if src is zero.
func Div(dst, src Reg) Instruction {
	return func(c *CPU) error {
		d := c.regs.Get(src)
		if d == 0 {
			return NewFault(DivideByZero, 0)
		}
		c.regs.Set(dst, c.regs.Get(dst)/d)
		return nil
	}
}

// Load loads eight bytes at base+disp into dst.
func Load(dst, base Reg, disp int64) Instruction {
	return func(c *CPU) error {
		v, f := c.load64(uint64(int64(c.regs.Get(base)) + disp))
		if f != nil {
			return f
		}
		c.regs.Set(dst, v)
		return nil
	}
}

// Store stores src as eight bytes at base+disp.
func Store(base Reg, disp int64, src Reg) Instruction {
	return func(c *CPU) error {
		if f := c.store64(uint64(int64(c.regs.Get(base))+disp), c.regs.Get(src)); f != nil {
			return f
		}
		return nil
	}
}

// IncMem increments the eight bytes at addr.
func IncMem(addr uint64) Instruction {
	return func(c *CPU) error {
		v, f := c.load64(addr)
		if f != nil {
			return f
		}
		if f := c.store64(addr, v+1); f != nil {
			return f
		}
		return nil
	}
}

// Push pushes r on the stack.
func Push(r Reg) Instruction {
	return func(c *CPU) error {
		rsp := c.regs.Rsp - 8
		if f := c.store64(rsp, c.regs.Get(r)); f != nil {
			return f
		}
		c.regs.Rsp = rsp
		return nil
	}
}

// Pop pops the top of the stack into r.
func Pop(r Reg) Instruction {
	return func(c *CPU) error {
		v, f := c.load64(c.regs.Rsp)
		if f != nil {
			return f
		}
		c.regs.Rsp += 8
		c.regs.Set(r, v)
		return nil
	}
}

// Call pushes the return address and jumps to target.
func Call(target uint64) Instruction {
	return func(c *CPU) error {
		rsp := c.regs.Rsp - 8
		if f := c.store64(rsp, c.regs.Rip); f != nil {
			return f
		}
		c.regs.Rsp = rsp
		c.regs.Rip = target
		return nil
	}
}

// Ret pops the return address.
func Ret() Instruction {
	return func(c *CPU) error {
		v, f := c.load64(c.regs.Rsp)
		if f != nil {
			return f
		}
		c.regs.Rsp += 8
		c.regs.Rip = v
		return nil
	}
}
