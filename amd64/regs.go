/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package amd64 encodes x86-64 machine instructions into a growable code
// buffer with label fixups.
package amd64

import "strings"

// Reg is a general purpose register number as used in ModRM encoding.
type Reg uint8

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13
	R14 Reg = 14
	R15 Reg = 15

	NoReg Reg = 0xff
)

// Register roles of the generated code.
const (
	RegCtx     = R10 // VM context
	RegScratch = R11 // emitter and move-resolver scratch, never allocated
)

var regNames64 = [...]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

func (r Reg) String() string {
	if int(r) < len(regNames64) {
		return regNames64[r]
	}
	return "noreg"
}

// Name returns the sub-register name for a width in bits. All widths of a
// register alias its 64-bit root.
func (r Reg) Name(bits int) string {
	if r >= 16 {
		return "noreg"
	}
	if r >= R8 {
		switch bits {
		case 8:
			return r.String() + "b"
		case 16:
			return r.String() + "w"
		case 32:
			return r.String() + "d"
		}
		return r.String()
	}
	base := strings.TrimPrefix(regNames64[r], "r")
	switch bits {
	case 8:
		if r < RSP {
			return base[:1] + "l"
		}
		return base + "l"
	case 16:
		return base
	case 32:
		return "e" + base
	}
	return regNames64[r]
}

// NeedsRexForByte reports whether the 8-bit form of r is only reachable with
// a REX prefix (spl, bpl, sil, dil instead of ah, ch, dh, bh).
func (r Reg) NeedsRexForByte() bool { return r >= RSP && r <= RDI }

// RegSet is a bit set of register roots.
type RegSet uint16

func (s RegSet) Has(r Reg) bool       { return s&(1<<r) != 0 }
func (s RegSet) With(r Reg) RegSet    { return s | 1<<r }
func (s RegSet) Without(r Reg) RegSet { return s &^ (1 << r) }

// Lowest returns the lowest register in the set or NoReg.
func (s RegSet) Lowest() Reg {
	for r := Reg(0); r < 16; r++ {
		if s.Has(r) {
			return r
		}
	}
	return NoReg
}

func (s RegSet) Regs() []Reg {
	var out []Reg
	for r := Reg(0); r < 16; r++ {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

func SetOf(regs ...Reg) RegSet {
	var s RegSet
	for _, r := range regs {
		s = s.With(r)
	}
	return s
}

var (
	// Allocatable excludes the stack and frame pointer, the context and the scratch register.
	Allocatable = SetOf(RAX, RCX, RDX, RBX, RSI, RDI, R8, R9, R12, R13, R14, R15)
	// CalleeSaved is the SysV set a foreign-callable entry has to preserve (rbp is handled by the frame).
	CalleeSaved = SetOf(RBX, R12, R13, R14, R15)
	// ArgRegs is the integer argument order shared by both conventions.
	ArgRegs = []Reg{RDI, RSI, RDX, RCX, R8, R9}
)

// Cc is a condition code nibble for Jcc/SETcc.
type Cc uint8

const (
	CcO  Cc = 0x0
	CcNO Cc = 0x1
	CcB  Cc = 0x2
	CcAE Cc = 0x3
	CcE  Cc = 0x4
	CcNE Cc = 0x5
	CcBE Cc = 0x6
	CcA  Cc = 0x7
	CcS  Cc = 0x8
	CcNS Cc = 0x9
	CcL  Cc = 0xC
	CcGE Cc = 0xD
	CcLE Cc = 0xE
	CcG  Cc = 0xF
)

func (c Cc) Negate() Cc { return c ^ 1 }

var ccNames = [...]string{"o", "no", "b", "ae", "e", "ne", "be", "a", "s", "ns", "p", "np", "l", "ge", "le", "g"}

func (c Cc) String() string { return ccNames[c&0xf] }
