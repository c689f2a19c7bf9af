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

// Package mach is the machine instruction stream between selection and
// emission. Instructions are three-address templates over virtual
// registers; the allocator rewrites them to physical registers and frame
// slots.
package mach

import (
	"fmt"
	"strings"

	"github.com/launix-de/irjit/amd64"
	"github.com/launix-de/irjit/callconv"
	"github.com/launix-de/irjit/ir"
)

// VReg numbers start at 1.
type VReg int32

type Kind uint8

const (
	KNone   Kind = iota
	KVReg        // virtual register
	KReg         // physical register
	KSlot        // spill slot [rbp-…]
	KInArg       // caller stack argument [rbp+16+8*n]
	KOutArg      // outgoing stack argument [rsp+8*n]
	KImm         // immediate
	KSym         // absolute address of a symbol entry
)

type Operand struct {
	Kind  Kind
	V     VReg
	Reg   amd64.Reg
	N     int // slot or argument index
	Imm   int64
	Sym   string
	Entry string
}

func V(v VReg) Operand         { return Operand{Kind: KVReg, V: v} }
func R(r amd64.Reg) Operand    { return Operand{Kind: KReg, Reg: r} }
func Slot(n int) Operand       { return Operand{Kind: KSlot, N: n} }
func InArg(n int) Operand      { return Operand{Kind: KInArg, N: n} }
func OutArg(n int) Operand     { return Operand{Kind: KOutArg, N: n} }
func Imm(v int64) Operand      { return Operand{Kind: KImm, Imm: v} }
func Sym(name, entry string) Operand {
	return Operand{Kind: KSym, Sym: name, Entry: entry}
}

// IsMem reports operands that live in the frame.
func (o Operand) IsMem() bool {
	return o.Kind == KSlot || o.Kind == KInArg || o.Kind == KOutArg
}

// Same reports whether two operands denote the same storage.
func (o Operand) Same(p Operand) bool {
	if o.Kind != p.Kind {
		return false
	}
	switch o.Kind {
	case KVReg:
		return o.V == p.V
	case KReg:
		return o.Reg == p.Reg
	case KSlot, KInArg, KOutArg:
		return o.N == p.N
	case KImm:
		return o.Imm == p.Imm
	case KSym:
		return o.Sym == p.Sym && o.Entry == p.Entry
	}
	return true
}

func (o Operand) String() string {
	switch o.Kind {
	case KVReg:
		return fmt.Sprintf("v%d", o.V)
	case KReg:
		return o.Reg.String()
	case KSlot:
		return fmt.Sprintf("slot%d", o.N)
	case KInArg:
		return fmt.Sprintf("in%d", o.N)
	case KOutArg:
		return fmt.Sprintf("out%d", o.N)
	case KImm:
		return fmt.Sprint(o.Imm)
	case KSym:
		if o.Entry != "" {
			return "@" + o.Sym + "." + o.Entry
		}
		return "@" + o.Sym
	}
	return "_"
}

type Opcode uint8

const (
	MOV   Opcode = iota // Dst = Src[0], full register copy
	ALU                 // Dst = Src[0] Alu Src[1]
	IMUL                // Dst = Src[0] * Src[1]
	DIV                 // Dst = Src[0] / Src[1]
	MOD                 // Dst = Src[0] % Src[1]
	SHIFT               // Dst = Src[0] Shift Src[1]
	NOT
	NEG
	CMP   // flags = Src[0] - Src[1]
	SETCC // Dst = Cc
	EXT   // Dst = extend low FromBits of Src[0]
	LOAD  // Dst = [Src[0] + Src[1]]
	STORE // [Src[0] + Src[1]] = Src[2]
	CALL  // Dst = Call(Src...)
	PMOVE // parallel Moves
	JMP
	JCC // Targets[0] if Cc else Targets[1]
	RET
)

var opcodeNames = [...]string{"mov", "alu", "imul", "div", "mod", "shift", "not", "neg", "cmp", "setcc", "ext", "load", "store", "call", "pmove", "jmp", "jcc", "ret"}

func (o Opcode) String() string { return opcodeNames[o] }

func (o Opcode) IsTerminator() bool { return o == JMP || o == JCC || o == RET }

// CallSite carries everything the emitter needs to marshal a call.
type CallSite struct {
	Symbol    string
	Entry     string
	Placement callconv.Placement
}

// Move is one element of a parallel move.
type Move struct {
	Dst, Src Operand
}

func (m Move) String() string { return m.Dst.String() + " <- " + m.Src.String() }

type Inst struct {
	Op       Opcode
	Width    int // operand width in bits
	Signed   bool
	Alu      amd64.AluOp
	Shift    amd64.ShiftOp
	Cc       amd64.Cc
	FromBits int
	Dst      Operand
	Src      []Operand
	Targets  []int
	Call     *CallSite
	Moves    []Move
	Origin   string // IR instruction this came from, for errors
}

// Uses lists the virtual registers read by the instruction.
func (i *Inst) Uses() []VReg {
	var out []VReg
	for _, s := range i.Src {
		if s.Kind == KVReg {
			out = append(out, s.V)
		}
	}
	for _, m := range i.Moves {
		if m.Src.Kind == KVReg {
			out = append(out, m.Src.V)
		}
	}
	return out
}

// Def is the written virtual register or 0.
func (i *Inst) Def() VReg {
	if i.Dst.Kind == KVReg {
		return i.Dst.V
	}
	return 0
}

// MemOK reports whether register operands may be replaced by frame slots
// directly instead of being reloaded.
func (i *Inst) MemOK() bool {
	return i.Op == CALL || i.Op == RET || i.Op == MOV
}

func (i *Inst) String() string {
	var b strings.Builder
	if i.Dst.Kind != KNone {
		b.WriteString(i.Dst.String())
		b.WriteString(" = ")
	}
	b.WriteString(i.Op.String())
	switch i.Op {
	case ALU:
		b.WriteString(fmt.Sprintf(".%d", i.Alu))
	case SHIFT:
		b.WriteString(fmt.Sprintf(".%d", i.Shift))
	case SETCC, JCC:
		b.WriteString("." + i.Cc.String())
	case EXT:
		b.WriteString(fmt.Sprintf(".%d", i.FromBits))
	case CALL:
		b.WriteString(" " + i.Call.Placement.Kind.String() + " @" + i.Call.Symbol)
	}
	if i.Width != 0 {
		b.WriteString(fmt.Sprintf(" i%d", i.Width))
	}
	for k, s := range i.Src {
		if k == 0 {
			b.WriteString(" ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(s.String())
	}
	for _, m := range i.Moves {
		b.WriteString(" [" + m.String() + "]")
	}
	for _, t := range i.Targets {
		b.WriteString(fmt.Sprintf(" ->%d", t))
	}
	return b.String()
}

// Phi is a merge value; Srcs follow the block's Preds.
type Phi struct {
	Dst  VReg
	Srcs []Operand
}

type Block struct {
	Index int
	Name  string
	Phis  []Phi
	Insts []Inst
	Succs []int
	Preds []int
}

func (b *Block) Term() *Inst { return &b.Insts[len(b.Insts)-1] }

// Func is one function in machine form. Blocks are in emission order.
type Func struct {
	Name     string
	Dir      ir.Directives
	Sig      ir.Signature
	Blocks   []*Block
	NumVRegs int
	Widths   []int // per vreg, for listings
	Params   []VReg
	Entry    callconv.Placement

	// filled by the allocator
	NumSlots   int
	UsedRegs   amd64.RegSet
	ParamMoves []Move
	Spills     int
	Allocated  bool
}

func (f *Func) NewVReg(width int) VReg {
	f.NumVRegs++
	f.Widths = append(f.Widths, width)
	return VReg(f.NumVRegs)
}

// HasCall reports calls that clobber the context register or need apply
// scratch slots.
func (f *Func) HasCall(kind callconv.Kind) bool {
	for _, b := range f.Blocks {
		for i := range b.Insts {
			if c := b.Insts[i].Call; c != nil && c.Placement.Kind == kind {
				return true
			}
		}
	}
	return false
}

// MaxOutArgs is the largest outgoing stack area of any call in qwords.
func (f *Func) MaxOutArgs() int {
	n := 0
	for _, b := range f.Blocks {
		for i := range b.Insts {
			if c := b.Insts[i].Call; c != nil && len(c.Placement.Stack) > n {
				n = len(c.Placement.Stack)
			}
		}
	}
	return n
}

func (f *Func) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mfunc %s params=%v\n", f.Name, f.Params)
	for _, blk := range f.Blocks {
		fmt.Fprintf(&b, "%d %s preds=%v succs=%v:\n", blk.Index, blk.Name, blk.Preds, blk.Succs)
		for _, p := range blk.Phis {
			fmt.Fprintf(&b, "  v%d = phi %v\n", p.Dst, p.Srcs)
		}
		for i := range blk.Insts {
			b.WriteString("  ")
			b.WriteString(blk.Insts[i].String())
			b.WriteString("\n")
		}
	}
	return b.String()
}
