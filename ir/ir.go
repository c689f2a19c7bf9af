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

// Package ir is the typed, SSA-like input of the backend: functions made of
// basic blocks, each ending in exactly one terminator, with merge values
// (phis) at block heads.
package ir

import (
	"fmt"
	"strconv"
)

// Value is anything an instruction can take as operand.
type Value interface {
	Type() Type
	String() string
}

type Param struct {
	Index int
	Name  string
	Typ   Type
}

func (p *Param) Type() Type { return p.Typ }
func (p *Param) String() string {
	if p.Name != "" {
		return "%" + p.Name
	}
	return "%p" + strconv.Itoa(p.Index)
}

// Const is a typed immediate.
type Const struct {
	Typ Type
	Val int64
}

func Int(t Type, v int64) Const { return Const{Typ: t, Val: v} }

func (c Const) Type() Type     { return c.Typ }
func (c Const) String() string { return strconv.FormatInt(c.Val, 10) }

// SymAddr is the absolute address of an exported entry of a linked symbol.
type SymAddr struct {
	Name  string
	Entry string // empty means the default entry
}

func (s SymAddr) Type() Type { return RPtr }
func (s SymAddr) String() string {
	if s.Entry != "" {
		return "@" + s.Name + "." + s.Entry
	}
	return "@" + s.Name
}

type Op uint8

const (
	OpInvalid Op = iota
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr // arithmetic for signed types, logical for unsigned
	OpNot
	OpNeg
	OpCmp
	OpCast
	OpLoad
	OpStore
	OpGetCtx
	OpSetCtx
	OpCall
	OpCallFFI
	OpCallApply
	OpPhi
	// terminators
	OpJump
	OpIf
	OpRet
	OpAddOvf
	OpSubOvf
	OpMulOvf
)

var opNames = [...]string{
	OpInvalid: "invalid", OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div",
	OpMod: "mod", OpAnd: "and", OpOr: "or", OpXor: "xor", OpShl: "shl", OpShr: "shr",
	OpNot: "not", OpNeg: "neg", OpCmp: "cmp", OpCast: "icast", OpLoad: "load",
	OpStore: "store", OpGetCtx: "get_ctx", OpSetCtx: "set_ctx", OpCall: "call",
	OpCallFFI: "call_ffi", OpCallApply: "call_apply", OpPhi: "phi", OpJump: "jump",
	OpIf: "if", OpRet: "ret", OpAddOvf: "add_ovf", OpSubOvf: "sub_ovf", OpMulOvf: "mul_ovf",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "op" + strconv.Itoa(int(o))
}

func (o Op) IsTerminator() bool { return o >= OpJump }

func (o Op) IsOverflow() bool { return o == OpAddOvf || o == OpSubOvf || o == OpMulOvf }

func (o Op) IsCall() bool { return o == OpCall || o == OpCallFFI || o == OpCallApply }

func (o Op) IsBinary() bool { return o >= OpAdd && o <= OpShr }

// Commutative binary ops may swap their operands during selection.
func (o Op) Commutative() bool {
	switch o {
	case OpAdd, OpMul, OpAnd, OpOr, OpXor, OpAddOvf, OpMulOvf:
		return true
	}
	return false
}

// Cond is the predicate of OpCmp and OpIf. Signedness comes from the
// operand type.
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondLT
	CondLE
	CondGT
	CondGE
)

var condNames = [...]string{"eq", "ne", "lt", "le", "gt", "ge"}

func (c Cond) String() string { return condNames[c] }

func (c Cond) Negate() Cond {
	switch c {
	case CondEQ:
		return CondNE
	case CondNE:
		return CondEQ
	case CondLT:
		return CondGE
	case CondLE:
		return CondGT
	case CondGT:
		return CondLE
	}
	return CondLT
}

// Swap returns the predicate for exchanged operands.
func (c Cond) Swap() Cond {
	switch c {
	case CondLT:
		return CondGT
	case CondLE:
		return CondGE
	case CondGT:
		return CondLT
	case CondGE:
		return CondLE
	}
	return c
}

func ParseCond(s string) (Cond, bool) {
	for i, n := range condNames {
		if n == s {
			return Cond(i), true
		}
	}
	return 0, false
}

type Instr struct {
	Op     Op
	Typ    Type // result type, Void for none
	Args   []Value
	Cond   Cond
	Callee string   // call target symbol
	Succs  []*Block // terminators; overflow ops: [normal, overflow]
	Phi    []*Block // incoming block of each phi argument
	Block  *Block
	ID     int
}

func (i *Instr) Type() Type { return i.Typ }

func (i *Instr) String() string { return "%" + strconv.Itoa(i.ID) }

// AddIncoming appends a phi input; loops add the back-edge value after the
// body has been built.
func (i *Instr) AddIncoming(from *Block, v Value) {
	i.Phi = append(i.Phi, from)
	i.Args = append(i.Args, v)
}

// Incoming returns the phi argument for the given predecessor.
func (i *Instr) Incoming(from *Block) (Value, bool) {
	for k, b := range i.Phi {
		if b == from {
			return i.Args[k], true
		}
	}
	return nil, false
}

func (i *Instr) HasResult() bool { return i.Typ != Void }

type Block struct {
	Index  int
	Name   string
	Instrs []*Instr
	Func   *Function
}

func (b *Block) String() string {
	if b.Name != "" {
		return b.Name
	}
	return "b" + strconv.Itoa(b.Index)
}

// Term is the terminator or nil while the block is still open.
func (b *Block) Term() *Instr {
	if n := len(b.Instrs); n > 0 && b.Instrs[n-1].Op.IsTerminator() {
		return b.Instrs[n-1]
	}
	return nil
}

func (b *Block) Succs() []*Block {
	if t := b.Term(); t != nil {
		return t.Succs
	}
	return nil
}

func (b *Block) Phis() []*Instr {
	n := 0
	for n < len(b.Instrs) && b.Instrs[n].Op == OpPhi {
		n++
	}
	return b.Instrs[:n]
}

// Directives are the per-function compilation flags.
type Directives struct {
	Foreign   bool // default entry uses the foreign convention
	Static    bool // free-standing unit without closure/this parameters
	NoContext bool // no implicit VM-context register
	Inline    bool // inlined into every caller, never emitted standalone
	Bridge    bool // also export a foreign-callable entry
}

type Function struct {
	Name   string
	Params []*Param
	Ret    Type
	Dir    Directives
	Blocks []*Block
	nextID int
}

// NewFunction creates a function with one parameter per type.
func NewFunction(name string, ret Type, dir Directives, params ...Type) *Function {
	f := &Function{Name: name, Ret: ret, Dir: dir}
	for i, t := range params {
		f.Params = append(f.Params, &Param{Index: i, Typ: t})
	}
	return f
}

func (f *Function) NewBlock(name string) *Block {
	b := &Block{Index: len(f.Blocks), Name: name, Func: f}
	f.Blocks = append(f.Blocks, b)
	return b
}

func (f *Function) Entry() *Block {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

func (f *Function) NewInstr(op Op, typ Type, args ...Value) *Instr {
	f.nextID++
	return &Instr{Op: op, Typ: typ, Args: args, ID: f.nextID}
}

// Adopt moves an instruction copied from another function into f and gives
// it a fresh ID.
func (f *Function) Adopt(i *Instr, into *Block) {
	f.nextID++
	i.ID = f.nextID
	i.Block = into
}

// Renumber assigns fresh block indices after passes that add or drop blocks.
func (f *Function) Renumber() {
	for i, b := range f.Blocks {
		b.Index = i
	}
}

// Preds lists the predecessors of every block in block order; a block that
// reaches the same successor twice is listed twice.
func (f *Function) Preds() map[*Block][]*Block {
	preds := make(map[*Block][]*Block, len(f.Blocks))
	for _, b := range f.Blocks {
		for _, s := range b.Succs() {
			preds[s] = append(preds[s], b)
		}
	}
	return preds
}

// Instrs visits every instruction in block order.
func (f *Function) Instrs(visit func(*Instr)) {
	for _, b := range f.Blocks {
		for _, i := range b.Instrs {
			visit(i)
		}
	}
}

// Clone returns a deep copy with identical instruction IDs.
func (f *Function) Clone() *Function {
	g := &Function{Name: f.Name, Ret: f.Ret, Dir: f.Dir, nextID: f.nextID}
	pmap := map[*Param]*Param{}
	for _, p := range f.Params {
		q := *p
		pmap[p] = &q
		g.Params = append(g.Params, &q)
	}
	bmap := map[*Block]*Block{}
	imap := map[*Instr]*Instr{}
	for _, b := range f.Blocks {
		nb := &Block{Index: b.Index, Name: b.Name, Func: g}
		bmap[b] = nb
		g.Blocks = append(g.Blocks, nb)
		for _, i := range b.Instrs {
			ni := *i
			ni.Block = nb
			imap[i] = &ni
			nb.Instrs = append(nb.Instrs, &ni)
		}
	}
	for _, nb := range g.Blocks {
		for _, ni := range nb.Instrs {
			args := make([]Value, len(ni.Args))
			for k, a := range ni.Args {
				switch v := a.(type) {
				case *Instr:
					args[k] = imap[v]
				case *Param:
					args[k] = pmap[v]
				default:
					args[k] = a
				}
			}
			ni.Args = args
			ni.Succs = mapBlocks(ni.Succs, bmap)
			ni.Phi = mapBlocks(ni.Phi, bmap)
		}
	}
	return g
}

func mapBlocks(in []*Block, m map[*Block]*Block) []*Block {
	if in == nil {
		return nil
	}
	out := make([]*Block, len(in))
	for k, b := range in {
		out[k] = m[b]
	}
	return out
}

// Signature is what callers need to know about a function in a batch.
type Signature struct {
	Name   string
	Params []Type
	Ret    Type
	Dir    Directives
}

func (f *Function) Signature() Signature {
	s := Signature{Name: f.Name, Ret: f.Ret, Dir: f.Dir}
	for _, p := range f.Params {
		s.Params = append(s.Params, p.Typ)
	}
	return s
}

func (s Signature) String() string {
	return fmt.Sprintf("%s%v %v %+v", s.Name, s.Params, s.Ret, s.Dir)
}
