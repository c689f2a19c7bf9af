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

// Package emit turns an allocated machine function into a position
// independent Code Block. References to other functions stay symbolic in
// the relocation list until the linker patches them.
//
// Frame layout:
//
//	[rbp+16+8*i]   incoming stack argument i
//	[rbp+8]        return address
//	[rbp]          saved rbp
//	[rbp-8*k]      saved callee-saved registers (foreign entries), k=1..nsaved
//	[rbp-8*(nsaved+1+i)]  frame slot i (spills, then context and apply scratch)
//	[rsp+8*i]      outgoing stack argument i
package emit

import (
	"fmt"

	"github.com/launix-de/irjit/amd64"
	"github.com/launix-de/irjit/callconv"
	"github.com/launix-de/irjit/diag"
	"github.com/launix-de/irjit/mach"
)

type RelocKind uint8

const (
	Rel32 RelocKind = iota // 4 byte displacement relative to the end of the field
	Abs64                  // 8 byte absolute address
)

func (k RelocKind) String() string {
	if k == Abs64 {
		return "abs64"
	}
	return "rel32"
}

// Reloc is an unresolved reference to an export of some Code Block.
type Reloc struct {
	Offset int       `json:"offset"`
	Kind   RelocKind `json:"kind"`
	Symbol string    `json:"symbol"`
	Entry  string    `json:"entry"`
}

// CodeBlock is the emitted code of one function.
type CodeBlock struct {
	Name    string         `json:"name"`
	Code    []byte         `json:"code"`
	Exports map[string]int `json:"exports"`
	Relocs  []Reloc        `json:"relocs"`
	Source  string         `json:"source"`
}

func (cb *CodeBlock) Size() int { return len(cb.Code) }

type emitter struct {
	mf     *mach.Func
	w      *amd64.Writer
	cb     *CodeBlock
	labels []amd64.Label
	saved  []amd64.Reg
	frame  int // bytes below the saved registers
	ctx    int // frame slot of the saved context register, -1 if unused
	vec    int // apply scratch slots
	cnt    int
	cur    int // index of the block being emitted
	inst   *mach.Inst
}

// Emit generates the Code Block of an allocated function.
func Emit(mf *mach.Func) (cb *CodeBlock, err error) {
	defer diag.Recover(&err)
	if !mf.Allocated {
		diag.Fail(diag.ErrAllocation, mf.Name, "function is not register allocated")
	}
	e := &emitter{
		mf: mf,
		w:  amd64.NewWriter(),
		cb: &CodeBlock{Name: mf.Name, Exports: map[string]int{}, Source: mf.Name},
	}
	e.layout()
	e.cb.Exports[callconv.EntryDefault] = 0
	if mf.Dir.Foreign {
		e.cb.Exports[callconv.EntryForeign] = 0
	}
	e.prologue()
	e.moves(mf.ParamMoves)
	for range mf.Blocks {
		e.labels = append(e.labels, e.w.ReserveLabel())
	}
	for bi, b := range mf.Blocks {
		e.cur = bi
		e.w.MarkLabel(e.labels[bi])
		for k := range b.Insts {
			e.inst = &b.Insts[k]
			e.instruction(e.inst)
		}
	}
	e.inst = nil
	if mf.Dir.Bridge && !mf.Dir.Foreign {
		e.bridge()
	}
	e.w.ResolveFixups()
	e.cb.Code = e.w.Code
	return e.cb, nil
}

func (e *emitter) fail(format string, args ...any) {
	err := &diag.Error{Kind: diag.ErrAllocation, Func: e.mf.Name, Msg: fmt.Sprintf(format, args...)}
	if e.inst != nil {
		err.Instr = e.inst.String()
		if e.inst.Origin != "" {
			err.Instr = e.inst.Origin
		}
	}
	diag.Raise(err)
}

// --- Frame ---

func (e *emitter) layout() {
	if e.mf.Dir.Foreign {
		keep := e.mf.UsedRegs
		if e.hasCalls() {
			// compiled callees may use any register
			keep = amd64.Allocatable
		}
		for _, r := range amd64.CalleeSaved.Regs() {
			if keep.Has(r) {
				e.saved = append(e.saved, r)
			}
		}
	}
	slots := e.mf.NumSlots
	e.ctx, e.vec, e.cnt = -1, -1, -1
	if e.mf.HasCall(callconv.Foreign) {
		e.ctx = slots
		slots++
	}
	if e.mf.HasCall(callconv.Apply) {
		e.vec, e.cnt = slots, slots+1
		slots += 2
	}
	e.frame = 8 * (slots + e.mf.MaxOutArgs())
	if (8*len(e.saved)+e.frame)%16 != 0 {
		e.frame += 8
	}
}

func (e *emitter) hasCalls() bool {
	for _, b := range e.mf.Blocks {
		for k := range b.Insts {
			if b.Insts[k].Op == mach.CALL {
				return true
			}
		}
	}
	return false
}

func (e *emitter) prologue() {
	e.w.Push(amd64.RBP)
	e.w.MovRR(64, amd64.RBP, amd64.RSP)
	for _, r := range e.saved {
		e.w.Push(r)
	}
	if e.frame > 0 {
		e.w.AluRI(amd64.SUB, 64, amd64.RSP, int32(e.frame))
	}
}

func (e *emitter) epilogue() {
	if len(e.saved) > 0 {
		e.w.Lea(amd64.RSP, amd64.M(amd64.RBP, int32(-8*len(e.saved))))
		for k := len(e.saved) - 1; k >= 0; k-- {
			e.w.Pop(e.saved[k])
		}
	} else {
		e.w.MovRR(64, amd64.RSP, amd64.RBP)
	}
	e.w.Pop(amd64.RBP)
	e.w.Ret()
}

func (e *emitter) slot(n int) amd64.Mem {
	return amd64.M(amd64.RBP, int32(-8*(len(e.saved)+1+n)))
}

// mem is the address of a memory operand.
func (e *emitter) mem(o mach.Operand) amd64.Mem {
	switch o.Kind {
	case mach.KSlot:
		return e.slot(o.N)
	case mach.KInArg:
		return amd64.M(amd64.RBP, int32(16+8*o.N))
	case mach.KOutArg:
		return amd64.M(amd64.RSP, int32(8*o.N))
	}
	e.fail("%s is not a memory operand", o)
	return amd64.Mem{}
}

func (e *emitter) reg(o mach.Operand) amd64.Reg {
	if o.Kind != mach.KReg {
		e.fail("operand %s is not a register", o)
	}
	return o.Reg
}

// --- Moves ---

func (e *emitter) reloc(kind RelocKind, pos int, sym, entry string) {
	if entry == "" {
		entry = callconv.EntryDefault
	}
	e.cb.Relocs = append(e.cb.Relocs, Reloc{Offset: pos, Kind: kind, Symbol: sym, Entry: entry})
}

// loadSym puts the absolute address of a symbol into r.
func (e *emitter) loadSym(r amd64.Reg, o mach.Operand) {
	pos := e.w.MovRImm64(r, 0)
	e.reloc(Abs64, pos, o.Sym, o.Entry)
}

// toReg loads any readable operand into r.
func (e *emitter) toReg(r amd64.Reg, o mach.Operand) {
	switch o.Kind {
	case mach.KReg:
		if o.Reg != r {
			e.w.MovRR(64, r, o.Reg)
		}
	case mach.KImm:
		e.w.MovRI(r, o.Imm)
	case mach.KSym:
		e.loadSym(r, o)
	case mach.KSlot, mach.KInArg, mach.KOutArg:
		e.w.Load(64, false, r, e.mem(o))
	default:
		e.fail("cannot read %s", o)
	}
}

// move copies a full qword. None of the forms touches the flags.
func (e *emitter) move(dst, src mach.Operand) {
	if dst.Same(src) {
		return
	}
	if dst.Kind == mach.KReg {
		e.toReg(dst.Reg, src)
		return
	}
	m := e.mem(dst)
	switch src.Kind {
	case mach.KReg:
		e.w.Store(64, m, src.Reg)
	case mach.KImm:
		if amd64.FitsInt32(src.Imm) {
			e.w.StoreImm(64, m, int32(src.Imm))
		} else {
			e.w.MovRI(amd64.RegScratch, src.Imm)
			e.w.Store(64, m, amd64.RegScratch)
		}
	case mach.KSym:
		e.loadSym(amd64.RegScratch, src)
		e.w.Store(64, m, amd64.RegScratch)
	default:
		// memory to memory; pop computes its address after rsp moved back
		e.w.PushM(e.mem(src))
		e.w.PopM(m)
	}
}

// moves performs a parallel move.
func (e *emitter) moves(ms []mach.Move) {
	for _, m := range mach.Sequentialize(ms) {
		e.move(m.Dst, m.Src)
	}
}

// --- Instructions ---

func (e *emitter) next() int { return e.cur + 1 }

func (e *emitter) instruction(in *mach.Inst) {
	switch in.Op {
	case mach.MOV:
		e.move(in.Dst, in.Src[0])
	case mach.ALU:
		e.alu(in)
	case mach.IMUL:
		e.imul(in)
	case mach.DIV, mach.MOD:
		e.div(in)
	case mach.SHIFT:
		e.shift(in)
	case mach.NOT, mach.NEG:
		d := e.reg(in.Dst)
		e.toReg(d, in.Src[0])
		if in.Op == mach.NOT {
			e.w.Not(in.Width, d)
		} else {
			e.w.Neg(in.Width, d)
		}
	case mach.CMP:
		x := e.reg(in.Src[0])
		e.aluWith(amd64.CMP, in.Width, x, in.Src[1])
	case mach.SETCC:
		d := e.reg(in.Dst)
		e.w.Setcc(in.Cc, d)
		e.w.Movzx(d, d, 8)
	case mach.EXT:
		d, x := e.reg(in.Dst), e.reg(in.Src[0])
		if in.Signed {
			e.w.Movsx(d, x, in.FromBits)
		} else {
			e.w.Movzx(d, x, in.FromBits)
		}
	case mach.LOAD:
		e.w.Load(in.Width, in.Signed, e.reg(in.Dst), e.address(in.Src[0], in.Src[1]))
	case mach.STORE:
		e.store(in)
	case mach.CALL:
		e.call(in)
	case mach.PMOVE:
		e.moves(in.Moves)
	case mach.JMP:
		if in.Targets[0] != e.next() {
			e.w.Jmp(e.labels[in.Targets[0]])
		}
	case mach.JCC:
		t, f := in.Targets[0], in.Targets[1]
		if t == e.next() {
			e.w.Jcc(in.Cc.Negate(), e.labels[f])
			return
		}
		e.w.Jcc(in.Cc, e.labels[t])
		if f != e.next() {
			e.w.Jmp(e.labels[f])
		}
	case mach.RET:
		if len(in.Src) > 0 {
			e.toReg(amd64.RAX, in.Src[0])
		}
		e.epilogue()
	default:
		e.fail("cannot emit %s", in.Op)
	}
}

// aluWith applies op to dst and a register or immediate operand.
func (e *emitter) aluWith(op amd64.AluOp, bits int, dst amd64.Reg, y mach.Operand) {
	switch y.Kind {
	case mach.KReg:
		e.w.AluRR(op, bits, dst, y.Reg)
	case mach.KImm:
		if amd64.FitsInt32(y.Imm) {
			e.w.AluRI(op, bits, dst, int32(y.Imm))
			return
		}
		e.w.MovRI(amd64.RegScratch, y.Imm)
		e.w.AluRR(op, bits, dst, amd64.RegScratch)
	default:
		e.toReg(amd64.RegScratch, y)
		e.w.AluRR(op, bits, dst, amd64.RegScratch)
	}
}

func commutative(op amd64.AluOp) bool { return op != amd64.SUB && op != amd64.CMP }

func (e *emitter) alu(in *mach.Inst) {
	d, x, y := e.reg(in.Dst), e.reg(in.Src[0]), in.Src[1]
	switch {
	case d == x:
		e.aluWith(in.Alu, in.Width, d, y)
	case y.Kind == mach.KReg && y.Reg == d:
		if commutative(in.Alu) {
			e.w.AluRR(in.Alu, in.Width, d, x)
			return
		}
		e.w.MovRR(64, amd64.RegScratch, y.Reg)
		e.w.MovRR(64, d, x)
		e.w.AluRR(in.Alu, in.Width, d, amd64.RegScratch)
	default:
		e.w.MovRR(64, d, x)
		e.aluWith(in.Alu, in.Width, d, y)
	}
}

func (e *emitter) imul(in *mach.Inst) {
	d, x, y := e.reg(in.Dst), e.reg(in.Src[0]), in.Src[1]
	if y.Kind == mach.KImm && amd64.FitsInt32(y.Imm) {
		e.w.ImulRRI(in.Width, d, x, int32(y.Imm))
		return
	}
	if y.Kind != mach.KReg {
		e.toReg(amd64.RegScratch, y)
		y = mach.R(amd64.RegScratch)
	}
	if y.Reg == d {
		e.w.ImulRR(in.Width, d, x)
		return
	}
	if d != x {
		e.w.MovRR(64, d, x)
	}
	e.w.ImulRR(in.Width, d, y.Reg)
}

// extend widens the low bits of r in place so a 64 bit divide sees the
// value of the declared width.
func (e *emitter) extend(r amd64.Reg, bits int, signed bool) {
	if bits >= 64 {
		return
	}
	if signed {
		e.w.Movsx(r, r, bits)
	} else {
		e.w.Movzx(r, r, bits)
	}
}

// div uses rdx:rax. Both are saved around the division unless they hold
// the result.
func (e *emitter) div(in *mach.Inst) {
	d := e.reg(in.Dst)
	e.toReg(amd64.RegScratch, in.Src[1])
	e.extend(amd64.RegScratch, in.Width, in.Signed)
	if d != amd64.RAX {
		e.w.Push(amd64.RAX)
	}
	if d != amd64.RDX {
		e.w.Push(amd64.RDX)
	}
	e.toReg(amd64.RAX, in.Src[0])
	e.extend(amd64.RAX, in.Width, in.Signed)
	if in.Signed {
		e.w.Cqo()
		e.w.Idiv(amd64.RegScratch)
	} else {
		e.w.AluRR(amd64.XOR, 32, amd64.RDX, amd64.RDX)
		e.w.Div(amd64.RegScratch)
	}
	res := amd64.RAX
	if in.Op == mach.MOD {
		res = amd64.RDX
	}
	if d != res {
		e.w.MovRR(64, d, res)
	}
	if d != amd64.RDX {
		e.w.Pop(amd64.RDX)
	}
	if d != amd64.RAX {
		e.w.Pop(amd64.RAX)
	}
}

// shift by a register count goes through cl; the value is shifted in the
// scratch register so every operand assignment works.
func (e *emitter) shift(in *mach.Inst) {
	d, x, n := e.reg(in.Dst), e.reg(in.Src[0]), in.Src[1]
	if n.Kind == mach.KImm {
		if d != x {
			e.w.MovRR(64, d, x)
		}
		e.w.ShiftRI(in.Shift, in.Width, d, uint8(n.Imm))
		return
	}
	count := e.reg(n)
	e.w.MovRR(64, amd64.RegScratch, x)
	save := count != amd64.RCX && d != amd64.RCX
	if count != amd64.RCX {
		if save {
			e.w.Push(amd64.RCX)
		}
		e.w.MovRR(64, amd64.RCX, count)
	}
	e.w.ShiftRCL(in.Shift, in.Width, amd64.RegScratch)
	if save {
		e.w.Pop(amd64.RCX)
	}
	e.w.MovRR(64, d, amd64.RegScratch)
}

func (e *emitter) address(base, off mach.Operand) amd64.Mem {
	b := e.reg(base)
	if off.Kind == mach.KImm {
		return amd64.M(b, int32(off.Imm))
	}
	return amd64.MI(b, e.reg(off), 0)
}

func (e *emitter) store(in *mach.Inst) {
	m := e.address(in.Src[0], in.Src[1])
	v := in.Src[2]
	switch v.Kind {
	case mach.KReg:
		e.w.Store(in.Width, m, v.Reg)
	case mach.KImm:
		if amd64.FitsInt32(v.Imm) {
			e.w.StoreImm(in.Width, m, int32(v.Imm))
			return
		}
		e.w.MovRI(amd64.RegScratch, v.Imm)
		e.w.Store(in.Width, m, amd64.RegScratch)
	case mach.KSym:
		e.loadSym(amd64.RegScratch, v)
		e.w.Store(in.Width, m, amd64.RegScratch)
	default:
		e.fail("stored value %s is not a register", v)
	}
}

// --- Calls ---

// argLoc is where argument i of a call goes.
func argLoc(p callconv.Placement, i int) mach.Operand {
	l := p.Args[i]
	if l.InReg() {
		return mach.R(l.Reg)
	}
	return mach.OutArg(l.Stack)
}

func (e *emitter) call(in *mach.Inst) {
	c := in.Call
	p := c.Placement
	if p.Kind == callconv.Apply {
		e.marshalApply(in)
	} else {
		if len(in.Src) != len(p.Args) {
			e.fail("call of %s passes %d arguments for %d locations", c.Symbol, len(in.Src), len(p.Args))
		}
		var ms []mach.Move
		for i, src := range in.Src {
			ms = append(ms, mach.Move{Dst: argLoc(p, i), Src: src})
		}
		e.moves(ms)
	}
	if p.Kind == callconv.Foreign {
		e.w.Store(64, e.slot(e.ctx), amd64.RegCtx)
		e.w.MovRI(amd64.RAX, 0) // no vector registers for variadic callees
		e.loadSym(amd64.RegScratch, mach.Sym(c.Symbol, c.Entry))
		e.w.CallR(amd64.RegScratch)
		e.w.Load(64, false, amd64.RegCtx, e.slot(e.ctx))
	} else {
		pos := e.w.CallRel32()
		e.reloc(Rel32, pos, c.Symbol, c.Entry)
	}
	if in.Dst.Kind != mach.KNone {
		e.move(in.Dst, mach.R(p.Ret))
	}
}

// marshalApply places closure and this, then unpacks vector element i
// into parameter i+2 when i < count and passes 0 otherwise.
func (e *emitter) marshalApply(in *mach.Inst) {
	p := in.Call.Placement
	vec, cnt := e.slot(e.vec), e.slot(e.cnt)
	e.move(mach.Slot(e.vec), in.Src[2])
	e.move(mach.Slot(e.cnt), in.Src[3])
	e.moves([]mach.Move{
		{Dst: argLoc(p, 0), Src: in.Src[0]},
		{Dst: argLoc(p, 1), Src: in.Src[1]},
	})
	for i := 2; i < p.Arity; i++ {
		k := i - 2
		skip := e.w.ReserveLabel()
		e.w.AluMI(amd64.CMP, 64, cnt, int32(k))
		e.w.MovRI(amd64.RegScratch, 0)
		e.w.Jcc(amd64.CcLE, skip)
		e.w.Load(64, false, amd64.RegScratch, vec)
		e.w.Load(64, false, amd64.RegScratch, amd64.M(amd64.RegScratch, int32(8*k)))
		e.w.MarkLabel(skip)
		e.move(argLoc(p, i), mach.R(amd64.RegScratch))
	}
}

// bridge emits the foreign-callable entry: SysV in, compiled convention
// out, with the context taken from the first argument.
func (e *emitter) bridge() {
	e.w.Align(16)
	e.cb.Exports[callconv.EntryForeign] = e.w.Pos()
	in, out := callconv.BridgePlacement(e.mf.Sig)
	e.w.Push(amd64.RBP)
	e.w.MovRR(64, amd64.RBP, amd64.RSP)
	saved := amd64.CalleeSaved.Regs()
	for _, r := range saved {
		e.w.Push(r)
	}
	frame := out.StackSize()
	if (8*len(saved)+frame)%16 != 0 {
		frame += 8
	}
	if frame > 0 {
		e.w.AluRI(amd64.SUB, 64, amd64.RSP, int32(frame))
	}
	inLoc := func(i int) mach.Operand {
		l := in.Args[i]
		if l.InReg() {
			return mach.R(l.Reg)
		}
		return mach.InArg(l.Stack)
	}
	first := 0
	var ms []mach.Move
	if !e.mf.Dir.NoContext {
		ms = append(ms, mach.Move{Dst: mach.R(amd64.RegCtx), Src: inLoc(0)})
		first = 1
	}
	for i := range out.Args {
		ms = append(ms, mach.Move{Dst: argLoc(out, i), Src: inLoc(i + first)})
	}
	e.moves(ms)
	pos := e.w.CallRel32()
	e.reloc(Rel32, pos, e.mf.Name, callconv.EntryDefault)
	e.w.Lea(amd64.RSP, amd64.M(amd64.RBP, int32(-8*len(saved))))
	for k := len(saved) - 1; k >= 0; k-- {
		e.w.Pop(saved[k])
	}
	e.w.Pop(amd64.RBP)
	e.w.Ret()
}
