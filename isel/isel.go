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

// Package isel maps IR instructions onto machine instruction templates over
// virtual registers.
package isel

import (
	"fmt"
	"math/bits"

	"github.com/launix-de/irjit/amd64"
	"github.com/launix-de/irjit/callconv"
	"github.com/launix-de/irjit/diag"
	"github.com/launix-de/irjit/ir"
	"github.com/launix-de/irjit/lower"
	"github.com/launix-de/irjit/mach"
)

type selector struct {
	fn     *ir.Function
	mf     *mach.Func
	sigs   map[string]ir.Signature
	vals   map[ir.Value]mach.VReg
	blocks map[*ir.Block]int
	cur    *mach.Block
	instr  *ir.Instr
}

// Select translates fn. sigs holds the signatures of the other functions
// of the batch; apply calls need their callee there.
func Select(fn *ir.Function, sigs map[string]ir.Signature) (mf *mach.Func, err error) {
	defer diag.Recover(&err)
	s := &selector{
		fn:     fn,
		sigs:   sigs,
		vals:   map[ir.Value]mach.VReg{},
		blocks: map[*ir.Block]int{},
		mf:     &mach.Func{Name: fn.Name, Dir: fn.Dir, Sig: fn.Signature()},
	}
	if fn.Ret.IsFloat() {
		diag.Fail(diag.ErrSelection, fn.Name, "floating point result type is not supported")
	}
	for _, p := range fn.Params {
		if p.Typ.IsFloat() {
			diag.Fail(diag.ErrSelection, fn.Name, "floating point parameter %s is not supported", p)
		}
	}
	s.mf.Entry = callconv.EntryPlacement(s.mf.Sig)
	for _, p := range fn.Params {
		v := s.mf.NewVReg(p.Typ.Bits())
		s.vals[p] = v
		s.mf.Params = append(s.mf.Params, v)
	}

	order := lower.RPO(fn)
	for k, b := range order {
		s.blocks[b] = k
		s.mf.Blocks = append(s.mf.Blocks, &mach.Block{Index: k, Name: b.String()})
	}
	// results get their register up front; phis may refer to later blocks
	for _, b := range order {
		for _, i := range b.Instrs {
			if i.HasResult() {
				s.vals[i] = s.mf.NewVReg(width(i.Typ))
			}
		}
	}
	for _, b := range order {
		mb := s.mf.Blocks[s.blocks[b]]
		for _, succ := range b.Succs() {
			k := s.blocks[succ]
			mb.Succs = append(mb.Succs, k)
			s.mf.Blocks[k].Preds = append(s.mf.Blocks[k].Preds, mb.Index)
		}
	}
	for _, b := range order {
		s.cur = s.mf.Blocks[s.blocks[b]]
		for _, i := range b.Instrs {
			s.instr = i
			if i.Op == ir.OpPhi {
				s.phi(i)
				continue
			}
			s.sel(i)
		}
		if len(s.cur.Insts) == 0 || !s.cur.Term().Op.IsTerminator() {
			diag.Fail(diag.ErrSelection, fn.Name, "block %s has no terminator", b)
		}
	}
	return s.mf, nil
}

func width(t ir.Type) int {
	if t == ir.Void {
		return 0
	}
	return t.Bits()
}

func (s *selector) fail(format string, args ...any) {
	e := &diag.Error{Kind: diag.ErrSelection, Func: s.fn.Name, Msg: fmt.Sprintf(format, args...)}
	if s.instr != nil {
		e.Instr = s.instr.Format()
	}
	diag.Raise(e)
}

func (s *selector) emit(in mach.Inst) {
	if s.instr != nil {
		in.Origin = s.instr.Format()
	}
	s.cur.Insts = append(s.cur.Insts, in)
}

// Normalize keeps the low bits of a constant sign-extended, which is what
// the instruction encodings expect for narrow immediates.
func Normalize(v int64, bits int) int64 {
	switch bits {
	case 8:
		return int64(int8(v))
	case 16:
		return int64(int16(v))
	case 32:
		return int64(int32(v))
	}
	return v
}

func (s *selector) vreg(v ir.Value) mach.VReg {
	r, ok := s.vals[v]
	if !ok {
		s.fail("operand %s is not defined", v)
	}
	return r
}

// use returns an operand for v: an immediate if it fits imm32, otherwise a
// register.
func (s *selector) use(v ir.Value) mach.Operand {
	switch c := v.(type) {
	case ir.Const:
		n := Normalize(c.Val, c.Typ.Bits())
		if amd64.FitsInt32(n) {
			return mach.Imm(n)
		}
		return s.materialize(mach.Imm(n), 64)
	case ir.SymAddr:
		return s.materialize(symOperand(c), 64)
	}
	return mach.V(s.vreg(v))
}

// reg returns v in a register.
func (s *selector) reg(v ir.Value) mach.Operand {
	o := s.use(v)
	if o.Kind == mach.KImm {
		return s.materialize(o, width(v.Type()))
	}
	return o
}

func (s *selector) materialize(src mach.Operand, w int) mach.Operand {
	d := s.mf.NewVReg(w)
	s.emit(mach.Inst{Op: mach.MOV, Width: 64, Dst: mach.V(d), Src: []mach.Operand{src}})
	return mach.V(d)
}

func symOperand(c ir.SymAddr) mach.Operand {
	entry := c.Entry
	if entry == "" {
		entry = callconv.EntryDefault
	}
	return mach.Sym(c.Name, entry)
}

func isConst(v ir.Value) bool {
	_, ok := v.(ir.Const)
	return ok
}

// compatible accepts equal types and any two 64-bit integer kinds, so
// pointer arithmetic does not need casts.
func compatible(a, b ir.Type) bool {
	return a == b || (a.Bits() == 64 && b.Bits() == 64 && a.IsInt() && b.IsInt())
}

func (s *selector) checkTypes(i *ir.Instr) {
	for _, a := range i.Args {
		if a == nil {
			s.fail("missing operand")
		}
		if a.Type().IsFloat() {
			s.fail("floating point operand %s is not supported", a)
		}
	}
	if i.Typ.IsFloat() {
		s.fail("floating point type %s is not supported", i.Typ)
	}
}

func (s *selector) sameWidth(i *ir.Instr, args ...ir.Value) {
	for _, a := range args {
		if !compatible(a.Type(), i.Typ) {
			s.fail("operand %s has type %s, instruction has type %s", a, a.Type(), i.Typ)
		}
	}
}

var aluOps = map[ir.Op]amd64.AluOp{
	ir.OpAdd: amd64.ADD, ir.OpSub: amd64.SUB, ir.OpAnd: amd64.AND, ir.OpOr: amd64.OR, ir.OpXor: amd64.XOR,
	ir.OpAddOvf: amd64.ADD, ir.OpSubOvf: amd64.SUB,
}

func (s *selector) sel(i *ir.Instr) {
	s.checkTypes(i)
	w := width(i.Typ)
	switch i.Op {
	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor:
		x, y := s.operands(i)
		s.emit(mach.Inst{Op: mach.ALU, Alu: aluOps[i.Op], Width: w, Dst: mach.V(s.vals[i]), Src: []mach.Operand{x, y}})
	case ir.OpMul:
		x, y := s.operands(i)
		dst := mach.V(s.vals[i])
		if y.Kind == mach.KImm && y.Imm == 1 {
			s.emit(mach.Inst{Op: mach.MOV, Width: w, Dst: dst, Src: []mach.Operand{x}})
		} else if y.Kind == mach.KImm && y.Imm > 1 && y.Imm&(y.Imm-1) == 0 {
			k := int64(bits.TrailingZeros64(uint64(y.Imm)))
			s.emit(mach.Inst{Op: mach.SHIFT, Shift: amd64.SHL, Width: w, Dst: dst, Src: []mach.Operand{x, mach.Imm(k)}})
		} else {
			s.emit(mach.Inst{Op: mach.IMUL, Width: w, Dst: dst, Src: []mach.Operand{x, y}})
		}
	case ir.OpDiv, ir.OpMod:
		x, y := s.operands(i)
		op := mach.DIV
		if i.Op == ir.OpMod {
			op = mach.MOD
		}
		s.emit(mach.Inst{Op: op, Width: w, Signed: i.Typ.Signed(), Dst: mach.V(s.vals[i]), Src: []mach.Operand{x, y}})
	case ir.OpShl, ir.OpShr:
		s.shift(i)
	case ir.OpNot, ir.OpNeg:
		s.sameWidth(i, i.Args[0])
		op := mach.NOT
		if i.Op == ir.OpNeg {
			op = mach.NEG
		}
		s.emit(mach.Inst{Op: op, Width: w, Dst: mach.V(s.vals[i]), Src: []mach.Operand{s.reg(i.Args[0])}})
	case ir.OpCmp:
		cc := s.compare(i.Cond, i.Args[0], i.Args[1])
		s.emit(mach.Inst{Op: mach.SETCC, Cc: cc, Width: 8, Dst: mach.V(s.vals[i])})
	case ir.OpIf:
		cc := s.compare(i.Cond, i.Args[0], i.Args[1])
		s.emit(mach.Inst{Op: mach.JCC, Cc: cc, Targets: []int{s.blocks[i.Succs[0]], s.blocks[i.Succs[1]]}})
	case ir.OpJump:
		s.emit(mach.Inst{Op: mach.JMP, Targets: []int{s.blocks[i.Succs[0]]}})
	case ir.OpRet:
		s.ret(i)
	case ir.OpAddOvf, ir.OpSubOvf, ir.OpMulOvf:
		s.overflow(i)
	case ir.OpCast:
		s.cast(i)
	case ir.OpLoad:
		base, off := s.address(i.Args[0], i.Args[1])
		s.emit(mach.Inst{Op: mach.LOAD, Width: w, Signed: i.Typ.Signed(), Dst: mach.V(s.vals[i]), Src: []mach.Operand{base, off}})
	case ir.OpStore:
		v := i.Args[2]
		if v.Type() == ir.Void {
			s.fail("stored value has no type")
		}
		base, off := s.address(i.Args[0], i.Args[1])
		s.emit(mach.Inst{Op: mach.STORE, Width: v.Type().Bits(), Src: []mach.Operand{base, off, s.use(v)}})
	case ir.OpGetCtx:
		if s.fn.Dir.NoContext {
			s.fail("context access in a function without context")
		}
		s.emit(mach.Inst{Op: mach.MOV, Width: 64, Dst: mach.V(s.vals[i]), Src: []mach.Operand{mach.R(amd64.RegCtx)}})
	case ir.OpSetCtx:
		if s.fn.Dir.NoContext {
			s.fail("context access in a function without context")
		}
		s.emit(mach.Inst{Op: mach.MOV, Width: 64, Dst: mach.R(amd64.RegCtx), Src: []mach.Operand{s.reg(i.Args[0])}})
	case ir.OpCall, ir.OpCallFFI:
		s.call(i)
	case ir.OpCallApply:
		s.apply(i)
	default:
		s.fail("unsupported instruction %s", i.Op)
	}
}

// operands prepares x op y: a constant x is swapped into second position
// for commutative ops and materialized otherwise.
func (s *selector) operands(i *ir.Instr) (mach.Operand, mach.Operand) {
	x, y := i.Args[0], i.Args[1]
	s.sameWidth(i, x, y)
	if isConst(x) && !isConst(y) && i.Op.Commutative() {
		x, y = y, x
	}
	return s.reg(x), s.use(y)
}

func (s *selector) shift(i *ir.Instr) {
	x, y := i.Args[0], i.Args[1]
	s.sameWidth(i, x)
	if !y.Type().IsInt() {
		s.fail("shift count %s is not an integer", y)
	}
	w := width(i.Typ)
	op := amd64.SHL
	if i.Op == ir.OpShr {
		op = amd64.SHR
		if i.Typ.Signed() {
			op = amd64.SAR
		}
	}
	var count mach.Operand
	if c, ok := y.(ir.Const); ok {
		mask := int64(31)
		if w == 64 {
			mask = 63
		}
		count = mach.Imm(c.Val & mask)
	} else {
		count = s.reg(y)
	}
	s.emit(mach.Inst{Op: mach.SHIFT, Shift: op, Width: w, Dst: mach.V(s.vals[i]), Src: []mach.Operand{s.reg(x), count}})
}

var signedCc = [...]amd64.Cc{ir.CondEQ: amd64.CcE, ir.CondNE: amd64.CcNE, ir.CondLT: amd64.CcL, ir.CondLE: amd64.CcLE, ir.CondGT: amd64.CcG, ir.CondGE: amd64.CcGE}
var unsignedCc = [...]amd64.Cc{ir.CondEQ: amd64.CcE, ir.CondNE: amd64.CcNE, ir.CondLT: amd64.CcB, ir.CondLE: amd64.CcBE, ir.CondGT: amd64.CcA, ir.CondGE: amd64.CcAE}

// compare emits CMP x, y and returns the condition code that holds when
// x cond y.
func (s *selector) compare(c ir.Cond, x, y ir.Value) amd64.Cc {
	if !compatible(x.Type(), y.Type()) {
		s.fail("comparison of %s with %s", x.Type(), y.Type())
	}
	if isConst(x) && !isConst(y) {
		x, y = y, x
		c = c.Swap()
	}
	s.emit(mach.Inst{Op: mach.CMP, Width: x.Type().Bits(), Src: []mach.Operand{s.reg(x), s.use(y)}})
	if x.Type().Signed() {
		return signedCc[c]
	}
	return unsignedCc[c]
}

func (s *selector) ret(i *ir.Instr) {
	if len(i.Args) == 0 {
		if s.fn.Ret != ir.Void {
			s.fail("return without value from a function returning %s", s.fn.Ret)
		}
		s.emit(mach.Inst{Op: mach.RET})
		return
	}
	v := i.Args[0]
	if !compatible(v.Type(), s.fn.Ret) {
		s.fail("returned %s has type %s, function returns %s", v, v.Type(), s.fn.Ret)
	}
	src := s.use(v)
	if c, ok := v.(ir.Const); ok {
		// return registers hold the full normalized value
		src = mach.Imm(Normalize(c.Val, c.Typ.Bits()))
	}
	s.emit(mach.Inst{Op: mach.RET, Width: width(s.fn.Ret), Src: []mach.Operand{src}})
}

// overflow emits the flag-setting op and a JCC O to the overflow successor.
// Nothing between them may touch the flags.
func (s *selector) overflow(i *ir.Instr) {
	w := width(i.Typ)
	x, y := s.operands(i)
	dst := mach.V(s.vals[i])
	if i.Op == ir.OpMulOvf {
		if w == 8 {
			s.fail("8 bit multiplication with overflow check is not supported")
		}
		s.emit(mach.Inst{Op: mach.IMUL, Width: w, Dst: dst, Src: []mach.Operand{x, y}})
	} else {
		s.emit(mach.Inst{Op: mach.ALU, Alu: aluOps[i.Op], Width: w, Dst: dst, Src: []mach.Operand{x, y}})
	}
	s.emit(mach.Inst{Op: mach.JCC, Cc: amd64.CcO, Targets: []int{s.blocks[i.Succs[1]], s.blocks[i.Succs[0]]}})
}

func (s *selector) cast(i *ir.Instr) {
	x := i.Args[0]
	from, to := x.Type(), i.Typ
	if !from.IsInt() || !to.IsInt() {
		s.fail("cast from %s to %s", from, to)
	}
	dst := mach.V(s.vals[i])
	if c, ok := x.(ir.Const); ok {
		// fold: extend per source, then keep the target's low bits
		v := c.Val
		if !from.Signed() && from.Bits() < 64 {
			v &= 1<<uint(from.Bits()) - 1
		} else {
			v = Normalize(v, from.Bits())
		}
		s.emit(mach.Inst{Op: mach.MOV, Width: 64, Dst: dst, Src: []mach.Operand{mach.Imm(Normalize(v, to.Bits()))}})
		return
	}
	if to.Bits() <= from.Bits() {
		s.emit(mach.Inst{Op: mach.MOV, Width: to.Bits(), Dst: dst, Src: []mach.Operand{s.reg(x)}})
		return
	}
	s.emit(mach.Inst{Op: mach.EXT, Width: to.Bits(), FromBits: from.Bits(), Signed: from.Signed(), Dst: dst, Src: []mach.Operand{s.reg(x)}})
}

// address returns base and offset operands: an imm32 displacement or an
// index register.
func (s *selector) address(base, off ir.Value) (mach.Operand, mach.Operand) {
	if base.Type().Bits() != 64 || !off.Type().IsInt() {
		s.fail("address %s+%s is not pointer sized", base, off)
	}
	b := s.reg(base)
	if c, ok := off.(ir.Const); ok && amd64.FitsInt32(c.Val) {
		return b, mach.Imm(c.Val)
	}
	if off.Type().Bits() != 64 {
		s.fail("index %s is not pointer sized", off)
	}
	return b, s.reg(off)
}

// placed runs a placement and adds the instruction to its error.
func (s *selector) placed(place func() callconv.Placement) (p callconv.Placement) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(*diag.Error); ok && e.Instr == "" {
				e.Instr = s.instr.Format()
			}
			panic(r)
		}
	}()
	return place()
}

func (s *selector) call(i *ir.Instr) {
	kind := callconv.Compiled
	if i.Op == ir.OpCallFFI {
		kind = callconv.Foreign
	}
	var types []ir.Type
	for _, a := range i.Args {
		types = append(types, a.Type())
	}
	if sig, ok := s.sigs[i.Callee]; ok && i.Op == ir.OpCall {
		if sig.Dir.Foreign {
			kind = callconv.Foreign
		}
		if sig.Dir.Inline {
			s.fail("inline function %s was not expanded", i.Callee)
		}
		if len(sig.Params) != len(types) {
			diag.Raise(&diag.Error{Kind: diag.ErrCallingConvention, Func: s.fn.Name, Instr: i.Format(), Symbol: i.Callee,
				Msg: fmt.Sprintf("%s takes %d arguments, got %d", i.Callee, len(sig.Params), len(types))})
		}
	}
	p := s.placed(func() callconv.Placement { return callconv.Place(kind, s.fn.Name, types, i.Typ) })
	in := mach.Inst{Op: mach.CALL, Width: width(i.Typ), Call: &mach.CallSite{Symbol: i.Callee, Entry: callconv.EntryDefault, Placement: p}}
	for _, a := range i.Args {
		in.Src = append(in.Src, s.use(a))
	}
	if i.HasResult() {
		in.Dst = mach.V(s.vals[i])
	}
	s.emit(in)
}

func (s *selector) apply(i *ir.Instr) {
	sig, ok := s.sigs[i.Callee]
	if !ok {
		diag.Raise(&diag.Error{Kind: diag.ErrCallingConvention, Func: s.fn.Name, Instr: i.Format(), Symbol: i.Callee,
			Msg: "apply target is not part of the batch"})
	}
	p := s.placed(func() callconv.Placement { return callconv.PlaceApply(s.fn.Name, sig) })
	in := mach.Inst{Op: mach.CALL, Width: width(i.Typ), Call: &mach.CallSite{Symbol: i.Callee, Entry: callconv.EntryDefault, Placement: p}}
	in.Src = []mach.Operand{s.use(i.Args[0]), s.use(i.Args[1]), s.reg(i.Args[2]), s.use(i.Args[3])}
	if i.HasResult() {
		in.Dst = mach.V(s.vals[i])
	}
	s.emit(in)
}

// phi orders the sources like the block's predecessors.
func (s *selector) phi(i *ir.Instr) {
	if i.Typ.IsFloat() {
		s.fail("floating point type %s is not supported", i.Typ)
	}
	mb := s.cur
	p := mach.Phi{Dst: s.vals[i]}
	used := make([]bool, len(i.Phi))
	for _, pk := range mb.Preds {
		pred := s.mf.Blocks[pk]
		found := false
		for k, from := range i.Phi {
			idx, reach := s.blocks[from]
			if !used[k] && reach && idx == pred.Index {
				used[k] = true
				found = true
				p.Srcs = append(p.Srcs, s.phiSource(i, i.Args[k]))
				break
			}
		}
		if !found {
			s.fail("phi has no input for predecessor %s", pred.Name)
		}
	}
	mb.Phis = append(mb.Phis, p)
}

func (s *selector) phiSource(i *ir.Instr, v ir.Value) mach.Operand {
	if !compatible(v.Type(), i.Typ) {
		s.fail("phi input %s has type %s, phi has type %s", v, v.Type(), i.Typ)
	}
	switch c := v.(type) {
	case ir.Const:
		return mach.Imm(Normalize(c.Val, c.Typ.Bits()))
	case ir.SymAddr:
		return symOperand(c)
	}
	return mach.V(s.vreg(v))
}
