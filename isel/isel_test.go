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
package isel

import (
	"testing"

	"github.com/launix-de/irjit/amd64"
	"github.com/launix-de/irjit/diag"
	"github.com/launix-de/irjit/ir"
	"github.com/launix-de/irjit/mach"
)

func static() ir.Directives { return ir.Directives{Static: true} }

func mustSelect(t *testing.T, f *ir.Function, sigs map[string]ir.Signature) *mach.Func {
	t.Helper()
	mf, err := Select(f, sigs)
	if err != nil {
		t.Fatalf("select %s: %v", f.Name, err)
	}
	return mf
}

func expectKind(t *testing.T, f *ir.Function, sigs map[string]ir.Signature, kind diag.Kind) {
	t.Helper()
	_, err := Select(f, sigs)
	k, ok := diag.KindOf(err)
	if !ok || k != kind {
		t.Fatalf("%s: expected %v, got %v", f.Name, kind, err)
	}
}

func ops(b *mach.Block) []mach.Opcode {
	var out []mach.Opcode
	for _, i := range b.Insts {
		out = append(out, i.Op)
	}
	return out
}

func sameOps(t *testing.T, got []mach.Opcode, want ...mach.Opcode) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("ops %v, want %v", got, want)
	}
	for k := range got {
		if got[k] != want[k] {
			t.Fatalf("ops %v, want %v", got, want)
		}
	}
}

func TestSelectConstantLeftCommutes(t *testing.T) {
	f := ir.NewFunction("f", ir.I64, static(), ir.I64)
	b := ir.NewBuilder(f)
	b.Ret(b.Add(ir.Int(ir.I64, 7), b.P(0)))
	mf := mustSelect(t, f, nil)
	sameOps(t, ops(mf.Blocks[0]), mach.ALU, mach.RET)
	add := mf.Blocks[0].Insts[0]
	if add.Src[0].Kind != mach.KVReg || add.Src[1].Kind != mach.KImm || add.Src[1].Imm != 7 {
		t.Errorf("operands not swapped: %s", add.String())
	}
}

func TestSelectConstantLeftMaterialized(t *testing.T) {
	f := ir.NewFunction("f", ir.I64, static(), ir.I64)
	b := ir.NewBuilder(f)
	b.Ret(b.Sub(ir.Int(ir.I64, 7), b.P(0)))
	mf := mustSelect(t, f, nil)
	sameOps(t, ops(mf.Blocks[0]), mach.MOV, mach.ALU, mach.RET)
}

func TestSelectMultiplyStrength(t *testing.T) {
	f := ir.NewFunction("f", ir.I64, static(), ir.I64)
	b := ir.NewBuilder(f)
	x := b.Mul(b.P(0), ir.Int(ir.I64, 8))
	y := b.Mul(x, ir.Int(ir.I64, 1))
	b.Ret(b.Mul(y, ir.Int(ir.I64, 3)))
	mf := mustSelect(t, f, nil)
	sameOps(t, ops(mf.Blocks[0]), mach.SHIFT, mach.MOV, mach.IMUL, mach.RET)
	if sh := mf.Blocks[0].Insts[0]; sh.Shift != amd64.SHL || sh.Src[1].Imm != 3 {
		t.Errorf("mul by 8 is %s", sh.String())
	}
}

func TestSelectLargeConstant(t *testing.T) {
	f := ir.NewFunction("f", ir.I64, static(), ir.I64)
	b := ir.NewBuilder(f)
	b.Ret(b.Add(b.P(0), ir.Int(ir.I64, 1<<40)))
	mf := mustSelect(t, f, nil)
	sameOps(t, ops(mf.Blocks[0]), mach.MOV, mach.ALU, mach.RET)
	if mov := mf.Blocks[0].Insts[0]; mov.Src[0].Imm != 1<<40 {
		t.Errorf("materialized %s", mov.String())
	}
}

func TestSelectNarrowConstantNormalized(t *testing.T) {
	f := ir.NewFunction("f", ir.U8, static(), ir.U8)
	b := ir.NewBuilder(f)
	b.Ret(b.And(b.P(0), ir.Int(ir.U8, 255)))
	mf := mustSelect(t, f, nil)
	if and := mf.Blocks[0].Insts[0]; and.Width != 8 || and.Src[1].Imm != -1 {
		t.Errorf("and is %s", and.String())
	}
}

func TestSelectBranchConditions(t *testing.T) {
	f := ir.NewFunction("f", ir.I64, static(), ir.U32, ir.U32)
	b := ir.NewBuilder(f)
	yes := b.Block("yes")
	no := b.Block("no")
	b.If(ir.CondLT, b.P(0), b.P(1), yes, no)
	b.SetBlock(yes)
	b.Ret(ir.Int(ir.I64, 1))
	b.SetBlock(no)
	b.Ret(ir.Int(ir.I64, 0))
	mf := mustSelect(t, f, nil)
	jcc := mf.Blocks[0].Term()
	if jcc.Op != mach.JCC || jcc.Cc != amd64.CcB {
		t.Errorf("unsigned less is %s", jcc.String())
	}
	if mf.Blocks[jcc.Targets[0]].Name != "yes" {
		t.Errorf("taken target %d", jcc.Targets[0])
	}
	if cmp := mf.Blocks[0].Insts[0]; cmp.Op != mach.CMP || cmp.Width != 32 {
		t.Errorf("compare is %s", cmp.String())
	}
}

func TestSelectSwappedCompare(t *testing.T) {
	f := ir.NewFunction("f", ir.Bool, static(), ir.I64)
	b := ir.NewBuilder(f)
	b.Ret(b.Cmp(ir.CondLT, ir.Int(ir.I64, 5), b.P(0)))
	mf := mustSelect(t, f, nil)
	sameOps(t, ops(mf.Blocks[0]), mach.CMP, mach.SETCC, mach.RET)
	if set := mf.Blocks[0].Insts[1]; set.Cc != amd64.CcG {
		t.Errorf("5 < x must test x > 5, got %s", set.Cc)
	}
}

func TestSelectOverflow(t *testing.T) {
	f := ir.NewFunction("f", ir.I64, static(), ir.I64, ir.I64)
	b := ir.NewBuilder(f)
	ok := b.Block("ok")
	ovf := b.Block("ovf")
	sum := b.AddOvf(b.P(0), b.P(1), ok, ovf)
	b.SetBlock(ok)
	b.Ret(sum)
	b.SetBlock(ovf)
	b.Ret(ir.Int(ir.I64, -1))
	mf := mustSelect(t, f, nil)
	sameOps(t, ops(mf.Blocks[0]), mach.ALU, mach.JCC)
	j := mf.Blocks[0].Term()
	if j.Cc != amd64.CcO || mf.Blocks[j.Targets[0]].Name != "ovf" {
		t.Errorf("overflow branch %s", j.String())
	}

	g := ir.NewFunction("g", ir.I8, static(), ir.I8, ir.I8)
	b = ir.NewBuilder(g)
	ok = b.Block("ok")
	ovf = b.Block("ovf")
	p := b.MulOvf(b.P(0), b.P(1), ok, ovf)
	b.SetBlock(ok)
	b.Ret(p)
	b.SetBlock(ovf)
	b.Ret(ir.Int(ir.I8, 0))
	expectKind(t, g, nil, diag.ErrSelection)
}

func TestSelectLoadStore(t *testing.T) {
	f := ir.NewFunction("f", ir.Void, static(), ir.RPtr, ir.PInt)
	b := ir.NewBuilder(f)
	v := b.Load(ir.I16, b.P(0), ir.Int(ir.PInt, 6))
	b.Store(b.P(0), b.P(1), v)
	b.Store(b.P(0), ir.Int(ir.PInt, 0), ir.Int(ir.U8, 200))
	b.Ret(nil)
	mf := mustSelect(t, f, nil)
	sameOps(t, ops(mf.Blocks[0]), mach.LOAD, mach.STORE, mach.STORE, mach.RET)
	ld := mf.Blocks[0].Insts[0]
	if ld.Width != 16 || !ld.Signed || ld.Src[1].Imm != 6 {
		t.Errorf("load is %s", ld.String())
	}
	if st := mf.Blocks[0].Insts[1]; st.Src[1].Kind != mach.KVReg || st.Width != 16 {
		t.Errorf("indexed store is %s", st.String())
	}
	if st := mf.Blocks[0].Insts[2]; st.Src[2].Kind != mach.KImm || st.Width != 8 {
		t.Errorf("immediate store is %s", st.String())
	}
}

func TestSelectRejects(t *testing.T) {
	mixed := ir.NewFunction("mixed", ir.I64, static(), ir.I64, ir.I32)
	b := ir.NewBuilder(mixed)
	b.Ret(b.Add(b.P(0), b.P(1)))
	expectKind(t, mixed, nil, diag.ErrSelection)

	float := ir.NewFunction("float", ir.I64, static(), ir.F64)
	b = ir.NewBuilder(float)
	b.Ret(ir.Int(ir.I64, 0))
	expectKind(t, float, nil, diag.ErrSelection)

	noctx := ir.NewFunction("noctx", ir.RPtr, ir.Directives{Static: true, NoContext: true})
	b = ir.NewBuilder(noctx)
	b.Ret(b.GetCtx())
	expectKind(t, noctx, nil, diag.ErrSelection)

	apply := ir.NewFunction("apply", ir.I64, static(), ir.Ref, ir.RPtr)
	b = ir.NewBuilder(apply)
	b.Ret(b.CallApply(ir.I64, "missing", b.P(0), b.P(0), b.P(1), ir.Int(ir.I64, 2)))
	expectKind(t, apply, nil, diag.ErrCallingConvention)
}

func TestSelectCalls(t *testing.T) {
	sigs := map[string]ir.Signature{
		"m": {Name: "m", Params: []ir.Type{ir.Ref, ir.Ref, ir.I64}, Ret: ir.I64},
	}
	f := ir.NewFunction("f", ir.I64, static(), ir.Ref, ir.RPtr, ir.I64)
	b := ir.NewBuilder(f)
	x := b.CallFFI(ir.I64, "puts", b.P(1))
	y := b.CallApply(ir.I64, "m", b.P(0), b.P(0), b.P(1), b.P(2))
	b.Ret(b.Add(x, y))
	mf := mustSelect(t, f, sigs)
	insts := mf.Blocks[0].Insts
	if c := insts[0].Call; c == nil || !c.Placement.SavesCtx || c.Symbol != "puts" {
		t.Errorf("foreign call %s", insts[0].String())
	}
	if c := insts[1].Call; c == nil || c.Placement.Arity != 3 || len(insts[1].Src) != 4 {
		t.Errorf("apply call %s", insts[1].String())
	}
}

func TestSelectPhiOrder(t *testing.T) {
	f := ir.NewFunction("f", ir.I64, static(), ir.I64)
	b := ir.NewBuilder(f)
	a := b.Block("a")
	c := b.Block("c")
	m := b.Block("m")
	b.If(ir.CondEQ, b.P(0), ir.Int(ir.I64, 0), a, c)
	b.SetBlock(a)
	b.Jump(m)
	b.SetBlock(c)
	b.Jump(m)
	b.SetBlock(m)
	phi := b.Phi(ir.I64)
	phi.AddIncoming(c, ir.Int(ir.I64, 2))
	phi.AddIncoming(a, ir.SymAddr{Name: "f"})
	b.Ret(phi)
	mf := mustSelect(t, f, nil)
	var mb *mach.Block
	for _, blk := range mf.Blocks {
		if blk.Name == "m" {
			mb = blk
		}
	}
	if mb == nil || len(mb.Phis) != 1 {
		t.Fatalf("phi missing:\n%s", mf)
	}
	for k, pk := range mb.Preds {
		src := mb.Phis[0].Srcs[k]
		switch mf.Blocks[pk].Name {
		case "a":
			if src.Kind != mach.KSym {
				t.Errorf("a carries %s", src)
			}
		case "c":
			if src.Kind != mach.KImm || src.Imm != 2 {
				t.Errorf("c carries %s", src)
			}
		}
	}
}
