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

// Package golower translates integer Go functions from go/ssa form into IR.
//
// Supported are integer and bool values, arithmetic and bit operators,
// comparisons, conversions between integer types, if/for control flow and
// direct calls to other integer functions of the same package. Anything
// else fails with an ErrSelection naming the instruction.
//
// "//tachyon:" lines in the doc comment of a function set its directives
// (inline, nocontext, cproxy, bridge) and may retype parameters and result
// to another kind of the same width, e.g. "//tachyon:arg p rptr". Bodiless
// declarations of the package are foreign routines, called through CallFFI;
// the bodiless GetCtx and SetCtx read and write the VM context.
//
// Shift counts that are not constant follow the machine: they are taken
// modulo the operand width instead of saturating like Go does.
package golower

import (
	"fmt"
	"go/ast"
	"go/constant"
	"go/token"
	"go/types"
	"sort"

	"golang.org/x/tools/go/ssa"

	"github.com/launix-de/irjit/diag"
	"github.com/launix-de/irjit/ir"
)

// Package lowers every plain integer function of pkg, ordered by name.
// Methods, generics, init and main as well as functions whose signature is
// not made of integers are left out.
func Package(pkg *ssa.Package) ([]*ir.Function, error) {
	var names []string
	for name, m := range pkg.Members {
		if fn, ok := m.(*ssa.Function); ok && Lowerable(fn) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	result := make([]*ir.Function, 0, len(names))
	for _, name := range names {
		f, err := Function(pkg.Func(name))
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, nil
}

// Lowerable reports whether fn has a body and an integer signature.
func Lowerable(fn *ssa.Function) bool {
	if fn == nil || fn.Blocks == nil || fn.Synthetic != "" || fn.TypeParams().Len() > 0 {
		return false
	}
	if fn.Name() == "init" || fn.Name() == "main" || fn.Signature.Recv() != nil {
		return false
	}
	_, _, ok := signature(fn.Signature)
	return ok
}

func signature(sig *types.Signature) (ret ir.Type, params []ir.Type, ok bool) {
	if sig.Variadic() || sig.Results().Len() > 1 {
		return 0, nil, false
	}
	ret = ir.Void
	if sig.Results().Len() == 1 {
		if ret, ok = typeOf(sig.Results().At(0).Type()); !ok {
			return 0, nil, false
		}
	}
	for i := 0; i < sig.Params().Len(); i++ {
		t, ok := typeOf(sig.Params().At(i).Type())
		if !ok {
			return 0, nil, false
		}
		params = append(params, t)
	}
	return ret, params, true
}

func typeOf(t types.Type) (ir.Type, bool) {
	basic, ok := t.Underlying().(*types.Basic)
	if !ok {
		return 0, false
	}
	switch basic.Kind() {
	case types.Bool, types.UntypedBool:
		return ir.Bool, true
	case types.Int, types.Int64, types.UntypedInt, types.UntypedRune:
		return ir.I64, true
	case types.Int8:
		return ir.I8, true
	case types.Int16:
		return ir.I16, true
	case types.Int32:
		return ir.I32, true
	case types.Uint, types.Uint64, types.Uintptr:
		return ir.U64, true
	case types.Uint8:
		return ir.U8, true
	case types.Uint16:
		return ir.U16, true
	case types.Uint32:
		return ir.U32, true
	}
	return 0, false
}

var conds = map[token.Token]ir.Cond{
	token.EQL: ir.CondEQ,
	token.NEQ: ir.CondNE,
	token.LSS: ir.CondLT,
	token.LEQ: ir.CondLE,
	token.GTR: ir.CondGT,
	token.GEQ: ir.CondGE,
}

type lowering struct {
	src    *ssa.Function
	fn     *ir.Function
	b      *ir.Builder
	blocks map[*ssa.BasicBlock]*ir.Block
	vals   map[ssa.Value]ir.Value
	phis   []*ssa.Phi
	fused  map[*ssa.BinOp]bool // comparisons folded into their If
}

// Header merges the directive lines of fn with its Go signature. Go
// functions are always Static.
func Header(fn *ssa.Function) (ir.Header, error) {
	ret, params, ok := signature(fn.Signature)
	if !ok {
		return ir.Header{}, fmt.Errorf("signature %s is not made of integers", fn.Signature)
	}
	var lines []string
	if decl, ok := fn.Syntax().(*ast.FuncDecl); ok && decl.Doc != nil {
		for _, c := range decl.Doc.List {
			lines = append(lines, c.Text)
		}
	}
	h, err := ir.ParseDirectives(lines...)
	if err != nil {
		return h, err
	}
	h.Dir.Static = true
	if len(h.ArgTypes) == 0 {
		h.ArgTypes = params
		for i := 0; i < fn.Signature.Params().Len(); i++ {
			h.ArgNames = append(h.ArgNames, fn.Signature.Params().At(i).Name())
		}
	} else if len(h.ArgTypes) != len(params) {
		return h, fmt.Errorf("%d arg directives for %d parameters", len(h.ArgTypes), len(params))
	}
	for k, t := range h.ArgTypes {
		if t.Bits() != params[k].Bits() {
			return h, fmt.Errorf("parameter %d: %s does not fit %s", k, t, params[k])
		}
	}
	if h.RetType == ir.Void {
		h.RetType = ret
	} else if h.RetType.Bits() != ret.Bits() {
		return h, fmt.Errorf("result: %s does not fit %s", h.RetType, ret)
	}
	return h, nil
}

// Function lowers a single function.
func Function(src *ssa.Function) (f *ir.Function, err error) {
	defer diag.Recover(&err)
	h, err := Header(src)
	if err != nil {
		diag.Fail(diag.ErrSelection, src.Name(), "%v", err)
	}
	_, params, _ := signature(src.Signature)
	if src.Recover != nil {
		diag.Fail(diag.ErrSelection, src.Name(), "recover is not supported")
	}
	l := &lowering{
		src:    src,
		fn:     ir.NewFunctionFromHeader(src.Name(), h),
		blocks: map[*ssa.BasicBlock]*ir.Block{},
		vals:   map[ssa.Value]ir.Value{},
		fused:  map[*ssa.BinOp]bool{},
	}
	var entry *ir.Block
	if len(src.Blocks[0].Preds) > 0 {
		// the entry of an IR function must not be a jump target
		entry = l.fn.NewBlock("entry")
	}
	for _, blk := range src.Blocks {
		name := "entry"
		if blk.Index > 0 || entry != nil {
			name = fmt.Sprintf("%s.%d", blk.Comment, blk.Index)
		}
		l.blocks[blk] = l.fn.NewBlock(name)
	}
	l.b = ir.NewBuilder(l.fn)
	if entry != nil {
		l.b.Jump(l.blocks[src.Blocks[0]])
	}
	for k, p := range src.Params {
		l.vals[p] = l.as(params[k], l.fn.Params[k])
	}
	for _, blk := range src.Blocks {
		if cmp := fusable(blk); cmp != nil {
			l.fused[cmp] = true
		}
	}

	for _, blk := range src.DomPreorder() {
		l.b.SetBlock(l.blocks[blk])
		for _, instr := range blk.Instrs {
			l.instr(instr)
		}
	}
	for _, phi := range l.phis {
		out := l.vals[phi].(*ir.Instr)
		for k, edge := range phi.Edges {
			out.AddIncoming(l.blocks[phi.Block().Preds[k]], l.value(edge))
		}
	}
	l.fn.Renumber()
	return l.fn, nil
}

// fusable returns the comparison that only feeds the branch ending blk.
func fusable(blk *ssa.BasicBlock) *ssa.BinOp {
	br, ok := blk.Instrs[len(blk.Instrs)-1].(*ssa.If)
	if !ok {
		return nil
	}
	cmp, ok := br.Cond.(*ssa.BinOp)
	if !ok || cmp.Block() != blk || len(*cmp.Referrers()) != 1 {
		return nil
	}
	if _, ok := conds[cmp.Op]; !ok {
		return nil
	}
	return cmp
}

func (l *lowering) fail(instr ssa.Instruction, format string, args ...any) {
	diag.Raise(&diag.Error{Kind: diag.ErrSelection, Func: l.src.Name(), Instr: instr.String(), Msg: fmt.Sprintf(format, args...)})
}

func (l *lowering) typ(instr ssa.Instruction, t types.Type) ir.Type {
	it, ok := typeOf(t)
	if !ok {
		l.fail(instr, "type %s is not supported", t)
	}
	return it
}

func (l *lowering) value(v ssa.Value) ir.Value {
	if c, ok := v.(*ssa.Const); ok {
		t, ok := typeOf(c.Type())
		if !ok {
			diag.Fail(diag.ErrSelection, l.src.Name(), "constant %s of type %s is not supported", c, c.Type())
		}
		return ir.Int(t, constValue(c, t))
	}
	if iv, ok := l.vals[v]; ok {
		return iv
	}
	diag.Fail(diag.ErrSelection, l.src.Name(), "value %s (%T) is not supported", v.Name(), v)
	return nil
}

func constValue(c *ssa.Const, t ir.Type) int64 {
	if c.Value == nil {
		return 0
	}
	if c.Value.Kind() == constant.Bool {
		if constant.BoolVal(c.Value) {
			return 1
		}
		return 0
	}
	if t.Signed() {
		return c.Int64()
	}
	return int64(c.Uint64())
}

// as converts v to t when their IR types differ.
func (l *lowering) as(t ir.Type, v ir.Value) ir.Value {
	if v.Type() == t {
		return v
	}
	if c, ok := v.(ir.Const); ok {
		return ir.Int(t, c.Val)
	}
	return l.b.Cast(t, v)
}

func (l *lowering) instr(instr ssa.Instruction) {
	switch v := instr.(type) {
	case *ssa.DebugRef:
	case *ssa.Phi:
		out := l.b.Phi(l.typ(v, v.Type()))
		l.vals[v] = out
		l.phis = append(l.phis, v)
	case *ssa.BinOp:
		if l.fused[v] {
			return
		}
		l.vals[v] = l.binop(v)
	case *ssa.UnOp:
		x := l.value(v.X)
		switch v.Op {
		case token.SUB:
			l.vals[v] = l.b.Neg(x)
		case token.XOR:
			l.vals[v] = l.b.Not(x)
		case token.NOT:
			l.vals[v] = l.b.Xor(x, ir.Int(ir.Bool, 1))
		default:
			l.fail(v, "unary %s is not supported", v.Op)
		}
	case *ssa.Convert:
		l.vals[v] = l.as(l.typ(v, v.Type()), l.value(v.X))
	case *ssa.ChangeType:
		l.vals[v] = l.as(l.typ(v, v.Type()), l.value(v.X))
	case *ssa.Call:
		l.vals[v] = l.call(v)
	case *ssa.If:
		then, els := l.blocks[v.Block().Succs[0]], l.blocks[v.Block().Succs[1]]
		if cmp, ok := v.Cond.(*ssa.BinOp); ok && l.fused[cmp] {
			l.b.If(conds[cmp.Op], l.value(cmp.X), l.value(cmp.Y), then, els)
		} else {
			l.b.If(ir.CondNE, l.value(v.Cond), ir.Int(ir.Bool, 0), then, els)
		}
	case *ssa.Jump:
		l.b.Jump(l.blocks[v.Block().Succs[0]])
	case *ssa.Return:
		if len(v.Results) == 0 {
			l.b.Ret(nil)
		} else {
			l.b.Ret(l.as(l.fn.Ret, l.value(v.Results[0])))
		}
	default:
		l.fail(instr, "%T is not supported", instr)
	}
}

func (l *lowering) binop(v *ssa.BinOp) ir.Value {
	if c, ok := conds[v.Op]; ok {
		return l.b.Cmp(c, l.value(v.X), l.value(v.Y))
	}
	x, y := l.value(v.X), l.value(v.Y)
	switch v.Op {
	case token.ADD:
		return l.b.Add(x, y)
	case token.SUB:
		return l.b.Sub(x, y)
	case token.MUL:
		return l.b.Mul(x, y)
	case token.QUO:
		return l.b.Div(x, y)
	case token.REM:
		return l.b.Mod(x, y)
	case token.AND:
		return l.b.And(x, y)
	case token.OR:
		return l.b.Or(x, y)
	case token.XOR:
		return l.b.Xor(x, y)
	case token.AND_NOT:
		return l.b.And(x, l.b.Not(y))
	case token.SHL, token.SHR:
		return l.shift(v, x, y)
	}
	l.fail(v, "operator %s is not supported", v.Op)
	return nil
}

// shift applies Go semantics for constant counts of at least the width.
func (l *lowering) shift(v *ssa.BinOp, x, y ir.Value) ir.Value {
	t := x.Type()
	if c, ok := v.Y.(*ssa.Const); ok {
		n := constant.MakeInt64(int64(t.Bits()))
		if c.Value != nil && constant.Compare(c.Value, token.GEQ, n) {
			if v.Op == token.SHR && t.Signed() {
				return l.b.Shr(x, ir.Int(t, int64(t.Bits()-1)))
			}
			return ir.Int(t, 0)
		}
	}
	if v.Op == token.SHL {
		return l.b.Shl(x, l.as(t, y))
	}
	return l.b.Shr(x, l.as(t, y))
}

func (l *lowering) call(v *ssa.Call) ir.Value {
	callee := v.Call.StaticCallee()
	if callee == nil || v.Call.IsInvoke() {
		l.fail(v, "only direct calls are supported")
	}
	if callee.Pkg != l.src.Pkg {
		l.fail(v, "callee %s is not a function of this package", callee.Name())
	}
	foreign := callee.Blocks == nil
	if foreign {
		switch callee.Name() {
		case "GetCtx":
			return l.as(l.typ(v, v.Type()), l.b.GetCtx())
		case "SetCtx":
			if len(v.Call.Args) != 1 {
				l.fail(v, "SetCtx takes one argument")
			}
			l.b.SetCtx(l.as(ir.RPtr, l.value(v.Call.Args[0])))
			return nil
		}
	} else if !Lowerable(callee) {
		l.fail(v, "callee %s is not an integer function", callee.Name())
	}
	h, err := Header(callee)
	if err != nil {
		l.fail(v, "callee %s: %v", callee.Name(), err)
	}
	args := make([]ir.Value, len(v.Call.Args))
	for k, a := range v.Call.Args {
		args[k] = l.as(h.ArgTypes[k], l.value(a))
	}
	if foreign {
		return l.b.CallFFI(h.RetType, callee.Name(), args...)
	}
	return l.b.Call(h.RetType, callee.Name(), args...)
}
