//go:build linux && amd64

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

package backend

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"testing"
	"unsafe"

	"github.com/launix-de/irjit/ir"
	"github.com/launix-de/irjit/link"
)

func load(t *testing.T, reg *link.Registry, fns ...*ir.Function) *Program {
	t.Helper()
	be := &Backend{Registry: reg, Log: quiet()}
	res, err := be.Compile(context.Background(), fns)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	p, err := be.Load(res)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func call(t *testing.T, p *Program, name string, want int64, args ...int64) {
	t.Helper()
	got, err := p.Call(name, args...)
	if err != nil {
		t.Fatalf("%s%v: %v", name, args, err)
	}
	if got != want {
		t.Errorf("%s%v = %d, want %d", name, args, got, want)
	}
}

func i64s(n int) []ir.Type {
	ts := make([]ir.Type, n)
	for k := range ts {
		ts[k] = ir.I64
	}
	return ts
}

func TestScenarios(t *testing.T) {
	add := ir.NewFunction("add", ir.I64, static(), ir.I64, ir.I64)
	b := ir.NewBuilder(add)
	b.Ret(b.Add(b.P(0), b.P(1)))

	mul2 := ir.NewFunction("mul2", ir.I64, static(), ir.I64)
	b = ir.NewBuilder(mul2)
	b.Ret(b.Mul(b.P(0), ir.Int(ir.I64, 2)))

	chain := ir.NewFunction("chain", ir.I64, static(), ir.I64, ir.I64, ir.I64)
	b = ir.NewBuilder(chain)
	b.Ret(b.Call(ir.I64, "add", b.Call(ir.I64, "add", b.P(0), b.P(1)), b.P(2)))

	// a6-a7 with a8 unused, and a variant that reads all three stack words
	eight := ir.NewFunction("eight", ir.I64, static(), i64s(8)...)
	b = ir.NewBuilder(eight)
	b.Ret(b.Sub(b.P(5), b.P(6)))
	tail := ir.NewFunction("tail", ir.I64, static(), i64s(8)...)
	b = ir.NewBuilder(tail)
	b.Ret(b.Add(b.Sub(b.P(5), b.P(6)), b.Mul(b.P(7), ir.Int(ir.I64, 100))))
	callsTail := ir.NewFunction("callstail", ir.I64, static(), ir.I64, ir.I64, ir.I64)
	b = ir.NewBuilder(callsTail)
	z := ir.Int(ir.I64, 0)
	b.Ret(b.Call(ir.I64, "tail", z, z, z, z, z, b.P(0), b.P(1), b.P(2)))

	p := load(t, nil, add, mul2, chain, eight, tail, callsTail)
	call(t, p, "add", 10, 3, 7)
	call(t, p, "mul2", 6, 3)
	call(t, p, "chain", 6, 1, 2, 3)
	call(t, p, "eight", 6, 0, 0, 0, 0, 0, 9, 3, 0)
	call(t, p, "tail", 506, 0, 0, 0, 0, 0, 9, 3, 5)
	call(t, p, "callstail", 506, 9, 3, 5)
}

func fib() *ir.Function {
	f := ir.NewFunction("fib", ir.I64, static(), ir.I64)
	b := ir.NewBuilder(f)
	small := b.Block("small")
	rec := b.Block("rec")
	b.If(ir.CondLT, b.P(0), ir.Int(ir.I64, 2), small, rec)
	b.SetBlock(small)
	b.Ret(b.P(0))
	b.SetBlock(rec)
	x := b.Call(ir.I64, "fib", b.Sub(b.P(0), ir.Int(ir.I64, 1)))
	y := b.Call(ir.I64, "fib", b.Sub(b.P(0), ir.Int(ir.I64, 2)))
	b.Ret(b.Add(x, y))
	return f
}

func TestFib(t *testing.T) {
	p := load(t, nil, fib())
	call(t, p, "fib", 55, 10)
	call(t, p, "fib", 0, 0)
	call(t, p, "fib", 6765, 20)
}

// nested counts, for i < v1 { for j < v2 { if j%2 == 0 { sum += j } } }
func nestedLoops() *ir.Function {
	f := ir.NewFunction("nested", ir.I64, static(), ir.I64, ir.I64, ir.I64)
	b := ir.NewBuilder(f)
	entry := f.Entry()
	outer := b.Block("outer")
	innerPre := b.Block("inner.pre")
	inner := b.Block("inner")
	body := b.Block("body")
	even := b.Block("even")
	latch := b.Block("inner.latch")
	outerLatch := b.Block("outer.latch")
	exit := b.Block("exit")
	b.Jump(outer)

	b.SetBlock(outer)
	i := b.Phi(ir.I64)
	sum := b.Phi(ir.I64)
	b.If(ir.CondLT, i, b.P(0), innerPre, exit)

	b.SetBlock(innerPre)
	b.Jump(inner)

	b.SetBlock(inner)
	j := b.Phi(ir.I64)
	s := b.Phi(ir.I64)
	b.If(ir.CondLT, j, b.P(1), body, outerLatch)

	b.SetBlock(body)
	m := b.Mod(j, ir.Int(ir.I64, 2))
	b.If(ir.CondEQ, m, ir.Int(ir.I64, 0), even, latch)

	b.SetBlock(even)
	t := b.Add(s, j)
	b.Jump(latch)

	b.SetBlock(latch)
	s2 := b.Phi(ir.I64)
	s2.AddIncoming(body, s)
	s2.AddIncoming(even, t)
	j1 := b.Add(j, ir.Int(ir.I64, 1))
	b.Jump(inner)

	b.SetBlock(outerLatch)
	i1 := b.Add(i, ir.Int(ir.I64, 1))
	b.Jump(outer)

	b.SetBlock(exit)
	b.Ret(sum)

	i.AddIncoming(entry, ir.Int(ir.I64, 0))
	i.AddIncoming(outerLatch, i1)
	sum.AddIncoming(entry, b.P(2))
	sum.AddIncoming(outerLatch, s)
	j.AddIncoming(innerPre, ir.Int(ir.I64, 0))
	j.AddIncoming(latch, j1)
	s.AddIncoming(innerPre, sum)
	s.AddIncoming(latch, s2)
	return f
}

func TestNestedLoops(t *testing.T) {
	p := load(t, nil, nestedLoops())
	call(t, p, "nested", 102, 5, 10, 2)
	call(t, p, "nested", 7, 0, 10, 7)
	call(t, p, "nested", 22, 1, 10, 2)
}

var widthTypes = []ir.Type{ir.I8, ir.I16, ir.I32, ir.I64, ir.U8, ir.U16, ir.U32, ir.U64}

var widthOps = []ir.Op{ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpDiv, ir.OpMod, ir.OpShl, ir.OpShr}

func binop(b *ir.Builder, op ir.Op, x, y ir.Value) ir.Value {
	switch op {
	case ir.OpAdd:
		return b.Add(x, y)
	case ir.OpSub:
		return b.Sub(x, y)
	case ir.OpMul:
		return b.Mul(x, y)
	case ir.OpAnd:
		return b.And(x, y)
	case ir.OpOr:
		return b.Or(x, y)
	case ir.OpXor:
		return b.Xor(x, y)
	case ir.OpDiv:
		return b.Div(x, y)
	case ir.OpMod:
		return b.Mod(x, y)
	case ir.OpShl:
		return b.Shl(x, y)
	case ir.OpShr:
		return b.Shr(x, y)
	}
	panic(op)
}

// eval computes op on the declared width, the way Go does for that type.
func eval(op ir.Op, t ir.Type, x, y int64) int64 {
	x, y = Extend(x, t), Extend(y, t)
	var r int64
	switch op {
	case ir.OpAdd:
		r = x + y
	case ir.OpSub:
		r = x - y
	case ir.OpMul:
		r = x * y
	case ir.OpAnd:
		r = x & y
	case ir.OpOr:
		r = x | y
	case ir.OpXor:
		r = x ^ y
	case ir.OpDiv:
		if t.Signed() {
			r = x / y
		} else {
			r = int64(uint64(x) / uint64(y))
		}
	case ir.OpMod:
		if t.Signed() {
			r = x % y
		} else {
			r = int64(uint64(x) % uint64(y))
		}
	case ir.OpShl:
		r = x << uint(y)
	case ir.OpShr:
		if t.Signed() {
			r = x >> uint(y)
		} else {
			r = int64(uint64(x) >> uint(y))
		}
	}
	return Extend(r, t)
}

func TestWidths(t *testing.T) {
	var fns []*ir.Function
	for _, typ := range widthTypes {
		for _, op := range widthOps {
			f := ir.NewFunction(fmt.Sprintf("%s_%s", op, typ), typ, static(), typ, typ)
			b := ir.NewBuilder(f)
			b.Ret(binop(b, op, b.P(0), b.P(1)))
			fns = append(fns, f)

			g := ir.NewFunction(fmt.Sprintf("%s_%s_imm", op, typ), typ, static(), typ)
			b = ir.NewBuilder(g)
			b.Ret(binop(b, op, b.P(0), ir.Int(typ, 3)))
			fns = append(fns, g)
		}
	}
	p := load(t, nil, fns...)
	pairs := [][2]int64{{100, 7}, {-3, 5}, {1234567, -6}, {-77, 3}, {math.MaxInt64, 2}}
	for _, typ := range widthTypes {
		for _, op := range widthOps {
			for k, pr := range pairs {
				x, y := pr[0], pr[1]
				if op == ir.OpShl || op == ir.OpShr {
					y = int64(k + 1)
				}
				call(t, p, fmt.Sprintf("%s_%s", op, typ), eval(op, typ, x, y), x, y)
				call(t, p, fmt.Sprintf("%s_%s_imm", op, typ), eval(op, typ, x, 3), x)
			}
		}
	}
}

func TestCastsNeverWidenSilently(t *testing.T) {
	sx := ir.NewFunction("sx", ir.I64, static(), ir.I8)
	b := ir.NewBuilder(sx)
	b.Ret(b.Cast(ir.I64, b.P(0)))
	zx := ir.NewFunction("zx", ir.I64, static(), ir.U16)
	b = ir.NewBuilder(zx)
	b.Ret(b.Cast(ir.I64, b.P(0)))
	trunc := ir.NewFunction("trunc", ir.I64, static(), ir.I64)
	b = ir.NewBuilder(trunc)
	// i64 -> i8 -> i64 keeps only the low byte, sign-extended
	b.Ret(b.Cast(ir.I64, b.Cast(ir.I8, b.P(0))))

	p := load(t, nil, sx, zx, trunc)
	// garbage above the declared width must not leak
	call(t, p, "sx", -1, 0x7700ff)
	call(t, p, "sx", 127, 0x7f)
	call(t, p, "zx", 0xfffe, -2)
	call(t, p, "trunc", -128, 0x1280)
	call(t, p, "trunc", 0x34, 0x1234)
}

func overflowFn(name string, typ ir.Type, mk func(b *ir.Builder, x, y ir.Value, normal, ovf *ir.Block) ir.Value) *ir.Function {
	f := ir.NewFunction(name, ir.I64, static(), typ, typ)
	b := ir.NewBuilder(f)
	normal := b.Block("normal")
	ovf := b.Block("overflow")
	r := mk(b, b.P(0), b.P(1), normal, ovf)
	b.SetBlock(normal)
	b.Ret(b.Cast(ir.I64, r))
	b.SetBlock(ovf)
	b.Ret(ir.Int(ir.I64, -999))
	return f
}

func TestOverflow(t *testing.T) {
	addOvf := func(b *ir.Builder, x, y ir.Value, n, o *ir.Block) ir.Value { return b.AddOvf(x, y, n, o) }
	subOvf := func(b *ir.Builder, x, y ir.Value, n, o *ir.Block) ir.Value { return b.SubOvf(x, y, n, o) }
	mulOvf := func(b *ir.Builder, x, y ir.Value, n, o *ir.Block) ir.Value { return b.MulOvf(x, y, n, o) }
	p := load(t, nil,
		overflowFn("add64", ir.I64, addOvf),
		overflowFn("sub64", ir.I64, subOvf),
		overflowFn("mul64", ir.I64, mulOvf),
		overflowFn("add32", ir.I32, addOvf),
		overflowFn("sub16", ir.I16, subOvf),
		overflowFn("add8", ir.I8, addOvf),
	)
	call(t, p, "add64", 3, 1, 2)
	call(t, p, "add64", -999, math.MaxInt64, 1)
	call(t, p, "sub64", -5, 2, 7)
	call(t, p, "sub64", -999, math.MinInt64, 1)
	call(t, p, "mul64", 42, 6, 7)
	call(t, p, "mul64", -999, math.MaxInt64/2, 3)
	call(t, p, "add32", math.MaxInt32, math.MaxInt32-1, 1)
	call(t, p, "add32", -999, math.MaxInt32, 1)
	call(t, p, "sub16", -999, math.MinInt16, 1)
	call(t, p, "add8", 127, 100, 27)
	call(t, p, "add8", -999, 100, 28)
}

// pressure computes the same value with few or with many simultaneously
// live temporaries.
func pressure(name string, many bool) *ir.Function {
	f := ir.NewFunction(name, ir.I64, static(), ir.I64, ir.I64)
	b := ir.NewBuilder(f)
	x, y := b.P(0), b.P(1)
	if !many {
		acc := ir.Value(ir.Int(ir.I64, 0))
		for k := 1; k <= 24; k++ {
			v := b.Add(b.Mul(x, ir.Int(ir.I64, int64(k))), y)
			if k%2 == 0 {
				acc = b.Add(acc, v)
			} else {
				acc = b.Sub(acc, v)
			}
		}
		b.Ret(acc)
		return f
	}
	var vals []ir.Value
	for k := 1; k <= 24; k++ {
		vals = append(vals, b.Add(b.Mul(x, ir.Int(ir.I64, int64(k))), y))
	}
	acc := ir.Value(ir.Int(ir.I64, 0))
	for k, v := range vals {
		if (k+1)%2 == 0 {
			acc = b.Add(acc, v)
		} else {
			acc = b.Sub(acc, v)
		}
	}
	b.Ret(acc)
	return f
}

func TestSpillingKeepsValues(t *testing.T) {
	p := load(t, nil, pressure("few", false), pressure("many", true))
	for _, args := range [][2]int64{{1, 2}, {-7, 100}, {123456789, -3}} {
		want, err := p.Call("few", args[0], args[1])
		if err != nil {
			t.Fatal(err)
		}
		call(t, p, "many", want, args[0], args[1])
	}
	// 12 pairs of (x*(2j) + y) - (x*(2j-1) + y) = 12x
	call(t, p, "many", 12*5, 5, 99)
}

func TestMergeAfterBranches(t *testing.T) {
	// v = x > 0 ? x*2 : y+1; v = v + 3; return v*v - x
	f := ir.NewFunction("merge", ir.I64, static(), ir.I64, ir.I64)
	b := ir.NewBuilder(f)
	pos := b.Block("pos")
	neg := b.Block("neg")
	join := b.Block("join")
	b.If(ir.CondGT, b.P(0), ir.Int(ir.I64, 0), pos, neg)
	b.SetBlock(pos)
	a := b.Mul(b.P(0), ir.Int(ir.I64, 2))
	b.Jump(join)
	b.SetBlock(neg)
	c := b.Add(b.P(1), ir.Int(ir.I64, 1))
	b.Jump(join)
	b.SetBlock(join)
	v := b.Phi(ir.I64)
	v.AddIncoming(pos, a)
	v.AddIncoming(neg, c)
	v2 := b.Add(v, ir.Int(ir.I64, 3))
	b.Ret(b.Sub(b.Mul(v2, v2), b.P(0)))

	// phis of a loop header that swap every iteration
	g := ir.NewFunction("swap", ir.I64, static(), ir.I64)
	b = ir.NewBuilder(g)
	loop := b.Block("loop")
	body := b.Block("body")
	exit := b.Block("exit")
	b.Jump(loop)
	b.SetBlock(loop)
	i := b.Phi(ir.I64)
	x := b.Phi(ir.I64)
	y := b.Phi(ir.I64)
	b.If(ir.CondLT, i, b.P(0), body, exit)
	b.SetBlock(body)
	i1 := b.Add(i, ir.Int(ir.I64, 1))
	b.Jump(loop)
	i.AddIncoming(g.Entry(), ir.Int(ir.I64, 0))
	i.AddIncoming(body, i1)
	x.AddIncoming(g.Entry(), ir.Int(ir.I64, 1))
	x.AddIncoming(body, y)
	y.AddIncoming(g.Entry(), ir.Int(ir.I64, 2))
	y.AddIncoming(body, x)
	b.SetBlock(exit)
	b.Ret(b.Add(b.Mul(x, ir.Int(ir.I64, 10)), y))

	p := load(t, nil, f, g)
	call(t, p, "merge", (4*2+3)*(4*2+3)-4, 4, 50)
	call(t, p, "merge", (50+1+3)*(50+1+3)+4, -4, 50)
	call(t, p, "swap", 12, 0)
	call(t, p, "swap", 21, 1)
	call(t, p, "swap", 12, 6)
	call(t, p, "swap", 21, 7)
}

func TestLocalsSurviveCalls(t *testing.T) {
	sq := ir.NewFunction("sq", ir.I64, static(), ir.I64)
	b := ir.NewBuilder(sq)
	b.Ret(b.Mul(b.P(0), b.P(0)))

	// a, b, c live across two calls
	f := ir.NewFunction("f", ir.I64, static(), ir.I64, ir.I64, ir.I64)
	b = ir.NewBuilder(f)
	s1 := b.Call(ir.I64, "sq", b.P(0))
	s2 := b.Call(ir.I64, "sq", b.P(1))
	b.Ret(b.Add(b.Add(s1, s2), b.Mul(b.P(2), b.Add(b.P(0), b.P(1)))))

	p := load(t, nil, sq, f)
	call(t, p, "f", 9+16+5*7, 3, 4, 5)
}

func TestUnreachableInfiniteLoop(t *testing.T) {
	f := ir.NewFunction("spin", ir.I64, static(), ir.I64)
	b := ir.NewBuilder(f)
	forever := b.Block("forever")
	done := b.Block("done")
	dead := b.Block("dead")
	b.If(ir.CondLT, b.P(0), ir.Int(ir.I64, 0), forever, done)
	b.SetBlock(forever)
	b.Jump(forever)
	b.SetBlock(done)
	b.Ret(b.Add(b.P(0), ir.Int(ir.I64, 1)))
	b.SetBlock(dead)
	b.Jump(dead)

	p := load(t, nil, f)
	call(t, p, "spin", 6, 5)
}

func TestMemory(t *testing.T) {
	// sum of n qwords at ptr
	sum := ir.NewFunction("sum", ir.I64, static(), ir.RPtr, ir.I64)
	b := ir.NewBuilder(sum)
	loop := b.Block("loop")
	body := b.Block("body")
	exit := b.Block("exit")
	b.Jump(loop)
	b.SetBlock(loop)
	i := b.Phi(ir.I64)
	s := b.Phi(ir.I64)
	b.If(ir.CondLT, i, b.P(1), body, exit)
	b.SetBlock(body)
	v := b.Load(ir.I64, b.P(0), b.Mul(i, ir.Int(ir.I64, 8)))
	s1 := b.Add(s, v)
	i1 := b.Add(i, ir.Int(ir.I64, 1))
	b.Jump(loop)
	i.AddIncoming(sum.Entry(), ir.Int(ir.I64, 0))
	i.AddIncoming(body, i1)
	s.AddIncoming(sum.Entry(), ir.Int(ir.I64, 0))
	s.AddIncoming(body, s1)
	b.SetBlock(exit)
	b.Ret(s)

	// store v narrowed to 16 bit at byte 2, read back signed and unsigned
	narrow := ir.NewFunction("narrow", ir.I64, static(), ir.RPtr, ir.I64)
	b = ir.NewBuilder(narrow)
	b.Store(b.P(0), ir.Int(ir.I64, 2), b.Cast(ir.I16, b.P(1)))
	b.Store(b.P(0), ir.Int(ir.I64, 8), ir.Int(ir.I64, 77))
	signed := b.Load(ir.I16, b.P(0), ir.Int(ir.I64, 2))
	unsigned := b.Load(ir.U16, b.P(0), ir.Int(ir.I64, 2))
	b.Ret(b.Add(b.Mul(b.Cast(ir.I64, signed), ir.Int(ir.I64, 1000000)), b.Cast(ir.I64, unsigned)))

	p := load(t, nil, sum, narrow)
	data := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	call(t, p, "sum", 55, int64(uintptr(unsafe.Pointer(&data[0]))), int64(len(data)))
	runtime.KeepAlive(data)

	buf := make([]int64, 2)
	call(t, p, "narrow", -2*1000000+0xfffe, int64(uintptr(unsafe.Pointer(&buf[0]))), -2)
	if buf[1] != 77 || buf[0] != int64(0xfffe)<<16 {
		t.Errorf("memory after stores: %#x", buf)
	}
	runtime.KeepAlive(buf)
}

// clobber is a foreign routine that destroys the context register.
func clobber() *ir.Function {
	f := ir.NewFunction("clobber", ir.I64, ir.Directives{Static: true, Foreign: true}, ir.I64)
	b := ir.NewBuilder(f)
	b.SetCtx(ir.Int(ir.RPtr, 0xbad))
	b.Ret(b.Mul(b.P(0), ir.Int(ir.I64, 3)))
	return f
}

func TestContextPreservedAcrossForeignCalls(t *testing.T) {
	reg := link.NewRegistry()
	lib := load(t, nil, clobber())
	if err := lib.Export(reg, "clobber"); err != nil {
		t.Fatal(err)
	}
	call(t, lib, "clobber", 21, 7)

	// c0 == c1 after two sequential foreign calls
	same := ir.NewFunction("same", ir.I64, static(), ir.I64)
	b := ir.NewBuilder(same)
	ok := b.Block("ok")
	bad := b.Block("bad")
	c0 := b.GetCtx()
	a := b.CallFFI(ir.I64, "clobber", b.P(0))
	a2 := b.CallFFI(ir.I64, "clobber", a)
	c1 := b.GetCtx()
	b.If(ir.CondEQ, c0, c1, ok, bad)
	b.SetBlock(ok)
	b.Ret(a2)
	b.SetBlock(bad)
	b.Ret(ir.Int(ir.I64, -1))

	after := ir.NewFunction("after", ir.RPtr, static(), ir.I64)
	b = ir.NewBuilder(after)
	b.CallFFI(ir.I64, "clobber", b.P(0))
	b.Ret(b.GetCtx())

	// the context has to survive into a compiled callee as well
	inner := ir.NewFunction("inner", ir.RPtr, static())
	b = ir.NewBuilder(inner)
	b.Ret(b.GetCtx())
	outer := ir.NewFunction("outer", ir.RPtr, static(), ir.I64)
	b = ir.NewBuilder(outer)
	b.CallFFI(ir.I64, "clobber", b.P(0))
	b.Ret(b.Call(ir.RPtr, "inner"))

	p := load(t, reg, same, after, inner, outer)
	p.Ctx = 0x5000
	call(t, p, "same", 18, 2)
	call(t, p, "after", 0x5000, 2)
	call(t, p, "outer", 0x5000, 2)
}

func TestBridge(t *testing.T) {
	f := ir.NewFunction("diff", ir.I64, ir.Directives{Static: true, Bridge: true}, ir.I64, ir.I64)
	b := ir.NewBuilder(f)
	b.Ret(b.Add(b.Sub(b.P(0), b.P(1)), b.GetCtx()))
	p := load(t, nil, f)
	p.Ctx = 1000
	call(t, p, "diff", 1007, 10, 3)
	got, err := p.CallForeign("diff", 10, 3)
	if err != nil || got != 1007 {
		t.Errorf("bridge entry: %d, %v", got, err)
	}

	// a later batch calls the bridge as a foreign routine with an explicit
	// context argument
	reg := link.NewRegistry()
	if err := p.Export(reg, "diff"); err != nil {
		t.Fatal(err)
	}
	g := ir.NewFunction("viaffi", ir.I64, static(), ir.I64)
	b = ir.NewBuilder(g)
	b.Ret(b.CallFFI(ir.I64, "diff", ir.Int(ir.RPtr, 500), b.P(0), ir.Int(ir.I64, 1)))
	q := load(t, reg, g)
	q.Ctx = 77
	call(t, q, "viaffi", 500+41, 42)
}

func TestApply(t *testing.T) {
	m := ir.NewFunction("m", ir.I64, ir.Directives{}, ir.I64, ir.I64, ir.I64, ir.I64)
	b := ir.NewBuilder(m)
	b.Ret(b.Add(b.Mul(b.P(1), ir.Int(ir.I64, 100)), b.Add(b.Mul(b.P(2), ir.Int(ir.I64, 10)), b.P(3))))

	ap := ir.NewFunction("ap", ir.I64, static(), ir.RPtr, ir.I64)
	b = ir.NewBuilder(ap)
	b.Ret(b.CallApply(ir.I64, "m", ir.Int(ir.I64, 0), ir.Int(ir.I64, 4), b.P(0), b.P(1)))

	p := load(t, nil, m, ap)
	vec := []int64{7, 8, 9}
	ptr := int64(uintptr(unsafe.Pointer(&vec[0])))
	call(t, p, "ap", 478, ptr, 2)
	call(t, p, "ap", 478, ptr, 3)
	call(t, p, "ap", 470, ptr, 1)
	call(t, p, "ap", 400, ptr, 0)
	runtime.KeepAlive(vec)
}

func TestParallelCompileRuns(t *testing.T) {
	old := Settings.Parallel
	Settings.Parallel = true
	defer func() { Settings.Parallel = old }()
	p := load(t, nil, fib(), nestedLoops(), pressure("many", true))
	call(t, p, "fib", 55, 10)
	call(t, p, "nested", 102, 5, 10, 2)
	call(t, p, "many", 60, 5, 99)
}
