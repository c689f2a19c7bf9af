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
package ir

import (
	"strings"
	"testing"

	"github.com/launix-de/irjit/diag"
)

func loopFunc() *Function {
	f := NewFunction("loop", I64, Directives{Static: true}, I64, I64)
	b := NewBuilder(f)
	entry := b.Cur
	head := b.Block("head")
	body := b.Block("body")
	exit := b.Block("exit")
	b.Jump(head)

	b.SetBlock(head)
	i := b.Phi(I64)
	acc := b.Phi(I64)
	b.If(CondLT, i, b.P(0), body, exit)

	b.SetBlock(body)
	i2 := b.Add(i, Int(I64, 1))
	acc2 := b.Add(acc, b.P(1))
	b.Jump(head)
	i.AddIncoming(entry, Int(I64, 0))
	i.AddIncoming(body, i2)
	acc.AddIncoming(entry, Int(I64, 0))
	acc.AddIncoming(body, acc2)

	b.SetBlock(exit)
	b.Ret(acc)
	return f
}

func TestVerifyLoop(t *testing.T) {
	f := loopFunc()
	if err := Verify(f); err != nil {
		t.Fatalf("verify: %v", err)
	}
	preds := f.Preds()
	if n := len(preds[f.Blocks[1]]); n != 2 {
		t.Errorf("head has %d preds, want 2", n)
	}
	if phis := f.Blocks[1].Phis(); len(phis) != 2 {
		t.Errorf("head has %d phis", len(phis))
	}
}

func TestVerifyPhiArity(t *testing.T) {
	f := loopFunc()
	phi := f.Blocks[1].Phis()[0]
	phi.Args = phi.Args[:1]
	phi.Phi = phi.Phi[:1]
	err := Verify(f)
	if k, ok := diag.KindOf(err); !ok || k != diag.ErrVerify {
		t.Fatalf("expected verify error, got %v", err)
	}
	if !strings.Contains(err.Error(), "phi") {
		t.Errorf("missing instruction context: %v", err)
	}
}

func TestVerifyMissingTerminator(t *testing.T) {
	f := NewFunction("open", I64, Directives{}, I64)
	b := NewBuilder(f)
	b.Add(b.P(0), Int(I64, 1))
	if err := Verify(f); err == nil {
		t.Fatal("expected error for open block")
	}
}

func TestPrintDeterministic(t *testing.T) {
	a := loopFunc().String()
	b := loopFunc().String()
	if a != b {
		t.Fatalf("printer not deterministic:\n%s\n%s", a, b)
	}
	for _, want := range []string{"func loop(%p0 i64, %p1 i64) i64 static", "phi i64 [entry: 0], [body: %", "if.lt"} {
		if !strings.Contains(a, want) {
			t.Errorf("listing lacks %q:\n%s", want, a)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	f := loopFunc()
	g := f.Clone()
	if f.String() != g.String() {
		t.Fatalf("clone differs")
	}
	g.Blocks[2].Instrs[0].Args[1] = Int(I64, 2)
	if f.String() == g.String() {
		t.Fatalf("clone shares instructions")
	}
	if err := Verify(g); err != nil {
		t.Fatalf("clone invalid: %v", err)
	}
}

func TestParseDirectives(t *testing.T) {
	h, err := ParseDirectives(`"tachyon:cproxy";`, `"tachyon:arg ctx rptr";`, `"tachyon:arg n pint";`, `"tachyon:ret pint";`, "// plain comment")
	if err != nil {
		t.Fatal(err)
	}
	if !h.Dir.Foreign || h.RetType != PInt || len(h.ArgTypes) != 2 || h.ArgTypes[1] != PInt {
		t.Errorf("unexpected header %+v", h)
	}
	f := NewFunctionFromHeader("f", h)
	if f.Params[1].String() != "%n" {
		t.Errorf("param name %s", f.Params[1])
	}
	if _, err := ParseDirectives("tachyon:arg x"); err == nil {
		t.Errorf("expected arity error")
	}
	if _, err := ParseDirectives("tachyon:bogus"); err == nil {
		t.Errorf("expected unknown directive error")
	}
}

func TestTypeWidths(t *testing.T) {
	cases := map[Type]int{I8: 8, U16: 16, I32: 32, PInt: 64, Ref: 64, Bool: 8}
	for typ, bits := range cases {
		if typ.Bits() != bits {
			t.Errorf("%s: %d bits", typ, typ.Bits())
		}
	}
	if !I16.Signed() || U16.Signed() || RPtr.Signed() {
		t.Errorf("signedness wrong")
	}
	if typ, ok := ParseType("u8"); !ok || typ != U8 {
		t.Errorf("ParseType u8")
	}
}
