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

// Package callconv decides where arguments and results of a call live.
//
// Compiled code calls compiled code with the VM context in r10 and every
// allocatable register caller-saved. Foreign calls follow SysV; the caller
// keeps r10 in its frame across the call. The apply form passes a callee
// closure, a this value and a vector of arguments whose elements are
// unpacked into the callee's declared parameters.
package callconv

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/launix-de/irjit/amd64"
	"github.com/launix-de/irjit/diag"
	"github.com/launix-de/irjit/ir"
)

// Kind is the closed set of call shapes.
type Kind uint8

const (
	Compiled Kind = iota
	Foreign
	Apply
)

func (k Kind) String() string {
	switch k {
	case Compiled:
		return "compiled"
	case Foreign:
		return "foreign"
	case Apply:
		return "apply"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MaxArgs bounds the argument count of every call shape.
var MaxArgs = 16

// Export names of a Code Block.
const (
	EntryDefault = "ENTRY_DEFAULT"
	EntryForeign = "ENTRY_FOREIGN"
)

// Loc is the home of one argument at the call instruction: a register or
// the qword at [rsp+8*Stack].
type Loc struct {
	Reg   amd64.Reg
	Stack int
}

func (l Loc) InReg() bool { return l.Reg != amd64.NoReg }

func (l Loc) String() string {
	if l.InReg() {
		return l.Reg.String()
	}
	return fmt.Sprintf("[rsp+%d]", 8*l.Stack)
}

// Placement describes one concrete call or entry.
type Placement struct {
	Kind  Kind
	Args  []Loc
	Stack []lo.Tuple2[int, int] // (argument index, stack slot) in declaration order
	Ret   amd64.Reg
	// SavesCtx is set when the caller has to keep the context register
	// alive around the call itself.
	SavesCtx bool
	// Arity is the callee's declared parameter count; for Apply it bounds
	// how many vector elements are unpacked.
	Arity int
}

// StackSize is the outgoing argument area in bytes.
func (p Placement) StackSize() int { return 8 * len(p.Stack) }

func checkTypes(kind Kind, fn string, args []ir.Type, ret ir.Type) {
	if len(args) > MaxArgs {
		diag.Fail(diag.ErrCallingConvention, fn, "%s call with %d arguments exceeds the maximum of %d", kind, len(args), MaxArgs)
	}
	for i, t := range args {
		if !t.IsInt() {
			diag.Fail(diag.ErrCallingConvention, fn, "argument %d of type %s cannot be passed in a %s call", i, t, kind)
		}
	}
	if ret != ir.Void && !ret.IsInt() {
		diag.Fail(diag.ErrCallingConvention, fn, "result of type %s cannot be returned from a %s call", ret, kind)
	}
}

// assign places args in the fixed register order and the rest on the stack
// in declaration order.
func assign(n int) ([]Loc, []lo.Tuple2[int, int]) {
	var stack []lo.Tuple2[int, int]
	locs := lo.Times(n, func(i int) Loc {
		if i < len(amd64.ArgRegs) {
			return Loc{Reg: amd64.ArgRegs[i]}
		}
		slot := i - len(amd64.ArgRegs)
		stack = append(stack, lo.Tuple2[int, int]{A: i, B: slot})
		return Loc{Reg: amd64.NoReg, Stack: slot}
	})
	return locs, stack
}

// Place computes the placement of a direct call. fn names the calling
// function for error context. It panics with a diag error, like every
// stage, and is recovered at the batch boundary.
func Place(kind Kind, fn string, args []ir.Type, ret ir.Type) Placement {
	if kind == Apply {
		diag.Fail(diag.ErrCallingConvention, fn, "apply calls are placed with PlaceApply")
	}
	checkTypes(kind, fn, args, ret)
	locs, stack := assign(len(args))
	return Placement{Kind: kind, Args: locs, Stack: stack, Ret: amd64.RAX, SavesCtx: kind == Foreign, Arity: len(args)}
}

// PlaceApply places an apply call against the callee signature. The callee
// must be a method unit: closure and this come first, the vector fills the
// remaining declared parameters.
func PlaceApply(fn string, callee ir.Signature) Placement {
	if callee.Dir.Static {
		diag.Fail(diag.ErrCallingConvention, fn, "apply target %s is a static unit without closure and this", callee.Name)
	}
	if callee.Dir.Foreign {
		diag.Fail(diag.ErrCallingConvention, fn, "apply target %s uses the foreign convention", callee.Name)
	}
	if len(callee.Params) < 2 {
		diag.Fail(diag.ErrCallingConvention, fn, "apply target %s declares %d parameters, needs closure and this", callee.Name, len(callee.Params))
	}
	checkTypes(Apply, fn, callee.Params, callee.Ret)
	locs, stack := assign(len(callee.Params))
	return Placement{Kind: Apply, Args: locs, Stack: stack, Ret: amd64.RAX, Arity: len(callee.Params)}
}

// EntryPlacement is where the parameters of sig arrive. Stack arguments are
// read from the caller frame at [rbp+16+8*Stack].
func EntryPlacement(sig ir.Signature) Placement {
	kind := Compiled
	if sig.Dir.Foreign {
		kind = Foreign
	}
	checkTypes(kind, sig.Name, sig.Params, sig.Ret)
	locs, stack := assign(len(sig.Params))
	return Placement{Kind: kind, Args: locs, Stack: stack, Ret: amd64.RAX, Arity: len(sig.Params)}
}

// BridgePlacement describes a foreign-callable entry into a compiled
// function: the incoming SysV arguments (context first unless the function
// takes none) and the compiled placement they are moved to.
func BridgePlacement(sig ir.Signature) (in Placement, out Placement) {
	params := sig.Params
	if !sig.Dir.NoContext {
		params = append([]ir.Type{ir.RPtr}, params...)
	}
	checkTypes(Foreign, sig.Name, params, sig.Ret)
	locs, stack := assign(len(params))
	in = Placement{Kind: Foreign, Args: locs, Stack: stack, Ret: amd64.RAX, Arity: len(params)}
	out = Place(Compiled, sig.Name, sig.Params, sig.Ret)
	return in, out
}
