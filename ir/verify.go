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
	"fmt"

	"github.com/launix-de/irjit/diag"
)

// Verify checks the structural contract every later stage relies on.
func Verify(f *Function) (err error) {
	defer diag.Recover(&err)
	fail := func(i *Instr, format string, args ...any) {
		e := &diag.Error{Kind: diag.ErrVerify, Func: f.Name, Msg: fmt.Sprintf(format, args...)}
		if i != nil {
			e.Instr = i.Format()
		}
		diag.Raise(e)
	}
	if len(f.Blocks) == 0 {
		fail(nil, "function has no blocks")
	}
	blocks := map[*Block]bool{}
	defined := map[*Instr]bool{}
	for _, b := range f.Blocks {
		blocks[b] = true
		for _, i := range b.Instrs {
			defined[i] = true
		}
	}
	params := map[*Param]bool{}
	for _, p := range f.Params {
		params[p] = true
	}
	preds := f.Preds()
	for _, b := range f.Blocks {
		if b.Func != f {
			fail(nil, "block %s belongs to another function", b)
		}
		if b.Term() == nil {
			fail(nil, "block %s has no terminator", b)
		}
		inHead := true
		for k, i := range b.Instrs {
			if i.Block != b {
				fail(i, "instruction not owned by block %s", b)
			}
			if i.Op.IsTerminator() && k != len(b.Instrs)-1 {
				fail(i, "terminator in the middle of block %s", b)
			}
			if i.Op == OpPhi {
				if !inHead {
					fail(i, "merge value after ordinary instruction in %s", b)
				}
				checkPhi(i, preds[b], fail)
			} else {
				inHead = false
			}
			for _, s := range i.Succs {
				if !blocks[s] {
					fail(i, "successor outside the function")
				}
			}
			for _, a := range i.Args {
				switch v := a.(type) {
				case *Instr:
					if !defined[v] {
						fail(i, "operand %s is not defined in this function", v)
					}
					if !v.HasResult() {
						fail(i, "operand %s has no result", v)
					}
				case *Param:
					if !params[v] {
						fail(i, "parameter %s belongs to another function", v)
					}
				case nil:
					fail(i, "nil operand")
				}
			}
		}
	}
	return nil
}

func checkPhi(i *Instr, preds []*Block, fail func(*Instr, string, ...any)) {
	if len(i.Args) != len(i.Phi) {
		fail(i, "merge value has %d inputs for %d blocks", len(i.Args), len(i.Phi))
	}
	if len(i.Args) != len(preds) {
		fail(i, "merge value has %d inputs but block has %d predecessors", len(i.Args), len(preds))
	}
	want := map[*Block]int{}
	for _, p := range preds {
		want[p]++
	}
	for _, p := range i.Phi {
		want[p]--
	}
	for p, n := range want {
		if n != 0 {
			fail(i, "merge value inputs do not match predecessor %s", p)
		}
	}
}
