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

// Package lower rewrites IR into the shape the selector expects: inline
// units are expanded, dead blocks are dropped and critical edges get their
// own jump block.
package lower

import (
	"github.com/launix-de/irjit/diag"
	"github.com/launix-de/irjit/ir"
)

// Run applies all passes to a batch and returns the functions that are to
// be emitted. Inline functions are consumed.
func Run(batch []*ir.Function) (out []*ir.Function, err error) {
	defer diag.Recover(&err)
	out = Inline(batch)
	for _, f := range out {
		RemoveUnreachable(f)
		SplitCriticalEdges(f)
	}
	return out, nil
}

// Inline expands every call of an Inline function of the batch and returns
// the remaining functions. Functions that are modified are cloned first so
// the caller's batch stays untouched.
func Inline(batch []*ir.Function) []*ir.Function {
	inl := map[string]*ir.Function{}
	for _, f := range batch {
		if f.Dir.Inline {
			inl[f.Name] = f
		}
	}
	checkRecursion(inl)
	var out []*ir.Function
	for _, f := range batch {
		if f.Dir.Inline {
			continue
		}
		if hasInlineCall(f, inl) {
			f = f.Clone()
			for expandOne(f, inl) {
			}
		}
		out = append(out, f)
	}
	return out
}

func hasInlineCall(f *ir.Function, inl map[string]*ir.Function) (found bool) {
	f.Instrs(func(i *ir.Instr) {
		if i.Op == ir.OpCall && inl[i.Callee] != nil {
			found = true
		}
	})
	return
}

// checkRecursion rejects cycles among inline functions.
func checkRecursion(inl map[string]*ir.Function) {
	const (
		white = iota
		grey
		black
	)
	color := map[string]int{}
	var visit func(f *ir.Function)
	visit = func(f *ir.Function) {
		color[f.Name] = grey
		f.Instrs(func(i *ir.Instr) {
			g := inl[i.Callee]
			if i.Op != ir.OpCall || g == nil {
				return
			}
			switch color[g.Name] {
			case grey:
				diag.Raise(&diag.Error{Kind: diag.ErrSelection, Func: f.Name, Instr: i.Format(), Msg: "recursive inline function " + g.Name})
			case white:
				visit(g)
			}
		})
		color[f.Name] = black
	}
	for _, f := range inl {
		if color[f.Name] == white {
			visit(f)
		}
	}
}

// expandOne inlines the first inline call it finds.
func expandOne(f *ir.Function, inl map[string]*ir.Function) bool {
	for _, b := range f.Blocks {
		for k, call := range b.Instrs {
			if call.Op == ir.OpCall && inl[call.Callee] != nil {
				expand(f, b, k, inl[call.Callee])
				return true
			}
		}
	}
	return false
}

func expand(f *ir.Function, b *ir.Block, k int, callee *ir.Function) {
	call := b.Instrs[k]
	if len(call.Args) != len(callee.Params) {
		diag.Raise(&diag.Error{Kind: diag.ErrSelection, Func: f.Name, Instr: call.Format(), Msg: "argument count does not match " + callee.Name})
	}
	g := callee.Clone()
	if len(g.Entry().Phis()) > 0 {
		diag.Raise(&diag.Error{Kind: diag.ErrSelection, Func: f.Name, Instr: call.Format(), Msg: "inline function " + callee.Name + " loops to its entry"})
	}

	// split b after the call
	cont := f.NewBlock(b.String() + ".cont")
	cont.Instrs = append(cont.Instrs, b.Instrs[k+1:]...)
	for _, i := range cont.Instrs {
		i.Block = cont
	}
	for _, s := range cont.Succs() {
		for _, phi := range s.Phis() {
			for n, from := range phi.Phi {
				if from == b {
					phi.Phi[n] = cont
				}
			}
		}
	}
	b.Instrs = b.Instrs[:k]

	params := map[*ir.Param]ir.Value{}
	for n, p := range g.Params {
		params[p] = call.Args[n]
	}
	var result *ir.Instr
	if call.HasResult() {
		result = f.NewInstr(ir.OpPhi, call.Typ)
		result.Block = cont
		cont.Instrs = append([]*ir.Instr{result}, cont.Instrs...)
	}

	bmap := map[*ir.Block]*ir.Block{}
	for _, gb := range g.Blocks {
		bmap[gb] = f.NewBlock(callee.Name + "." + gb.String())
	}
	for _, gb := range g.Blocks {
		nb := bmap[gb]
		nb.Instrs = gb.Instrs
		for _, i := range nb.Instrs {
			f.Adopt(i, nb)
			for n, a := range i.Args {
				if p, ok := a.(*ir.Param); ok {
					i.Args[n] = params[p]
				}
			}
			for n, s := range i.Succs {
				i.Succs[n] = bmap[s]
			}
			for n, s := range i.Phi {
				i.Phi[n] = bmap[s]
			}
		}
		if ret := nb.Term(); ret != nil && ret.Op == ir.OpRet {
			if result != nil {
				if len(ret.Args) != 1 {
					diag.Raise(&diag.Error{Kind: diag.ErrSelection, Func: f.Name, Instr: call.Format(), Msg: callee.Name + " returns no value"})
				}
				result.AddIncoming(nb, ret.Args[0])
			}
			ret.Op = ir.OpJump
			ret.Args = nil
			ret.Succs = []*ir.Block{cont}
		}
	}

	jump := f.NewInstr(ir.OpJump, ir.Void)
	jump.Block = b
	jump.Succs = []*ir.Block{bmap[g.Entry()]}
	b.Instrs = append(b.Instrs, jump)

	if result != nil {
		f.Instrs(func(i *ir.Instr) {
			for n, a := range i.Args {
				if a == ir.Value(call) {
					i.Args[n] = result
				}
			}
		})
	}
}

// SplitCriticalEdges gives every edge from a block with several successors
// into a block with several predecessors its own jump block. Phi inputs
// follow the edge.
func SplitCriticalEdges(f *ir.Function) {
	npreds := map[*ir.Block]int{}
	for _, b := range f.Blocks {
		for _, s := range b.Succs() {
			npreds[s]++
		}
	}
	for _, b := range append([]*ir.Block(nil), f.Blocks...) {
		t := b.Term()
		if t == nil || len(t.Succs) < 2 {
			continue
		}
		for n, s := range t.Succs {
			if npreds[s] < 2 {
				continue
			}
			e := f.NewBlock(b.String() + "." + s.String())
			j := f.NewInstr(ir.OpJump, ir.Void)
			j.Block = e
			j.Succs = []*ir.Block{s}
			e.Instrs = []*ir.Instr{j}
			t.Succs[n] = e
			// a second edge b->s keeps its own phi input
			for _, phi := range s.Phis() {
				for k, from := range phi.Phi {
					if from == b {
						phi.Phi[k] = e
						break
					}
				}
			}
		}
	}
}

// RemoveUnreachable drops blocks that cannot be reached from the entry and
// the phi inputs that came from them.
func RemoveUnreachable(f *ir.Function) {
	if len(f.Blocks) == 0 {
		return
	}
	seen := map[*ir.Block]bool{}
	stack := []*ir.Block{f.Entry()}
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[b] {
			continue
		}
		seen[b] = true
		stack = append(stack, b.Succs()...)
	}
	if len(seen) == len(f.Blocks) {
		return
	}
	keep := f.Blocks[:0]
	for _, b := range f.Blocks {
		if seen[b] {
			keep = append(keep, b)
		}
	}
	f.Blocks = keep
	for _, b := range f.Blocks {
		for _, phi := range b.Phis() {
			var args []ir.Value
			var from []*ir.Block
			for k, p := range phi.Phi {
				if seen[p] {
					from = append(from, p)
					args = append(args, phi.Args[k])
				}
			}
			phi.Phi, phi.Args = from, args
		}
	}
	f.Renumber()
}

// RPO returns the blocks in reverse post order from the entry. Loop bodies
// follow their header, so fallthrough is common.
func RPO(f *ir.Function) []*ir.Block {
	seen := map[*ir.Block]bool{}
	var post []*ir.Block
	var visit func(b *ir.Block)
	visit = func(b *ir.Block) {
		seen[b] = true
		succs := b.Succs()
		// visit the last successor first so the first one ends up next
		for k := len(succs) - 1; k >= 0; k-- {
			if !seen[succs[k]] {
				visit(succs[k])
			}
		}
		post = append(post, b)
	}
	if e := f.Entry(); e != nil {
		visit(e)
	}
	out := make([]*ir.Block, len(post))
	for k, b := range post {
		out[len(post)-1-k] = b
	}
	return out
}
