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
package regalloc

import (
	"math/bits"

	"github.com/launix-de/irjit/mach"
)

// bitset over virtual register numbers
type bitset []uint64

func newBitset(n int) bitset { return make(bitset, (n+63)/64) }

func (b bitset) set(v mach.VReg)      { b[v/64] |= 1 << (uint(v) % 64) }
func (b bitset) has(v mach.VReg) bool { return b[v/64]&(1<<(uint(v)%64)) != 0 }

// union adds o to b and reports whether b changed.
func (b bitset) union(o bitset) bool {
	changed := false
	for k := range b {
		n := b[k] | o[k]
		if n != b[k] {
			b[k] = n
			changed = true
		}
	}
	return changed
}

func (b bitset) each(visit func(mach.VReg)) {
	for k, w := range b {
		for w != 0 {
			t := bits.TrailingZeros64(w)
			visit(mach.VReg(k*64 + t))
			w &= w - 1
		}
	}
}

// Liveness holds live-in and live-out sets per block. Phi results are
// defined at the block head and never live-in; phi operands are live-out of
// their predecessor.
type Liveness struct {
	In, Out []bitset
}

func (l *Liveness) LiveIn(b int, v mach.VReg) bool  { return l.In[b].has(v) }
func (l *Liveness) LiveOut(b int, v mach.VReg) bool { return l.Out[b].has(v) }

// phiUses lists the virtual registers block p feeds into the phis of its
// successors.
func phiUses(mf *mach.Func, p int) []mach.VReg {
	var out []mach.VReg
	for _, s := range uniq(mf.Blocks[p].Succs) {
		sb := mf.Blocks[s]
		for k, pred := range sb.Preds {
			if pred != p {
				continue
			}
			for _, phi := range sb.Phis {
				if src := phi.Srcs[k]; src.Kind == mach.KVReg {
					out = append(out, src.V)
				}
			}
		}
	}
	return out
}

func uniq(in []int) []int {
	var out []int
	for _, x := range in {
		dup := false
		for _, y := range out {
			dup = dup || x == y
		}
		if !dup {
			out = append(out, x)
		}
	}
	return out
}

// ComputeLiveness runs the backward dataflow to a fixed point.
func ComputeLiveness(mf *mach.Func) *Liveness {
	n := mf.NumVRegs + 1
	nb := len(mf.Blocks)
	l := &Liveness{In: make([]bitset, nb), Out: make([]bitset, nb)}
	use := make([]bitset, nb)
	def := make([]bitset, nb)
	for bi, b := range mf.Blocks {
		l.In[bi], l.Out[bi] = newBitset(n), newBitset(n)
		use[bi], def[bi] = newBitset(n), newBitset(n)
		for _, phi := range b.Phis {
			def[bi].set(phi.Dst)
		}
		if bi == 0 {
			for _, p := range mf.Params {
				def[bi].set(p)
			}
		}
		for k := range b.Insts {
			in := &b.Insts[k]
			for _, u := range in.Uses() {
				if !def[bi].has(u) {
					use[bi].set(u)
				}
			}
			if d := in.Def(); d != 0 {
				def[bi].set(d)
			}
		}
	}
	tmp := newBitset(n)
	for changed := true; changed; {
		changed = false
		for bi := nb - 1; bi >= 0; bi-- {
			out := l.Out[bi]
			for _, s := range mf.Blocks[bi].Succs {
				changed = out.union(l.In[s]) || changed
			}
			for _, v := range phiUses(mf, bi) {
				if !out.has(v) {
					out.set(v)
					changed = true
				}
			}
			// in = use | (out &^ def)
			for k := range tmp {
				tmp[k] = use[bi][k] | (out[k] &^ def[bi][k])
			}
			changed = l.In[bi].union(tmp) || changed
		}
	}
	return l
}
