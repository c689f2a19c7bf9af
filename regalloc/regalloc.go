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

// Package regalloc assigns physical registers and frame slots to virtual
// registers with a linear scan over interval hulls.
//
// Positions: every block has an entry slot s0 and every instruction a slot
// s. Phis and parameters are defined at 2*s0+1, an instruction reads at 2s
// and writes at 2s+1. An interval is split at most once: it keeps its
// register before the split position and lives in a frame slot from there
// on. Uses after the split are reloaded into a temporary register that
// lives only for that instruction.
package regalloc

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/btree"

	"github.com/launix-de/irjit/amd64"
	"github.com/launix-de/irjit/diag"
	"github.com/launix-de/irjit/mach"
)

type interval struct {
	id    int
	v     mach.VReg // 0 for reload temporaries
	start int
	end   int
	uses  []int
	reg   amd64.Reg
	slot  int
	split int // first position in the slot, -1 while in a register
	head  bool
}

func (it *interval) String() string {
	return fmt.Sprintf("v%d[%d,%d] %s slot%d@%d", it.v, it.start, it.end, it.reg, it.slot, it.split)
}

// loc is where the value lives at pos.
func (it *interval) loc(pos int) mach.Operand {
	if it.reg == amd64.NoReg || (it.split >= 0 && pos >= it.split) {
		return mach.Slot(it.slot)
	}
	return mach.R(it.reg)
}

func (it *interval) nextUse(pos int) int {
	k := sort.SearchInts(it.uses, pos)
	if k == len(it.uses) {
		return math.MaxInt
	}
	return it.uses[k]
}

func (it *interval) usedAt(pos int) bool {
	k := sort.SearchInts(it.uses, pos)
	return k < len(it.uses) && it.uses[k] == pos
}

// Result summarizes an allocation; the function itself is rewritten.
type Result struct {
	NumSlots int
	UsedRegs amd64.RegSet
	Spills   int
}

type allocator struct {
	mf   *mach.Func
	live *Liveness

	head      []int // entry slot per block
	term      []int // terminator slot per block
	slotBlock []int
	slotInst  []int // -1 for block entry slots

	ivs       []*interval
	nextID    int
	unhandled *btree.BTreeG[*interval]
	active    *btree.BTreeG[*interval]
	inSlot    *btree.BTreeG[*interval]
	free      amd64.RegSet
	freeSlots []int
	numSlots  int
	used      amd64.RegSet
	spills    int

	stores  map[int][]mach.Inst // before instruction slot
	reloads map[int][]mach.Inst
	temps   map[int]map[mach.VReg]amd64.Reg
}

func byStart(a, b *interval) bool {
	if a.start != b.start {
		return a.start < b.start
	}
	return a.id < b.id
}

func byEnd(a, b *interval) bool {
	if a.end != b.end {
		return a.end < b.end
	}
	return a.id < b.id
}

// Allocate rewrites mf to physical registers and frame slots. Critical
// edges must have been split.
func Allocate(mf *mach.Func) (res *Result, err error) {
	defer diag.Recover(&err)
	a := &allocator{
		mf:        mf,
		unhandled: btree.NewG[*interval](8, byStart),
		active:    btree.NewG[*interval](8, byEnd),
		inSlot:    btree.NewG[*interval](8, byEnd),
		free:      amd64.Allocatable,
		stores:    map[int][]mach.Inst{},
		reloads:   map[int][]mach.Inst{},
		temps:     map[int]map[mach.VReg]amd64.Reg{},
	}
	a.number()
	a.live = ComputeLiveness(mf)
	a.buildIntervals()
	a.scan()
	a.rewrite()
	mf.NumSlots = a.numSlots
	mf.UsedRegs = a.used
	mf.Spills = a.spills
	mf.Allocated = true
	return &Result{NumSlots: a.numSlots, UsedRegs: a.used, Spills: a.spills}, nil
}

func (a *allocator) fail(format string, args ...any) {
	diag.Fail(diag.ErrAllocation, a.mf.Name, format, args...)
}

func (a *allocator) number() {
	for bi, b := range a.mf.Blocks {
		a.head = append(a.head, len(a.slotInst))
		a.slotBlock = append(a.slotBlock, bi)
		a.slotInst = append(a.slotInst, -1)
		for k := range b.Insts {
			a.slotBlock = append(a.slotBlock, bi)
			a.slotInst = append(a.slotInst, k)
		}
		if len(b.Insts) == 0 {
			a.fail("block %s is empty", b.Name)
		}
		a.term = append(a.term, len(a.slotInst)-1)
	}
}

func (a *allocator) blockStart(b int) int { return 2 * a.head[b] }
func (a *allocator) blockEnd(b int) int   { return 2*a.term[b] + 1 }
func (a *allocator) headDef(b int) int    { return 2*a.head[b] + 1 }

func (a *allocator) inst(s int) *mach.Inst {
	return &a.mf.Blocks[a.slotBlock[s]].Insts[a.slotInst[s]]
}

func (a *allocator) interval(v mach.VReg) *interval {
	if a.ivs[v] == nil {
		a.nextID++
		a.ivs[v] = &interval{id: a.nextID, v: v, start: math.MaxInt, end: -1, reg: amd64.NoReg, slot: -1, split: -1}
	}
	return a.ivs[v]
}

func (a *allocator) extend(v mach.VReg, pos int) *interval {
	it := a.interval(v)
	if pos < it.start {
		it.start = pos
	}
	if pos > it.end {
		it.end = pos
	}
	return it
}

func (a *allocator) buildIntervals() {
	a.ivs = make([]*interval, a.mf.NumVRegs+1)
	for bi, b := range a.mf.Blocks {
		a.live.Out[bi].each(func(v mach.VReg) { a.extend(v, a.blockEnd(bi)) })
		a.live.In[bi].each(func(v mach.VReg) { a.extend(v, a.blockStart(bi)) })
		for _, phi := range b.Phis {
			a.extend(phi.Dst, a.headDef(bi)).head = true
		}
		if bi == 0 {
			for _, p := range a.mf.Params {
				a.extend(p, a.headDef(bi)).head = true
			}
		}
		for k := range b.Insts {
			s := a.head[bi] + 1 + k
			in := &b.Insts[k]
			for _, u := range in.Uses() {
				it := a.extend(u, 2*s)
				it.uses = append(it.uses, 2*s)
			}
			if d := in.Def(); d != 0 {
				a.extend(d, 2*s+1)
			}
		}
		for _, v := range phiUses(a.mf, bi) {
			it := a.extend(v, a.blockEnd(bi))
			it.uses = append(it.uses, a.blockEnd(bi))
		}
	}
	for _, it := range a.ivs {
		if it != nil {
			sort.Ints(it.uses)
			a.unhandled.ReplaceOrInsert(it)
		}
	}
}

func (a *allocator) scan() {
	maxPos := 2 * len(a.slotInst)
	for pos := 0; pos <= maxPos; pos++ {
		a.expire(pos)
		s := pos / 2
		if pos%2 == 1 && a.slotInst[s] >= 0 && a.inst(s).Op == mach.CALL {
			a.evictAll(s)
		}
		for {
			it, ok := a.unhandled.Min()
			if !ok || it.start != pos {
				break
			}
			a.unhandled.DeleteMin()
			a.allocate(it, pos)
		}
		if pos%2 == 1 && s+1 < len(a.slotInst) && a.slotInst[s+1] >= 0 {
			a.reloadFor(s + 1)
		}
	}
}

func (a *allocator) expire(pos int) {
	for {
		it, ok := a.active.Min()
		if !ok || it.end >= pos {
			break
		}
		a.active.DeleteMin()
		a.free = a.free.With(it.reg)
	}
	// stores for evictions at pos go before the current instruction, whose
	// operands are still read: slots stay taken one position longer
	for {
		it, ok := a.inSlot.Min()
		if !ok || it.end >= pos-1 {
			break
		}
		a.inSlot.DeleteMin()
		a.freeSlots = append(a.freeSlots, it.slot)
		sort.Ints(a.freeSlots)
	}
}

func (a *allocator) takeReg(it *interval) {
	r := a.free.Lowest()
	a.free = a.free.Without(r)
	it.reg = r
	a.used = a.used.With(r)
	a.active.ReplaceOrInsert(it)
}

func (a *allocator) takeSlot(it *interval) {
	if len(a.freeSlots) > 0 {
		it.slot = a.freeSlots[0]
		a.freeSlots = a.freeSlots[1:]
	} else {
		it.slot = a.numSlots
		a.numSlots++
	}
	a.inSlot.ReplaceOrInsert(it)
	a.spills++
}

// evict moves j out of its register. From splitAt on it lives in a slot;
// with store set, the value is copied there before instruction ins.
// Without a store the location changes at a block boundary and the edge
// moves take care of it.
func (a *allocator) evict(j *interval, splitAt, ins int, store bool) {
	a.active.Delete(j)
	a.free = a.free.With(j.reg)
	if j.start >= splitAt {
		j.reg = amd64.NoReg
		j.split = j.start
	} else {
		j.split = splitAt
	}
	a.takeSlot(j)
	if store && j.reg != amd64.NoReg {
		a.stores[ins] = append(a.stores[ins], mach.Inst{Op: mach.MOV, Width: 64, Dst: mach.Slot(j.slot), Src: []mach.Operand{mach.R(j.reg)}})
	}
}

// victim returns the active interval with the furthest next use that is
// not pinned.
func (a *allocator) victim(pos int, pinned func(*interval) bool) *interval {
	var best *interval
	bestUse := -1
	a.active.Ascend(func(it *interval) bool {
		if pinned(it) {
			return true
		}
		if nu := it.nextUse(pos); nu > bestUse {
			best, bestUse = it, nu
		}
		return true
	})
	return best
}

func (a *allocator) allocate(it *interval, pos int) {
	if a.free != 0 {
		a.takeReg(it)
		return
	}
	j := a.victim(pos, func(x *interval) bool { return x.v == 0 })
	if it.head && (j == nil || it.nextUse(pos) >= j.nextUse(pos)) {
		// the merge value itself waits in memory
		it.split = it.start
		a.takeSlot(it)
		return
	}
	if j == nil {
		a.fail("no register left for v%d at %d", it.v, pos)
	}
	if it.head {
		// phis and parameters arrive through edge or entry moves
		a.evict(j, pos-1, 0, false)
	} else {
		a.evict(j, pos, pos/2, true)
	}
	a.takeReg(it)
}

// evictAll splits every register interval live across the call at slot k.
func (a *allocator) evictAll(k int) {
	var live []*interval
	a.active.Ascend(func(it *interval) bool {
		live = append(live, it)
		return true
	})
	for _, it := range live {
		a.evict(it, 2*k+1, k, true)
	}
}

// reloadFor loads the spilled operands of instruction k into temporaries
// living from 2k-1 to 2k.
func (a *allocator) reloadFor(k int) {
	in := a.inst(k)
	if in.MemOK() {
		return
	}
	for _, v := range in.Uses() {
		it := a.ivs[v]
		if it.loc(2*k).Kind != mach.KSlot {
			continue
		}
		if _, done := a.temps[k][v]; done {
			continue
		}
		a.nextID++
		t := &interval{id: a.nextID, start: 2*k - 1, end: 2 * k, reg: amd64.NoReg, slot: -1, split: -1}
		if a.free == 0 {
			j := a.victim(2*k, func(x *interval) bool { return x.v == 0 || x.usedAt(2*k) })
			if j == nil {
				a.fail("instruction %s pins more operands than there are registers", in.String())
			}
			a.evict(j, 2*k, k, true)
		}
		a.takeReg(t)
		if a.temps[k] == nil {
			a.temps[k] = map[mach.VReg]amd64.Reg{}
		}
		a.temps[k][v] = t.reg
		a.reloads[k] = append(a.reloads[k], mach.Inst{Op: mach.MOV, Width: 64, Dst: mach.R(t.reg), Src: []mach.Operand{mach.Slot(it.slot)}})
	}
}

func (a *allocator) operand(o mach.Operand, s, pos int) mach.Operand {
	if o.Kind != mach.KVReg {
		return o
	}
	if r, ok := a.temps[s][o.V]; ok {
		return mach.R(r)
	}
	return a.ivs[o.V].loc(pos)
}

func (a *allocator) rewrite() {
	out := make([][]mach.Inst, len(a.mf.Blocks))
	for bi, b := range a.mf.Blocks {
		for k := range b.Insts {
			s := a.head[bi] + 1 + k
			in := b.Insts[k]
			out[bi] = append(out[bi], a.stores[s]...)
			out[bi] = append(out[bi], a.reloads[s]...)
			src := make([]mach.Operand, len(in.Src))
			for n, o := range in.Src {
				src[n] = a.operand(o, s, 2*s)
			}
			in.Src = src
			if in.Dst.Kind == mach.KVReg {
				d := a.ivs[in.Dst.V].loc(2*s + 1)
				if d.Kind != mach.KReg {
					a.fail("definition of %s has no register", in.Dst)
				}
				in.Dst = d
			}
			out[bi] = append(out[bi], in)
		}
	}
	a.resolveEdges(out)
	for bi, b := range a.mf.Blocks {
		b.Insts = out[bi]
		b.Phis = nil
	}
	a.paramMoves()
}

// resolveEdges builds one parallel move per CFG edge: live-in values from
// their location at the end of the predecessor to their location at the
// start of the successor, and phi operands into phi results.
func (a *allocator) resolveEdges(out [][]mach.Inst) {
	for p, pb := range a.mf.Blocks {
		for _, s := range pb.Succs {
			sb := a.mf.Blocks[s]
			var moves []mach.Move
			end, start := a.blockEnd(p), a.blockStart(s)
			a.live.In[s].each(func(v mach.VReg) {
				it := a.ivs[v]
				m := mach.Move{Dst: it.loc(start), Src: it.loc(end)}
				if !m.Dst.Same(m.Src) {
					moves = append(moves, m)
				}
			})
			k := -1
			for n, pred := range sb.Preds {
				if pred == p {
					k = n
					break
				}
			}
			for _, phi := range sb.Phis {
				src := phi.Srcs[k]
				if src.Kind == mach.KVReg {
					src = a.ivs[src.V].loc(end)
				}
				dst := a.ivs[phi.Dst]
				m := mach.Move{Dst: dst.loc(dst.start), Src: src}
				if !m.Dst.Same(m.Src) {
					moves = append(moves, m)
				}
			}
			if len(moves) == 0 {
				continue
			}
			pm := mach.Inst{Op: mach.PMOVE, Moves: moves}
			switch {
			case len(pb.Succs) == 1:
				n := len(out[p]) - 1
				out[p] = append(out[p][:n], pm, out[p][n])
			case len(sb.Preds) == 1:
				out[s] = append([]mach.Inst{pm}, out[s]...)
			default:
				a.fail("critical edge %s -> %s", pb.Name, sb.Name)
			}
		}
	}
}

func (a *allocator) paramMoves() {
	a.mf.ParamMoves = nil
	for n, v := range a.mf.Params {
		it := a.ivs[v]
		if it == nil {
			continue
		}
		l := a.mf.Entry.Args[n]
		src := mach.InArg(l.Stack)
		if l.InReg() {
			src = mach.R(l.Reg)
		}
		dst := it.loc(it.start)
		if !dst.Same(src) {
			a.mf.ParamMoves = append(a.mf.ParamMoves, mach.Move{Dst: dst, Src: src})
		}
	}
}
