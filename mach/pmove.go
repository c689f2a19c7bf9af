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
package mach

import (
	"fmt"

	"github.com/launix-de/irjit/amd64"
)

// Sequentialize orders a parallel move so it can be executed one move at a
// time. Cycles are broken through the scratch register; constant and symbol
// sources are written last, after the scratch register is free again.
// Destinations must be distinct.
func Sequentialize(moves []Move) []Move {
	var pending, consts, out []Move
	for k, m := range moves {
		for _, o := range moves[k+1:] {
			if o.Dst.Same(m.Dst) {
				panic(fmt.Sprintf("mach: parallel move writes %s twice", m.Dst))
			}
		}
		switch {
		case m.Src.Kind == KImm || m.Src.Kind == KSym:
			consts = append(consts, m)
		case m.Src.Same(m.Dst):
		default:
			pending = append(pending, m)
		}
	}
	scratch := R(amd64.RegScratch)
	readBy := func(loc Operand, skip int) bool {
		for k, m := range pending {
			if k != skip && m.Src.Same(loc) {
				return true
			}
		}
		return false
	}
	for len(pending) > 0 {
		progress := false
		for k := 0; k < len(pending); k++ {
			if !readBy(pending[k].Dst, k) {
				out = append(out, pending[k])
				pending = append(pending[:k], pending[k+1:]...)
				k--
				progress = true
			}
		}
		if progress {
			continue
		}
		// every destination is still read: a cycle. Park one destination.
		d := pending[0].Dst
		out = append(out, Move{Dst: scratch, Src: d})
		for k := range pending {
			if pending[k].Src.Same(d) {
				pending[k].Src = scratch
			}
		}
	}
	return append(out, consts...)
}
