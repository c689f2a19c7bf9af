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
)

// Format prints one instruction the way it appears in listings.
func (i *Instr) Format() string {
	var b strings.Builder
	if i.HasResult() && !i.Op.IsTerminator() || i.Op.IsOverflow() {
		b.WriteString(i.String())
		b.WriteString(" = ")
	}
	b.WriteString(i.Op.String())
	if i.Op == OpCmp || i.Op == OpIf {
		b.WriteString(".")
		b.WriteString(i.Cond.String())
	}
	if i.Typ != Void {
		b.WriteString(" ")
		b.WriteString(i.Typ.String())
	}
	if i.Callee != "" {
		b.WriteString(" @")
		b.WriteString(i.Callee)
	}
	for k, a := range i.Args {
		if k == 0 {
			b.WriteString(" ")
		} else {
			b.WriteString(", ")
		}
		if i.Op == OpPhi {
			b.WriteString("[")
			b.WriteString(i.Phi[k].String())
			b.WriteString(": ")
			b.WriteString(a.String())
			b.WriteString("]")
			continue
		}
		b.WriteString(a.String())
		if c, ok := a.(Const); ok && c.Typ != i.Typ {
			b.WriteString(":")
			b.WriteString(c.Typ.String())
		}
	}
	for k, s := range i.Succs {
		if k == 0 {
			b.WriteString(" -> ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(s.String())
	}
	return b.String()
}

func (d Directives) String() string {
	var parts []string
	if d.Foreign {
		parts = append(parts, "cproxy")
	}
	if d.Static {
		parts = append(parts, "static")
	}
	if d.NoContext {
		parts = append(parts, "nocontext")
	}
	if d.Inline {
		parts = append(parts, "inline")
	}
	if d.Bridge {
		parts = append(parts, "bridge")
	}
	return strings.Join(parts, " ")
}

// String prints the whole function deterministically.
func (f *Function) String() string {
	var b strings.Builder
	b.WriteString("func ")
	b.WriteString(f.Name)
	b.WriteString("(")
	for k, p := range f.Params {
		if k > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.String())
		b.WriteString(" ")
		b.WriteString(p.Typ.String())
	}
	b.WriteString(") ")
	b.WriteString(f.Ret.String())
	if d := f.Dir.String(); d != "" {
		b.WriteString(" ")
		b.WriteString(d)
	}
	b.WriteString(" {\n")
	for _, blk := range f.Blocks {
		b.WriteString(blk.String())
		b.WriteString(":\n")
		for _, i := range blk.Instrs {
			b.WriteString("  ")
			b.WriteString(i.Format())
			b.WriteString("\n")
		}
	}
	b.WriteString("}\n")
	return b.String()
}
