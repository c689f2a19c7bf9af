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
package emit

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble lists the code of a block in Intel syntax with export labels
// and relocation targets. Undecodable bytes are shown as .byte.
func Disassemble(cb *CodeBlock) string {
	labels := map[int][]string{}
	for name, off := range cb.Exports {
		labels[off] = append(labels[off], name)
	}
	for _, l := range labels {
		sort.Strings(l)
	}
	relocs := map[int]Reloc{}
	for _, r := range cb.Relocs {
		relocs[r.Offset] = r
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d bytes\n", cb.Name, len(cb.Code))
	for pc := 0; pc < len(cb.Code); {
		for _, l := range labels[pc] {
			fmt.Fprintf(&b, "%s.%s:\n", cb.Name, l)
		}
		inst, err := x86asm.Decode(cb.Code[pc:], 64)
		if err != nil || inst.Len == 0 {
			fmt.Fprintf(&b, "  %04x  .byte 0x%02x\n", pc, cb.Code[pc])
			pc++
			continue
		}
		text := x86asm.IntelSyntax(inst, uint64(pc), nil)
		for k := pc; k < pc+inst.Len; k++ {
			if r, ok := relocs[k]; ok {
				text += fmt.Sprintf("  ; %s %s.%s", r.Kind, r.Symbol, r.Entry)
			}
		}
		fmt.Fprintf(&b, "  %04x  %-24x %s\n", pc, cb.Code[pc:pc+inst.Len], text)
		pc += inst.Len
	}
	return b.String()
}
