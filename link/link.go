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

// Package link places Code Blocks of a batch into one image and patches
// their relocations.
package link

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/btree"

	"github.com/launix-de/irjit/callconv"
	"github.com/launix-de/irjit/diag"
	"github.com/launix-de/irjit/emit"
)

// Alignment of every block inside the image.
const Alignment = 16

// Layout returns the offset of every block and the image size.
func Layout(blocks []*emit.CodeBlock) (offsets []int, size int) {
	for _, cb := range blocks {
		size = (size + Alignment - 1) &^ (Alignment - 1)
		offsets = append(offsets, size)
		size += len(cb.Code)
	}
	return offsets, size
}

type span struct {
	start, end uintptr
	block      int
}

// Image is a linked batch. Code is what has to be placed at Base.
type Image struct {
	Base    uintptr
	Code    []byte
	Blocks  []*emit.CodeBlock
	Offsets []int

	byName   map[string]int
	resolver Resolver
	index    *btree.BTreeG[span]
}

// Link lays the blocks out for base and resolves every relocation. Names
// outside the batch are looked up in resolver, which may be nil.
func Link(blocks []*emit.CodeBlock, base uintptr, resolver Resolver) (img *Image, err error) {
	defer diag.Recover(&err)
	offsets, size := Layout(blocks)
	img = &Image{
		Base:     base,
		Code:     make([]byte, size),
		Blocks:   blocks,
		Offsets:  offsets,
		byName:   map[string]int{},
		resolver: resolver,
		index:    btree.NewG[span](8, func(a, b span) bool { return a.start < b.start }),
	}
	for k, cb := range blocks {
		if _, dup := img.byName[cb.Name]; dup {
			diag.Fail(diag.ErrLink, cb.Name, "function is defined twice in the batch")
		}
		img.byName[cb.Name] = k
		copy(img.Code[offsets[k]:], cb.Code)
		start := base + uintptr(offsets[k])
		img.index.ReplaceOrInsert(span{start: start, end: start + uintptr(len(cb.Code)), block: k})
	}
	img.patch()
	return img, nil
}

// Relink patches all relocations again. With unchanged addresses the code
// stays byte-identical.
func (img *Image) Relink() (err error) {
	defer diag.Recover(&err)
	img.patch()
	return nil
}

func (img *Image) target(from *emit.CodeBlock, r emit.Reloc) uintptr {
	if k, ok := img.byName[r.Symbol]; ok {
		off, ok := img.Blocks[k].Exports[r.Entry]
		if !ok {
			diag.Raise(&diag.Error{Kind: diag.ErrLink, Func: from.Source, Symbol: r.Symbol,
				Msg: fmt.Sprintf("%s has no export %s", r.Symbol, r.Entry)})
		}
		return img.Base + uintptr(img.Offsets[k]+off)
	}
	if img.resolver != nil && (r.Entry == callconv.EntryDefault || r.Entry == "") {
		if addr, ok := img.resolver.Resolve(r.Symbol); ok {
			return addr
		}
	}
	diag.Raise(&diag.Error{Kind: diag.ErrLink, Func: from.Source, Symbol: r.Symbol,
		Msg: fmt.Sprintf("unresolved reference to %s.%s", r.Symbol, r.Entry)})
	return 0
}

func (img *Image) patch() {
	for k, cb := range img.Blocks {
		for _, r := range cb.Relocs {
			at := img.Offsets[k] + r.Offset
			addr := img.target(cb, r)
			switch r.Kind {
			case emit.Rel32:
				rel := int64(addr) - int64(img.Base+uintptr(at)+4)
				if rel < math.MinInt32 || rel > math.MaxInt32 {
					diag.Raise(&diag.Error{Kind: diag.ErrLink, Func: cb.Source, Symbol: r.Symbol,
						Msg: fmt.Sprintf("call target %#x out of rel32 range", addr)})
				}
				binary.LittleEndian.PutUint32(img.Code[at:], uint32(int32(rel)))
			case emit.Abs64:
				binary.LittleEndian.PutUint64(img.Code[at:], uint64(addr))
			}
		}
	}
}

// Entry is the address of an export.
func (img *Image) Entry(fn, entry string) (uintptr, error) {
	k, ok := img.byName[fn]
	if !ok {
		return 0, &diag.Error{Kind: diag.ErrLink, Symbol: fn, Msg: "no such function in the image"}
	}
	off, ok := img.Blocks[k].Exports[entry]
	if !ok {
		return 0, &diag.Error{Kind: diag.ErrLink, Func: fn, Symbol: fn, Msg: "no export " + entry}
	}
	return img.Base + uintptr(img.Offsets[k]+off), nil
}

// Location names the code an address belongs to.
type Location struct {
	Func   string
	Export string // export at or before the address
	Offset int    // from the start of the block
}

func (l Location) String() string {
	return fmt.Sprintf("%s.%s+%#x", l.Func, l.Export, l.Offset)
}

// Lookup maps an address back to its block, for listings and crash dumps.
func (img *Image) Lookup(addr uintptr) (Location, bool) {
	var hit span
	found := false
	img.index.DescendLessOrEqual(span{start: addr}, func(s span) bool {
		hit, found = s, addr < s.end
		return false
	})
	if !found {
		return Location{}, false
	}
	cb := img.Blocks[hit.block]
	loc := Location{Func: cb.Name, Offset: int(addr - hit.start)}
	best := -1
	for name, off := range cb.Exports {
		if off <= loc.Offset && (off > best || off == best && name < loc.Export) {
			best, loc.Export = off, name
		}
	}
	return loc, true
}
