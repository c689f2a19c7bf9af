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
package backend

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/launix-de/irjit/callconv"
	"github.com/launix-de/irjit/diag"
	"github.com/launix-de/irjit/ir"
	"github.com/launix-de/irjit/link"
	"github.com/launix-de/irjit/native"
)

// Program is a loaded batch in sealed executable memory.
type Program struct {
	ID    uuid.UUID
	Image *link.Image
	Ctx   uintptr // VM context handed to compiled entries in r10

	mem  *native.Memory
	sigs map[string]ir.Signature
}

// Load links the batch for a fresh mapping, copies it there and seals it.
func (be *Backend) Load(res *Result) (p *Program, err error) {
	_, size := link.Layout(res.Blocks)
	mem, err := native.Alloc(size)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			mem.Free()
		}
	}()
	var img *link.Image
	CurrentTrace().Duration("load", "load", 0, func() {
		img, err = link.Link(res.Blocks, mem.Addr(), be.resolver())
	})
	if err != nil {
		return nil, err
	}
	if err = mem.Write(img.Code); err != nil {
		return nil, err
	}
	if err = mem.Seal(); err != nil {
		return nil, err
	}
	be.logger().Debug("batch loaded", "batch", short(res.ID), "base", fmt.Sprintf("%#x", mem.Addr()), "mapped", units.BytesSize(float64(mem.Len())))
	return &Program{ID: res.ID, Image: img, mem: mem, sigs: res.Sigs}, nil
}

func (p *Program) Signature(name string) (ir.Signature, bool) {
	sig, ok := p.sigs[name]
	return sig, ok
}

func (p *Program) lookup(name, entry string, nargs int) (ir.Signature, uintptr, error) {
	sig, ok := p.sigs[name]
	if !ok {
		return sig, 0, &diag.Error{Kind: diag.ErrLink, Symbol: name, Msg: "no such function in the program"}
	}
	if nargs != len(sig.Params) {
		return sig, 0, fmt.Errorf("%s takes %d arguments, got %d", name, len(sig.Params), nargs)
	}
	addr, err := p.Image.Entry(name, entry)
	return sig, addr, err
}

// Call enters name at its default entry. Narrow results are extended
// according to the declared return type.
func (p *Program) Call(name string, args ...int64) (int64, error) {
	sig, addr, err := p.lookup(name, callconv.EntryDefault, len(args))
	if err != nil {
		return 0, err
	}
	r, err := native.Call(addr, p.Ctx, args...)
	return Extend(r, sig.Ret), err
}

// CallForeign enters name the way C code would: through ENTRY_FOREIGN with
// the context as first argument unless the function takes none.
func (p *Program) CallForeign(name string, args ...int64) (int64, error) {
	sig, addr, err := p.lookup(name, callconv.EntryForeign, len(args))
	if err != nil {
		return 0, err
	}
	if !sig.Dir.Foreign && !sig.Dir.NoContext {
		args = append([]int64{int64(p.Ctx)}, args...)
	}
	r, err := native.Call(addr, 0, args...)
	return Extend(r, sig.Ret), err
}

// Export registers the foreign entry of name in reg, so later batches can
// call it as a foreign routine.
func (p *Program) Export(reg *link.Registry, name string) error {
	sig, ok := p.sigs[name]
	if !ok {
		return &diag.Error{Kind: diag.ErrLink, Symbol: name, Msg: "no such function in the program"}
	}
	addr, err := p.Image.Entry(name, callconv.EntryForeign)
	if err != nil {
		return err
	}
	params := sig.Params
	if !sig.Dir.Foreign && !sig.Dir.NoContext {
		params = append([]ir.Type{ir.RPtr}, params...)
	}
	reg.Register(name, addr, sig.Ret, params...)
	return nil
}

func (p *Program) Close() error {
	return p.mem.Free()
}

// Extend widens a raw return register to int64; only the declared width
// of t is meaningful.
func Extend(v int64, t ir.Type) int64 {
	switch t {
	case ir.Bool, ir.U8:
		return int64(uint8(v))
	case ir.I8:
		return int64(int8(v))
	case ir.I16:
		return int64(int16(v))
	case ir.U16:
		return int64(uint16(v))
	case ir.I32:
		return int64(int32(v))
	case ir.U32:
		return int64(uint32(v))
	case ir.Void:
		return 0
	}
	return v
}
