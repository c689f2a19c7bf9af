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

// Builder appends instructions to the current block of a function.
type Builder struct {
	Fn  *Function
	Cur *Block
}

func NewBuilder(f *Function) *Builder {
	b := &Builder{Fn: f}
	if len(f.Blocks) == 0 {
		b.Cur = f.NewBlock("entry")
	} else {
		b.Cur = f.Blocks[0]
	}
	return b
}

func (b *Builder) SetBlock(blk *Block) { b.Cur = blk }

func (b *Builder) Block(name string) *Block { return b.Fn.NewBlock(name) }

func (b *Builder) P(i int) *Param { return b.Fn.Params[i] }

func (b *Builder) emit(i *Instr) *Instr {
	i.Block = b.Cur
	if i.Op == OpPhi {
		// phis stay grouped at the head
		n := len(b.Cur.Phis())
		b.Cur.Instrs = append(b.Cur.Instrs, nil)
		copy(b.Cur.Instrs[n+1:], b.Cur.Instrs[n:])
		b.Cur.Instrs[n] = i
		return i
	}
	b.Cur.Instrs = append(b.Cur.Instrs, i)
	return i
}

func (b *Builder) binary(op Op, x, y Value) *Instr {
	return b.emit(b.Fn.NewInstr(op, x.Type(), x, y))
}

func (b *Builder) Add(x, y Value) *Instr { return b.binary(OpAdd, x, y) }
func (b *Builder) Sub(x, y Value) *Instr { return b.binary(OpSub, x, y) }
func (b *Builder) Mul(x, y Value) *Instr { return b.binary(OpMul, x, y) }
func (b *Builder) Div(x, y Value) *Instr { return b.binary(OpDiv, x, y) }
func (b *Builder) Mod(x, y Value) *Instr { return b.binary(OpMod, x, y) }
func (b *Builder) And(x, y Value) *Instr { return b.binary(OpAnd, x, y) }
func (b *Builder) Or(x, y Value) *Instr  { return b.binary(OpOr, x, y) }
func (b *Builder) Xor(x, y Value) *Instr { return b.binary(OpXor, x, y) }
func (b *Builder) Shl(x, y Value) *Instr { return b.binary(OpShl, x, y) }
func (b *Builder) Shr(x, y Value) *Instr { return b.binary(OpShr, x, y) }

func (b *Builder) Not(x Value) *Instr { return b.emit(b.Fn.NewInstr(OpNot, x.Type(), x)) }
func (b *Builder) Neg(x Value) *Instr { return b.emit(b.Fn.NewInstr(OpNeg, x.Type(), x)) }

func (b *Builder) Cmp(c Cond, x, y Value) *Instr {
	i := b.Fn.NewInstr(OpCmp, Bool, x, y)
	i.Cond = c
	return b.emit(i)
}

func (b *Builder) Cast(t Type, x Value) *Instr { return b.emit(b.Fn.NewInstr(OpCast, t, x)) }

func (b *Builder) Load(t Type, base, off Value) *Instr {
	return b.emit(b.Fn.NewInstr(OpLoad, t, base, off))
}

// Store writes the width of v.
func (b *Builder) Store(base, off, v Value) *Instr {
	return b.emit(b.Fn.NewInstr(OpStore, Void, base, off, v))
}

func (b *Builder) GetCtx() *Instr      { return b.emit(b.Fn.NewInstr(OpGetCtx, RPtr)) }
func (b *Builder) SetCtx(v Value) *Instr { return b.emit(b.Fn.NewInstr(OpSetCtx, Void, v)) }

func (b *Builder) call(op Op, ret Type, callee string, args []Value) *Instr {
	i := b.Fn.NewInstr(op, ret, args...)
	i.Callee = callee
	return b.emit(i)
}

func (b *Builder) Call(ret Type, callee string, args ...Value) *Instr {
	return b.call(OpCall, ret, callee, args)
}

func (b *Builder) CallFFI(ret Type, callee string, args ...Value) *Instr {
	return b.call(OpCallFFI, ret, callee, args)
}

// CallApply invokes callee with receiver, this and count elements of vec.
func (b *Builder) CallApply(ret Type, callee string, recv, this, vec, count Value) *Instr {
	return b.call(OpCallApply, ret, callee, []Value{recv, this, vec, count})
}

// Phi creates an empty merge value at the head of the current block.
func (b *Builder) Phi(t Type) *Instr { return b.emit(b.Fn.NewInstr(OpPhi, t)) }

func (b *Builder) Jump(to *Block) *Instr {
	i := b.Fn.NewInstr(OpJump, Void)
	i.Succs = []*Block{to}
	return b.emit(i)
}

func (b *Builder) If(c Cond, x, y Value, then, els *Block) *Instr {
	i := b.Fn.NewInstr(OpIf, Void, x, y)
	i.Cond = c
	i.Succs = []*Block{then, els}
	return b.emit(i)
}

func (b *Builder) Ret(v Value) *Instr {
	if v == nil {
		return b.emit(b.Fn.NewInstr(OpRet, Void))
	}
	return b.emit(b.Fn.NewInstr(OpRet, Void, v))
}

func (b *Builder) ovf(op Op, x, y Value, normal, overflow *Block) *Instr {
	i := b.Fn.NewInstr(op, x.Type(), x, y)
	i.Succs = []*Block{normal, overflow}
	return b.emit(i)
}

// AddOvf yields x+y on the normal edge and branches to overflow when the
// signed addition overflows.
func (b *Builder) AddOvf(x, y Value, normal, overflow *Block) *Instr {
	return b.ovf(OpAddOvf, x, y, normal, overflow)
}

func (b *Builder) SubOvf(x, y Value, normal, overflow *Block) *Instr {
	return b.ovf(OpSubOvf, x, y, normal, overflow)
}

func (b *Builder) MulOvf(x, y Value, normal, overflow *Block) *Instr {
	return b.ovf(OpMulOvf, x, y, normal, overflow)
}
