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
package amd64

import "math"

// Mem is a [base + index + disp] operand; Index is NoReg when absent.
type Mem struct {
	Base  Reg
	Index Reg
	Disp  int32
}

func M(base Reg, disp int32) Mem { return Mem{Base: base, Index: NoReg, Disp: disp} }

func MI(base, index Reg, disp int32) Mem { return Mem{Base: base, Index: index, Disp: disp} }

func FitsInt32(v int64) bool { return v >= math.MinInt32 && v <= math.MaxInt32 }

// --- Prefixes and ModRM ---

func (w *Writer) prefix(bits int) {
	if bits == 16 {
		w.emitByte(0x66)
	}
}

// rex emits a REX prefix if any extension bit is needed or force is set
// (byte access to spl/bpl/sil/dil).
func (w *Writer) rex(wide bool, reg, index, base Reg, force bool) {
	b := byte(0x40)
	if wide {
		b |= 0x08
	}
	if reg != NoReg && reg >= 8 {
		b |= 0x04
	}
	if index != NoReg && index >= 8 {
		b |= 0x02
	}
	if base != NoReg && base >= 8 {
		b |= 0x01
	}
	if b != 0x40 || force {
		w.emitByte(b)
	}
}

func (w *Writer) modrmReg(reg byte, rm Reg) {
	w.emitByte(0xC0 | (reg&7)<<3 | byte(rm&7))
}

func (w *Writer) modrmMem(reg byte, m Mem) {
	base := byte(m.Base & 7)
	var mod byte
	switch {
	case m.Disp == 0 && base != 5: // rbp/r13 have no disp-less form
		mod = 0x00
	case m.Disp >= -128 && m.Disp <= 127:
		mod = 0x40
	default:
		mod = 0x80
	}
	switch {
	case m.Index != NoReg:
		if m.Index&15 == RSP {
			panic("amd64: rsp cannot be an index register")
		}
		w.emitByte(mod | (reg&7)<<3 | 4)
		w.emitByte(byte(m.Index&7)<<3 | base)
	case base == 4: // rsp/r12 need a SIB byte
		w.emitByte(mod | (reg&7)<<3 | 4)
		w.emitByte(0x24)
	default:
		w.emitByte(mod | (reg&7)<<3 | base)
	}
	switch mod {
	case 0x40:
		w.emitByte(byte(int8(m.Disp)))
	case 0x80:
		w.emitU32(uint32(m.Disp))
	}
}

// rr: op reg, rm with both operands registers.
func (w *Writer) rr(bits int, op []byte, reg, rm Reg) {
	w.prefix(bits)
	w.rex(bits == 64, reg, NoReg, rm, bits == 8 && (reg.NeedsRexForByte() || rm.NeedsRexForByte()))
	w.emitBytes(op...)
	w.modrmReg(byte(reg), rm)
}

// ext: op /ext rm.
func (w *Writer) ext(bits int, op []byte, ext byte, rm Reg) {
	w.prefix(bits)
	w.rex(bits == 64, NoReg, NoReg, rm, bits == 8 && rm.NeedsRexForByte())
	w.emitBytes(op...)
	w.modrmReg(ext, rm)
}

// rm: op reg, [mem].
func (w *Writer) rm(bits int, op []byte, reg Reg, m Mem) {
	w.prefix(bits)
	w.rex(bits == 64, reg, m.Index, m.Base, bits == 8 && reg.NeedsRexForByte())
	w.emitBytes(op...)
	w.modrmMem(byte(reg), m)
}

// extMem: op /ext [mem].
func (w *Writer) extMem(bits int, op []byte, ext byte, m Mem) {
	w.prefix(bits)
	w.rex(bits == 64, NoReg, m.Index, m.Base, false)
	w.emitBytes(op...)
	w.modrmMem(ext, m)
}

// --- Data movement ---

// MovRR copies src to dst. Widths below 32 copy 32 bits; the upper part of
// a narrow value is undefined anyway.
func (w *Writer) MovRR(bits int, dst, src Reg) {
	if bits < 32 {
		bits = 32
	}
	w.rr(bits, []byte{0x89}, src, dst)
}

// MovRI loads a 64-bit constant with the shortest form. Flags are untouched.
func (w *Writer) MovRI(dst Reg, imm int64) {
	switch {
	case imm >= 0 && imm <= math.MaxUint32: // mov r32, imm32 zero-extends
		w.rex(false, NoReg, NoReg, dst, false)
		w.emitByte(0xB8 | byte(dst&7))
		w.emitU32(uint32(imm))
	case FitsInt32(imm): // REX.W C7 /0 sign-extends
		w.ext(64, []byte{0xC7}, 0, dst)
		w.emitU32(uint32(int32(imm)))
	default:
		w.MovRImm64(dst, uint64(imm))
	}
}

// MovRImm64 always uses the 10 byte form and returns the position of the
// immediate so it can be relocated.
func (w *Writer) MovRImm64(dst Reg, imm uint64) int {
	w.rex(true, NoReg, NoReg, dst, false)
	w.emitByte(0xB8 | byte(dst&7))
	pos := w.Pos()
	w.emitU64(imm)
	return pos
}

// Load reads bits from memory and extends the value to 64 bit.
func (w *Writer) Load(bits int, signed bool, dst Reg, m Mem) {
	switch bits {
	case 8:
		op := byte(0xB6)
		if signed {
			op = 0xBE
		}
		w.rm(64, []byte{0x0F, op}, dst, m)
	case 16:
		op := byte(0xB7)
		if signed {
			op = 0xBF
		}
		w.rm(64, []byte{0x0F, op}, dst, m)
	case 32:
		if signed {
			w.rm(64, []byte{0x63}, dst, m) // movsxd
		} else {
			w.rm(32, []byte{0x8B}, dst, m)
		}
	default:
		w.rm(64, []byte{0x8B}, dst, m)
	}
}

func (w *Writer) Store(bits int, m Mem, src Reg) {
	op := byte(0x89)
	if bits == 8 {
		op = 0x88
	}
	w.rm(bits, []byte{op}, src, m)
}

// StoreImm stores a sign-extended imm32 (truncated for narrow widths).
func (w *Writer) StoreImm(bits int, m Mem, imm int32) {
	switch bits {
	case 8:
		w.extMem(8, []byte{0xC6}, 0, m)
		w.emitByte(byte(imm))
	case 16:
		w.extMem(16, []byte{0xC7}, 0, m)
		w.emitU16(uint16(imm))
	default:
		w.extMem(bits, []byte{0xC7}, 0, m)
		w.emitU32(uint32(imm))
	}
}

func (w *Writer) Lea(dst Reg, m Mem) {
	w.rm(64, []byte{0x8D}, dst, m)
}

// Movsx sign-extends the low fromBits of src into the full dst register.
func (w *Writer) Movsx(dst, src Reg, fromBits int) {
	switch fromBits {
	case 8:
		w.rr(64, []byte{0x0F, 0xBE}, dst, src)
	case 16:
		w.rr(64, []byte{0x0F, 0xBF}, dst, src)
	case 32:
		w.rr(64, []byte{0x63}, dst, src)
	default:
		w.MovRR(64, dst, src)
	}
}

// Movzx zero-extends the low fromBits of src into the full dst register.
func (w *Writer) Movzx(dst, src Reg, fromBits int) {
	switch fromBits {
	case 8:
		w.rr(64, []byte{0x0F, 0xB6}, dst, src)
	case 16:
		w.rr(64, []byte{0x0F, 0xB7}, dst, src)
	case 32:
		w.MovRR(32, dst, src) // 32 bit writes clear the upper half
	default:
		w.MovRR(64, dst, src)
	}
}

// --- Arithmetic ---

// AluOp is the /digit of the group-1 ALU instructions.
type AluOp byte

const (
	ADD AluOp = 0
	OR  AluOp = 1
	AND AluOp = 4
	SUB AluOp = 5
	XOR AluOp = 6
	CMP AluOp = 7
)

// AluRR computes dst = dst op src (CMP only sets flags).
func (w *Writer) AluRR(op AluOp, bits int, dst, src Reg) {
	opc := byte(op)<<3 | 1
	if bits == 8 {
		opc--
	}
	w.rr(bits, []byte{opc}, src, dst)
}

func (w *Writer) AluRI(op AluOp, bits int, dst Reg, imm int32) {
	switch {
	case bits == 8:
		w.ext(8, []byte{0x80}, byte(op), dst)
		w.emitByte(byte(imm))
	case imm >= -128 && imm <= 127:
		w.ext(bits, []byte{0x83}, byte(op), dst)
		w.emitByte(byte(int8(imm)))
	case bits == 16:
		w.ext(16, []byte{0x81}, byte(op), dst)
		w.emitU16(uint16(imm))
	default:
		w.ext(bits, []byte{0x81}, byte(op), dst)
		w.emitU32(uint32(imm))
	}
}

// AluMI applies op to a memory operand and an immediate.
func (w *Writer) AluMI(op AluOp, bits int, m Mem, imm int32) {
	switch {
	case bits == 8:
		w.extMem(8, []byte{0x80}, byte(op), m)
		w.emitByte(byte(imm))
	case imm >= -128 && imm <= 127:
		w.extMem(bits, []byte{0x83}, byte(op), m)
		w.emitByte(byte(int8(imm)))
	case bits == 16:
		w.extMem(16, []byte{0x81}, byte(op), m)
		w.emitU16(uint16(imm))
	default:
		w.extMem(bits, []byte{0x81}, byte(op), m)
		w.emitU32(uint32(imm))
	}
}

// ImulRR computes dst *= src. There is no 8-bit two-operand form; the low
// byte of the 32-bit product is the same.
func (w *Writer) ImulRR(bits int, dst, src Reg) {
	if bits < 16 {
		bits = 32
	}
	w.rr(bits, []byte{0x0F, 0xAF}, dst, src)
}

// ImulRRI computes dst = src * imm.
func (w *Writer) ImulRRI(bits int, dst, src Reg, imm int32) {
	if bits < 16 {
		bits = 32
	}
	switch {
	case imm >= -128 && imm <= 127:
		w.rr(bits, []byte{0x6B}, dst, src)
		w.emitByte(byte(int8(imm)))
	case bits == 16:
		w.rr(16, []byte{0x69}, dst, src)
		w.emitU16(uint16(imm))
	default:
		w.rr(bits, []byte{0x69}, dst, src)
		w.emitU32(uint32(imm))
	}
}

func (w *Writer) Not(bits int, dst Reg) { w.unary(2, bits, dst) }
func (w *Writer) Neg(bits int, dst Reg) { w.unary(3, bits, dst) }

func (w *Writer) unary(ext byte, bits int, dst Reg) {
	op := byte(0xF7)
	if bits == 8 {
		op = 0xF6
	}
	w.ext(bits, []byte{op}, ext, dst)
}

// Cqo sign-extends rax into rdx:rax.
func (w *Writer) Cqo() { w.emitBytes(0x48, 0x99) }

// Idiv divides rdx:rax by the 64-bit src.
func (w *Writer) Idiv(src Reg) { w.ext(64, []byte{0xF7}, 7, src) }

// Div is the unsigned variant of Idiv.
func (w *Writer) Div(src Reg) { w.ext(64, []byte{0xF7}, 6, src) }

// ShiftOp is the /digit of the group-2 shift instructions.
type ShiftOp byte

const (
	SHL ShiftOp = 4
	SHR ShiftOp = 5
	SAR ShiftOp = 7
)

func (w *Writer) ShiftRI(op ShiftOp, bits int, dst Reg, n uint8) {
	opc := byte(0xC1)
	if bits == 8 {
		opc = 0xC0
	}
	w.ext(bits, []byte{opc}, byte(op), dst)
	w.emitByte(n)
}

// ShiftRCL shifts dst by cl.
func (w *Writer) ShiftRCL(op ShiftOp, bits int, dst Reg) {
	opc := byte(0xD3)
	if bits == 8 {
		opc = 0xD2
	}
	w.ext(bits, []byte{opc}, byte(op), dst)
}

// Setcc writes 0/1 into the low byte of dst.
func (w *Writer) Setcc(cc Cc, dst Reg) {
	w.ext(8, []byte{0x0F, 0x90 | byte(cc)}, 0, dst)
}

// --- Control flow ---

func (w *Writer) Jcc(cc Cc, l Label) {
	w.emitBytes(0x0F, 0x80|byte(cc))
	w.AddFixup(l)
	w.emitU32(0)
}

func (w *Writer) Jmp(l Label) {
	w.emitByte(0xE9)
	w.AddFixup(l)
	w.emitU32(0)
}

// CallRel32 emits a call with an empty displacement and returns its
// position for the linker.
func (w *Writer) CallRel32() int {
	w.emitByte(0xE8)
	pos := w.Pos()
	w.emitU32(0)
	return pos
}

func (w *Writer) CallR(r Reg) {
	w.rex(false, NoReg, NoReg, r, false)
	w.emitByte(0xFF)
	w.modrmReg(2, r)
}

func (w *Writer) Push(r Reg) {
	w.rex(false, NoReg, NoReg, r, false)
	w.emitByte(0x50 | byte(r&7))
}

func (w *Writer) Pop(r Reg) {
	w.rex(false, NoReg, NoReg, r, false)
	w.emitByte(0x58 | byte(r&7))
}

// PushM and PopM move a qword between memory operands without a register.
func (w *Writer) PushM(m Mem) {
	w.rex(false, NoReg, m.Index, m.Base, false)
	w.emitByte(0xFF)
	w.modrmMem(6, m)
}

func (w *Writer) PopM(m Mem) {
	w.rex(false, NoReg, m.Index, m.Base, false)
	w.emitByte(0x8F)
	w.modrmMem(0, m)
}

func (w *Writer) Ret() { w.emitByte(0xC3) }
