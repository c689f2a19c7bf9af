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

// Type is the value type of an IR value. Every integer type has a fixed
// width; pointer-sized types are 64 bit on the only supported target.
type Type uint8

const (
	Void Type = iota
	Bool
	I8
	I16
	I32
	I64
	U8
	U16
	U32
	U64
	PInt // pointer-sized signed integer
	RPtr // raw pointer
	Ref  // boxed reference
	F64  // accepted by the IR, rejected by selection
)

var typeNames = [...]string{
	Void: "void", Bool: "bool",
	I8: "i8", I16: "i16", I32: "i32", I64: "i64",
	U8: "u8", U16: "u16", U32: "u32", U64: "u64",
	PInt: "pint", RPtr: "rptr", Ref: "ref", F64: "f64",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "?"
}

// Bits is the declared width; only that many low bits of a register holding
// the value are meaningful.
func (t Type) Bits() int {
	switch t {
	case Bool, I8, U8:
		return 8
	case I16, U16:
		return 16
	case I32, U32:
		return 32
	case I64, U64, PInt, RPtr, Ref, F64:
		return 64
	}
	return 0
}

func (t Type) Bytes() int {
	return t.Bits() / 8
}

func (t Type) Signed() bool {
	switch t {
	case I8, I16, I32, I64, PInt:
		return true
	}
	return false
}

// IsInt covers every type held in a general purpose register.
func (t Type) IsInt() bool {
	return t >= Bool && t <= Ref
}

func (t Type) IsFloat() bool {
	return t == F64
}

// ParseType accepts the names printed by String plus a few aliases.
func ParseType(s string) (Type, bool) {
	for i, n := range typeNames {
		if n == s {
			return Type(i), true
		}
	}
	switch s {
	case "puint":
		return U64, true
	case "ptr", "pointer":
		return RPtr, true
	case "box", "boxt":
		return Ref, true
	case "int", "int64":
		return I64, true
	}
	return Void, false
}
