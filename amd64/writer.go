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

import "encoding/binary"

// Label identifies a code position inside one Writer.
type Label int32

// Fixup is a pending rel32 reference to a label.
type Fixup struct {
	CodePos int32 // position of the 4 byte displacement
	Label   Label
}

// Writer accumulates the code of one function. Positions are offsets into
// Code; absolute addresses only exist after linking.
type Writer struct {
	Code   []byte
	labels []int32
	fixups []Fixup
}

func NewWriter() *Writer {
	return &Writer{Code: make([]byte, 0, 256)}
}

func (w *Writer) Pos() int { return len(w.Code) }

// DefineLabel allocates a new label at the current write position.
func (w *Writer) DefineLabel() Label {
	w.labels = append(w.labels, int32(len(w.Code)))
	return Label(len(w.labels) - 1)
}

// ReserveLabel allocates a label for later placement via MarkLabel.
func (w *Writer) ReserveLabel() Label {
	w.labels = append(w.labels, -1) // undefined until MarkLabel
	return Label(len(w.labels) - 1)
}

func (w *Writer) MarkLabel(l Label) {
	w.labels[l] = int32(len(w.Code))
}

// LabelPos is -1 while the label is unplaced.
func (w *Writer) LabelPos(l Label) int { return int(w.labels[l]) }

// AddFixup records that the next 4 bytes are a rel32 to l.
func (w *Writer) AddFixup(l Label) {
	w.fixups = append(w.fixups, Fixup{CodePos: int32(len(w.Code)), Label: l})
}

// ResolveFixups patches all recorded label references.
func (w *Writer) ResolveFixups() {
	for _, f := range w.fixups {
		target := w.labels[f.Label]
		if target < 0 {
			panic("amd64: undefined label")
		}
		offset := target - (f.CodePos + 4)
		binary.LittleEndian.PutUint32(w.Code[f.CodePos:], uint32(offset))
	}
	w.fixups = w.fixups[:0]
}

// --- Raw emission ---

func (w *Writer) emitByte(b byte) {
	w.Code = append(w.Code, b)
}

func (w *Writer) emitBytes(bs ...byte) {
	w.Code = append(w.Code, bs...)
}

func (w *Writer) emitU16(v uint16) {
	w.Code = binary.LittleEndian.AppendUint16(w.Code, v)
}

func (w *Writer) emitU32(v uint32) {
	w.Code = binary.LittleEndian.AppendUint32(w.Code, v)
}

func (w *Writer) emitU64(v uint64) {
	w.Code = binary.LittleEndian.AppendUint64(w.Code, v)
}

// Align pads with int3 up to a multiple of n.
func (w *Writer) Align(n int) {
	for len(w.Code)%n != 0 {
		w.emitByte(0xCC)
	}
}
