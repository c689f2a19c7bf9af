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

// Package diag holds the error taxonomy shared by all compilation stages.
// Stages abort with Fail (a panic carrying *Error); the batch boundary turns
// the panic back into an error with Recover.
package diag

import (
	"errors"
	"fmt"
	"strings"
)

type Kind uint8

const (
	ErrVerify Kind = iota
	ErrSelection
	ErrAllocation
	ErrCallingConvention
	ErrLink
)

func (k Kind) String() string {
	switch k {
	case ErrVerify:
		return "verify"
	case ErrSelection:
		return "selection"
	case ErrAllocation:
		return "allocation"
	case ErrCallingConvention:
		return "calling convention"
	case ErrLink:
		return "link"
	}
	return "unknown"
}

// Error is fatal to the whole batch it was raised in.
type Error struct {
	Kind    Kind
	Func    string // function being compiled or referencing function
	Instr   string // offending instruction, printed
	Operand string
	Symbol  string // unresolved symbol (link errors)
	Msg     string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Func != "" {
		b.WriteString(" in ")
		b.WriteString(e.Func)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	if e.Instr != "" {
		b.WriteString(" [")
		b.WriteString(e.Instr)
		b.WriteString("]")
	}
	if e.Operand != "" {
		b.WriteString(" operand ")
		b.WriteString(e.Operand)
	}
	if e.Symbol != "" {
		b.WriteString(" symbol ")
		b.WriteString(e.Symbol)
	}
	return b.String()
}

// Is matches any *Error of the same kind so callers can write
// errors.Is(err, &diag.Error{Kind: diag.ErrLink}).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// Fail aborts the current stage.
func Fail(kind Kind, fn string, format string, args ...any) {
	panic(&Error{Kind: kind, Func: fn, Msg: fmt.Sprintf(format, args...)})
}

// Raise aborts with a fully populated error.
func Raise(e *Error) {
	panic(e)
}

// Recover is deferred at a stage boundary. Only *Error panics are converted,
// everything else is a bug and keeps unwinding.
func Recover(err *error) {
	if r := recover(); r != nil {
		if e, ok := r.(*Error); ok {
			*err = e
			return
		}
		panic(r)
	}
}

// KindOf reports the kind of a diag error inside err.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
