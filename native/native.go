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

// Package native holds linked code in executable memory and calls into it.
package native

import "errors"

// MaxArgs is the number of integer arguments Call can pass.
const MaxArgs = 16

// ErrUnsupported is returned on platforms without the call trampoline.
var ErrUnsupported = errors.New("native code execution is only supported on linux/amd64")

// ErrTooManyArgs is returned by Call for more than MaxArgs arguments.
var ErrTooManyArgs = errors.New("too many arguments for a native call")

// Memory is a page-aligned mapping. It is writable until sealed and
// executable afterwards, never both.
type Memory struct {
	buf    []byte
	sealed bool
}

func (m *Memory) Len() int { return len(m.buf) }

func (m *Memory) Sealed() bool { return m.sealed }
