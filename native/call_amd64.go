//go:build linux

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
package native

// callSysV runs fn on a stack carved out of its own 64 KiB frame. The
// first six arguments go to rdi rsi rdx rcx r8 r9, the rest to the stack,
// ctx to r10.
//
//go:noescape
func callSysV(fn, ctx uintptr, args *[MaxArgs]int64) int64

// Call invokes the function at fn with integer arguments. ctx is the VM
// context for compiled entries; foreign entries ignore it.
func Call(fn, ctx uintptr, args ...int64) (int64, error) {
	if len(args) > MaxArgs {
		return 0, ErrTooManyArgs
	}
	var a [MaxArgs]int64
	copy(a[:], args)
	return callSysV(fn, ctx, &a), nil
}
