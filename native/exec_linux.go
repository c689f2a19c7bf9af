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

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"
)

// Alloc maps size bytes, rounded up to whole pages, read-write.
func Alloc(size int) (*Memory, error) {
	if size <= 0 {
		size = 1
	}
	page := syscall.Getpagesize()
	n := (size + page - 1) & ^(page - 1)
	b, err := syscall.Mmap(-1, 0, n, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_PRIVATE|syscall.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", n, err)
	}
	return &Memory{buf: b}, nil
}

// Addr is where the mapping starts; code linked for this base runs here.
func (m *Memory) Addr() uintptr {
	return uintptr(unsafe.Pointer(&m.buf[0]))
}

// Write copies code to the start of the mapping.
func (m *Memory) Write(code []byte) error {
	if m.sealed {
		return errors.New("native: memory is sealed")
	}
	if len(code) > len(m.buf) {
		return fmt.Errorf("native: %d bytes do not fit into %d", len(code), len(m.buf))
	}
	copy(m.buf, code)
	return nil
}

// Seal switches the mapping to read+execute.
func (m *Memory) Seal() error {
	if err := syscall.Mprotect(m.buf, syscall.PROT_READ|syscall.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect: %w", err)
	}
	m.sealed = true
	return nil
}

func (m *Memory) Free() error {
	if m.buf == nil {
		return nil
	}
	err := syscall.Munmap(m.buf)
	m.buf = nil
	return err
}
