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

import (
	"fmt"
	"strings"
)

// DirectivePrefix marks a directive line in source comments.
const DirectivePrefix = "tachyon:"

// Header is a parsed directive block: flags plus declared argument and
// return types.
type Header struct {
	Dir      Directives
	ArgNames []string
	ArgTypes []Type
	RetType  Type
}

// ParseDirectives reads lines such as "tachyon:arg n pint", "tachyon:ret i32",
// "tachyon:static". Lines without the prefix are ignored.
func ParseDirectives(lines ...string) (Header, error) {
	var h Header
	for _, line := range lines {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "//")
		line = strings.Trim(strings.TrimSpace(line), "\";")
		if !strings.HasPrefix(line, DirectivePrefix) {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, DirectivePrefix))
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "static":
			h.Dir.Static = true
		case "inline":
			h.Dir.Inline = true
		case "noglobal", "nocontext":
			h.Dir.NoContext = true
		case "cproxy", "foreign":
			h.Dir.Foreign = true
		case "bridge":
			h.Dir.Bridge = true
		case "arg":
			if len(fields) != 3 {
				return h, fmt.Errorf("directive %q: want arg NAME TYPE", line)
			}
			t, ok := ParseType(fields[2])
			if !ok {
				return h, fmt.Errorf("directive %q: unknown type %s", line, fields[2])
			}
			h.ArgNames = append(h.ArgNames, fields[1])
			h.ArgTypes = append(h.ArgTypes, t)
		case "ret":
			if len(fields) != 2 {
				return h, fmt.Errorf("directive %q: want ret TYPE", line)
			}
			t, ok := ParseType(fields[1])
			if !ok {
				return h, fmt.Errorf("directive %q: unknown type %s", line, fields[1])
			}
			h.RetType = t
		default:
			return h, fmt.Errorf("unknown directive %q", fields[0])
		}
	}
	return h, nil
}

// NewFunctionFromHeader creates a function whose named parameters follow
// the declared argument types.
func NewFunctionFromHeader(name string, h Header) *Function {
	f := NewFunction(name, h.RetType, h.Dir, h.ArgTypes...)
	for i, p := range f.Params {
		p.Name = h.ArgNames[i]
	}
	return f
}
