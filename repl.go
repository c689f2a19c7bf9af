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
package main

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/launix-de/irjit/backend"
)

const newprompt = "\033[32m>\033[0m "
const resultprompt = "\033[31m=\033[0m "

var replInstance *readline.Instance

const replHelp = `fn arg...          call fn
:S [fn]            disassemble
:ir [fn]           print the IR
:where addr        name the code at a machine address
:reload            recompile the source file
:set [key [value]] list, read or change settings
:stats             compiler counters
:help              this text
`

func (s *session) repl(w io.Writer) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            newprompt,
		HistoryFile:       ".irjit-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	replInstance = l
	defer l.Close()
	l.CaptureExitSignal()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		} else if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// anti-panic func
		func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Fprintln(w, "panic:", r, string(debug.Stack()))
				}
			}()
			if err := s.exec(line, w); err != nil {
				fmt.Fprintln(w, "error:", err)
			}
		}()
	}
}

// exec runs one prompt line.
func (s *session) exec(line string, w io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	arg := func(k int) string {
		if k < len(fields) {
			return fields[k]
		}
		return ""
	}
	switch fields[0] {
	case ":help":
		fmt.Fprint(w, replHelp)
	case ":S":
		fmt.Fprint(w, s.listing(arg(1)))
	case ":ir":
		fmt.Fprint(w, s.ir(arg(1)))
	case ":where":
		addr, err := strconv.ParseUint(arg(1), 0, 64)
		if err != nil {
			return fmt.Errorf("address %q: %w", arg(1), err)
		}
		loc, err := s.where(uintptr(addr))
		if err != nil {
			return err
		}
		fmt.Fprintln(w, resultprompt+loc)
	case ":reload":
		if err := s.reload(context.Background()); err != nil {
			return err
		}
		fmt.Fprintln(w, "reloaded", s.path)
	case ":stats":
		printStats(w)
	case ":set":
		v, err := backend.ChangeSettings(fields[1:]...)
		if err != nil {
			return err
		}
		if m, ok := v.(map[string]any); ok {
			for _, k := range sortedKeys(m) {
				fmt.Fprintf(w, "%-14s %v\n", k, m[k])
			}
		} else {
			fmt.Fprintln(w, resultprompt+fmt.Sprint(v))
		}
	default:
		if strings.HasPrefix(fields[0], ":") {
			return fmt.Errorf("unknown command %s, try :help", fields[0])
		}
		args, err := parseArgs(strings.Join(fields[1:], ","))
		if err != nil {
			return err
		}
		result, err := s.call(fields[0], args...)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, resultprompt+fmt.Sprint(result))
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
