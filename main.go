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

/*
	irjit compiles integer Go functions to x86-64 machine code and runs them

	irjit [flags] file.go
*/
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"go/ast"
	"go/importer"
	"go/parser"
	"go/token"
	"go/types"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/launix-de/irjit/backend"
	"github.com/launix-de/irjit/emit"
	"github.com/launix-de/irjit/golower"
	"github.com/launix-de/irjit/ir"
)

// loadFile parses a single Go file and lowers its integer functions.
func loadFile(path string) ([]*ir.Function, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return loadSource(path, src)
}

func loadSource(filename string, src []byte) ([]*ir.Function, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.ParseComments)
	if err != nil {
		return nil, err
	}
	conf := &types.Config{Importer: importer.ForCompiler(fset, "source", nil)}
	pkg, _, err := ssautil.BuildPackage(conf, fset, types.NewPackage(file.Name.Name, file.Name.Name), []*ast.File{file}, ssa.SanityCheckFunctions)
	if err != nil {
		return nil, err
	}
	return golower.Package(pkg)
}

// parseArgs reads a comma separated argument list; 0x and 0b prefixes work.
func parseArgs(list string) ([]int64, error) {
	var result []int64
	for _, s := range strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ' ' }) {
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", s, err)
		}
		result = append(result, v)
	}
	return result, nil
}

// session holds the currently loaded program of one source file. reload
// swaps it atomically for callers.
type session struct {
	path string
	be   *backend.Backend

	mu    sync.Mutex
	batch []*ir.Function
	res   *backend.Result
	prog  *backend.Program
}

func newSession(path string, be *backend.Backend) *session {
	return &session{path: path, be: be}
}

func (s *session) reload(ctx context.Context) error {
	batch, err := loadFile(s.path)
	if err != nil {
		return err
	}
	res, err := s.be.Compile(ctx, batch)
	if err != nil {
		return err
	}
	prog, err := s.be.Load(res)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.prog
	s.batch, s.res, s.prog = batch, res, prog
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (s *session) call(name string, args ...int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prog == nil {
		return 0, fmt.Errorf("nothing loaded")
	}
	return s.prog.Call(name, args...)
}

func (s *session) listing(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.res == nil {
		return ""
	}
	if name == "" {
		return s.res.Listing()
	}
	var b strings.Builder
	for _, cb := range s.res.Blocks {
		if cb.Name == name {
			b.WriteString(emit.Disassemble(cb))
		}
	}
	return b.String()
}

// where names the loaded code at addr, e.g. the fault address of a crash.
func (s *session) where(addr uintptr) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prog == nil {
		return "", fmt.Errorf("nothing loaded")
	}
	loc, ok := s.prog.Image.Lookup(addr)
	if !ok {
		return "", fmt.Errorf("%#x is not in the loaded code", addr)
	}
	return loc.String(), nil
}

func (s *session) ir(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, f := range s.batch {
		if name == "" || f.Name == name {
			b.WriteString(f.String())
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prog != nil {
		s.prog.Close()
		s.prog = nil
	}
}

func printStats(w io.Writer) {
	p := message.NewPrinter(language.English)
	stats := backend.Stats.Snapshot()
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "bytes" {
			p.Fprintf(w, "%-14s %s\n", k, units.HumanSize(float64(stats[k])))
		} else {
			p.Fprintf(w, "%-14s %d\n", k, stats[k])
		}
	}
}

func fatal(msg string, err error) {
	backend.Log.Error(msg, "err", err)
	exitroutine()
	os.Exit(1)
}

func main() {
	runFn := flag.String("run", "", "call this function after compiling")
	argList := flag.String("args", "", "comma separated integer arguments for -run")
	asm := flag.Bool("S", false, "print the disassembly")
	watchFile := flag.Bool("watch", false, "recompile whenever the source file changes")
	repl := flag.Bool("repl", false, "open an interactive prompt")
	traceFile := flag.String("trace", "", "write a chrome trace of the compiler stages to this file")
	settingsFile := flag.String("settings", "", "JSON settings file")
	logLevel := flag.String("loglevel", "", "debug, info, warn or error")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: irjit [flags] file.go\n")
		flag.PrintDefaults()
		os.Exit(2)
	}

	uuid.SetRand(rand.Reader)
	if *settingsFile != "" {
		if err := backend.LoadSettings(*settingsFile); err != nil {
			fatal("loading settings", err)
		}
	}
	if *traceFile != "" {
		backend.Settings.Trace = true
		backend.Settings.TraceFile = *traceFile
	}
	if *logLevel != "" {
		backend.Settings.LogLevel = *logLevel
	}
	if err := backend.InitSettings(); err != nil {
		fatal("settings", err)
	}

	cancelChan := make(chan os.Signal, 1)
	signal.Notify(cancelChan, syscall.SIGTERM, syscall.SIGINT)
	ctx, cancel := context.WithCancel(context.Background())
	go (func() {
		<-cancelChan
		cancel()
		exitroutine()
		os.Exit(1)
	})()

	s := newSession(flag.Arg(0), backend.New(nil))
	current = s
	if err := s.reload(ctx); err != nil {
		fatal("compiling "+s.path, err)
	}
	if *asm {
		fmt.Print(s.listing(*runFn))
	}
	if *runFn != "" {
		args, err := parseArgs(*argList)
		if err != nil {
			fatal("-args", err)
		}
		result, err := s.call(*runFn, args...)
		if err != nil {
			fatal("calling "+*runFn, err)
		}
		fmt.Println(result)
	}
	if *watchFile {
		if err := watch(ctx, s, os.Stdout); err != nil {
			fatal("watching "+s.path, err)
		}
	}
	if *repl {
		if err := s.repl(os.Stdout); err != nil {
			fatal("prompt", err)
		}
	} else if *watchFile {
		<-ctx.Done()
	}
	if backend.Log.GetLevel() <= log.DebugLevel {
		printStats(os.Stderr)
	}
	exitroutine()
}

var current *session
var exitOnce sync.Once

func exitroutine() {
	exitOnce.Do(func() {
		if replInstance != nil {
			replInstance.Close()
		}
		if current != nil {
			current.close()
		}
		backend.SetTrace(false)
		backend.SharedCache().Close()
	})
}
