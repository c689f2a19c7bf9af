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
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/launix-de/irjit/cache"
	"github.com/launix-de/irjit/diag"
	"github.com/launix-de/irjit/ir"
	"github.com/launix-de/irjit/link"
)

func quiet() *log.Logger { return log.NewWithOptions(io.Discard, log.Options{}) }

func static() ir.Directives { return ir.Directives{Static: true} }

func addFn(name string) *ir.Function {
	f := ir.NewFunction(name, ir.I64, static(), ir.I64, ir.I64)
	b := ir.NewBuilder(f)
	b.Ret(b.Add(b.P(0), b.P(1)))
	return f
}

func compile(t *testing.T, be *Backend, fns ...*ir.Function) *Result {
	t.Helper()
	res, err := be.Compile(context.Background(), fns)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return res
}

func expectKind(t *testing.T, err error, kind diag.Kind) {
	t.Helper()
	if k, ok := diag.KindOf(err); !ok || k != kind {
		t.Fatalf("expected %s error, got %v", kind, err)
	}
}

func TestCompileResult(t *testing.T) {
	inl := ir.NewFunction("twice", ir.I64, ir.Directives{Static: true, Inline: true}, ir.I64)
	b := ir.NewBuilder(inl)
	b.Ret(b.Add(b.P(0), b.P(0)))
	f := ir.NewFunction("f", ir.I64, static(), ir.I64)
	b = ir.NewBuilder(f)
	b.Ret(b.Call(ir.I64, "twice", b.P(0)))

	res := compile(t, &Backend{Log: quiet()}, inl, f, addFn("add"))
	if len(res.Blocks) != 2 || res.Block("twice") != nil {
		t.Fatalf("inline function emitted: %d blocks", len(res.Blocks))
	}
	if res.Block("f") == nil || res.Block("add") == nil {
		t.Fatalf("missing blocks")
	}
	if _, ok := res.Sigs["twice"]; ok {
		t.Errorf("inline function listed as callable")
	}
	if res.Size < len(res.Block("f").Code)+len(res.Block("add").Code) {
		t.Errorf("size %d too small", res.Size)
	}
	listing := res.Listing()
	if !strings.Contains(listing, "f.ENTRY_DEFAULT:") || !strings.Contains(listing, "add.ENTRY_DEFAULT:") {
		t.Errorf("listing:\n%s", listing)
	}
}

func TestCompileErrors(t *testing.T) {
	be := &Backend{Log: quiet()}
	ctx := context.Background()

	noTerm := ir.NewFunction("broken", ir.I64, static())
	ir.NewBuilder(noTerm)
	_, err := be.Compile(ctx, []*ir.Function{addFn("ok"), noTerm})
	expectKind(t, err, diag.ErrVerify)

	float := ir.NewFunction("float", ir.F64, static(), ir.F64)
	b := ir.NewBuilder(float)
	b.Ret(b.P(0))
	_, err = be.Compile(ctx, []*ir.Function{float})
	expectKind(t, err, diag.ErrSelection)

	wide := ir.NewFunction("wide", ir.I64, static(), i64list(17)...)
	b = ir.NewBuilder(wide)
	b.Ret(b.P(16))
	_, err = be.Compile(ctx, []*ir.Function{wide})
	expectKind(t, err, diag.ErrCallingConvention)

	caller := func() *ir.Function {
		f := ir.NewFunction("caller", ir.I64, static(), ir.I64)
		b := ir.NewBuilder(f)
		b.Ret(b.CallFFI(ir.I64, "nowhere", b.P(0)))
		return f
	}
	res, err := be.Compile(ctx, []*ir.Function{caller()})
	expectKind(t, err, diag.ErrLink)
	if res != nil {
		t.Errorf("partial result returned")
	}
	var de *diag.Error
	if e, ok := err.(*diag.Error); ok {
		de = e
	}
	if de == nil || de.Func != "caller" || de.Symbol != "nowhere" {
		t.Errorf("link error lacks context: %v", err)
	}

	// a registered routine resolves
	reg := link.NewRegistry()
	reg.Register("nowhere", 0x1000, ir.I64, ir.I64)
	if _, err := (&Backend{Registry: reg, Log: quiet()}).Compile(ctx, []*ir.Function{caller()}); err != nil {
		t.Errorf("registered routine: %v", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := be.Compile(canceled, []*ir.Function{addFn("x")}); err != context.Canceled {
		t.Errorf("canceled compile: %v", err)
	}
}

func i64list(n int) []ir.Type {
	ts := make([]ir.Type, n)
	for k := range ts {
		ts[k] = ir.I64
	}
	return ts
}

func TestCompileUsesCache(t *testing.T) {
	store, err := cache.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c, err := cache.New(store, "lz4")
	if err != nil {
		t.Fatal(err)
	}
	be := &Backend{Cache: c, Log: quiet()}
	hits := Stats.CacheHits.Load()
	misses := Stats.CacheMisses.Load()
	first := compile(t, be, addFn("a"), addFn("b"))
	if got := Stats.CacheMisses.Load() - misses; got != 2 {
		t.Errorf("%d misses on a cold cache", got)
	}
	second := compile(t, be, addFn("a"), addFn("b"))
	if got := Stats.CacheHits.Load() - hits; got != 2 {
		t.Errorf("%d hits on a warm cache", got)
	}
	for k := range first.Blocks {
		if !bytes.Equal(first.Blocks[k].Code, second.Blocks[k].Code) {
			t.Errorf("cached %s differs", first.Blocks[k].Name)
		}
	}
	if first.ID == second.ID {
		t.Errorf("batches share an ID")
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestParallelCompileIsDeterministic(t *testing.T) {
	var fns []*ir.Function
	for k := 0; k < 12; k++ {
		fns = append(fns, addFn(fmt.Sprintf("f%d", k)))
	}
	seq := compile(t, &Backend{Log: quiet()}, fns...)

	old := Settings.Parallel
	Settings.Parallel = true
	defer func() { Settings.Parallel = old }()
	var out syncBuffer
	logger := log.NewWithOptions(&out, log.Options{Level: log.DebugLevel})
	par := compile(t, &Backend{Log: logger}, fns...)

	for k := range seq.Blocks {
		if seq.Blocks[k].Name != par.Blocks[k].Name || !bytes.Equal(seq.Blocks[k].Code, par.Blocks[k].Code) {
			t.Errorf("block %d differs between sequential and parallel compile", k)
		}
	}
	// every worker logged with the batch ID it inherited
	id := short(par.ID)
	for _, f := range fns {
		found := false
		for _, line := range strings.Split(out.String(), "\n") {
			if strings.Contains(line, "func="+f.Name+" ") && strings.Contains(line, "batch="+id) {
				found = true
			}
		}
		if !found {
			t.Errorf("no log line for %s in batch %s:\n%s", f.Name, id, out.String())
		}
	}
	if _, ok := BatchID(); ok {
		t.Errorf("batch ID leaked out of Compile")
	}
}

func TestTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.json")
	oldFile := Settings.TraceFile
	Settings.TraceFile = path
	defer func() { Settings.TraceFile = oldFile }()
	if err := SetTrace(true); err != nil {
		t.Fatal(err)
	}
	compile(t, &Backend{Log: quiet()}, addFn("traced"))
	CurrentTrace().Event("mark", "test", "i")
	if err := SetTrace(false); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var events []struct {
		Name  string `json:"name"`
		Ph    string `json:"ph"`
		Scope string `json:"s"`
	}
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("trace is not valid JSON: %v\n%s", err, data)
	}
	count := map[string]int{}
	for _, e := range events {
		count[e.Name+"/"+e.Ph]++
		if (e.Ph == "i") != (e.Scope == "g") {
			t.Errorf("event %s/%s has scope %q", e.Name, e.Ph, e.Scope)
		}
	}
	if count["mark/i"] != 1 {
		t.Errorf("instant event missing: %v", count)
	}
	for _, name := range []string{"verify", "lower", "traced", "select", "allocate", "emit", "link"} {
		if count[name+"/B"] != 1 || count[name+"/E"] != 1 {
			t.Errorf("span %s: %v", name, count)
		}
	}
	if CurrentTrace() != nil {
		t.Errorf("trace still open")
	}
}

func TestChangeSettings(t *testing.T) {
	saved := Settings
	defer func() {
		Settings = saved
		applyMaxArgs()
		applyLogLevel()
	}()

	all, err := ChangeSettings()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := all.(map[string]any)["Parallel"]; !ok {
		t.Errorf("listing lacks Parallel: %v", all)
	}
	if _, err := ChangeSettings("Parallel", "true"); err != nil {
		t.Fatal(err)
	}
	if v, _ := ChangeSettings("Parallel"); v != true {
		t.Errorf("Parallel = %v", v)
	}
	if _, err := ChangeSettings("MaxArgs", "99"); err == nil {
		t.Errorf("MaxArgs above the trampoline limit accepted")
	}
	if v, _ := ChangeSettings("MaxArgs"); v != saved.MaxArgs {
		t.Errorf("failed update changed MaxArgs to %v", v)
	}
	if _, err := ChangeSettings("LogLevel", "loud"); err == nil {
		t.Errorf("bad log level accepted")
	}
	if _, err := ChangeSettings("LogLevel", "debug"); err != nil {
		t.Error(err)
	}
	if _, err := ChangeSettings("Compression", "zip"); err == nil {
		t.Errorf("bad compression accepted")
	}
	if v, _ := ChangeSettings("Compression"); v != saved.Cache.Compression {
		t.Errorf("failed update changed Compression to %v", v)
	}
	if _, err := ChangeSettings("Nope"); err == nil {
		t.Errorf("unknown key accepted")
	}
	if _, err := ChangeSettings("Nope", "1"); err == nil {
		t.Errorf("unknown key accepted")
	}
}

func TestLoadSettings(t *testing.T) {
	saved := Settings
	defer func() { Settings = saved }()
	path := filepath.Join(t.TempDir(), "settings.json")
	os.WriteFile(path, []byte(`{"logLevel": "warn", "parallel": true, "cache": {"backend": "file", "dir": "/tmp/x"}}`), 0600)
	if err := LoadSettings(path); err != nil {
		t.Fatal(err)
	}
	if Settings.LogLevel != "warn" || !Settings.Parallel || Settings.Cache.Backend != "file" || Settings.Cache.Compression != "lz4" {
		t.Errorf("settings %+v", Settings)
	}
}

func TestExtend(t *testing.T) {
	cases := []struct {
		v    int64
		t    ir.Type
		want int64
	}{
		{0x1ff, ir.I8, -1},
		{0x1ff, ir.U8, 0xff},
		{0x18000, ir.I16, -32768},
		{0x18000, ir.U16, 0x8000},
		{-1, ir.U32, 0xffffffff},
		{0x80000000, ir.I32, -2147483648},
		{-5, ir.I64, -5},
		{0x102, ir.Bool, 2},
		{1234, ir.Void, 0},
	}
	for _, c := range cases {
		if got := Extend(c.v, c.t); got != c.want {
			t.Errorf("Extend(%#x, %s) = %d, want %d", c.v, c.t, got, c.want)
		}
	}
}
