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

// Package backend drives a batch of IR functions through the pipeline:
// verify, lower, then select, allocate and emit per function, and finally
// link. Load places a compiled batch into executable memory.
package backend

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/jtolds/gls"

	"github.com/launix-de/irjit/cache"
	"github.com/launix-de/irjit/emit"
	"github.com/launix-de/irjit/ir"
	"github.com/launix-de/irjit/isel"
	"github.com/launix-de/irjit/link"
	"github.com/launix-de/irjit/lower"
	"github.com/launix-de/irjit/mach"
	"github.com/launix-de/irjit/regalloc"
)

// Counters are process-wide and only ever grow.
type Counters struct {
	Batches     atomic.Int64
	Functions   atomic.Int64
	Spills      atomic.Int64
	Bytes       atomic.Int64
	CacheHits   atomic.Int64
	CacheMisses atomic.Int64
}

var Stats Counters

func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"batches":      c.Batches.Load(),
		"functions":    c.Functions.Load(),
		"spills":       c.Spills.Load(),
		"bytes":        c.Bytes.Load(),
		"cache_hits":   c.CacheHits.Load(),
		"cache_misses": c.CacheMisses.Load(),
	}
}

var mgr = gls.NewContextManager()

const batchKey = "irjit.batch"

// BatchID is the ID of the batch the calling goroutine compiles for.
func BatchID() (uuid.UUID, bool) {
	v, ok := mgr.GetValue(batchKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

func short(id uuid.UUID) string {
	return id.String()[:8]
}

// Result is a compiled, link-checked batch.
type Result struct {
	ID      uuid.UUID
	Blocks  []*emit.CodeBlock
	Sigs    map[string]ir.Signature // functions of the batch
	Size    int                     // bytes of the linked image
	Elapsed time.Duration
}

func (r *Result) Block(name string) *emit.CodeBlock {
	for _, cb := range r.Blocks {
		if cb.Name == name {
			return cb
		}
	}
	return nil
}

// Listing disassembles every block of the batch.
func (r *Result) Listing() string {
	var b strings.Builder
	for _, cb := range r.Blocks {
		b.WriteString(emit.Disassemble(cb))
		b.WriteString("\n")
	}
	return b.String()
}

type Backend struct {
	Registry *link.Registry // foreign routines, may be nil
	Cache    *cache.Cache   // nil disables caching
	Log      *log.Logger
}

// New returns a backend with the cache configured in Settings.
func New(reg *link.Registry) *Backend {
	return &Backend{Registry: reg, Cache: SharedCache(), Log: Log}
}

func (be *Backend) resolver() link.Resolver {
	if be.Registry == nil {
		return nil
	}
	return be.Registry
}

func (be *Backend) logger() *log.Logger {
	if be.Log == nil {
		return Log
	}
	return be.Log
}

// Compile translates a batch. Any error is fatal to the whole batch and
// no partial result is returned.
func (be *Backend) Compile(ctx context.Context, batch []*ir.Function) (*Result, error) {
	started := time.Now()
	res := &Result{ID: uuid.New(), Sigs: map[string]ir.Signature{}}
	logger := be.logger().With("batch", short(res.ID))
	tr := CurrentTrace()
	Stats.Batches.Add(1)

	var err error
	tr.Duration("verify", "compile", 0, func() {
		for _, f := range batch {
			if err = ir.Verify(f); err != nil {
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}
	var funcs []*ir.Function
	tr.Duration("lower", "compile", 0, func() {
		funcs, err = lower.Run(batch)
	})
	if err != nil {
		return nil, err
	}

	sigs := map[string]ir.Signature{}
	if be.Registry != nil {
		sigs = be.Registry.Signatures()
	}
	for _, f := range batch {
		sigs[f.Name] = f.Signature()
	}
	for _, f := range funcs {
		res.Sigs[f.Name] = f.Signature()
	}

	res.Blocks = make([]*emit.CodeBlock, len(funcs))
	mgr.SetValues(gls.Values{batchKey: res.ID}, func() {
		if Settings.Parallel && len(funcs) > 1 {
			err = be.compileParallel(ctx, funcs, sigs, res.Blocks)
		} else {
			for k := range funcs {
				if err = be.compileOne(ctx, funcs[k], sigs, res.Blocks, k, 0); err != nil {
					return
				}
			}
		}
	})
	if err != nil {
		logger.Error("batch failed", "err", err)
		return nil, err
	}

	tr.Duration("link", "compile", 0, func() {
		_, err = link.Link(res.Blocks, 0, be.resolver())
	})
	if err != nil {
		logger.Error("batch failed", "err", err)
		return nil, err
	}
	_, res.Size = link.Layout(res.Blocks)
	res.Elapsed = time.Since(started)
	logger.Info("batch compiled", "functions", len(funcs), "size", units.HumanSize(float64(res.Size)), "elapsed", res.Elapsed)
	return res, nil
}

// compileParallel runs one goroutine per function. gls.Go carries the
// batch ID over.
func (be *Backend) compileParallel(ctx context.Context, funcs []*ir.Function, sigs map[string]ir.Signature, out []*emit.CodeBlock) error {
	type done struct {
		k   int
		err error
	}
	ch := make(chan done, len(funcs))
	for k := range funcs {
		gls.Go(func(k int) func() {
			return func() {
				defer func() {
					if r := recover(); r != nil {
						ch <- done{k, fmt.Errorf("compiling %s: %v\n%s", funcs[k].Name, r, debug.Stack())}
					}
				}()
				ch <- done{k, be.compileOne(ctx, funcs[k], sigs, out, k, k+1)}
			}
		}(k))
	}
	errs := make([]error, len(funcs))
	for range funcs {
		d := <-ch // collect every worker before returning
		errs[d.k] = d.err
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (be *Backend) compileOne(ctx context.Context, f *ir.Function, sigs map[string]ir.Signature, out []*emit.CodeBlock, k int, tid int) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := be.logger().With("func", f.Name)
	if id, ok := BatchID(); ok {
		logger = logger.With("batch", short(id))
	}
	tr := CurrentTrace()

	var key string
	if be.Cache != nil {
		key = cache.Key(f, sigs)
		cb, hit, err := be.Cache.Get(ctx, key)
		if err != nil {
			logger.Warn("cache read failed", "err", err)
		} else if hit {
			Stats.CacheHits.Add(1)
			logger.Debug("cache hit", "key", key[:12])
			out[k] = cb
			return nil
		}
		Stats.CacheMisses.Add(1)
	}

	tr.Duration(f.Name, "compile", tid, func() {
		var cb *emit.CodeBlock
		var ra *regalloc.Result
		cb, ra, err = compileFunc(f, sigs, tr, tid)
		if err != nil {
			return
		}
		Stats.Functions.Add(1)
		Stats.Spills.Add(int64(ra.Spills))
		Stats.Bytes.Add(int64(len(cb.Code)))
		logger.Debug("compiled", "size", units.HumanSize(float64(len(cb.Code))), "slots", ra.NumSlots, "spills", ra.Spills)
		out[k] = cb
	})
	if err != nil {
		return err
	}
	if be.Cache != nil {
		if err := be.Cache.Put(ctx, key, out[k]); err != nil {
			logger.Warn("cache write failed", "err", err)
		}
	}
	return nil
}

func compileFunc(f *ir.Function, sigs map[string]ir.Signature, tr *Tracefile, tid int) (cb *emit.CodeBlock, ra *regalloc.Result, err error) {
	var mf *mach.Func
	tr.Duration("select", "compile,select", tid, func() { mf, err = isel.Select(f, sigs) })
	if err != nil {
		return nil, nil, err
	}
	tr.Duration("allocate", "compile,regalloc", tid, func() { ra, err = regalloc.Allocate(mf) })
	if err != nil {
		return nil, nil, err
	}
	tr.Duration("emit", "compile,emit", tid, func() { cb, err = emit.Emit(mf) })
	if err != nil {
		return nil, nil, err
	}
	return cb, ra, nil
}
