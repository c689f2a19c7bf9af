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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Tracefile writes Chrome trace events (chrome://tracing, Perfetto).
type Tracefile struct {
	isFirst bool
	file    io.WriteCloser
	m       sync.Mutex
}

var trace atomic.Pointer[Tracefile] // nil: tracing is off

// CurrentTrace is the active trace or nil.
func CurrentTrace() *Tracefile {
	return trace.Load()
}

// SetTrace closes the active trace and opens a new one if on is set.
func SetTrace(on bool) error {
	if old := trace.Swap(nil); old != nil {
		old.Close()
	}
	if !on {
		return nil
	}
	name := Settings.TraceFile
	if name == "" {
		name = os.Getenv("IRJIT_TRACEDIR") + "trace_" + fmt.Sprint(time.Now().Unix()) + ".json"
	}
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	trace.Store(NewTrace(f))
	return nil
}

func NewTrace(file io.WriteCloser) *Tracefile {
	file.Write([]byte("["))
	result := new(Tracefile)
	result.file = file
	result.isFirst = true
	return result
}

func (t *Tracefile) Close() {
	t.m.Lock()
	defer t.m.Unlock()
	t.file.Write([]byte("]"))
	t.file.Close()
}

// Duration wraps f into a begin/end pair on thread tid. A nil trace just
// runs f.
func (t *Tracefile) Duration(name string, cat string, tid int, f func()) {
	if t == nil {
		f()
		return
	}
	t.EventHalf(name, cat, "B", tid, 0)
	defer t.EventHalf(name, cat, "E", tid, 0)
	f()
}

func (t *Tracefile) Event(name string, cat string, typ string) {
	if t == nil {
		return
	}
	t.EventHalf(name, cat, typ, 0, 0)
}

func (t *Tracefile) EventHalf(name string, cat string, typ string, tid int, pid int) {
	t.write(traceEvent{Name: name, Cat: cat, Phase: typ, Ts: time.Since(start).Microseconds(), Pid: pid, Tid: tid})
}

// traceEvent is one record of the Chrome trace event format. Ts is in
// microseconds, Tid the worker of a parallel batch.
type traceEvent struct {
	Name  string `json:"name"`
	Cat   string `json:"cat"`
	Phase string `json:"ph"`
	Ts    int64  `json:"ts"`
	Pid   int    `json:"pid"`
	Tid   int    `json:"tid"`
	Scope string `json:"s,omitempty"`
}

func (t *Tracefile) write(ev traceEvent) {
	if ev.Phase == "i" && ev.Scope == "" {
		ev.Scope = "g"
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	t.m.Lock()
	defer t.m.Unlock()
	if t.isFirst {
		t.isFirst = false
	} else {
		t.file.Write([]byte(",\n"))
	}
	t.file.Write(b)
}

var start time.Time = time.Now()
