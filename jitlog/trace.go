/*
Copyright (C) 2026  Carl-Philip Hänsch

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
package jitlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Tracefile writes the Chrome trace event format (load it in
// chrome://tracing or Perfetto).
type Tracefile struct {
	isFirst bool
	file    io.WriteCloser
	m       sync.Mutex
}

var Trace *Tracefile // default trace: set to not nil if you want to trace
var TracePrint bool  // whether to print traces to stdout

func SetTrace(on bool) { // sets Trace to nil or a value
	if Trace != nil {
		Trace.Close()
		Trace = nil
	}
	if on {
		name := filepath.Join(os.Getenv("RJIT_TRACEDIR"), "trace_"+fmt.Sprint(time.Now().Unix())+".json")
		f, err := os.Create(name)
		if err != nil {
			panic(err)
		}
		Trace = NewTrace(f)
	}
}

func NewTrace(file io.WriteCloser) *Tracefile {
	file.Write([]byte("["))
	result := new(Tracefile)
	result.file = file
	result.isFirst = true
	return result
}

func (t *Tracefile) Close() {
	t.file.Write([]byte("]"))
	t.file.Close()
}

func (t *Tracefile) Duration(name string, cat string, f func()) {
	t.EventHalf(name, cat, "B", 0, 0)
	defer t.EventHalf(name, cat, "E", 0, 0)
	f()
}

func (t *Tracefile) Event(name string, cat string, typ string) {
	t.EventHalf(name, cat, typ, 0, 0)
}

func (t *Tracefile) EventHalf(name string, cat string, typ string, tid int, pid int) {
	ts := time.Since(start).Microseconds()
	t.EventFull(name, cat, typ, ts, tid, pid)
}

// EventFull writes one event. typ is B/E for begin/end and i for
// instants, ts is in microseconds.
func (t *Tracefile) EventFull(name string, cat string, typ string, ts int64, tid int, pid int) {
	if TracePrint {
		fmt.Printf("trace %s %s %s %d\n", typ, cat, name, ts)
	}
	t.m.Lock()
	defer t.m.Unlock()
	if t.isFirst {
		t.isFirst = false
	} else {
		t.file.Write([]byte(",\n"))
	}
	b, _ := json.Marshal(struct {
		Name  string `json:"name"`
		Cat   string `json:"cat"`
		Ph    string `json:"ph"`
		Ts    int64  `json:"ts"`
		Pid   int    `json:"pid"`
		Tid   int    `json:"tid"`
		Scope string `json:"s"`
	}{name, cat, typ, ts, pid, tid, "g"})
	t.file.Write(b)
}

// Span runs f inside a duration event when tracing is on.
func Span(name, cat string, f func()) {
	if t := Trace; t != nil {
		t.Duration(name, cat, f)
		return
	}
	f()
}

var start time.Time = time.Now()
