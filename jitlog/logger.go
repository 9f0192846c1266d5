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
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/launix-de/rjit/arm"
	"github.com/launix-de/rjit/guard"
	"github.com/launix-de/rjit/ir"
)

// Sink receives batches of records.
type Sink interface {
	Write(recs []Record) error
	Close() error
}

// DefaultBatchSize is the number of records a Logger collects before
// it writes to its sinks.
const DefaultBatchSize = 64

// Logger turns back-end and guard events into records and hands them
// to its sinks in batches.
type Logger struct {
	Session   string
	Disasm    bool // attach the disassembly of placed code
	BatchSize int

	mu      sync.Mutex
	seq     uint64
	loops   map[ir.CellID]uuid.UUID
	sinks   []Sink
	pending []Record
}

var Default *Logger

func NewLogger(sinks ...Sink) *Logger {
	return &Logger{
		Session:   uuid.New().String(),
		BatchSize: DefaultBatchSize,
		loops:     map[ir.CellID]uuid.UUID{},
		sinks:     sinks,
	}
}

// Open returns a logger that writes to a file in dir and to the sinks
// configured in the environment: RJIT_S3_BUCKET for S3 and
// RJIT_STATS_DSN for a SQL database.
func Open(dir string) (*Logger, error) {
	l := NewLogger()
	fs, err := NewFileSink(dir, l.Session)
	if err != nil {
		return nil, err
	}
	l.AddSink(fs)
	if s3 := S3SinkFromEnv(l.Session); s3 != nil {
		l.AddSink(s3)
	}
	if dsn := os.Getenv("RJIT_STATS_DSN"); dsn != "" {
		sql, err := OpenSQL(dsn, l.Session)
		if err != nil {
			fs.Close()
			return nil, err
		}
		l.AddSink(sql)
	}
	return l, nil
}

func (l *Logger) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

func (l *Logger) loopID(loop *ir.JitCellToken) (string, string) {
	if loop == nil {
		return "", ""
	}
	id, ok := l.loops[loop.ID()]
	if !ok {
		id = uuid.New()
		l.loops[loop.ID()] = id
	}
	return loop.Name, id.String()
}

func descrName(d *ir.FailDescr) (string, int32) {
	if d == nil {
		return "", -1
	}
	return d.String(), d.Index
}

// Code records code the back-end placed or patched.
func (l *Logger) Code(e arm.Event) {
	r := Record{Kind: e.Kind, Addr: e.Addr, Size: e.Size}
	r.Descr, r.Index = descrName(e.Descr)
	if l.Disasm && e.Code != nil {
		r.Disasm = arm.Disassemble(e.Code, e.Addr)
	}
	l.mu.Lock()
	r.Loop, r.LoopID = l.loopID(e.Loop)
	l.mu.Unlock()
	l.add(r)
}

// Guard records what the compiler did about a failing guard.
func (l *Logger) Guard(e guard.Event) {
	r := Record{Kind: e.Kind, Addr: e.Addr, Count: e.Count}
	r.Descr, r.Index = descrName(e.Descr)
	l.add(r)
}

func (l *Logger) add(r Record) {
	if t := Trace; t != nil {
		t.Event(r.Kind+" "+r.Loop+r.Descr, "jit", "i")
	}
	l.mu.Lock()
	l.seq++
	r.Session = l.Session
	r.Seq = l.seq
	r.Time = time.Now()
	l.pending = append(l.pending, r)
	full := len(l.pending) >= l.BatchSize
	l.mu.Unlock()
	if full {
		if err := l.Flush(); err != nil {
			fmt.Println("jitlog:", err)
		}
	}
}

// Flush writes the pending records to every sink.
func (l *Logger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil
	}
	var errs []error
	for _, s := range l.sinks {
		if err := s.Write(l.pending); err != nil {
			errs = append(errs, err)
		}
	}
	l.pending = nil
	return errors.Join(errs...)
}

// Close flushes and closes all sinks.
func (l *Logger) Close() error {
	err := l.Flush()
	l.mu.Lock()
	defer l.mu.Unlock()
	errs := []error{err}
	for _, s := range l.sinks {
		errs = append(errs, s.Close())
	}
	l.sinks = nil
	return errors.Join(errs...)
}
