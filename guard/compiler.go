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
package guard

import (
	"errors"
	"fmt"
	"sync"

	"github.com/launix-de/rjit/ir"
)

// Backend compiles and patches machine code.
type Backend interface {
	CompileLoop(token *ir.JitCellToken, trace *ir.Trace) error
	CompileBridge(descr *ir.FailDescr, trace *ir.Trace) (uint32, error)
	PatchGuard(descr *ir.FailDescr, addr uint32)
}

// Tracer records the ops that follow a hot guard. The inputs of the
// returned trace are the non-hole fail args of the guard.
type Tracer interface {
	TraceBridge(descr *ir.FailDescr, frame *DeadFrame) (*ir.Trace, error)
}

// ErrAbort is returned by a Tracer that gave up. The guard starts
// counting again.
var ErrAbort = errors.New("guard: trace aborted")

// Event reports what the compiler did about a guard failure.
type Event struct {
	Kind  string // failure, bridge, abort
	Descr *ir.FailDescr
	Count uint32
	Addr  uint32
}

// Compiler drives loop and bridge compilation.
type Compiler struct {
	Backend Backend
	Tracer  Tracer
	Policy  Policy
	OnEvent func(Event)

	mu      sync.Mutex
	loops   int
	bridges int
}

func NewCompiler(b Backend, t Tracer) *Compiler {
	return &Compiler{Backend: b, Tracer: t, Policy: DefaultPolicy}
}

func (c *Compiler) event(e Event) {
	if c.OnEvent != nil {
		c.OnEvent(e)
	}
}

// CompileLoop compiles trace as the body of token.
func (c *Compiler) CompileLoop(token *ir.JitCellToken, trace *ir.Trace) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Backend.CompileLoop(token, trace); err != nil {
		return fmt.Errorf("compile %s: %w", token, err)
	}
	c.loops++
	return nil
}

// CompileBridge compiles trace behind descr and patches the guard.
func (c *Compiler) CompileBridge(descr *ir.FailDescr, trace *ir.Trace) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compileBridge(descr, trace)
}

func (c *Compiler) compileBridge(descr *ir.FailDescr, trace *ir.Trace) (uint32, error) {
	if descr.AdrBridge != 0 {
		return 0, fmt.Errorf("guard %s already has a bridge", descr)
	}
	addr, err := c.Backend.CompileBridge(descr, trace)
	if err != nil {
		return 0, fmt.Errorf("bridge from %s: %w", descr, err)
	}
	c.Backend.PatchGuard(descr, addr)
	c.bridges++
	c.event(Event{Kind: "bridge", Descr: descr, Addr: addr})
	return addr, nil
}

// HandleFailure is called for every run that left through a guard. It
// counts the failure and, once the guard is hot, traces and attaches a
// bridge. It reports whether a bridge was attached.
func (c *Compiler) HandleFailure(f *DeadFrame) (bool, error) {
	d := f.Descr
	if d == nil || d.IsFinal() {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.AdrBridge != 0 {
		return false, nil
	}
	n := c.Policy.Count(d, f)
	c.event(Event{Kind: "failure", Descr: d, Count: n})
	if n < c.Policy.TraceEagerness || c.Tracer == nil {
		return false, nil
	}
	trace, err := c.Tracer.TraceBridge(d, f)
	if errors.Is(err, ErrAbort) || (err == nil && trace == nil) {
		Reset(d)
		c.event(Event{Kind: "abort", Descr: d})
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := c.compileBridge(d, trace); err != nil {
		return false, err
	}
	return true, nil
}

// Stats returns the number of loops and bridges compiled so far.
func (c *Compiler) Stats() (loops, bridges int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loops, c.bridges
}
