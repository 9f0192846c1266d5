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
package arm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/launix-de/rjit/codebuf"
	"github.com/launix-de/rjit/gc"
	"github.com/launix-de/rjit/guard"
	"github.com/launix-de/rjit/ir"
	"github.com/launix-de/rjit/regalloc"
)

var ErrInvalidLoop = errors.New("arm: invalid loop")

// Globals are the runtime words the generated code reads and writes.
type Globals struct {
	FailBoxes    uint32 // NumFailBoxes slots of 8 bytes
	Exception    uint32 // pending type, pending value, saved value
	RootStackTop uint32 // word holding the top of the shadow stack
}

// Helpers are runtime entry points called from generated code.
type Helpers struct {
	// MallocSlowpath gets the old nursery free pointer in r0 and the
	// wanted one in r1 and returns the same pair for a fresh nursery.
	MallocSlowpath uint32
	ReleaseGil     uint32
	ReacquireGil   uint32
	// AssemblerHelper gets the fail index of a callee that did not
	// finish and returns its result in r0 or d0.
	AssemblerHelper uint32
	Memcpy          uint32
	IntFloorDiv     uint32
	IntMod          uint32
	UintFloorDiv    uint32
}

// FailIndexes hands out the numbers a loop exit reports in r0.
type FailIndexes interface {
	Register(d *ir.FailDescr) int32
	Reserve() int32
	Release(index int32)
	Done(kind ir.FailKind) *ir.FailDescr
}

// Flusher makes freshly written code visible to instruction fetch.
type Flusher interface {
	FlushICache(start, stop uint32)
}

// Event describes code the back-end placed or patched.
type Event struct {
	Kind  string // loop, bridge, patch, redirect, invalidate, free
	Loop  *ir.JitCellToken
	Descr *ir.FailDescr
	Addr  uint32
	Size  int
	Code  []byte
}

type Config struct {
	Mem       codebuf.Memory
	Code      *codebuf.Arena
	Data      *codebuf.Arena
	GC        gc.LLDescription
	Cells     *ir.TokenArena
	Indexes   FailIndexes
	Flusher   Flusher
	Globals   Globals
	Helpers   Helpers
	SoftFloat bool
	OnEvent   func(Event)
}

// Assembler compiles traces into ARMv7 code. Compilations are serialized.
type Assembler struct {
	Config
	mu      sync.Mutex
	wbStubs map[stubKey]uint32
}

func NewAssembler(cfg Config) *Assembler {
	return &Assembler{Config: cfg, wbStubs: map[stubKey]uint32{}}
}

func (a *Assembler) event(e Event) {
	if a.OnEvent != nil {
		a.OnEvent(e)
	}
}

func (a *Assembler) flush(start, stop uint32) {
	if a.Flusher != nil {
		a.Flusher.FlushICache(start, stop)
	}
}

// startLabel prepends label(inputargs) to loops that do not start with
// a label, so that every jump has a target.
func (a *Assembler) startLabel(token *ir.JitCellToken, inputs []*ir.Box, ops []*ir.Op) []*ir.Op {
	if len(ops) > 0 && ops[0].Opcode == ir.Label {
		return ops
	}
	args := make([]ir.Value, len(inputs))
	for i, b := range inputs {
		args[i] = b
	}
	target := a.Cells.NewTarget(token.Name+"#start", token.ID())
	return append([]*ir.Op{ir.NewOp(ir.Label, args, nil, target)}, ops...)
}

// CompileLoop assembles trace as the body of token.
func (a *Assembler) CompileLoop(token *ir.JitCellToken, trace *ir.Trace) (err error) {
	if err := trace.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLoop, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ops, gcrefs := a.GC.Rewrite(trace.Ops)
	ops = a.startLabel(token, trace.InputArgs, ops)
	g := newCodegen(a, token, trace.InputArgs, ops)
	defer g.recover(&err)

	g.prologue(trace.InputArgs)
	g.walk()
	g.emitEpilogue()
	g.writeTrampolines()
	depth := g.patchFrameDepth()
	block, err := g.place()
	if err != nil {
		return err
	}
	token.InputTypes = make([]ir.Type, len(trace.InputArgs))
	for i, b := range trace.InputArgs {
		token.InputTypes[i] = b.Type()
	}
	token.Entry = block.Start
	token.FrameDepth = depth
	token.Invalid = false
	token.Blocks = append(token.Blocks, ir.CodeRange{Start: block.Start, Stop: block.Stop})
	token.GcRefs = append(token.GcRefs, gcrefs...)
	g.publish(block.Start)
	a.event(Event{Kind: "loop", Loop: token, Addr: block.Start, Size: g.cb.Pos(), Code: g.cb.Bytes()})
	return nil
}

// CompileBridge assembles trace as the continuation of a failing guard.
// The inputs of the trace are the fail args of the guard that are not
// holes, in order. The caller attaches the bridge with PatchGuard.
func (a *Assembler) CompileBridge(descr *ir.FailDescr, trace *ir.Trace) (addr uint32, err error) {
	if err := trace.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidLoop, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	loop := a.Cells.Cell(descr.Loop)
	if loop == nil || descr.AdrRecovery == 0 {
		return 0, fmt.Errorf("%w: guard %s was never compiled", ErrInvalidLoop, descr)
	}
	entries, _, err := guard.DecodeRecovery(descr.Recovery)
	if err != nil {
		return 0, err
	}
	var live []guard.Entry
	for _, e := range entries {
		if !e.IsHole() {
			live = append(live, e)
		}
	}
	if len(live) != len(trace.InputArgs) {
		return 0, fmt.Errorf("%w: bridge takes %d args, guard has %d", ErrInvalidLoop, len(trace.InputArgs), len(live))
	}
	for i, b := range trace.InputArgs {
		if b.Type() != live[i].Type {
			return 0, fmt.Errorf("%w: bridge arg %d is %s, guard has %s", ErrInvalidLoop, i, b.Type(), live[i].Type)
		}
	}

	ops, gcrefs := a.GC.Rewrite(trace.Ops)
	g := newCodegen(a, loop, trace.InputArgs, ops)
	g.bridge = true
	g.minDepth = loop.FrameDepth
	defer g.recover(&err)

	g.bindInputs(trace.InputArgs, live)
	g.bridgePrologue()
	g.walk()
	g.emitEpilogue()
	g.writeTrampolines()
	g.patchFrameDepth()
	block, err := g.place()
	if err != nil {
		return 0, err
	}
	loop.Blocks = append(loop.Blocks, ir.CodeRange{Start: block.Start, Stop: block.Stop})
	loop.Bridges = append(loop.Bridges, block.Start)
	loop.GcRefs = append(loop.GcRefs, gcrefs...)
	g.publish(block.Start)
	a.event(Event{Kind: "bridge", Loop: loop, Descr: descr, Addr: block.Start, Size: g.cb.Pos(), Code: g.cb.Bytes()})
	return block.Start, nil
}

// bindInputs puts the bridge inputs where the guard left them.
func (g *codegen) bindInputs(inputs []*ir.Box, live []guard.Entry) {
	for i, b := range inputs {
		switch l := locationOf(live[i]).(type) {
		case regalloc.StackLoc:
			g.fm.SetBinding(b, l)
		case regalloc.RegLoc:
			g.mgr(b).Bind(b, l)
		}
	}
}

// place copies the code into the code arena.
func (g *codegen) place() (codebuf.Block, error) {
	g.cb.ResolveFixups()
	block, err := g.asm.Code.Malloc(g.cb.Pos(), 8)
	if err != nil {
		g.abort()
		return block, err
	}
	g.cb.Place(g.asm.Mem, block.Start)
	g.asm.flush(block.Start, block.Stop)
	return block, nil
}

// publish fills in everything that depends on the final address.
func (g *codegen) publish(base uint32) {
	loop := g.loop
	for _, t := range g.guards {
		d := t.descr
		if t.pos >= 0 {
			d.AdrJump = base + uint32(t.pos)
		}
		d.AdrRecovery = base + uint32(t.trampoline)
		if t.invalidate {
			loop.InvalidatePositions = append(loop.InvalidatePositions, ir.InvalidatePos{At: d.AdrJump, Target: d.AdrRecovery})
		}
	}
	for _, d := range g.registered {
		loop.Faildescrs = append(loop.Faildescrs, d.Index)
	}
	loop.Faildescrs = append(loop.Faildescrs, g.reserved...)
	for _, t := range g.targets {
		t.Addr = base + uint32(t.Offset)
		loop.Targets = append(loop.Targets, t.ID())
	}
	for _, b := range g.data.Blocks {
		loop.Blocks = append(loop.Blocks, ir.CodeRange{Start: b.Start, Stop: b.Stop})
	}
	if rm := g.asm.GC.RootMap(); rm != nil {
		for _, cs := range g.callsites {
			rm.PutCallshape(cs.forceIndex, base+uint32(cs.retPos), cs.shape)
		}
	}
}

// abort gives back what a failed compilation took.
func (g *codegen) abort() {
	g.data.Free()
	for _, d := range g.registered {
		g.asm.Indexes.Release(d.Index)
		d.Index = -1
	}
	for _, i := range g.reserved {
		g.asm.Indexes.Release(i)
	}
	g.registered, g.reserved = nil, nil
}

// recover turns the panics of an invalid trace or a full arena into
// errors. Anything else is a bug and keeps unwinding.
func (g *codegen) recover(err *error) {
	r := recover()
	if r == nil {
		return
	}
	g.abort()
	switch r := r.(type) {
	case invalidLoop:
		*err = fmt.Errorf("%w: %s", ErrInvalidLoop, string(r))
		return
	case error:
		if errors.Is(r, codebuf.ErrArenaFull) {
			*err = r
			return
		}
	}
	panic(r)
}
