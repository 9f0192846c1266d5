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
package runtime

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jtolds/gls"
	"github.com/launix-de/rjit/arm"
	"github.com/launix-de/rjit/armsim"
	"github.com/launix-de/rjit/codebuf"
	"github.com/launix-de/rjit/gc"
	"github.com/launix-de/rjit/gcroot"
	"github.com/launix-de/rjit/guard"
	"github.com/launix-de/rjit/ir"
	"github.com/launix-de/rjit/jitlog"
)

var (
	ErrTooManyThreads = errors.New("runtime: too many threads in compiled code")
	ErrNotCompiled    = errors.New("runtime: loop is not compiled")
	ErrUnknownExit    = errors.New("runtime: loop left through an unknown exit")
)

const threadKey = "rjit.thread"

// Stats count what happened inside compiled code.
type Stats struct {
	Runs          atomic.Int64
	Flushes       atomic.Int64
	GilReleases   atomic.Int64
	GilAcquires   atomic.Int64
	SlowMallocs   atomic.Int64
	OldMallocs    atomic.Int64
	Barriers      atomic.Int64
	ForcedFrames  atomic.Int64
	AssemblerExit atomic.Int64
}

// CPU owns the simulated memory, the back-end and the collector and
// runs compiled loops on simulated ARM cores, one per thread.
type CPU struct {
	Options
	Mem      *armsim.Memory
	Asm      *arm.Assembler
	Cells    *ir.TokenArena
	GC       gc.LLDescription
	Roots    gcroot.RootMap
	Registry *DescrRegistry
	Compiler *guard.Compiler
	Stats    Stats

	// OnCode sees every piece of code the back-end places or patches.
	OnCode  func(arm.Event)
	OnGuard func(guard.Event)
	// OnAssembler finishes a call_assembler whose callee left through a
	// guard. Without it the first value of the frame is the result.
	OnAssembler func(f *guard.DeadFrame) guard.Value

	// LastRoots are the root slots the last nursery slow path found.
	LastRoots []uint32

	layout  layout
	heap    *heap
	helpers []helperEntry
	host    *codebuf.HostMapping

	gil   sync.Mutex
	ctx   *gls.ContextManager
	mu    sync.Mutex // slots, pending nursery, forced frames
	slots [MaxThreads]slot

	pendingNursery *[2]uint32
	forced         map[uint32]*guard.DeadFrame
}

// slot is the memory and saved state of one thread.
type slot struct {
	inUse      bool
	shadowBase uint32
	stackTop   uint32
	rootTop    uint32
	free, top  uint32
}

// thread is what a goroutine inside compiled code carries in its
// goroutine-local context.
type thread struct {
	idx  int
	slot *slot
	sims []*armsim.CPU // one per nesting level
}

func New(o Options) (*CPU, error) {
	if err := o.check(); err != nil {
		return nil, err
	}
	l := newLayout(&o)
	c := &CPU{
		Options:  o,
		Mem:      armsim.NewMemory(MemBase, int(l.end-MemBase)),
		Cells:    ir.NewTokenArena(),
		Registry: NewDescrRegistry(),
		layout:   l,
		ctx:      gls.NewContextManager(),
		forced:   map[uint32]*guard.DeadFrame{},
	}
	for i := range c.slots {
		base := l.threads + uint32(i*(o.StackSize+o.ShadowSize))
		c.slots[i] = slot{shadowBase: base, stackTop: base + uint32(o.ShadowSize+o.StackSize)}
		c.slots[i].rootTop = base
	}
	c.heap = newHeap(c)
	c.installHelpers()

	var entries gc.Entries
	for e := gc.Entry(0); e < gc.EntryCount; e++ {
		entries[e] = c.helperAddr(mallocHelper(e))
	}
	if o.NoCards {
		entries[gc.EntryWriteBarrierArray] = 0
	}
	switch o.GC {
	case "framework":
		c.Roots = gcroot.New(o.RootFinder, 0)
		c.GC = gc.NewFramework(gc.FrameworkConfig{
			Entries:     entries,
			NurseryFree: l.globals + offNurseryFree,
			NurseryTop:  l.globals + offNurseryTop,
			RootMap:     c.Roots,
			NoCards:     o.NoCards,
		})
	case "boehm":
		c.GC = gc.NewBoehm(entries)
	}

	if o.HostMirror {
		h, err := codebuf.NewHostMapping(o.CodeSize)
		if err != nil {
			return nil, fmt.Errorf("runtime: host mirror: %w", err)
		}
		c.host = h
	}

	c.Asm = arm.NewAssembler(arm.Config{
		Mem:     c.Mem,
		Code:    codebuf.NewArena("code", l.code.start, l.code.end),
		Data:    codebuf.NewArena("data", l.data.start, l.data.end),
		GC:      c.GC,
		Cells:   c.Cells,
		Indexes: c.Registry,
		Flusher: c,
		Globals: arm.Globals{
			FailBoxes:    l.globals + offFailBoxes,
			Exception:    l.globals + offException,
			RootStackTop: l.globals + offRootTop,
		},
		Helpers: arm.Helpers{
			MallocSlowpath:  c.helperAddr("malloc_slowpath"),
			ReleaseGil:      c.helperAddr("release_gil"),
			ReacquireGil:    c.helperAddr("reacquire_gil"),
			AssemblerHelper: c.helperAddr("assembler_helper"),
			Memcpy:          c.helperAddr("memcpy"),
			IntFloorDiv:     c.helperAddr("int_floordiv"),
			IntMod:          c.helperAddr("int_mod"),
			UintFloorDiv:    c.helperAddr("uint_floordiv"),
		},
		SoftFloat: o.SoftFloat,
		OnEvent:   c.codeEvent,
	})
	c.Compiler = guard.NewCompiler(spanBackend{c.Asm}, nil)
	if o.TraceEagerness != 0 {
		c.Compiler.Policy.TraceEagerness = o.TraceEagerness
	}
	if vt := c.GC.VtableDescr(); vt != nil {
		c.Compiler.Policy.ClassOf = func(obj uint32) uint32 {
			return c.Mem.Load32(obj + uint32(vt.Offset))
		}
	}
	c.Compiler.OnEvent = c.guardEvent
	return c, nil
}

// Close releases the host mirror.
func (c *CPU) Close() error {
	if c.host != nil {
		return c.host.Close()
	}
	return nil
}

func (c *CPU) codeEvent(e arm.Event) {
	if c.host != nil && e.Code != nil {
		if err := c.host.Write(int(e.Addr-c.layout.code.start), e.Code); err != nil {
			panic(err)
		}
	}
	if l := jitlog.Default; l != nil {
		l.Code(e)
	}
	if c.OnCode != nil {
		c.OnCode(e)
	}
}

func (c *CPU) guardEvent(e guard.Event) {
	if l := jitlog.Default; l != nil {
		l.Guard(e)
	}
	if c.OnGuard != nil {
		c.OnGuard(e)
	}
}

// FlushICache is called by the back-end after it wrote code. The
// simulator fetches from memory, so there is nothing to invalidate.
func (c *CPU) FlushICache(start, stop uint32) {
	c.Stats.Flushes.Add(1)
	if c.host != nil && start >= c.layout.code.start && stop <= c.layout.code.end {
		if err := c.host.Write(int(start-c.layout.code.start), c.Mem.Read(start, int(stop-start))); err != nil {
			panic(err)
		}
	}
}

// ReadWord and WriteWord access simulated memory.
func (c *CPU) ReadWord(addr uint32) uint32     { return c.Mem.Load32(addr) }
func (c *CPU) WriteWord(addr uint32, v uint32) { c.Mem.Store32(addr, v) }

func (c *CPU) globals() uint32 { return c.layout.globals }

// SetNurseryBounds makes the next thread that enters compiled code
// allocate from [free, top).
func (c *CPU) SetNurseryBounds(free, top uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingNursery = &[2]uint32{free, top}
	c.heap.reserveNursery(top)
	c.Mem.Store32(c.globals()+offNurseryFree, free)
	c.Mem.Store32(c.globals()+offNurseryTop, top)
}

// NurseryBounds returns the nursery pair in the globals.
func (c *CPU) NurseryBounds() (free, top uint32) {
	return c.Mem.Load32(c.globals() + offNurseryFree), c.Mem.Load32(c.globals() + offNurseryTop)
}

// Raise sets the pending exception. Helpers call it to signal an
// exception to the compiled caller.
func (c *CPU) Raise(typ, value uint32) {
	c.Mem.Store32(c.globals()+offException, typ)
	c.Mem.Store32(c.globals()+offException+4, value)
}

// threads and the GIL

func (c *CPU) current() *thread {
	if v, ok := c.ctx.GetValue(threadKey); ok {
		return v.(*thread)
	}
	return nil
}

func (c *CPU) attach() (*thread, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		if !c.slots[i].inUse {
			c.slots[i].inUse = true
			return &thread{idx: i, slot: &c.slots[i]}, nil
		}
	}
	return nil, ErrTooManyThreads
}

func (c *CPU) detach(t *thread) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.slot.inUse = false
}

// acquire takes the GIL and installs the globals of t.
func (c *CPU) acquire(t *thread) {
	c.gil.Lock()
	c.Stats.GilAcquires.Add(1)
	c.mu.Lock()
	if p := c.pendingNursery; p != nil {
		t.slot.free, t.slot.top = p[0], p[1]
		c.pendingNursery = nil
	}
	c.mu.Unlock()
	g := c.globals()
	c.Mem.Store32(g+offRootTop, t.slot.rootTop)
	c.Mem.Store32(g+offNurseryFree, t.slot.free)
	c.Mem.Store32(g+offNurseryTop, t.slot.top)
}

// release saves the globals of t and drops the GIL.
func (c *CPU) release(t *thread) {
	g := c.globals()
	t.slot.rootTop = c.Mem.Load32(g + offRootTop)
	t.slot.free = c.Mem.Load32(g + offNurseryFree)
	t.slot.top = c.Mem.Load32(g + offNurseryTop)
	c.Stats.GilReleases.Add(1)
	c.gil.Unlock()
}

// running

// spanBackend puts every compilation into the trace file.
type spanBackend struct{ *arm.Assembler }

func (b spanBackend) CompileLoop(token *ir.JitCellToken, trace *ir.Trace) (err error) {
	jitlog.Span(token.String(), "loop", func() { err = b.Assembler.CompileLoop(token, trace) })
	return
}

func (b spanBackend) CompileBridge(descr *ir.FailDescr, trace *ir.Trace) (addr uint32, err error) {
	jitlog.Span(descr.String(), "bridge", func() { addr, err = b.Assembler.CompileBridge(descr, trace) })
	return
}

// Compile assembles trace as the loop token.
func (c *CPU) Compile(token *ir.JitCellToken, trace *ir.Trace) error {
	return c.Compiler.CompileLoop(token, trace)
}

// Execute runs token with args until it leaves the loop and returns the
// frame it left. A helper that calls Execute runs the loop nested on the
// stack of its caller.
func (c *CPU) Execute(token *ir.JitCellToken, args ...guard.Value) (*guard.DeadFrame, error) {
	if t := c.current(); t != nil {
		return c.execute(t, token, args)
	}
	t, err := c.attach()
	if err != nil {
		return nil, err
	}
	defer c.detach(t)
	var f *guard.DeadFrame
	c.ctx.SetValues(gls.Values{threadKey: t}, func() {
		c.acquire(t)
		defer c.release(t)
		f, err = c.execute(t, token, args)
	})
	return f, err
}

func (c *CPU) newSim() *armsim.CPU {
	sim := armsim.NewCPU(c.Mem)
	sim.MaxSteps = c.MaxSteps
	for _, h := range c.helpers {
		sim.RegisterHelper(h.addr, h.name, h.fn)
	}
	return sim
}

func (c *CPU) execute(t *thread, token *ir.JitCellToken, args []guard.Value) (*guard.DeadFrame, error) {
	if token.Redirected != ir.NoCell {
		token = c.Cells.Cell(c.Cells.Resolve(token.ID()))
	}
	if token.Entry == 0 || token.Invalid {
		return nil, fmt.Errorf("%w: %s", ErrNotCompiled, token.Name)
	}
	if len(args) != len(token.InputTypes) {
		return nil, fmt.Errorf("runtime: %s takes %d args, got %d", token.Name, len(token.InputTypes), len(args))
	}
	sp := t.slot.stackTop
	if n := len(t.sims); n > 0 {
		// below the red zone of the suspended caller
		sp = (t.sims[n-1].R[armsim.SP] - 64) &^ 7
	}
	argsAddr := (sp - uint32(8*len(args))) &^ 7
	if argsAddr < t.slot.shadowBase+uint32(c.ShadowSize) {
		return nil, fmt.Errorf("runtime: stack overflow in %s", token.Name)
	}
	for i, a := range args {
		if a.Type != token.InputTypes[i] {
			return nil, fmt.Errorf("runtime: arg %d of %s is %s, want %s", i, token.Name, a.Type, token.InputTypes[i])
		}
		c.Mem.Store64(argsAddr+uint32(8*i), a.Bits)
	}

	sim := c.newSim()
	sim.R[armsim.SP] = argsAddr
	t.sims = append(t.sims, sim)
	defer func() { t.sims = t.sims[:len(t.sims)-1] }()
	c.Stats.Runs.Add(1)
	if err := sim.Call(token.Entry, argsAddr); err != nil {
		return nil, fmt.Errorf("runtime: %s: %w", token.Name, err)
	}
	return c.deadFrame(int32(sim.R[0]))
}

// deadFrame reads the fail boxes of the exit with the given index.
func (c *CPU) deadFrame(index int32) (*guard.DeadFrame, error) {
	d := c.Registry.Lookup(index)
	if d == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownExit, index)
	}
	f := &guard.DeadFrame{Descr: d, Values: make([]guard.Value, len(d.FailTypes))}
	boxes := c.globals() + offFailBoxes
	for i, typ := range d.FailTypes {
		addr := boxes + uint32(8*i)
		switch typ {
		case ir.TypeVoid:
			f.Values[i] = guard.Value{Type: ir.TypeVoid}
		case ir.TypeFloat:
			f.Values[i] = guard.Value{Type: typ, Bits: c.Mem.Load64(addr)}
		default:
			f.Values[i] = guard.Value{Type: typ, Bits: uint64(c.Mem.Load32(addr))}
		}
	}
	exc := c.globals() + offException
	f.ExcType = c.Mem.Load32(exc)
	f.ExcValue = c.Mem.Load32(exc + 8)
	if f.ExcValue == 0 {
		f.ExcValue = c.Mem.Load32(exc + 4)
	}
	c.Mem.Store32(exc, 0)
	c.Mem.Store32(exc+4, 0)
	c.Mem.Store32(exc+8, 0)
	return f, nil
}

// Run executes token and hands guard failures to the compiler, which
// may attach bridges. It returns the frame of the exit that ended the
// run.
func (c *CPU) Run(token *ir.JitCellToken, args ...guard.Value) (*guard.DeadFrame, error) {
	f, err := c.Execute(token, args...)
	if err != nil {
		return nil, err
	}
	if _, err := c.Compiler.HandleFailure(f); err != nil {
		return f, err
	}
	return f, nil
}

// Force is called on a frame whose call is followed by
// guard_not_forced. It reads the values the guard would report, keeps
// them for ForcedFrame and marks the frame so that the guard fails when
// the call returns.
func (c *CPU) Force(frameAddr uint32) (*guard.DeadFrame, error) {
	index := int32(c.Mem.Load32(frameAddr))
	if index < 0 {
		return nil, fmt.Errorf("runtime: frame %#x is already forced", frameAddr)
	}
	d := c.Registry.Lookup(index)
	if d == nil || d.GuardOp != ir.GuardNotForced {
		return nil, fmt.Errorf("runtime: frame %#x has no guard_not_forced (index %d)", frameAddr, index)
	}
	entries, _, err := guard.DecodeRecovery(d.Recovery)
	if err != nil {
		return nil, err
	}
	f := &guard.DeadFrame{Descr: d, Values: make([]guard.Value, len(entries))}
	for i, e := range entries {
		switch {
		case e.IsHole():
			f.Values[i] = guard.Value{Type: ir.TypeVoid}
		case !e.IsStack():
			// the result of the call that is being forced
			f.Values[i] = guard.Value{Type: e.Type}
		default:
			addr := uint32(int64(frameAddr) - int64(4*(e.StackPos()+1)))
			if e.Type == ir.TypeFloat {
				addr -= 4
				f.Values[i] = guard.Value{Type: e.Type, Bits: c.Mem.Load64(addr)}
			} else {
				f.Values[i] = guard.Value{Type: e.Type, Bits: uint64(c.Mem.Load32(addr))}
			}
		}
	}
	c.Mem.Store32(frameAddr, uint32(^index))
	c.mu.Lock()
	c.forced[frameAddr] = f
	c.mu.Unlock()
	c.Stats.ForcedFrames.Add(1)
	return f, nil
}

// ForcedFrame returns and forgets the values Force read for a frame.
func (c *CPU) ForcedFrame(frameAddr uint32) *guard.DeadFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.forced[frameAddr]
	delete(c.forced, frameAddr)
	return f
}
