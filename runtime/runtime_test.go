package runtime

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/launix-de/rjit/arm"
	"github.com/launix-de/rjit/armsim"
	"github.com/launix-de/rjit/codebuf"
	"github.com/launix-de/rjit/gc"
	"github.com/launix-de/rjit/guard"
	"github.com/launix-de/rjit/ir"
	"github.com/launix-de/rjit/jitlog"
)

func newCPU(t *testing.T, mod func(o *Options)) *CPU {
	t.Helper()
	o := DefaultOptions()
	o.CodeSize = 64 << 10
	o.DataSize = 16 << 10
	o.NurserySize = 16 << 10
	o.NurseryChunk = 4 << 10
	o.OldSize = 64 << 10
	o.StackSize = 16 << 10
	o.ShadowSize = 4 << 10
	o.MaxSteps = 1000000
	if mod != nil {
		mod(&o)
	}
	c, err := New(o)
	if err != nil {
		t.Fatalf("new cpu: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func compile(t *testing.T, c *CPU, ns *ir.Namespace, name, src string) *ir.JitCellToken {
	t.Helper()
	if ns == nil {
		ns = ir.NewNamespace(c.Cells)
	}
	tr, err := ir.Parse(src, ns)
	if err != nil {
		t.Fatalf("parse %s: %v", name, err)
	}
	token := c.Cells.NewCell(name)
	if err := c.Compile(token, tr); err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return token
}

func execute(t *testing.T, c *CPU, token *ir.JitCellToken, args ...guard.Value) *guard.DeadFrame {
	t.Helper()
	f, err := c.Execute(token, args...)
	if err != nil {
		t.Fatalf("execute %s: %v", token.Name, err)
	}
	return f
}

func expectInts(t *testing.T, f *guard.DeadFrame, want ...int32) {
	t.Helper()
	if len(f.Values) != len(want) {
		t.Fatalf("%s: got %d values, want %d", f, len(f.Values), len(want))
	}
	for i, w := range want {
		if got := f.Values[i].Int(); got != w {
			t.Errorf("value %d: got %d, want %d", i, got, w)
		}
	}
}

const countLoop = `
[i0]
label(i0, descr=L)
i1 = int_add(i0, 1)
i2 = int_lt(i1, 1000)
guard_true(i2, descr=exit) [i1]
jump(i1, descr=L)
`

func TestLoopRunsToExitGuard(t *testing.T) {
	c := newCPU(t, nil)
	ns := ir.NewNamespace(c.Cells)
	token := compile(t, c, ns, "count", countLoop)
	f := execute(t, c, token, guard.IntValue(0))
	if f.Descr != ns.Descrs["exit"] {
		t.Fatalf("left through %s, want exit", f.Descr)
	}
	expectInts(t, f, 1000)

	// starting past the bound leaves after one iteration
	f = execute(t, c, token, guard.IntValue(5000))
	expectInts(t, f, 5001)
}

func TestGuardTrueReportsFalse(t *testing.T) {
	c := newCPU(t, nil)
	ns := ir.NewNamespace(c.Cells)
	token := compile(t, c, ns, "cmp", `
[i0]
i1 = int_lt(i0, 10)
guard_true(i1, descr=g) [i0, i1]
finish(i0)
`)
	f := execute(t, c, token, guard.IntValue(20))
	if f.Descr != ns.Descrs["g"] {
		t.Fatalf("left through %s, want g", f.Descr)
	}
	expectInts(t, f, 20, 0)

	f = execute(t, c, token, guard.IntValue(3))
	if f.Descr.Final != ir.FailDoneWithThisFrameInt {
		t.Fatalf("left through %s, want the done exit", f.Descr)
	}
	expectInts(t, f, 3)
}

func TestBridgePatchIsIdempotent(t *testing.T) {
	c := newCPU(t, nil)
	ns := ir.NewNamespace(c.Cells)
	token := compile(t, c, ns, "count", countLoop)
	exit := ns.Descrs["exit"].(*ir.FailDescr)
	tr, err := ir.Parse(`
[i0]
i1 = int_mul(i0, 2)
finish(i1)
`, ir.NewNamespace(c.Cells))
	if err != nil {
		t.Fatal(err)
	}
	addr, err := c.Compiler.CompileBridge(exit, tr)
	if err != nil {
		t.Fatal(err)
	}
	code := c.layout.code
	before := c.Mem.Read(code.start, int(code.end-code.start))
	c.Asm.PatchGuard(exit, addr)
	if after := c.Mem.Read(code.start, int(code.end-code.start)); !bytes.Equal(before, after) {
		t.Errorf("patching the guard again changed the code")
	}
	expectInts(t, execute(t, c, token, guard.IntValue(0)), 2000)
	if loops, bridges := c.Compiler.Stats(); loops != 1 || bridges != 1 {
		t.Errorf("%d loops %d bridges", loops, bridges)
	}
	if len(token.Bridges) != 1 || token.Bridges[0] != addr {
		t.Errorf("bridges of the loop %v, want [%#x]", token.Bridges, addr)
	}
}

func TestNurseryFastPath(t *testing.T) {
	c := newCPU(t, nil)
	token := compile(t, c, nil, "bump", `
[]
p0 = call_malloc_nursery(16)
p1 = call_malloc_nursery(32)
p2 = call_malloc_nursery(16)
finish(p0, p1, p2)
`)
	n, _ := c.NurseryRange()
	c.SetNurseryBounds(n, n+64)
	f := execute(t, c, token)
	if f.Descr.Final != ir.FailFinishMulti {
		t.Fatalf("left through %s", f.Descr)
	}
	for i, want := range []uint32{n, n + 16, n + 48} {
		if got := f.Values[i].Ref(); got != want {
			t.Errorf("object %d at %#x, want %#x", i, got, want)
		}
	}
	if free, _ := c.NurseryBounds(); free != n+64 {
		t.Errorf("free %#x, want %#x", free, n+64)
	}
	if s := c.SlowpathSizes(); len(s) != 0 {
		t.Errorf("slow path called with %v", s)
	}
}

func TestNurserySlowPath(t *testing.T) {
	c := newCPU(t, nil)
	token := compile(t, c, nil, "slow", `
[p0]
p1 = call_malloc_nursery(24)
finish(p0, p1)
`)
	keep := c.Malloc(8, 1)
	n, _ := c.NurseryRange()
	c.SetNurseryBounds(n, n+16)
	f := execute(t, c, token, guard.RefValue(keep))
	sizes := c.SlowpathSizes()
	if len(sizes) != 1 || sizes[0] != 24 {
		t.Fatalf("slow path sizes %v, want [24]", sizes)
	}
	obj := f.Values[1].Ref()
	want := n + uint32(c.NurseryChunk)
	if obj != want {
		t.Errorf("object at %#x, want the next chunk %#x", obj, want)
	}
	if free, top := c.NurseryBounds(); free != obj+24 || top != want+uint32(c.NurseryChunk) {
		t.Errorf("nursery after the slow path: free %#x top %#x", free, top)
	}
	if f.Values[0].Ref() != keep {
		t.Errorf("p0 changed to %#x", f.Values[0].Ref())
	}
	if len(c.LastRoots) != 1 || c.ReadWord(c.LastRoots[0]) != keep {
		t.Errorf("roots %v do not hold p0", c.LastRoots)
	}
}

func TestNurserySlowPathAsmGcc(t *testing.T) {
	c := newCPU(t, func(o *Options) { o.RootFinder = "asmgcc" })
	token := compile(t, c, nil, "slow", `
[p0]
p1 = call_malloc_nursery(24)
finish(p0, p1)
`)
	keep := c.Malloc(8, 1)
	f := execute(t, c, token, guard.RefValue(keep))
	if f.Values[1].Ref() == 0 {
		t.Fatalf("allocation failed")
	}
	if len(c.LastRoots) != 1 || c.ReadWord(c.LastRoots[0]) != keep {
		t.Errorf("roots %v do not hold p0", c.LastRoots)
	}
}

func arrayNamespace(c *CPU) *ir.Namespace {
	ns := ir.NewNamespace(c.Cells)
	ns.Add("arr", &ir.ArrayDescr{Name: "arr", BaseSize: gc.StandardArrayBaseSize, ItemSize: 4,
		LenOffset: gc.StandardArrayLengthOfs, Flag: ir.FlagPointer, TypeID: 5})
	ns.Add("next", &ir.FieldDescr{Name: "next", Offset: 8, FieldSize: 4, Flag: ir.FlagPointer})
	return ns
}

func TestCardMarking(t *testing.T) {
	c := newCPU(t, nil)
	token := compile(t, c, arrayNamespace(c), "store", `
[p0, i1, p2]
setarrayitem_gc(p0, i1, p2, descr=arr)
finish()
`)
	arr := c.MallocArray(4, 300, 5)
	val := c.Malloc(8, 1)
	// cards already set: the barrier marks inline
	c.Mem.Store8(arr+2, 0x80)
	execute(t, c, token, guard.RefValue(arr), guard.IntValue(299), guard.RefValue(val))
	if got := c.ReadWord(arr + 8 + 4*299); got != val {
		t.Errorf("item 299 is %#x, want %#x", got, val)
	}
	// index 299 is in card 2: byte -1, bit 2
	if b := c.Mem.Load8(arr - 1); b != 1<<2 {
		t.Errorf("card byte %#x, want %#x", b, 1<<2)
	}
	if r := c.Remembered(); len(r) != 0 {
		t.Errorf("helper called for %v", r)
	}
}

func TestCardArrayHelper(t *testing.T) {
	c := newCPU(t, nil)
	token := compile(t, c, arrayNamespace(c), "store", `
[p0, i1, p2]
setarrayitem_gc(p0, i1, p2, descr=arr)
finish()
`)
	arr := c.MallocArray(4, 300, 5)
	val := c.Malloc(8, 1)
	execute(t, c, token, guard.RefValue(arr), guard.IntValue(5), guard.RefValue(val))
	tid := c.ReadWord(arr)
	if tid&gc.JitWbCardsSet == 0 {
		t.Errorf("cards flag not set: tid %#x", tid)
	}
	if b := c.Mem.Load8(arr - 1); b != 1 {
		t.Errorf("card byte %#x, want 1", b)
	}
}

func TestCardMarkingConstantIndex(t *testing.T) {
	c := newCPU(t, nil)
	token := compile(t, c, arrayNamespace(c), "store299", `
[p0, p2]
setarrayitem_gc(p0, 299, p2, descr=arr)
finish()
`)
	val := c.Malloc(8, 1)

	arr := c.MallocArray(4, 300, 5)
	c.Mem.Store8(arr+2, 0x80)
	execute(t, c, token, guard.RefValue(arr), guard.RefValue(val))
	if got := c.ReadWord(arr + 8 + 4*299); got != val {
		t.Errorf("item 299 is %#x, want %#x", got, val)
	}
	if b := c.Mem.Load8(arr - 1); b != 1<<2 {
		t.Errorf("card byte %#x, want %#x", b, 1<<2)
	}
	if r := c.Remembered(); len(r) != 0 {
		t.Errorf("helper called for %v", r)
	}

	// without the cards flag the helper runs first
	arr = c.MallocArray(4, 300, 5)
	execute(t, c, token, guard.RefValue(arr), guard.RefValue(val))
	if tid := c.ReadWord(arr); tid&gc.JitWbCardsSet == 0 {
		t.Errorf("cards flag not set: tid %#x", tid)
	}
	if b := c.Mem.Load8(arr - 1); b != 1<<2 {
		t.Errorf("card byte %#x, want %#x", b, 1<<2)
	}
}

func TestWriteBarrierHelper(t *testing.T) {
	c := newCPU(t, nil)
	token := compile(t, c, arrayNamespace(c), "setfield", `
[p0, p1]
setfield_gc(p0, p1, descr=next)
finish()
`)
	obj := c.Malloc(16, 7)
	val := c.Malloc(8, 1)
	execute(t, c, token, guard.RefValue(obj), guard.RefValue(val))
	if got := c.ReadWord(obj + 8); got != val {
		t.Errorf("field is %#x, want %#x", got, val)
	}
	if r := c.Remembered(); len(r) != 1 || r[0] != obj {
		t.Errorf("remembered %v, want [%#x]", r, obj)
	}
	if tid := c.ReadWord(obj); tid != 7 {
		t.Errorf("tid %#x, want the flag cleared", tid)
	}

	// the flag is clear now, the second store skips the helper
	execute(t, c, token, guard.RefValue(obj), guard.RefValue(val))
	if r := c.Remembered(); len(r) != 1 {
		t.Errorf("remembered %v after the second store", r)
	}
}

func TestNewInitializesTid(t *testing.T) {
	c := newCPU(t, nil)
	ns := ir.NewNamespace(c.Cells)
	ns.Add("node", &ir.SizeDescr{Name: "node", Size: 12, TypeID: 3})
	token := compile(t, c, ns, "new", `
[]
p0 = new(descr=node)
finish(p0)
`)
	n, _ := c.NurseryRange()
	c.SetNurseryBounds(n, n+64)
	f := execute(t, c, token)
	if f.Values[0].Ref() != n {
		t.Fatalf("object at %#x, want %#x", f.Values[0].Ref(), n)
	}
	if tid := c.ReadWord(n); tid != 3 {
		t.Errorf("tid %d, want 3", tid)
	}
}

func TestBoehmMalloc(t *testing.T) {
	c := newCPU(t, func(o *Options) { o.GC = "boehm" })
	ns := ir.NewNamespace(c.Cells)
	ns.Add("node", &ir.SizeDescr{Name: "node", Size: 12, TypeID: 3})
	token := compile(t, c, ns, "new", `
[]
p0 = new(descr=node)
finish(p0)
`)
	f := execute(t, c, token)
	p := f.Values[0].Ref()
	if !c.layout.old.contains(p) {
		t.Errorf("boehm object at %#x is not in the old space", p)
	}
}

func TestRedirectCallAssembler(t *testing.T) {
	c := newCPU(t, nil)
	a := compile(t, c, nil, "a", `
[i0]
i1 = int_add(i0, 1)
finish(i1)
`)
	b := compile(t, c, nil, "b", `
[i0]
i1 = int_mul(i0, 10)
finish(i1)
`)
	caller := func(name string) *ir.JitCellToken {
		ns := ir.NewNamespace(c.Cells)
		ns.Add("callee", a)
		return compile(t, c, ns, name, `
[i0]
i1 = call_assembler(i0, descr=callee)
guard_not_forced(descr=gnf) []
finish(i1)
`)
	}
	before := caller("before")
	expectInts(t, execute(t, c, before, guard.IntValue(5)), 6)

	if err := c.Asm.RedirectCallAssembler(a, b); err != nil {
		t.Fatal(err)
	}
	word := c.ReadWord(a.Entry)
	if word>>24 != 0xEA {
		t.Fatalf("entry of a is %08x, want a branch", word)
	}
	if target := a.Entry + 8 + uint32(int32(word<<8)>>6); target != b.Entry {
		t.Errorf("branch to %#x, want %#x", target, b.Entry)
	}

	after := caller("after")
	expectInts(t, execute(t, c, before, guard.IntValue(5)), 50)
	expectInts(t, execute(t, c, after, guard.IntValue(5)), 50)
	expectInts(t, execute(t, c, a, guard.IntValue(2)), 20)
}

func TestCallAssemblerHelper(t *testing.T) {
	c := newCPU(t, nil)
	ns := ir.NewNamespace(c.Cells)
	callee := compile(t, c, ns, "callee", `
[i0]
i1 = int_lt(i0, 0)
guard_false(i1, descr=neg) [i0]
finish(i0)
`)
	ns.Add("callee", callee)
	var seen *guard.DeadFrame
	c.OnAssembler = func(f *guard.DeadFrame) guard.Value {
		seen = f
		return guard.IntValue(-f.Values[0].Int())
	}
	token := compile(t, c, ns, "caller", `
[i0]
i1 = call_assembler(i0, descr=callee)
guard_not_forced(descr=gnf) []
finish(i1)
`)
	expectInts(t, execute(t, c, token, guard.IntValue(4)), 4)
	if seen != nil {
		t.Fatalf("helper called on the done exit")
	}
	expectInts(t, execute(t, c, token, guard.IntValue(-7)), 7)
	if seen == nil || seen.Descr != ns.Descrs["neg"] {
		t.Errorf("helper saw %v", seen)
	}
}

func TestForce(t *testing.T) {
	c := newCPU(t, nil)
	var frame uint32
	var forced *guard.DeadFrame
	addr := c.AddHelper("forcer", func(sim *armsim.CPU) {
		frame = sim.R[regFP]
		f, err := c.Force(frame)
		if err != nil {
			panic(err)
		}
		forced = f
		sim.R[0] = 99
	})
	ns := ir.NewNamespace(c.Cells)
	ns.Add("cd", &ir.CallDescr{Name: "forcer", ArgTypes: []ir.Type{ir.TypeInt}, ResultType: ir.TypeInt, ResultSize: 4})
	token := compile(t, c, ns, "force", fmt.Sprintf(`
[i0, i1]
i2 = call_may_force(%#x, i0, descr=cd)
guard_not_forced(descr=gnf) [i0, i1]
finish(i2)
`, addr))
	f := execute(t, c, token, guard.IntValue(3), guard.IntValue(4))
	if f.Descr != ns.Descrs["gnf"] {
		t.Fatalf("left through %s, want gnf", f.Descr)
	}
	expectInts(t, f, 3, 4)
	if forced == nil {
		t.Fatal("helper did not run")
	}
	expectInts(t, forced, 3, 4)
	if c.ForcedFrame(frame) != forced {
		t.Errorf("forced frame not kept")
	}
	if c.ForcedFrame(frame) != nil {
		t.Errorf("forced frame kept twice")
	}
}

func TestReleaseGil(t *testing.T) {
	c := newCPU(t, nil)
	var gilFree bool
	addr := c.AddHelper("add", func(sim *armsim.CPU) {
		if c.gil.TryLock() {
			gilFree = true
			c.gil.Unlock()
		}
		sim.R[0] += sim.R[1]
	})
	ns := ir.NewNamespace(c.Cells)
	ns.Add("cd", &ir.CallDescr{Name: "add", ArgTypes: []ir.Type{ir.TypeInt, ir.TypeInt}, ResultType: ir.TypeInt, ResultSize: 4})
	token := compile(t, c, ns, "gil", fmt.Sprintf(`
[i0, i1]
i2 = call_release_gil(%#x, i0, i1, descr=cd)
guard_not_forced(descr=gnf) [i0]
finish(i2)
`, addr))
	expectInts(t, execute(t, c, token, guard.IntValue(30), guard.IntValue(12)), 42)
	if !gilFree {
		t.Errorf("the GIL was held during the call")
	}
	if r, a := c.Stats.GilReleases.Load(), c.Stats.GilAcquires.Load(); r != 2 || a != 2 {
		t.Errorf("gil releases %d acquires %d, want 2 and 2", r, a)
	}
}

func TestDivisionHelpers(t *testing.T) {
	c := newCPU(t, nil)
	token := compile(t, c, nil, "div", `
[i0, i1]
i2 = int_floordiv(i0, i1)
i3 = int_mod(i0, i1)
finish(i2, i3)
`)
	for _, tc := range []struct{ a, b, q, r int32 }{
		{7, 2, 3, 1},
		{7, -2, -3, 1},
		{-7, 2, -3, -1},
		{5, 0, 0, 0},
	} {
		f := execute(t, c, token, guard.IntValue(tc.a), guard.IntValue(tc.b))
		expectInts(t, f, tc.q, tc.r)
	}
}

func TestConcurrentThreads(t *testing.T) {
	c := newCPU(t, nil)
	token := compile(t, c, nil, "count", countLoop)
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(start int32) {
			defer wg.Done()
			f, err := c.Execute(token, guard.IntValue(start))
			if err != nil {
				errs <- err
				return
			}
			if f.Values[0].Int() != 1000 {
				errs <- fmt.Errorf("start %d ended at %d", start, f.Values[0].Int())
			}
		}(int32(i * 100))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if n := c.Stats.Runs.Load(); n != 4 {
		t.Errorf("%d runs, want 4", n)
	}
}

func TestExecuteErrors(t *testing.T) {
	c := newCPU(t, nil)
	if _, err := c.Execute(c.Cells.NewCell("empty")); err == nil {
		t.Errorf("executing an uncompiled loop succeeded")
	}
	token := compile(t, c, nil, "count", countLoop)
	if _, err := c.Execute(token); err == nil {
		t.Errorf("missing args accepted")
	}
	if _, err := c.Execute(token, guard.FloatValue(1)); err == nil {
		t.Errorf("float arg for an int input accepted")
	}
}

func TestRunCountsFailures(t *testing.T) {
	c := newCPU(t, nil)
	var events []guard.Event
	c.OnGuard = func(e guard.Event) { events = append(events, e) }
	token := compile(t, c, nil, "count", countLoop)
	for i := 0; i < 3; i++ {
		if _, err := c.Run(token, guard.IntValue(0)); err != nil {
			t.Fatal(err)
		}
	}
	if len(events) != 3 || events[2].Kind != "failure" {
		t.Errorf("events %v", events)
	}
}

func TestRegistry(t *testing.T) {
	r := NewDescrRegistry()
	a, b := ir.NewFailDescr("a"), ir.NewFailDescr("b")
	ia, ib := r.Register(a), r.Register(b)
	if ia == ib || r.Lookup(ia) != a || r.Lookup(ib) != b {
		t.Fatalf("indexes %d %d", ia, ib)
	}
	r.Release(ia)
	if a.Index != -1 || r.Lookup(ia) != nil {
		t.Errorf("released descr still registered")
	}
	c := ir.NewFailDescr("c")
	if r.Register(c) != ia {
		t.Errorf("freed index not reused")
	}
	d1 := r.Done(ir.FailDoneWithThisFrameInt)
	if d2 := r.Done(ir.FailDoneWithThisFrameInt); d1 != d2 {
		t.Errorf("done descr not shared")
	}
	if len(d1.FailTypes) != 1 || d1.FailTypes[0] != ir.TypeInt {
		t.Errorf("done int types %v", d1.FailTypes)
	}
	if r.Len() != 3 {
		t.Errorf("%d registered, want 3", r.Len())
	}
}

func TestOptionsFromSettings(t *testing.T) {
	saved := Settings
	defer func() { Settings = saved }()
	ChangeSettings("Nursery", "512KiB")
	ChangeSettings("Cards", "off")
	if ChangeSettings("Nursery") != "512KiB" {
		t.Errorf("nursery setting not stored")
	}
	o, err := OptionsFromSettings()
	if err != nil {
		t.Fatal(err)
	}
	if o.NurserySize != 512<<10 || !o.NoCards {
		t.Errorf("options %+v", o)
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("unknown setting accepted")
			}
		}()
		ChangeSettings("Bogus", "1")
	}()
}

// liveIndexes counts the fail indexes handed out and not yet released.
func liveIndexes(c *CPU) int {
	r := c.Registry
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.next) - len(r.free)
}

func TestInvalidateWhileRunning(t *testing.T) {
	c := newCPU(t, nil)
	var token *ir.JitCellToken
	addr := c.AddHelper("invalidator", func(sim *armsim.CPU) {
		c.Asm.InvalidateLoop(token)
		sim.R[0]++
	})
	ns := ir.NewNamespace(c.Cells)
	ns.Add("cd", &ir.CallDescr{Name: "invalidator", ArgTypes: []ir.Type{ir.TypeInt}, ResultType: ir.TypeInt,
		ResultSize: 4, Effect: ir.DefaultEffect})
	token = compile(t, c, ns, "inv", fmt.Sprintf(`
[i0]
i1 = call(%#x, i0, descr=cd)
guard_not_invalidated(descr=gi) [i1]
finish(i1)
`, addr))
	f := execute(t, c, token, guard.IntValue(0))
	if f.Descr != ns.Descrs["gi"] {
		t.Fatalf("left through %s, want gi", f.Descr)
	}
	expectInts(t, f, 1)
	if !token.Invalid {
		t.Errorf("token not marked invalid")
	}
	if _, err := c.Execute(token, guard.IntValue(0)); err == nil {
		t.Errorf("invalidated loop ran again")
	}
}

func TestInvalidJumpReleasesIndexes(t *testing.T) {
	c := newCPU(t, nil)
	live, entries := liveIndexes(c), c.Registry.Len()
	ns := ir.NewNamespace(c.Cells)
	tr, err := ir.Parse(`
[i0, f1]
label(i0, f1, descr=top)
i2 = int_add(i0, 1)
i3 = int_lt(i2, 10)
guard_true(i3, descr=g) [i2, f1]
jump(f1, i2, descr=top)
`, ns)
	if err != nil {
		t.Fatal(err)
	}
	token := c.Cells.NewCell("swapped")
	if err := c.Compile(token, tr); !errors.Is(err, arm.ErrInvalidLoop) {
		t.Fatalf("compile returned %v, want an invalid loop", err)
	}
	if got := liveIndexes(c); got != live {
		t.Errorf("%d fail indexes live, want %d", got, live)
	}
	if got := c.Registry.Len(); got != entries {
		t.Errorf("%d descrs registered, want %d", got, entries)
	}
	if g := ns.Descrs["g"].(*ir.FailDescr); g.Index != -1 {
		t.Errorf("guard keeps index %d", g.Index)
	}
	if token.Entry != 0 {
		t.Errorf("failed loop has entry %#x", token.Entry)
	}
	expectInts(t, execute(t, c, compile(t, c, nil, "count", countLoop), guard.IntValue(0)), 1000)
}

func TestSharedGuardDescrRejected(t *testing.T) {
	c := newCPU(t, nil)
	ns := ir.NewNamespace(c.Cells)
	tr, err := ir.Parse(`
[i0, i1]
i2 = int_lt(i0, 100)
guard_true(i2, descr=g) [i0]
i3 = int_lt(i1, 100)
guard_true(i3, descr=g) [i1, i0]
finish(i0)
`, ns)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Compile(c.Cells.NewCell("shared"), tr); !errors.Is(err, arm.ErrInvalidLoop) {
		t.Fatalf("compile returned %v, want an invalid loop", err)
	}

	ns = ir.NewNamespace(c.Cells)
	token := compile(t, c, ns, "split", `
[i0, i1]
i2 = int_lt(i0, 100)
guard_true(i2, descr=g1) [i0]
i3 = int_lt(i1, 100)
guard_true(i3, descr=g2) [i1, i0]
finish(i0)
`)
	f := execute(t, c, token, guard.IntValue(500), guard.IntValue(7))
	if f.Descr != ns.Descrs["g1"] {
		t.Errorf("left through %s, want g1", f.Descr)
	}
	expectInts(t, f, 500)
	f = execute(t, c, token, guard.IntValue(5), guard.IntValue(700))
	if f.Descr != ns.Descrs["g2"] {
		t.Errorf("left through %s, want g2", f.Descr)
	}
	expectInts(t, f, 700, 5)
}

func TestCodeArenaFull(t *testing.T) {
	c := newCPU(t, func(o *Options) { o.CodeSize = 4 << 10 })
	var first *ir.JitCellToken
	for i := 0; ; i++ {
		if i == 1000 {
			t.Fatal("the code arena never filled")
		}
		live := liveIndexes(c)
		tr, err := ir.Parse(countLoop, ir.NewNamespace(c.Cells))
		if err != nil {
			t.Fatal(err)
		}
		token := c.Cells.NewCell(fmt.Sprintf("count%d", i))
		err = c.Compile(token, tr)
		if err == nil {
			if first == nil {
				first = token
			}
			continue
		}
		if !errors.Is(err, codebuf.ErrArenaFull) {
			t.Fatalf("loop %d: %v, want a full arena", i, err)
		}
		if got := liveIndexes(c); got != live {
			t.Errorf("%d fail indexes live after the failure, want %d", got, live)
		}
		if token.Entry != 0 {
			t.Errorf("failed loop has entry %#x", token.Entry)
		}
		break
	}
	if first == nil {
		t.Fatal("no loop fit")
	}
	expectInts(t, execute(t, c, first, guard.IntValue(0)), 1000)
}

type traceBuffer struct{ bytes.Buffer }

func (*traceBuffer) Close() error { return nil }

func TestCompileSpans(t *testing.T) {
	buf := new(traceBuffer)
	jitlog.Trace = jitlog.NewTrace(buf)
	defer func() { jitlog.Trace = nil }()

	c := newCPU(t, nil)
	ns := ir.NewNamespace(c.Cells)
	compile(t, c, ns, "count", countLoop)
	tr, err := ir.Parse(`
[i0]
finish(i0)
`, ir.NewNamespace(c.Cells))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Compiler.CompileBridge(ns.Descrs["exit"].(*ir.FailDescr), tr); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		`"name":"count","cat":"loop","ph":"B"`,
		`"name":"count","cat":"loop","ph":"E"`,
		`"name":"exit","cat":"bridge","ph":"B"`,
		`"name":"exit","cat":"bridge","ph":"E"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("trace lacks %s:\n%s", want, out)
		}
	}
}
