package guard

import (
	"errors"
	"testing"

	"github.com/launix-de/rjit/ir"
)

func TestRecoveryRoundTrip(t *testing.T) {
	entries := []Entry{
		{Type: ir.TypeInt, Loc: 4},
		{Type: ir.TypeVoid, Loc: -1},
		{Type: ir.TypeFloat, Loc: 17},
		{Type: ir.TypeRef, Loc: FirstStack + 300, InputArg: true},
		{Type: ir.TypeRef, Loc: FirstStack, Forced: true},
	}
	data := EncodeRecovery(entries, 4711)
	got, idx, err := DecodeRecovery(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if idx != 4711 {
		t.Errorf("fail index %d, want 4711", idx)
	}
	if len(got) != len(entries) {
		t.Fatalf("%d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i] != entries[i] {
			t.Errorf("entry %d: got %+v, want %+v", i, got[i], entries[i])
		}
	}
	if !got[3].IsStack() || got[3].StackPos() != 300 {
		t.Errorf("entry 3 should be stack slot 300, got %+v", got[3])
	}
}

func TestRecoveryErrors(t *testing.T) {
	good := EncodeRecovery([]Entry{{Type: ir.TypeInt, Loc: 1}}, 3)
	cases := map[string][]byte{
		"empty":     nil,
		"truncated": good[:len(good)-1],
		"trailing":  append(append([]byte{}, good...), 0),
		"dangling":  {CodeInputArg, CodeStop, 0},
	}
	for name, data := range cases {
		if _, _, err := DecodeRecovery(data); !errors.Is(err, ErrBadRecovery) {
			t.Errorf("%s: got %v, want ErrBadRecovery", name, err)
		}
	}
}

func TestPolicyCountsPerValue(t *testing.T) {
	p := Policy{TraceEagerness: 3}
	d := ir.NewFailDescr("g")
	d.GuardOp = ir.GuardValue
	d.ValueArg = 0
	frame := func(v int32) *DeadFrame {
		return &DeadFrame{Descr: d, Values: []Value{IntValue(v)}}
	}
	if p.MustCompile(d, frame(1)) || p.MustCompile(d, frame(2)) || p.MustCompile(d, frame(1)) {
		t.Fatalf("hot too early")
	}
	if !p.MustCompile(d, frame(1)) {
		t.Errorf("third failure with value 1 should be hot")
	}
	if p.MustCompile(d, frame(2)) {
		t.Errorf("value 2 failed only twice")
	}
}

func TestPolicyPlainCounter(t *testing.T) {
	p := Policy{TraceEagerness: 2}
	d := ir.NewFailDescr("g")
	d.GuardOp = ir.GuardNonnull
	f := &DeadFrame{Descr: d}
	if p.MustCompile(d, f) {
		t.Fatalf("hot after one failure")
	}
	if !p.MustCompile(d, f) {
		t.Errorf("should be hot after two failures")
	}
	d.AdrBridge = 0x1000
	if p.MustCompile(d, f) {
		t.Errorf("a guard with a bridge is never hot")
	}
}

func TestPolicyClassOf(t *testing.T) {
	p := Policy{TraceEagerness: 2, ClassOf: func(obj uint32) uint32 { return obj &^ 0xFF }}
	d := ir.NewFailDescr("g")
	d.GuardOp = ir.GuardClass
	d.ValueArg = 0
	p.MustCompile(d, &DeadFrame{Descr: d, Values: []Value{RefValue(0x1010)}})
	if !p.MustCompile(d, &DeadFrame{Descr: d, Values: []Value{RefValue(0x1020)}}) {
		t.Errorf("two objects of the same class should share a counter")
	}
}

type fakeBackend struct {
	bridges []*ir.Trace
	patched map[*ir.FailDescr]uint32
	err     error
}

func (b *fakeBackend) CompileLoop(token *ir.JitCellToken, trace *ir.Trace) error { return b.err }

func (b *fakeBackend) CompileBridge(descr *ir.FailDescr, trace *ir.Trace) (uint32, error) {
	if b.err != nil {
		return 0, b.err
	}
	b.bridges = append(b.bridges, trace)
	return 0x8000 + uint32(len(b.bridges))*0x100, nil
}

func (b *fakeBackend) PatchGuard(descr *ir.FailDescr, addr uint32) {
	if b.patched == nil {
		b.patched = map[*ir.FailDescr]uint32{}
	}
	b.patched[descr] = addr
	descr.AdrBridge = addr
}

type fakeTracer struct {
	trace *ir.Trace
	err   error
	calls int
}

func (t *fakeTracer) TraceBridge(descr *ir.FailDescr, frame *DeadFrame) (*ir.Trace, error) {
	t.calls++
	return t.trace, t.err
}

func bridgeTrace(t *testing.T) *ir.Trace {
	t.Helper()
	tr, err := ir.Parse("[i0]\nfinish(i0)\n", nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return tr
}

func TestHandleFailureAttachesBridge(t *testing.T) {
	b := &fakeBackend{}
	tr := &fakeTracer{trace: bridgeTrace(t)}
	c := NewCompiler(b, tr)
	c.Policy.TraceEagerness = 2
	var kinds []string
	c.OnEvent = func(e Event) { kinds = append(kinds, e.Kind) }

	d := ir.NewFailDescr("g")
	d.GuardOp = ir.GuardTrue
	f := &DeadFrame{Descr: d, Values: []Value{IntValue(7)}}
	if ok, err := c.HandleFailure(f); ok || err != nil {
		t.Fatalf("first failure: %v %v", ok, err)
	}
	ok, err := c.HandleFailure(f)
	if !ok || err != nil {
		t.Fatalf("second failure should attach a bridge: %v %v", ok, err)
	}
	if b.patched[d] != 0x8100 {
		t.Errorf("guard patched to %#x", b.patched[d])
	}
	if ok, _ := c.HandleFailure(f); ok {
		t.Errorf("a guard gets one bridge only")
	}
	if _, bridges := c.Stats(); bridges != 1 {
		t.Errorf("%d bridges", bridges)
	}
	want := []string{"failure", "failure", "bridge"}
	if len(kinds) != len(want) {
		t.Fatalf("events %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d is %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestHandleFailureAbort(t *testing.T) {
	tr := &fakeTracer{err: ErrAbort}
	c := NewCompiler(&fakeBackend{}, tr)
	c.Policy.TraceEagerness = 1
	d := ir.NewFailDescr("g")
	d.GuardOp = ir.GuardNonnull
	if ok, err := c.HandleFailure(&DeadFrame{Descr: d}); ok || err != nil {
		t.Fatalf("abort: %v %v", ok, err)
	}
	if d.Counter != 0 {
		t.Errorf("an aborted trace resets the counter, got %d", d.Counter)
	}
	if tr.calls != 1 {
		t.Errorf("tracer called %d times", tr.calls)
	}
}

func TestHandleFailureBackendError(t *testing.T) {
	boom := errors.New("boom")
	c := NewCompiler(&fakeBackend{err: boom}, &fakeTracer{trace: bridgeTrace(t)})
	c.Policy.TraceEagerness = 1
	d := ir.NewFailDescr("g")
	d.GuardOp = ir.GuardNonnull
	if _, err := c.HandleFailure(&DeadFrame{Descr: d}); !errors.Is(err, boom) {
		t.Errorf("got %v, want the backend error", err)
	}
	if d.AdrBridge != 0 {
		t.Errorf("failed bridge must not be patched")
	}
}

func TestFinalExitsAreIgnored(t *testing.T) {
	tr := &fakeTracer{}
	c := NewCompiler(&fakeBackend{}, tr)
	c.Policy.TraceEagerness = 1
	d := ir.NewFinalDescr("done", ir.FailDoneWithThisFrameInt)
	if ok, _ := c.HandleFailure(&DeadFrame{Descr: d}); ok || tr.calls != 0 {
		t.Errorf("a finish is not a guard failure")
	}
}

func TestResumeReader(t *testing.T) {
	i0, i1, p2 := ir.NewBox(ir.TypeInt), ir.NewBox(ir.TypeInt), ir.NewBox(ir.TypeRef)
	d := ir.NewFailDescr("g")
	d.FailArgs = []*ir.Box{i0, nil, p2, i1}
	outer := &ir.Snapshot{Boxes: []ir.Value{p2, ir.ConstInt(3)}}
	d.Snapshot = &ir.Snapshot{Prev: outer, Boxes: []ir.Value{i1, i0}}
	d.FrameInfo = &ir.FrameInfo{Prev: &ir.FrameInfo{JitCode: "main", PC: 10}, JitCode: "callee", PC: 4}
	f := &DeadFrame{Descr: d, Values: []Value{IntValue(5), {}, RefValue(0x2000), IntValue(-1)}}

	frames, err := NewResumeReader(f).Frames()
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("%d frames", len(frames))
	}
	if frames[0].JitCode != "main" || frames[0].PC != 10 {
		t.Errorf("outer frame %s@%d", frames[0].JitCode, frames[0].PC)
	}
	if frames[0].Values[0].Ref() != 0x2000 || frames[0].Values[1].Int() != 3 {
		t.Errorf("outer values %v", frames[0].Values)
	}
	if frames[1].Values[0].Int() != -1 || frames[1].Values[1].Int() != 5 {
		t.Errorf("inner values %v", frames[1].Values)
	}

	d.Snapshot = &ir.Snapshot{Boxes: []ir.Value{ir.NewBox(ir.TypeInt)}}
	d.FrameInfo = &ir.FrameInfo{JitCode: "main"}
	if _, err := NewResumeReader(f).Frames(); !errors.Is(err, ErrBadResume) {
		t.Errorf("unknown box: got %v", err)
	}
}
