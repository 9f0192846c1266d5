package ir

import (
	"strings"
	"testing"
)

const loopSrc = `
[i0, p1]
label(i0, p1, descr=loop)
i1 = int_add(i0, 1)        # counter
i2 = int_lt(i1, 1000)
guard_true(i2, descr=g1) [i1, None, p1]
p3 = getfield_gc(p1, descr=nextdescr)
f4 = float_add(1.5, ConstFloat(2))
jump(i1, p3, descr=loop)
`

func parseOrFail(t *testing.T, src string, ns *Namespace) *Trace {
	t.Helper()
	tr, err := Parse(src, ns)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return tr
}

func testNamespace() *Namespace {
	ns := NewNamespace(NewTokenArena())
	ns.Add("nextdescr", &FieldDescr{Name: "nextdescr", Offset: 8, FieldSize: 4, Flag: FlagPointer})
	ns.Classes["Node"] = 0x1000
	return ns
}

func TestParseLoop(t *testing.T) {
	ns := testNamespace()
	tr := parseOrFail(t, loopSrc, ns)
	if len(tr.InputArgs) != 2 {
		t.Fatalf("expected 2 input args, got %d", len(tr.InputArgs))
	}
	if tr.InputArgs[1].Type() != TypeRef {
		t.Errorf("p1 should be a ref, got %s", tr.InputArgs[1].Type())
	}
	if len(tr.Ops) != 7 {
		t.Fatalf("expected 7 ops, got %d", len(tr.Ops))
	}
	if err := tr.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	label, jump := tr.Ops[0], tr.Ops[6]
	if label.Descr != jump.Descr {
		t.Errorf("label and jump must share the target token")
	}
	if _, ok := label.Descr.(*TargetToken); !ok {
		t.Errorf("label descr is %T", label.Descr)
	}
	g := tr.Ops[3]
	if !g.IsGuard() || g.FailDescr() == nil {
		t.Fatalf("op 3 should be a guard with a fail descr")
	}
	if g.FailDescr().Name != "g1" || g.FailDescr().GuardOp != GuardTrue {
		t.Errorf("unexpected guard descr %+v", g.FailDescr())
	}
	if len(g.FailArgs) != 3 || g.FailArgs[1] != nil {
		t.Errorf("fail args should be [i1, None, p1], got %v", g.FailArgs)
	}
	if g.FailArgs[0] != tr.Ops[1].Result {
		t.Errorf("fail arg i1 should be the int_add result")
	}
	c := AsConst(tr.Ops[5].Args[0])
	if c == nil || c.Type() != TypeFloat || c.F != 1.5 {
		t.Errorf("expected float constant 1.5, got %v", tr.Ops[5].Args[0])
	}
	if tr.Ops[4].Result.Type() != TypeRef {
		t.Errorf("getfield result p3 should be a ref")
	}
}

func TestPrintParses(t *testing.T) {
	ns := testNamespace()
	tr := parseOrFail(t, loopSrc, ns)
	text := tr.String()
	tr2 := parseOrFail(t, text, ns)
	if tr2.String() != text {
		t.Errorf("printer output does not reparse to itself:\n%s\nvs\n%s", text, tr2.String())
	}
	if !strings.Contains(text, "guard_true(i2, descr=g1) [i1, None, p1]") {
		t.Errorf("unexpected guard rendering:\n%s", text)
	}
}

func TestParseConstants(t *testing.T) {
	ns := testNamespace()
	tr := parseOrFail(t, `[p0]
i1 = ptr_eq(p0, NULL)
i2 = int_add(i1, 0x10)
i3 = int_sub(i2, ConstClass(Node))
i4 = ptr_ne(p0, ConstPtr(Node))
finish(i3)`, ns)
	if c := AsConst(tr.Ops[0].Args[1]); c == nil || !c.IsNull() {
		t.Errorf("NULL should parse to the null ref constant")
	}
	if c := AsConst(tr.Ops[1].Args[1]); c == nil || c.I != 16 {
		t.Errorf("0x10 should parse to 16")
	}
	if c := AsConst(tr.Ops[2].Args[1]); c == nil || c.Type() != TypeInt || c.I != 0x1000 {
		t.Errorf("ConstClass(Node) should be the int vtable 0x1000")
	}
	if c := AsConst(tr.Ops[3].Args[1]); c == nil || c.Type() != TypeRef || c.P != 0x1000 {
		t.Errorf("ConstPtr(Node) should be the ref 0x1000")
	}
	fd := tr.Ops[4].FailDescr()
	if fd == nil || fd.Final != FailDoneWithThisFrameInt {
		t.Errorf("finish(i3) should get a done_int descr, got %v", tr.Ops[4].Descr)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
		msg  string
	}{
		{"unknown op", "[i0]\ni1 = int_frobnicate(i0)\nfinish(i1)", "unknown operation"},
		{"unknown box", "[i0]\ni1 = int_add(i7, 1)\nfinish(i1)", "unknown value"},
		{"bad name", "[x0]\nfinish()", "must start with"},
		{"double def", "[i0]\ni0 = int_add(i0, 1)\nfinish(i0)", "defined twice"},
		{"unknown descr", "[p0]\ni1 = getfield_gc(p0, descr=nothere)\nfinish(i1)", "unknown descr"},
		{"unknown failarg", "[i0]\nguard_true(i0) [i9]\nfinish()", "unknown fail arg"},
		{"unclosed call", "[i0]\ni1 = int_add(i0, 1\nfinish(i1)", "syntax error"},
		{"trailing text", "[i0]\ni1 = int_add(i0, 1) i0\nfinish(i1)", "syntax error"},
	}
	for _, c := range cases {
		_, err := Parse(c.src, nil)
		if err == nil {
			t.Errorf("%s: expected an error", c.name)
			continue
		}
		if !strings.Contains(err.Error(), c.msg) {
			t.Errorf("%s: error %q does not mention %q", c.name, err, c.msg)
		}
	}
	tr, err := Parse("[i0]\ndebug_merge_point(0, 'f(a, b) line 2')\ni1 = int_add(i0, -3)\nfinish(i1)", nil)
	if err != nil {
		t.Fatalf("quoted payload: %v", err)
	}
	if len(tr.Ops[0].Args) != 0 || AsConst(tr.Ops[1].Args[1]).I != -3 {
		t.Errorf("unexpected ops %v", tr.Ops)
	}
	if _, err := Parse("# nothing\n", nil); err != ErrEmptyTrace {
		t.Errorf("empty input should give ErrEmptyTrace, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	i0 := NewBox(TypeInt)
	i1 := NewBox(TypeInt)
	fd := NewFailDescr("g")

	// use before definition
	tr := &Trace{InputArgs: []*Box{i0}, Ops: []*Op{
		NewOp(IntAdd, []Value{i1, ConstInt(1)}, NewBox(TypeInt), nil),
		NewOp(Finish, nil, nil, NewFinalDescr("done", FailDoneWithThisFrameVoid)),
	}}
	if err := tr.Validate(); err == nil || !strings.Contains(err.Error(), "before definition") {
		t.Errorf("expected use-before-definition error, got %v", err)
	}

	// guard without descr
	tr = &Trace{InputArgs: []*Box{i0}, Ops: []*Op{
		NewOp(GuardTrue, []Value{i0}, nil, nil),
		NewOp(Finish, nil, nil, NewFinalDescr("done", FailDoneWithThisFrameVoid)),
	}}
	if err := tr.Validate(); err == nil {
		t.Errorf("guard without descr must not validate")
	}

	// wrong arity
	tr = &Trace{InputArgs: []*Box{i0}, Ops: []*Op{
		NewOp(IntAdd, []Value{i0}, i1, nil),
		NewOp(Finish, nil, nil, NewFinalDescr("done", FailDoneWithThisFrameVoid)),
	}}
	if err := tr.Validate(); err == nil || !strings.Contains(err.Error(), "expects 2 args") {
		t.Errorf("expected arity error, got %v", err)
	}

	// no final op
	tr = &Trace{InputArgs: []*Box{i0}, Ops: []*Op{
		NewOp(GuardTrue, []Value{i0}, nil, fd),
	}}
	if err := tr.Validate(); err == nil || !strings.Contains(err.Error(), "expected jump or finish") {
		t.Errorf("expected missing final op error, got %v", err)
	}

	// final op in the middle
	tr = &Trace{InputArgs: []*Box{i0}, Ops: []*Op{
		NewOp(Finish, nil, nil, NewFinalDescr("done", FailDoneWithThisFrameVoid)),
		NewOp(Finish, nil, nil, NewFinalDescr("done", FailDoneWithThisFrameVoid)),
	}}
	if err := tr.Validate(); err == nil {
		t.Errorf("finish in the middle must not validate")
	}

	// two exits sharing one descr
	i2 := NewBox(TypeInt)
	tr = &Trace{InputArgs: []*Box{i0, i1}, Ops: []*Op{
		NewOp(GuardTrue, []Value{i0}, nil, fd),
		NewOp(IntAdd, []Value{i0, i1}, i2, nil),
		NewOp(GuardTrue, []Value{i2}, nil, fd),
		NewOp(Finish, nil, nil, NewFinalDescr("done", FailDoneWithThisFrameVoid)),
	}}
	tr.Ops[0].FailArgs = []*Box{i0}
	tr.Ops[2].FailArgs = []*Box{i1, i0, i2}
	if err := tr.Validate(); err == nil || !strings.Contains(err.Error(), "reuses descr") {
		t.Errorf("expected shared descr error, got %v", err)
	}
	done := NewFinalDescr("done", FailDoneWithThisFrameVoid)
	tr = &Trace{InputArgs: []*Box{i0}, Ops: []*Op{
		NewOp(GuardTrue, []Value{i0}, nil, done),
		NewOp(Finish, nil, nil, done),
	}}
	if err := tr.Validate(); err == nil || !strings.Contains(err.Error(), "reuses descr") {
		t.Errorf("guard and finish sharing a descr must not validate, got %v", err)
	}
}

// TestGuardCounters replays the replacement sequence of the five-bucket
// table: the third highest counter is the one that is thrown out.
func TestGuardCounters(t *testing.T) {
	var g GuardCounters
	for v := uint64(100); v < 105; v++ {
		if got := g.See(v); got != 1 {
			t.Fatalf("first see(%d) returned %d", v, got)
		}
	}
	// unused slots are taken from the top
	for i, v := range []uint64{104, 103, 102, 101, 100} {
		if g.Values[i] != v {
			t.Fatalf("slot %d holds %d, expected %d", i, g.Values[i], v)
		}
	}
	g.Counters = [5]uint32{5, 4, 7, 6, 3}
	if got := g.See(103); got != 5 {
		t.Errorf("see(103) should increment slot 1 to 5, got %d", got)
	}
	g.Counters[1] = 4

	steps := []struct {
		value uint64
		want  [5]uint32
	}{
		{190, [5]uint32{1, 4, 7, 6, 3}},
		{191, [5]uint32{1, 1, 7, 6, 3}},
		{192, [5]uint32{1, 1, 7, 6, 1}},
	}
	for _, s := range steps {
		g.See(s.value)
		if g.Counters != s.want {
			t.Errorf("after see(%d): counters %v, expected %v", s.value, g.Counters, s.want)
		}
	}
	if g.Values[4] != 192 || g.Values[1] != 191 || g.Values[0] != 190 {
		t.Errorf("values not replaced in place: %v", g.Values)
	}
}

func TestTokenArenaRedirect(t *testing.T) {
	a := NewTokenArena()
	l1 := a.NewCell("L1")
	l2 := a.NewCell("L2")
	l3 := a.NewCell("L3")
	if a.Resolve(l1.ID()) != l1.ID() {
		t.Errorf("unredirected cell must resolve to itself")
	}
	a.Redirect(l1.ID(), l2.ID())
	a.Redirect(l2.ID(), l3.ID())
	if got := a.Resolve(l1.ID()); got != l3.ID() {
		t.Errorf("L1 should resolve to L3, got %d", got)
	}
	if a.Cell(l1.ID()) != l1 || a.Cell(CellID(99)) != nil {
		t.Errorf("cell lookup broken")
	}
	tt := a.NewTarget("t", l2.ID())
	if a.Target(tt.ID()).Cell != l2.ID() {
		t.Errorf("target should belong to L2")
	}
}

func TestOpcodeTable(t *testing.T) {
	for o := Opcode(1); o < opcodeCount; o++ {
		back, ok := OpcodeByName(o.String())
		if !ok || back != o {
			t.Errorf("opcode %d (%s) does not round-trip through its name", o, o)
		}
	}
	if !GuardNotForced.IsGuard() || IntAdd.IsGuard() {
		t.Errorf("guard flags wrong")
	}
	if !CallMayForce.IsCall() || !CallMallocGc.IsCall() {
		t.Errorf("call flags wrong")
	}
	if !IntMulOvf.IsOvf() || !FloatLt.IsComparison() {
		t.Errorf("ovf/comparison flags wrong")
	}
}

func TestCanMallocOrCollect(t *testing.T) {
	pure := &CallDescr{Name: "pure", ResultType: TypeInt, Effect: EffectInfo{Extra: EffectElidableCannotRaise}}
	op := NewOp(Call, []Value{ConstInt(0x100)}, NewBox(TypeInt), pure)
	if op.CanMallocOrCollect() {
		t.Errorf("call without CanCollect must not be a collection point")
	}
	op.Descr = &CallDescr{Name: "any", ResultType: TypeInt, Effect: DefaultEffect}
	if !op.CanMallocOrCollect() {
		t.Errorf("call with default effects can collect")
	}
	if NewOp(IntAdd, []Value{ConstInt(1), ConstInt(2)}, NewBox(TypeInt), nil).CanMallocOrCollect() {
		t.Errorf("int_add cannot collect")
	}
}
