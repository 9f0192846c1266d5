package regalloc

import (
	"fmt"
	"testing"

	"github.com/launix-de/rjit/ir"
)

// simMover executes the moves on a map from location key to value.
type simMover struct {
	vals  map[int]string
	stack []string
	log   []string
}

func newSimMover() *simMover {
	return &simMover{vals: map[int]string{}}
}

func (m *simMover) read(l Location) string {
	if l.IsImm() {
		return l.String()
	}
	return m.vals[l.Key()]
}

func (m *simMover) RegallocMov(from, to Location) {
	if from.IsStack() && to.IsStack() {
		panic("stack to stack move")
	}
	m.vals[to.Key()] = m.read(from)
	m.log = append(m.log, fmt.Sprintf("mov %s, %s", from, to))
}

func (m *simMover) RegallocPush(l Location) {
	m.stack = append(m.stack, m.read(l))
	m.log = append(m.log, "push "+l.String())
}

func (m *simMover) RegallocPop(l Location) {
	m.vals[l.Key()] = m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	m.log = append(m.log, "pop "+l.String())
}

func stack(pos int) StackLoc        { return StackLoc{Position: pos, Type: ir.TypeInt} }
func fstack(pos int) StackLoc       { return StackLoc{Position: pos, Type: ir.TypeFloat} }
func imm(v int32) ImmLoc            { return ImmLoc{Value: v} }
func locs(l ...Location) []Location { return l }

func checkRemap(t *testing.T, src, dst []Location, tmp Location) *simMover {
	t.Helper()
	m := newSimMover()
	for _, s := range src {
		if !s.IsImm() {
			m.vals[s.Key()] = "v" + s.String()
		}
	}
	want := make([]string, len(src))
	for i, s := range src {
		want[i] = m.read(s)
	}
	RemapFrameLayout(m, src, dst, tmp)
	for i, d := range dst {
		if got := m.vals[d.Key()]; got != want[i] {
			t.Errorf("%s holds %q, expected %q (moves %v)", d, got, want[i], m.log)
		}
	}
	if len(m.stack) != 0 {
		t.Errorf("unbalanced push/pop: %v", m.log)
	}
	return m
}

func TestRemapSimple(t *testing.T) {
	m := checkRemap(t, locs(Core(0), Core(1), imm(7)), locs(Core(4), stack(2), Core(5)), Core(12))
	if len(m.log) != 3 {
		t.Errorf("expected 3 moves, got %v", m.log)
	}
}

func TestRemapIdentityIsFree(t *testing.T) {
	m := checkRemap(t, locs(Core(0), stack(1)), locs(Core(0), stack(1)), Core(12))
	if len(m.log) != 0 {
		t.Errorf("identity remap emitted %v", m.log)
	}
}

func TestRemapOrdering(t *testing.T) {
	// r1 must be read before r0 overwrites it
	checkRemap(t, locs(Core(0), Core(1)), locs(Core(1), Core(2)), Core(12))
	// one source read twice
	checkRemap(t, locs(Core(0), Core(0), Core(1)), locs(Core(1), Core(3), Core(0)), Core(12))
}

func TestRemapCycles(t *testing.T) {
	m := checkRemap(t, locs(Core(0), Core(1)), locs(Core(1), Core(0)), Core(12))
	if m.log[0] != "push r1" && m.log[0] != "push r0" {
		t.Errorf("a swap must push first: %v", m.log)
	}
	checkRemap(t, locs(Core(0), Core(1), Core(2), Core(4), Core(5)), locs(Core(1), Core(2), Core(0), Core(5), Core(4)), Core(12))
	checkRemap(t, locs(stack(0), stack(1), stack(2)), locs(stack(1), stack(2), stack(0)), Core(12))
}

func TestRemapStackToStack(t *testing.T) {
	m := checkRemap(t, locs(stack(3)), locs(stack(7)), Core(12))
	if len(m.log) != 2 || m.log[0] != "mov stack3(fp-16), ip" {
		t.Errorf("stack to stack must go through the scratch: %v", m.log)
	}
}

func TestRemapDuplicateDestinationPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("duplicate destinations must panic")
		}
	}()
	RemapFrameLayout(newSimMover(), locs(Core(0), Core(1)), locs(Core(2), Core(2)), Core(12))
}

func TestRemapMixed(t *testing.T) {
	m := newSimMover()
	// the float at stack 4/5 is overwritten by the core move into stack 5
	m.vals[Core(0).Key()] = "a"
	m.vals[fstack(4).Key()] = "f"
	m.vals[VFP(0).Key()] = "g"
	RemapFrameLayoutMixed(m,
		locs(Core(0)), locs(stack(5)), Core(12),
		locs(fstack(4), VFP(0)), locs(VFP(1), fstack(8)), VFP(15))
	if m.vals[stack(5).Key()] != "a" || m.vals[VFP(1).Key()] != "f" || m.vals[fstack(8).Key()] != "g" {
		t.Errorf("mixed remap broken: %v %v", m.vals, m.log)
	}
	if m.log[0] != "push "+fstack(4).String() {
		t.Errorf("the clobbered float must be pushed first: %v", m.log)
	}
}

func TestStackLocOffsets(t *testing.T) {
	if o := stack(0).Offset(); o != -4 {
		t.Errorf("position 0 at %d", o)
	}
	if o := fstack(2).Offset(); o != -16 {
		t.Errorf("float at position 2 at %d", o)
	}
	if Core(11).String() != "fp" || VFP(3).String() != "d3" {
		t.Errorf("register names wrong")
	}
}

func TestFrameManager(t *testing.T) {
	fm := NewFrameManager()
	i0 := ir.NewBox(ir.TypeInt)
	f1 := ir.NewBox(ir.TypeFloat)
	i2 := ir.NewBox(ir.TypeInt)
	if l := fm.Loc(i0); l.Position != 0 {
		t.Errorf("first int at %d", l.Position)
	}
	if l := fm.Loc(f1); l.Position != 2 {
		t.Errorf("float must be aligned to an even position, got %d", l.Position)
	}
	if fm.Depth() != 4 {
		t.Errorf("depth %d, expected 4", fm.Depth())
	}
	if l := fm.Loc(i2); l.Position != 1 {
		t.Errorf("the gap at 1 should be reused, got %d", l.Position)
	}
	fm.MarkAsFree(f1)
	f3 := ir.NewBox(ir.TypeFloat)
	if l := fm.Loc(f3); l.Position != 2 {
		t.Errorf("freed float slot should be reused, got %d", l.Position)
	}
	i4 := ir.NewBox(ir.TypeInt)
	fm.Hint(i4, stack(9))
	if l := fm.Loc(i4); l.Position != 9 {
		t.Errorf("hint ignored: %d", l.Position)
	}
	if fm.TryToReuseLocation(ir.NewBox(ir.TypeInt), stack(0)) {
		t.Errorf("position 0 is taken")
	}
	if pos := fm.ReserveLocationInFrame(2); pos != 10 || fm.Depth() != 12 {
		t.Errorf("reserve gave %d, depth %d", pos, fm.Depth())
	}
}

func TestLongevity(t *testing.T) {
	tr, err := ir.Parse(`[i0, i1]
i2 = int_add(i0, 1)
guard_true(i2) [i1]
i3 = int_add(i2, 2)
finish(i2)`, nil)
	if err != nil {
		t.Fatal(err)
	}
	lv := ComputeLongevity(tr.InputArgs, tr.Ops)
	i0, i1 := tr.InputArgs[0], tr.InputArgs[1]
	i2, i3 := tr.Ops[0].Result, tr.Ops[2].Result
	if lv.LastUse(i0) != 0 || lv.LastUse(i1) != 1 || lv.LastUse(i2) != 3 {
		t.Errorf("last uses %d %d %d", lv.LastUse(i0), lv.LastUse(i1), lv.LastUse(i2))
	}
	if !lv.IsUnused(i3) || lv.IsUnused(i2) {
		t.Errorf("i3 is unused, i2 is not")
	}
}

// nopMover records moves only.
type nopMover struct{ moves []string }

func (m *nopMover) RegallocMov(from, to Location) {
	m.moves = append(m.moves, from.String()+"->"+to.String())
}
func (m *nopMover) RegallocPush(l Location) {}
func (m *nopMover) RegallocPop(l Location)  {}

func TestRegisterManagerSpillsFurthest(t *testing.T) {
	boxes := make([]*ir.Box, 4)
	for i := range boxes {
		boxes[i] = ir.NewBox(ir.TypeInt)
	}
	// lifetimes end at 10, 20, 5, 30
	lv := Longevity{}
	for i, end := range []int{10, 20, 5, 30} {
		lv[boxes[i]] = &Lifetime{Def: 0, LastUse: end, Used: true}
	}
	fm := NewFrameManager()
	asm := &nopMover{}
	rm := NewRegisterManager([]RegLoc{Core(0), Core(1), Core(2)}, nil, false, lv, fm, asm)
	for i := 0; i < 3; i++ {
		if _, ok := rm.TryAllocateReg(boxes[i], nil); !ok {
			t.Fatalf("allocation %d failed", i)
		}
	}
	if _, ok := rm.TryAllocateReg(boxes[3], nil); ok {
		t.Fatalf("only three registers exist")
	}
	r1, _ := rm.RegOf(boxes[1])
	got := rm.ForceAllocateReg(boxes[3], nil)
	if got != r1 {
		t.Errorf("the box living longest (ending at 20) should be spilled, got %s", got)
	}
	if _, ok := fm.Binding(boxes[1]); !ok {
		t.Errorf("spilled box has no frame slot")
	}
	if len(asm.moves) != 1 {
		t.Errorf("expected one spill store, got %v", asm.moves)
	}
	if l := rm.Loc(boxes[1]); !l.IsStack() {
		t.Errorf("spilled box should live on the stack, got %s", l)
	}
}

func TestRegisterManagerBeforeCall(t *testing.T) {
	a, b, c := ir.NewBox(ir.TypeInt), ir.NewBox(ir.TypeInt), ir.NewBox(ir.TypeInt)
	lv := Longevity{
		a: {Def: 0, LastUse: 10, Used: true},
		b: {Def: 0, LastUse: 10, Used: true},
		c: {Def: 0, LastUse: 1, Used: true},
	}
	fm := NewFrameManager()
	rm := NewRegisterManager([]RegLoc{Core(0), Core(1), Core(4)}, []RegLoc{Core(0), Core(1)}, false, lv, fm, &nopMover{})
	ra, _ := rm.TryAllocateReg(a, nil)
	if ra != Core(4) {
		t.Errorf("callee-saved registers come first, got %s", ra)
	}
	rm.TryAllocateReg(b, nil)
	rm.TryAllocateReg(c, nil)
	rm.NextInstruction(5)
	rm.BeforeCall(nil, false)
	if _, ok := rm.RegOf(a); !ok {
		t.Errorf("a lives in a callee-saved register and must stay there")
	}
	if _, ok := rm.RegOf(b); ok {
		t.Errorf("b must be spilled before the call")
	}
	if _, ok := fm.Binding(c); ok {
		t.Errorf("c is dead and must not be stored")
	}
	res := ir.NewBox(ir.TypeInt)
	if r := rm.AfterCall(res, Core(0)); r != Core(0) {
		t.Errorf("result in %s", r)
	}
}

func TestForceResultInRegReusesDeadArg(t *testing.T) {
	a, res := ir.NewBox(ir.TypeInt), ir.NewBox(ir.TypeInt)
	lv := Longevity{a: {Def: -1, LastUse: 0, Used: true}, res: {Def: 0, LastUse: 3, Used: true}}
	rm := NewRegisterManager([]RegLoc{Core(4), Core(5)}, nil, false, lv, NewFrameManager(), &nopMover{})
	ra, _ := rm.TryAllocateReg(a, nil)
	if r := rm.ForceResultInReg(res, a, nil); r != ra {
		t.Errorf("result should take over %s, got %s", ra, r)
	}
}
