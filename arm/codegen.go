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
	"fmt"

	"github.com/launix-de/rjit/codebuf"
	"github.com/launix-de/rjit/gcroot"
	"github.com/launix-de/rjit/guard"
	"github.com/launix-de/rjit/ir"
	"github.com/launix-de/rjit/regalloc"
)

// NumFailBoxes is the number of 8 byte slots fail args are written to.
// Input args are passed in an area of the same layout.
const NumFailBoxes = 128

// invalidLoop aborts a compilation; CompileLoop turns it into an error.
type invalidLoop string

func fail(format string, args ...any) {
	panic(invalidLoop(fmt.Sprintf(format, args...)))
}

// guardToken is a guard or exit whose trampoline is written after the
// body of the loop.
type guardToken struct {
	descr      *ir.FailDescr
	pos        int // the placeholder branch, -1 when there is none
	cond       Cond
	locs       []regalloc.Location
	saveExc    bool
	invalidate bool
	trampoline int
}

// callsite is a call that may collect. The shape is published under its
// return address or force index once the code is placed.
type callsite struct {
	forceIndex int32
	retPos     int
	shape      uint32
}

// codegen holds the state of one compilation (a loop or a bridge).
type codegen struct {
	asm    *Assembler
	loop   *ir.JitCellToken
	bridge bool

	cb   *codebuf.Builder
	data *codebuf.DataBlocks
	fm   *regalloc.FrameManager
	lv   regalloc.Longevity
	rm   *regalloc.RegisterManager
	vfp  *regalloc.RegisterManager
	ops  []*ir.Op
	pos  int

	depthPos  int
	minDepth  int
	epilogue  int
	guards    []*guardToken
	callsites []callsite
	labels    map[*ir.TargetToken]int
	targets   []*ir.TargetToken
	lastLabel *ir.TargetToken

	floatConsts map[uint64]uint32
	registered  []*ir.FailDescr
	reserved    []int32

	// a comparison whose result only lives in the flags
	fused     *ir.Box
	fusedCond Cond
	// condition that holds after the last ovf op overflowed
	ovfCond Cond
}

func newCodegen(a *Assembler, loop *ir.JitCellToken, inputs []*ir.Box, ops []*ir.Op) *codegen {
	g := &codegen{
		asm:         a,
		loop:        loop,
		cb:          codebuf.NewBuilder(),
		data:        codebuf.NewDataBlocks(a.Mem, a.Data),
		fm:          regalloc.NewFrameManager(),
		ops:         ops,
		labels:      map[*ir.TargetToken]int{},
		floatConsts: map[uint64]uint32{},
	}
	g.lv = regalloc.ComputeLongevity(inputs, ops)
	g.rm = regalloc.NewRegisterManager(coreRegs, coreCallerSave, false, g.lv, g.fm, g)
	g.rm.ConvertConst = func(c *ir.Const) regalloc.Location {
		return regalloc.ImmLoc{Value: int32(c.Word())}
	}
	g.vfp = regalloc.NewRegisterManager(vfpRegs, vfpRegs, true, g.lv, g.fm, g)
	g.vfp.ConvertConst = g.floatConst
	g.epilogue = g.cb.ReserveLabel()
	return g
}

// floatConst puts the constant into the data area once per compilation.
func (g *codegen) floatConst(c *ir.Const) regalloc.Location {
	bits := c.FloatBits()
	addr, ok := g.floatConsts[bits]
	if !ok {
		addr = g.data.MallocAligned(8, 8)
		g.data.Store32(addr, uint32(bits))
		g.data.Store32(addr+4, uint32(bits>>32))
		g.floatConsts[bits] = addr
	}
	return regalloc.ConstFloatLoc{Addr: addr, Value: c.F}
}

func (g *codegen) emit(words ...uint32) {
	for _, w := range words {
		g.cb.Emit(w)
	}
}

func (g *codegen) shadowStack() bool {
	rm := g.asm.GC.RootMap()
	return rm != nil && rm.IsShadowStack()
}

// loadImm puts v into rd with the shortest sequence.
func (g *codegen) loadImm(c Cond, rd Reg, v uint32) {
	if _, ok := EncodeImm(v); ok {
		g.emit(dpImm(c, opMOV, false, rd, 0, v))
		return
	}
	if _, ok := EncodeImm(^v); ok {
		g.emit(dpImm(c, opMVN, false, rd, 0, ^v))
		return
	}
	g.emit(movw(c, rd, uint16(v)))
	if v>>16 != 0 {
		g.emit(movt(c, rd, uint16(v>>16)))
	}
}

// loadAddr always emits a MOVW/MOVT pair so it can be patched later.
func (g *codegen) loadAddr(rd Reg, v uint32) int {
	pos := g.cb.Pos()
	g.emit(movw(AL, rd, uint16(v)), movt(AL, rd, uint16(v>>16)))
	return pos
}

func movReg(rd, rm Reg) uint32 { return dpReg(AL, opMOV, false, rd, 0, rm, LSL, 0) }

func fitsImm12(ofs int) bool { return ofs > -4096 && ofs < 4096 }
func fitsImm8(ofs int) bool  { return ofs > -256 && ofs < 256 }
func fitsVFP(ofs int) bool   { return ofs&3 == 0 && ofs >= -1020 && ofs <= 1020 }

// scratchFor picks ip or lr, whichever is not in avoid.
func scratchFor(avoid ...Reg) Reg {
	for _, s := range []Reg{IP, LR} {
		used := false
		for _, r := range avoid {
			used = used || r == s
		}
		if !used {
			return s
		}
	}
	panic("arm: no scratch register left")
}

// load reads size bytes at rn+ofs into rt. Offsets that do not fit are
// built in rt itself.
func (g *codegen) load(rt, rn Reg, ofs, size int, signed bool) {
	s := rt
	if rt == rn {
		s = scratchFor(rn)
	}
	switch {
	case size == 4 || size == 1 && !signed:
		if fitsImm12(ofs) {
			g.emit(memImm(AL, true, size == 1, rt, rn, ofs))
			return
		}
		g.loadImm(AL, s, uint32(ofs))
		g.emit(memReg(AL, true, size == 1, rt, rn, s, 0))
	case size == 1 || size == 2:
		sh := uint32(shH)
		if size == 1 {
			sh = shSB
		} else if signed {
			sh = shSH
		}
		if fitsImm8(ofs) {
			g.emit(halfImm(AL, true, sh, rt, rn, ofs))
			return
		}
		g.loadImm(AL, s, uint32(ofs))
		g.emit(halfReg(AL, true, sh, rt, rn, s))
	default:
		panic(fmt.Sprintf("arm: cannot load %d bytes into a core register", size))
	}
}

// store writes the low size bytes of rt to rn+ofs.
func (g *codegen) store(rt, rn Reg, ofs, size int) {
	switch size {
	case 4, 1:
		if fitsImm12(ofs) {
			g.emit(memImm(AL, false, size == 1, rt, rn, ofs))
			return
		}
		s := scratchFor(rt, rn)
		g.loadImm(AL, s, uint32(ofs))
		g.emit(memReg(AL, false, size == 1, rt, rn, s, 0))
	case 2:
		if fitsImm8(ofs) {
			g.emit(halfImm(AL, false, shH, rt, rn, ofs))
			return
		}
		s := scratchFor(rt, rn)
		g.loadImm(AL, s, uint32(ofs))
		g.emit(halfReg(AL, false, shH, rt, rn, s))
	default:
		panic(fmt.Sprintf("arm: cannot store %d bytes from a core register", size))
	}
}

// vfpAddr returns a base register and an offset VLDR/VSTR can encode.
// Far offsets are added into lr (ip when the base is lr).
func (g *codegen) vfpAddr(rn Reg, ofs int) (Reg, int) {
	if fitsVFP(ofs) {
		return rn, ofs
	}
	s := LR
	if rn == LR {
		s = IP
	}
	g.loadImm(AL, s, uint32(ofs))
	g.emit(dpReg(AL, opADD, false, s, rn, s, LSL, 0))
	return s, 0
}

func (g *codegen) vload(d DReg, rn Reg, ofs int) {
	base, o := g.vfpAddr(rn, ofs)
	g.emit(vldr(AL, d, base, o))
}

func (g *codegen) vstore(d DReg, rn Reg, ofs int) {
	base, o := g.vfpAddr(rn, ofs)
	g.emit(vstr(AL, d, base, o))
}

// RegallocMov implements regalloc.Mover. ip and d15 carry values between
// two frame slots.
func (g *codegen) RegallocMov(from, to regalloc.Location) {
	switch src := from.(type) {
	case regalloc.ImmLoc:
		switch dst := to.(type) {
		case regalloc.RegLoc:
			g.loadImm(AL, coreOf(dst), uint32(src.Value))
		case regalloc.StackLoc:
			g.loadImm(AL, IP, uint32(src.Value))
			g.store(IP, FP, dst.Offset(), 4)
		default:
			panic(fmt.Sprintf("arm: cannot move %s to %s", from, to))
		}
	case regalloc.ConstFloatLoc:
		g.loadImm(AL, IP, src.Addr)
		switch dst := to.(type) {
		case regalloc.RegLoc:
			g.emit(vldr(AL, vfpOf(dst), IP, 0))
		case regalloc.StackLoc:
			g.emit(vldr(AL, D15, IP, 0))
			g.vstore(D15, FP, dst.Offset())
		default:
			panic(fmt.Sprintf("arm: cannot move %s to %s", from, to))
		}
	case regalloc.RegLoc:
		switch dst := to.(type) {
		case regalloc.RegLoc:
			if src.VFP {
				g.emit(vunary(AL, vMOV, vfpOf(dst), vfpOf(src)))
			} else {
				g.emit(movReg(coreOf(dst), coreOf(src)))
			}
		case regalloc.StackLoc:
			if src.VFP {
				g.vstore(vfpOf(src), FP, dst.Offset())
			} else {
				g.store(coreOf(src), FP, dst.Offset(), 4)
			}
		default:
			panic(fmt.Sprintf("arm: cannot move %s to %s", from, to))
		}
	case regalloc.StackLoc:
		switch dst := to.(type) {
		case regalloc.RegLoc:
			if src.IsFloat() {
				g.vload(vfpOf(dst), FP, src.Offset())
			} else {
				g.load(coreOf(dst), FP, src.Offset(), 4, false)
			}
		case regalloc.StackLoc:
			if src.IsFloat() {
				g.vload(D15, FP, src.Offset())
				g.vstore(D15, FP, dst.Offset())
			} else {
				g.load(IP, FP, src.Offset(), 4, false)
				g.store(IP, FP, dst.Offset(), 4)
			}
		default:
			panic(fmt.Sprintf("arm: cannot move %s to %s", from, to))
		}
	default:
		panic(fmt.Sprintf("arm: unknown location %s", from))
	}
}

func (g *codegen) RegallocPush(loc regalloc.Location) {
	switch l := loc.(type) {
	case regalloc.RegLoc:
		if l.VFP {
			g.emit(vpush(AL, vfpOf(l), 1))
		} else {
			g.emit(push(AL, regList(coreOf(l))))
		}
	case regalloc.StackLoc:
		if l.IsFloat() {
			g.vload(D15, FP, l.Offset())
			g.emit(vpush(AL, D15, 1))
		} else {
			g.load(IP, FP, l.Offset(), 4, false)
			g.emit(push(AL, regList(IP)))
		}
	default:
		panic(fmt.Sprintf("arm: cannot push %s", loc))
	}
}

func (g *codegen) RegallocPop(loc regalloc.Location) {
	switch l := loc.(type) {
	case regalloc.RegLoc:
		if l.VFP {
			g.emit(vpop(AL, vfpOf(l), 1))
		} else {
			g.emit(pop(AL, regList(coreOf(l))))
		}
	case regalloc.StackLoc:
		if l.IsFloat() {
			g.emit(vpop(AL, D15, 1))
			g.vstore(D15, FP, l.Offset())
		} else {
			g.emit(pop(AL, regList(IP)))
			g.store(IP, FP, l.Offset(), 4)
		}
	default:
		panic(fmt.Sprintf("arm: cannot pop into %s", loc))
	}
}

// register classes

func (g *codegen) mgr(v ir.Value) *regalloc.RegisterManager {
	if v.Type() == ir.TypeFloat {
		return g.vfp
	}
	return g.rm
}

func (g *codegen) loc(v ir.Value) regalloc.Location { return g.mgr(v).Loc(v) }

func (g *codegen) inReg(v ir.Value, forbidden ...regalloc.RegLoc) Reg {
	return coreOf(g.rm.MakeSureVarInReg(v, forbidden))
}

func (g *codegen) inVFP(v ir.Value, forbidden ...regalloc.RegLoc) DReg {
	return vfpOf(g.vfp.MakeSureVarInReg(v, forbidden))
}

func (g *codegen) resultReg(op *ir.Op) Reg {
	return coreOf(g.rm.ForceAllocateReg(op.Result, nil))
}

func (g *codegen) resultVFP(op *ir.Op) DReg {
	return vfpOf(g.vfp.ForceAllocateReg(op.Result, nil))
}

func (g *codegen) freeArgs(op *ir.Op) {
	for _, a := range op.Args {
		if b := ir.AsBox(a); b != nil {
			g.mgr(b).PossiblyFreeVar(b)
		}
	}
}

// freeOp releases everything op touched that dies with it.
func (g *codegen) freeOp(op *ir.Op) {
	g.freeArgs(op)
	for _, b := range op.FailArgs {
		if b != nil {
			g.mgr(b).PossiblyFreeVar(b)
		}
	}
	if op.Result != nil && op.Result != g.fused {
		g.mgr(op.Result).PossiblyFreeVar(op.Result)
	}
}

// frame entry and exit

var savedRegs = regList(R4, R5, R6, R7, R8, R9, R10, FP, IP, LR)

// prologue builds the frame, links it into the shadow stack and copies
// the input args from the area r0 points to into frame slots.
func (g *codegen) prologue(inputs []*ir.Box) {
	if len(inputs) > NumFailBoxes-1 {
		fail("%d input args", len(inputs))
	}
	g.emit(push(AL, savedRegs),
		dpImm(AL, opSUB, false, SP, SP, 8),
		movReg(FP, SP))
	g.depthPos = g.loadAddr(IP, 0)
	g.emit(dpReg(AL, opSUB, false, SP, SP, IP, LSL, 0),
		dpImm(AL, opMOV, false, IP, 0, 0),
		memImm(AL, false, false, IP, FP, 0))
	if g.shadowStack() {
		g.loadImm(AL, IP, g.asm.Globals.RootStackTop)
		g.emit(memImm(AL, true, false, LR, IP, 0),
			memImm(AL, false, false, FP, LR, 0),
			dpImm(AL, opMOV, false, R1, 0, gcroot.MarkerFrame),
			memImm(AL, false, false, R1, LR, 4),
			dpImm(AL, opADD, false, LR, LR, 8),
			memImm(AL, false, false, LR, IP, 0))
	}
	for i, b := range inputs {
		loc := g.fm.GetNewLoc(b)
		if b.Type() == ir.TypeFloat {
			g.emit(vldr(AL, D15, R0, 8*i))
			g.vstore(D15, FP, loc.Offset())
		} else {
			g.emit(memImm(AL, true, false, IP, R0, 8*i))
			g.store(IP, FP, loc.Offset(), 4)
		}
	}
}

// bridgePrologue only moves sp: a bridge runs in the frame of its loop.
func (g *codegen) bridgePrologue() {
	g.depthPos = g.loadAddr(IP, 0)
	g.emit(dpReg(AL, opSUB, false, SP, FP, IP, LSL, 0))
}

func (g *codegen) emitEpilogue() {
	g.cb.MarkLabel(g.epilogue)
	if g.shadowStack() {
		g.loadImm(AL, IP, g.asm.Globals.RootStackTop)
		g.emit(memImm(AL, true, false, LR, IP, 0),
			dpImm(AL, opSUB, false, LR, LR, 8),
			memImm(AL, false, false, LR, IP, 0))
	}
	g.emit(movReg(SP, FP),
		dpImm(AL, opADD, false, SP, SP, 8),
		pop(AL, savedRegs&^(1<<LR) | 1<<PC))
}

// patchFrameDepth fills in the frame size and returns the depth in words.
func (g *codegen) patchFrameDepth() int {
	depth := g.fm.Depth()
	if depth < g.minDepth {
		depth = g.minDepth
	}
	depth = (depth + 1) &^ 1
	size := uint32(4 * depth)
	g.cb.SetWord(g.depthPos, codebuf.PatchMovw(g.cb.Word(g.depthPos), uint16(size)))
	g.cb.SetWord(g.depthPos+4, codebuf.PatchMovw(g.cb.Word(g.depthPos+4), uint16(size>>16)))
	return depth
}

// the op loop

// walk emits the body. Pure ops whose result nobody reads are skipped.
func (g *codegen) walk() {
	for i, op := range g.ops {
		g.pos = i
		g.rm.NextInstruction(i)
		g.vfp.NextInstruction(i)
		switch {
		case op.Opcode.IsDebug():
		case op.Result != nil && op.Opcode.IsNoSideEffect() && g.lv.IsUnused(op.Result):
		default:
			g.emitOp(op)
		}
		g.freeOp(op)
		if op.Opcode.IsGuard() {
			g.fused = nil
		}
	}
}

// next returns the op after the current one.
func (g *codegen) next() *ir.Op {
	if g.pos+1 < len(g.ops) {
		return g.ops[g.pos+1]
	}
	return nil
}

// canFuse is true when the result of the comparison at the current
// position is only read by the guard right after it.
func (g *codegen) canFuse(op *ir.Op) bool {
	n := g.next()
	if n == nil || (n.Opcode != ir.GuardTrue && n.Opcode != ir.GuardFalse) {
		return false
	}
	if ir.AsBox(n.Args[0]) != op.Result || g.lv.LastUse(op.Result) != g.pos+1 {
		return false
	}
	for _, b := range n.FailArgs {
		if b == op.Result {
			return false
		}
	}
	return true
}

// guards and exits

func (g *codegen) register(d *ir.FailDescr) {
	if d.Index >= 0 {
		return
	}
	g.asm.Indexes.Register(d)
	g.registered = append(g.registered, d)
}

// newGuard records where the fail args of op live right now.
func (g *codegen) newGuard(op *ir.Op) *guardToken {
	d := op.FailDescr()
	if len(op.FailArgs) > NumFailBoxes {
		fail("%s has %d fail args", op.Opcode, len(op.FailArgs))
	}
	t := &guardToken{descr: d, pos: -1}
	t.locs = make([]regalloc.Location, len(op.FailArgs))
	d.FailTypes = make([]ir.Type, len(op.FailArgs))
	for i, b := range op.FailArgs {
		if b == nil {
			d.FailTypes[i] = ir.TypeVoid
			continue
		}
		t.locs[i] = g.loc(b)
		d.FailTypes[i] = b.Type()
	}
	if op.Opcode == ir.GuardValue || op.Opcode == ir.GuardClass {
		for i, b := range op.FailArgs {
			if b != nil && b == ir.AsBox(op.Args[0]) {
				d.ValueArg = i
				break
			}
		}
	}
	d.Loop = g.loop.ID()
	d.GuardOp = op.Opcode
	d.FailArgs = op.FailArgs
	d.AdrBridge = 0
	g.register(d)
	g.guards = append(g.guards, t)
	return t
}

// emitGuard leaves a placeholder that becomes a branch to the trampoline
// taken when cond holds.
func (g *codegen) emitGuard(op *ir.Op, cond Cond) *guardToken {
	t := g.newGuard(op)
	t.cond = cond
	t.pos = g.cb.Pos()
	g.emit(bkpt(0))
	return t
}

// storeFailArgs writes every location to its fail box. ip holds the
// base; values pass through lr and d15.
func (g *codegen) storeFailArgs(locs []regalloc.Location) {
	if len(locs) == 0 {
		return
	}
	g.loadImm(AL, IP, g.asm.Globals.FailBoxes)
	for i, l := range locs {
		ofs := 8 * i
		switch l := l.(type) {
		case nil:
		case regalloc.RegLoc:
			if l.VFP {
				g.emit(vstr(AL, vfpOf(l), IP, ofs))
			} else {
				g.emit(memImm(AL, false, false, coreOf(l), IP, ofs))
			}
		case regalloc.StackLoc:
			if l.IsFloat() {
				g.vload(D15, FP, l.Offset())
				g.emit(vstr(AL, D15, IP, ofs))
			} else {
				g.load(LR, FP, l.Offset(), 4, false)
				g.emit(memImm(AL, false, false, LR, IP, ofs))
			}
		case regalloc.ImmLoc:
			g.loadImm(AL, LR, uint32(l.Value))
			g.emit(memImm(AL, false, false, LR, IP, ofs))
		case regalloc.ConstFloatLoc:
			g.loadImm(AL, LR, l.Addr)
			g.emit(vldr(AL, D15, LR, 0), vstr(AL, D15, IP, ofs))
		}
	}
}

// offsets in the exception globals
const (
	excType  = 0
	excValue = 4
	excSaved = 8
)

// saveException moves the pending exception value into the saved slot
// and clears the pending one.
func (g *codegen) saveException() {
	g.loadImm(AL, IP, g.asm.Globals.Exception)
	g.emit(memImm(AL, true, false, LR, IP, excValue),
		memImm(AL, false, false, LR, IP, excSaved),
		dpImm(AL, opMOV, false, LR, 0, 0),
		memImm(AL, false, false, LR, IP, excType),
		memImm(AL, false, false, LR, IP, excValue))
}

// exit leaves the loop with the fail index of d in r0.
func (g *codegen) exit(d *ir.FailDescr) {
	g.loadImm(AL, R0, uint32(d.Index))
	g.cb.AddFixup(g.epilogue, codebuf.FixupBranch24)
	g.emit(branch(AL))
}

// writeTrampolines emits the failure path of every guard and points the
// placeholders at them.
func (g *codegen) writeTrampolines() {
	for _, t := range g.guards {
		t.trampoline = g.cb.Pos()
		g.storeFailArgs(t.locs)
		if t.saveExc {
			g.saveException()
		}
		g.exit(t.descr)
		t.descr.Recovery = guard.EncodeRecovery(recoveryEntries(t.locs, t.descr.FailTypes), t.descr.Index)
		if t.pos >= 0 && !t.invalidate {
			g.cb.SetWord(t.pos, codebuf.Branch24(branch(t.cond), int64(t.pos), int64(t.trampoline)))
		}
	}
}

// recoveryEntries numbers locations the way the guard package expects.
func recoveryEntries(locs []regalloc.Location, types []ir.Type) []guard.Entry {
	entries := make([]guard.Entry, len(locs))
	for i, l := range locs {
		switch l := l.(type) {
		case nil:
			entries[i] = guard.Entry{Type: ir.TypeVoid, Loc: -1}
		case regalloc.RegLoc:
			entries[i] = guard.Entry{Type: types[i], Loc: l.Key()}
		case regalloc.StackLoc:
			entries[i] = guard.Entry{Type: types[i], Loc: guard.FirstStack + l.Position}
		default:
			panic(fmt.Sprintf("arm: fail arg in %s", l))
		}
	}
	return entries
}

// locationOf is the inverse of recoveryEntries for one entry.
func locationOf(e guard.Entry) regalloc.Location {
	switch {
	case e.IsStack():
		return regalloc.StackLoc{Position: e.StackPos(), Type: e.Type}
	case e.Loc >= 16:
		return regalloc.VFP(e.Loc - 16)
	default:
		return regalloc.Core(e.Loc)
	}
}
