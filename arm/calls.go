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
	"sort"

	"github.com/launix-de/rjit/codebuf"
	"github.com/launix-de/rjit/ir"
	"github.com/launix-de/rjit/regalloc"
)

type callSpec struct {
	collect    bool // the callee may run the collector
	saveAll    bool // spill callee-saved registers too
	forced     bool // the next op is guard_not_forced
	releaseGil bool
}

func (g *codegen) emitPlainCall(op *ir.Op) {
	cd := op.CallDescr()
	if cd != nil && cd.Effect.Oopspec == ir.OSMathSqrt {
		a := g.inVFP(op.Args[1])
		g.freeArgs(op)
		g.emit(vunary(AL, vSQRT, g.resultVFP(op), a))
		return
	}
	g.emitCall(op, callSpec{collect: cd == nil || cd.Effect.CheckCanCollect()})
}

func (g *codegen) emitCall(op *ir.Op, cs callSpec) {
	g.callFunc(op, op.Args[0], op.Args[1:], op.CallDescr(), cs)
}

// emitHelperCall calls a runtime routine that takes the int args of op
// and returns one word.
func (g *codegen) emitHelperCall(op *ir.Op, addr uint32) {
	if addr == 0 {
		fail("no helper for %s", op.Opcode)
	}
	g.callFunc(op, ir.ConstInt(int32(addr)), op.Args, nil, callSpec{})
}

// forcedIndex is the fail index of the guard_not_forced after the
// current op. The callee finds it in the frame when it forces us.
func (g *codegen) forcedIndex() int32 {
	n := g.next()
	if n == nil || n.Opcode != ir.GuardNotForced {
		fail("%s must be followed by guard_not_forced", g.ops[g.pos].Opcode)
	}
	d := n.FailDescr()
	g.register(d)
	return d.Index
}

func (g *codegen) reserveIndex() int32 {
	i := g.asm.Indexes.Reserve()
	g.reserved = append(g.reserved, i)
	return i
}

// writeForceIndex stores i into the frame word the collector and
// Force read.
func (g *codegen) writeForceIndex(i int32) {
	if i < 0 {
		return
	}
	g.loadImm(AL, IP, uint32(i))
	g.store(IP, FP, 0, 4)
}

// spillRefs moves every live reference out of the registers so a moving
// collector finds and updates it in the frame.
func (g *codegen) spillRefs() {
	if g.asm.GC.RootMap() == nil {
		return
	}
	var refs []*ir.Box
	for b := range g.rm.Bound() {
		if b.Type() == ir.TypeRef {
			refs = append(refs, b)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID() < refs[j].ID() })
	for _, b := range refs {
		g.rm.ForceSpillVar(b)
	}
}

// recordShape lists the frame slots holding live references at a call
// that may collect.
func (g *codegen) recordShape(forceIndex int32, retPos int) {
	roots := g.asm.GC.RootMap()
	if roots == nil {
		return
	}
	var offsets []int
	for b, l := range g.fm.Bindings() {
		if b.Type() == ir.TypeRef && g.lv.LastUse(b) > g.pos {
			offsets = append(offsets, l.Offset())
		}
	}
	sort.Ints(offsets)
	shape := roots.BasicShape()
	for _, o := range offsets {
		roots.AddFrameOffset(shape, o)
	}
	g.callsites = append(g.callsites, callsite{
		forceIndex: forceIndex,
		retPos:     retPos,
		shape:      roots.CompressCallshape(shape, g.data),
	})
}

func (g *codegen) callAddr(addr uint32) {
	g.loadImm(AL, IP, addr)
	g.emit(blx(AL, IP))
}

// adjustSP adds delta to sp. ip must be free.
func (g *codegen) adjustSP(delta int) {
	op, n := uint32(opADD), delta
	if delta < 0 {
		op, n = opSUB, -delta
	}
	if n == 0 {
		return
	}
	if _, ok := EncodeImm(uint32(n)); ok {
		g.emit(dpImm(AL, op, false, SP, SP, uint32(n)))
		return
	}
	g.loadImm(AL, IP, uint32(n))
	g.emit(dpReg(AL, op, false, SP, SP, IP, LSL, 0))
}

type pairArg struct {
	from regalloc.Location
	lo   Reg
}

type stackArg struct {
	from regalloc.Location
	ofs  int
}

// callFunc calls fn with args under the AAPCS and binds the result of op
// to r0 or d0. Soft-float passes doubles in even core register pairs.
func (g *codegen) callFunc(op *ir.Op, fn ir.Value, args []ir.Value, cd *ir.CallDescr, cs callSpec) {
	if cs.releaseGil {
		if roots := g.asm.GC.RootMap(); roots != nil && !roots.IsShadowStack() {
			panic("arm: call_release_gil with the asmgcc root finder")
		}
	}
	var forceIndex int32 = -1
	switch {
	case cs.forced:
		forceIndex = g.forcedIndex()
	case cs.collect && g.shadowStack():
		forceIndex = g.reserveIndex()
	}

	locs := make([]regalloc.Location, len(args))
	for i, a := range args {
		locs[i] = g.loc(a)
	}
	var fnLoc regalloc.Location
	if ir.AsConst(fn) == nil {
		fnLoc = g.loc(fn)
	}
	if cs.collect {
		g.spillRefs()
	}
	g.rm.BeforeCall(nil, cs.saveAll)
	g.vfp.BeforeCall(nil, cs.saveAll)
	g.writeForceIndex(forceIndex)

	var src, dst, fsrc, fdst []regalloc.Location
	var pairs []pairArg
	var slots []stackArg
	ncore, nvfp, stack := 0, 0, 0
	for i, a := range args {
		l := locs[i]
		if a.Type() == ir.TypeFloat {
			switch {
			case !g.asm.SoftFloat && nvfp < 8:
				fsrc, fdst = append(fsrc, l), append(fdst, dreg(DReg(nvfp)))
				nvfp++
			case g.asm.SoftFloat && (ncore+1)&^1 < 4:
				ncore = (ncore + 1) &^ 1
				pairs = append(pairs, pairArg{l, Reg(ncore)})
				ncore += 2
			default:
				if g.asm.SoftFloat {
					ncore = 4
				}
				stack = (stack + 7) &^ 7
				slots = append(slots, stackArg{l, stack})
				stack += 8
			}
			continue
		}
		if ncore < 4 {
			src, dst = append(src, l), append(dst, reg(Reg(ncore)))
			ncore++
			continue
		}
		slots = append(slots, stackArg{l, stack})
		stack += 4
	}
	stack = (stack + 7) &^ 7

	g.adjustSP(-stack)
	for _, s := range slots {
		if s.from.IsFloat() {
			g.RegallocMov(s.from, dreg(D15))
			g.vstore(D15, SP, s.ofs)
		} else {
			g.RegallocMov(s.from, reg(IP))
			g.store(IP, SP, s.ofs, 4)
		}
	}
	if fnLoc != nil {
		g.RegallocPush(fnLoc)
	}
	regalloc.RemapFrameLayoutMixed(g, src, dst, reg(IP), fsrc, fdst, dreg(D15))
	for _, p := range pairs {
		d := D15
		if r, ok := p.from.(regalloc.RegLoc); ok {
			d = vfpOf(r)
		} else {
			g.RegallocMov(p.from, dreg(D15))
		}
		g.emit(vmovRRD(AL, p.lo, p.lo+1, d))
	}
	if cs.releaseGil {
		g.emit(push(AL, regList(R0, R1, R2, R3)), vpush(AL, D0, 8))
		g.callAddr(g.asm.Helpers.ReleaseGil)
		g.emit(vpop(AL, D0, 8), pop(AL, regList(R0, R1, R2, R3)))
	}
	if fnLoc != nil {
		g.emit(pop(AL, regList(IP)))
	} else {
		g.loadImm(AL, IP, ir.AsConst(fn).Word())
	}
	g.emit(blx(AL, IP))
	if cs.collect {
		g.recordShape(forceIndex, g.cb.Pos())
	}
	g.adjustSP(stack)
	if cs.releaseGil {
		g.emit(push(AL, regList(R0, R1)), vpush(AL, D0, 1))
		g.callAddr(g.asm.Helpers.ReacquireGil)
		g.emit(vpop(AL, D0, 1), pop(AL, regList(R0, R1)))
	}
	g.callResult(op, cd)
}

// callResult binds the result of op to the return register and widens
// results narrower than a word.
func (g *codegen) callResult(op *ir.Op, cd *ir.CallDescr) {
	if op.Result == nil {
		return
	}
	if op.Result.Type() == ir.TypeFloat {
		if g.asm.SoftFloat {
			g.emit(vmovDRR(AL, D0, R0, R1))
		}
		g.vfp.AfterCall(op.Result, dreg(D0))
		return
	}
	g.rm.AfterCall(op.Result, reg(R0))
	if cd == nil {
		return
	}
	switch {
	case cd.ResultSize == 1 && cd.ResultSigned:
		g.emit(dpReg(AL, opMOV, false, R0, 0, R0, LSL, 24), dpReg(AL, opMOV, false, R0, 0, R0, ASR, 24))
	case cd.ResultSize == 1:
		g.emit(dpImm(AL, opAND, false, R0, R0, 0xFF))
	case cd.ResultSize == 2:
		sh := LSR
		if cd.ResultSigned {
			sh = ASR
		}
		g.emit(dpReg(AL, opMOV, false, R0, 0, R0, LSL, 16), dpReg(AL, opMOV, false, R0, 0, R0, sh, 16))
	}
}

// emitCallAssembler calls another compiled loop directly. The args go
// into an area on the stack that stands in for the fail boxes. When the
// callee leaves through its done exit the result is read from the fail
// boxes, otherwise the assembler helper finishes the call.
func (g *codegen) emitCallAssembler(op *ir.Op) {
	target, _ := op.Descr.(*ir.JitCellToken)
	if target == nil {
		fail("call_assembler without a loop token")
	}
	if target.Redirected != ir.NoCell {
		target = g.asm.Cells.Cell(g.asm.Cells.Resolve(target.ID()))
	}
	if target.Entry == 0 {
		fail("call_assembler to %s which is not compiled", target.Name)
	}
	if len(op.Args) != len(target.InputTypes) || len(op.Args) >= NumFailBoxes {
		fail("call_assembler with %d args to %s", len(op.Args), target.Name)
	}
	for i, a := range op.Args {
		if a.Type() != target.InputTypes[i] {
			fail("call_assembler arg %d is %s, want %s", i, a.Type(), target.InputTypes[i])
		}
	}
	if g.asm.Helpers.AssemblerHelper == 0 {
		fail("no assembler helper")
	}
	forceIndex := g.forcedIndex()
	locs := make([]regalloc.Location, len(op.Args))
	for i, a := range op.Args {
		locs[i] = g.loc(a)
	}
	g.spillRefs()
	g.rm.BeforeCall(nil, true)
	g.vfp.BeforeCall(nil, true)
	g.writeForceIndex(forceIndex)

	size := (8*len(op.Args) + 7) &^ 7
	g.adjustSP(-size)
	for i, l := range locs {
		if l.IsFloat() {
			g.RegallocMov(l, dreg(D15))
			g.vstore(D15, SP, 8*i)
		} else {
			g.RegallocMov(l, reg(IP))
			g.store(IP, SP, 8*i, 4)
		}
	}
	g.emit(movReg(R0, SP))
	g.cb.AddReloc(target.Entry)
	g.emit(branchLink(AL))
	g.recordShape(forceIndex, g.cb.Pos())
	g.adjustSP(size)

	kind := ir.FailDoneWithThisFrameVoid
	if op.Result != nil {
		switch op.Result.Type() {
		case ir.TypeInt:
			kind = ir.FailDoneWithThisFrameInt
		case ir.TypeRef:
			kind = ir.FailDoneWithThisFrameRef
		case ir.TypeFloat:
			kind = ir.FailDoneWithThisFrameFloat
		}
	}
	slow, end := g.cb.ReserveLabel(), g.cb.ReserveLabel()
	g.loadImm(AL, IP, uint32(g.asm.Indexes.Done(kind).Index))
	g.emit(dpReg(AL, opCMP, true, 0, R0, IP, LSL, 0))
	g.cb.AddFixup(slow, codebuf.FixupBranch24)
	g.emit(branch(NE))
	if op.Result != nil {
		g.loadImm(AL, IP, g.asm.Globals.FailBoxes)
		if op.Result.Type() == ir.TypeFloat {
			g.emit(vldr(AL, D0, IP, 0))
		} else {
			g.emit(memImm(AL, true, false, R0, IP, 0))
		}
	}
	g.cb.AddFixup(end, codebuf.FixupBranch24)
	g.emit(branch(AL))
	g.cb.MarkLabel(slow)
	g.callAddr(g.asm.Helpers.AssemblerHelper)
	g.recordShape(forceIndex, g.cb.Pos())
	if op.Result != nil && op.Result.Type() == ir.TypeFloat && g.asm.SoftFloat {
		g.emit(vmovDRR(AL, D0, R0, R1))
	}
	g.cb.MarkLabel(end)
	if op.Result == nil {
		return
	}
	if op.Result.Type() == ir.TypeFloat {
		g.vfp.AfterCall(op.Result, dreg(D0))
	} else {
		g.rm.AfterCall(op.Result, reg(R0))
	}
}

// emitMallocNursery bumps the nursery pointer and calls the slow path
// when the nursery is full. The slow path preserves everything but r0,
// r1, ip and lr.
func (g *codegen) emitMallocNursery(op *ir.Op) {
	c := ir.AsConst(op.Args[0])
	if c == nil {
		fail("call_malloc_nursery with a variable size")
	}
	size := c.Word()
	if g.asm.Helpers.MallocSlowpath == 0 {
		fail("no malloc slow path")
	}
	var forceIndex int32 = -1
	if g.shadowStack() {
		forceIndex = g.reserveIndex()
	}
	g.spillRefs()
	g.rm.Evict(reg(R0))
	g.rm.Evict(reg(R1))
	g.writeForceIndex(forceIndex)

	free, top := g.asm.GC.NurseryFreeAddr(), g.asm.GC.NurseryTopAddr()
	g.loadImm(AL, IP, free)
	g.emit(memImm(AL, true, false, R0, IP, 0))
	if d := int(top) - int(free); fitsImm12(d) {
		g.emit(memImm(AL, true, false, LR, IP, d))
	} else {
		g.loadImm(AL, LR, top)
		g.emit(memImm(AL, true, false, LR, LR, 0))
	}
	if _, ok := EncodeImm(size); ok {
		g.emit(dpImm(AL, opADD, false, R1, R0, size))
	} else {
		g.loadImm(AL, IP, size)
		g.emit(dpReg(AL, opADD, false, R1, R0, IP, LSL, 0))
	}
	g.emit(dpReg(AL, opCMP, true, 0, R1, LR, LSL, 0))
	g.loadImm(AL, IP, g.asm.Helpers.MallocSlowpath)
	g.emit(blx(HI, IP))
	g.recordShape(forceIndex, g.cb.Pos())
	g.loadImm(AL, IP, free)
	g.emit(memImm(AL, false, false, R1, IP, 0))
	g.rm.Bind(op.Result, reg(R0))
}
