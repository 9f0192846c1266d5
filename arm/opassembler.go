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
	"github.com/launix-de/rjit/codebuf"
	"github.com/launix-de/rjit/ir"
	"github.com/launix-de/rjit/regalloc"
)

// emitOp dispatches one operation of the trace.
func (g *codegen) emitOp(op *ir.Op) {
	switch op.Opcode {
	case ir.Label:
		g.emitLabel(op)
	case ir.Jump:
		g.emitJump(op)
	case ir.Finish:
		g.emitFinish(op)

	case ir.IntAdd, ir.NurseryPtrIncrement:
		g.emitAddSub(op, opADD, false)
	case ir.IntAddOvf:
		g.emitAddSub(op, opADD, true)
	case ir.IntSub:
		g.emitAddSub(op, opSUB, false)
	case ir.IntSubOvf:
		g.emitAddSub(op, opSUB, true)
	case ir.IntMul:
		g.emitMul(op, false)
	case ir.IntMulOvf:
		g.emitMul(op, true)
	case ir.IntAnd:
		g.emitLogic(op, opAND)
	case ir.IntOr:
		g.emitLogic(op, opORR)
	case ir.IntXor:
		g.emitLogic(op, opEOR)
	case ir.IntLshift:
		g.emitShift(op, LSL)
	case ir.IntRshift:
		g.emitShift(op, ASR)
	case ir.UintRshift:
		g.emitShift(op, LSR)
	case ir.IntNeg:
		a := g.inReg(op.Args[0])
		g.freeArgs(op)
		g.emit(dpImm(AL, opRSB, false, g.resultReg(op), a, 0))
	case ir.IntInvert:
		a := g.inReg(op.Args[0])
		g.freeArgs(op)
		g.emit(dpReg(AL, opMVN, false, g.resultReg(op), 0, a, LSL, 0))
	case ir.IntFloorDiv:
		g.emitHelperCall(op, g.asm.Helpers.IntFloorDiv)
	case ir.IntMod:
		g.emitHelperCall(op, g.asm.Helpers.IntMod)
	case ir.UintFloorDiv:
		g.emitHelperCall(op, g.asm.Helpers.UintFloorDiv)

	case ir.IntIsZero, ir.IntIsTrue, ir.IntLt, ir.IntLe, ir.IntEq, ir.IntNe, ir.IntGt, ir.IntGe,
		ir.UintLt, ir.UintLe, ir.UintGt, ir.UintGe, ir.PtrEq, ir.PtrNe, ir.InstancePtrEq, ir.InstancePtrNe:
		g.emitIntCmp(op)

	case ir.FloatAdd:
		g.emitFloatBinary(op, vADD)
	case ir.FloatSub:
		g.emitFloatBinary(op, vSUB)
	case ir.FloatMul:
		g.emitFloatBinary(op, vMUL)
	case ir.FloatTrueDiv:
		g.emitFloatBinary(op, vDIV)
	case ir.FloatNeg:
		g.emitFloatUnary(op, vNEG)
	case ir.FloatAbs:
		g.emitFloatUnary(op, vABS)
	case ir.MathSqrt:
		g.emitFloatUnary(op, vSQRT)
	case ir.FloatLt, ir.FloatLe, ir.FloatEq, ir.FloatNe, ir.FloatGt, ir.FloatGe:
		g.emitFloatCmp(op)
	case ir.CastFloatToInt:
		a := g.inVFP(op.Args[0])
		g.freeArgs(op)
		g.emit(vcvtS32F64(AL, S30, a), vmovRS(AL, g.resultReg(op), S30))
	case ir.CastIntToFloat:
		a := g.inReg(op.Args[0])
		g.freeArgs(op)
		g.emit(vmovSR(AL, S30, a), vcvtF64S32(AL, g.resultVFP(op), S30))

	case ir.SameAs:
		g.mgr(op.Result).ForceResultInReg(op.Result, op.Args[0], nil)
	case ir.ForceToken:
		g.emit(movReg(g.resultReg(op), FP))

	case ir.GetfieldGc, ir.GetfieldRaw:
		g.emitGetfield(op)
	case ir.SetfieldGc, ir.SetfieldRaw:
		g.emitSetfield(op)
	case ir.GetarrayitemGc, ir.GetarrayitemRaw, ir.RawLoad, ir.GetinteriorfieldGc,
		ir.Strgetitem, ir.Unicodegetitem:
		g.emitGetitem(op)
	case ir.SetarrayitemGc, ir.SetarrayitemRaw, ir.RawStore, ir.SetinteriorfieldGc,
		ir.Strsetitem, ir.Unicodesetitem:
		g.emitSetitem(op)
	case ir.ArraylenGc, ir.Strlen, ir.Unicodelen:
		g.emitLen(op)
	case ir.Copystrcontent, ir.Copyunicodecontent:
		g.emitCopyContent(op)

	case ir.CallMallocNursery:
		g.emitMallocNursery(op)
	case ir.CallMallocGc:
		g.emitCall(op, callSpec{collect: true})
	case ir.Call:
		g.emitPlainCall(op)
	case ir.CallMayForce:
		g.emitCall(op, callSpec{collect: true, saveAll: true, forced: true})
	case ir.CallReleaseGil:
		g.emitCall(op, callSpec{collect: true, saveAll: true, forced: true, releaseGil: true})
	case ir.CallAssembler:
		g.emitCallAssembler(op)
	case ir.CondCallGcWb, ir.CondCallGcWbArray:
		g.emitWriteBarrier(op)

	case ir.GuardTrue, ir.GuardFalse, ir.GuardNonnull, ir.GuardIsnull, ir.GuardValue,
		ir.GuardClass, ir.GuardNonnullClass, ir.GuardNoException, ir.GuardException,
		ir.GuardNoOverflow, ir.GuardOverflow, ir.GuardNotInvalidated, ir.GuardNotForced:
		g.emitGuardOp(op)

	default:
		fail("%s is not supported by the back-end", op.Opcode)
	}
}

// control flow

func (g *codegen) emitLabel(op *ir.Op) {
	target, _ := op.Descr.(*ir.TargetToken)
	if target == nil {
		fail("label without a target token")
	}
	seen := make(map[*ir.Box]bool, len(op.Args))
	for _, a := range op.Args {
		b := ir.AsBox(a)
		if b == nil {
			fail("constant %s as label arg", a)
		}
		if seen[b] {
			fail("%s given twice to a label", b)
		}
		seen[b] = true
	}
	// label args live in the frame; registers start empty
	g.rm.SpillAll()
	g.vfp.SpillAll()
	g.rm.Reset()
	g.vfp.Reset()
	locs := make([]any, len(op.Args))
	for i, a := range op.Args {
		locs[i] = g.fm.Loc(ir.AsBox(a))
	}
	target.Cell = g.loop.ID()
	target.Offset = g.cb.Pos()
	target.ArgLocs = locs
	g.labels[target] = g.cb.DefineLabel()
	g.targets = append(g.targets, target)
	g.lastLabel = target
}

func (g *codegen) emitJump(op *ir.Op) {
	target, _ := op.Descr.(*ir.TargetToken)
	if target == nil {
		target = g.lastLabel
	}
	if target == nil {
		fail("jump without a target")
	}
	label, local := g.labels[target]
	if !local {
		if target.Addr == 0 {
			fail("jump to %s, which is not compiled", target)
		}
		if l := g.asm.Cells.Cell(target.Cell); l != nil && l.FrameDepth > g.minDepth {
			g.minDepth = l.FrameDepth
		}
	}
	if len(op.Args) != len(target.ArgLocs) {
		fail("jump passes %d args to %s, which takes %d", len(op.Args), target, len(target.ArgLocs))
	}
	var src, dst, fsrc, fdst []regalloc.Location
	for i, a := range op.Args {
		to, ok := target.ArgLocs[i].(regalloc.StackLoc)
		if !ok || to.Type != a.Type() {
			fail("jump arg %d (%s) does not match %v", i, a, target.ArgLocs[i])
		}
		if to.IsFloat() {
			fsrc, fdst = append(fsrc, g.loc(a)), append(fdst, to)
		} else {
			src, dst = append(src, g.loc(a)), append(dst, to)
		}
	}
	regalloc.RemapFrameLayoutMixed(g, src, dst, reg(IP), fsrc, fdst, dreg(D15))
	if local {
		g.cb.AddFixup(label, codebuf.FixupBranch24)
	} else {
		g.cb.AddReloc(target.Addr)
	}
	g.emit(branch(AL))
}

func isDone(k ir.FailKind) bool {
	return k >= ir.FailDoneWithThisFrameVoid && k <= ir.FailDoneWithThisFrameFloat
}

// emitFinish leaves through the shared done descr of the result type, or
// through the op's own descr for the other exit kinds.
func (g *codegen) emitFinish(op *ir.Op) {
	if len(op.Args) > NumFailBoxes {
		fail("finish with %d args", len(op.Args))
	}
	d := op.FailDescr()
	kind := ir.FinishKind(op.Args)
	if d != nil && d.IsFinal() && !isDone(d.Final) {
		kind = d.Final
	}
	if isDone(kind) {
		d = g.asm.Indexes.Done(kind)
	} else {
		if d == nil {
			d = ir.NewFailDescr("finish")
			op.Descr = d
		}
		d.Final = kind
		d.FailTypes = make([]ir.Type, len(op.Args))
		for i, a := range op.Args {
			d.FailTypes[i] = a.Type()
		}
		g.register(d)
	}
	locs := make([]regalloc.Location, len(op.Args))
	for i, a := range op.Args {
		locs[i] = g.loc(a)
	}
	g.storeFailArgs(locs)
	g.exit(d)
}

// integer arithmetic

// operand is the flexible second operand of a data processing
// instruction.
type operand struct {
	imm bool
	val uint32
	reg Reg
}

func (o operand) encode(c Cond, op uint32, s bool, rd, rn Reg) uint32 {
	if o.imm {
		return dpImm(c, op, s, rd, rn, o.val)
	}
	return dpReg(c, op, s, rd, rn, o.reg, LSL, 0)
}

func encodable(v ir.Value) bool {
	c := ir.AsConst(v)
	if c == nil || c.Type() == ir.TypeFloat {
		return false
	}
	_, ok := EncodeImm(c.Word())
	return ok
}

// operand2 uses v as an immediate when it is an encodable constant.
func (g *codegen) operand2(v ir.Value, forbidden ...regalloc.RegLoc) operand {
	if encodable(v) {
		return operand{imm: true, val: ir.AsConst(v).Word()}
	}
	return operand{reg: g.inReg(v, forbidden...)}
}

// negated returns -v as a constant when v is a constant whose negation
// fits an immediate and v itself does not.
func negated(v ir.Value) (ir.Value, bool) {
	c := ir.AsConst(v)
	if c == nil || encodable(v) {
		return nil, false
	}
	n := ir.ConstInt(-int32(c.Word()))
	return n, encodable(n)
}

func (g *codegen) emitAddSub(op *ir.Op, code uint32, ovf bool) {
	x, y := op.Args[0], op.Args[1]
	if code == opADD && ir.AsConst(x) != nil && ir.AsConst(y) == nil {
		x, y = y, x
	}
	if code == opSUB && ir.AsConst(x) != nil && ir.AsConst(y) == nil && encodable(x) {
		b := g.inReg(y)
		g.freeArgs(op)
		g.emit(dpImm(AL, opRSB, ovf, g.resultReg(op), b, ir.AsConst(x).Word()))
		g.ovfCond = VS
		return
	}
	if n, ok := negated(y); ok && !ovf {
		y = n
		if code == opADD {
			code = opSUB
		} else {
			code = opADD
		}
	}
	a := g.inReg(x)
	o := g.operand2(y, reg(a))
	g.freeArgs(op)
	g.emit(o.encode(AL, code, ovf, g.resultReg(op), a))
	g.ovfCond = VS
}

func (g *codegen) emitMul(op *ir.Op, ovf bool) {
	a := g.inReg(op.Args[0])
	b := g.inReg(op.Args[1], reg(a))
	g.freeArgs(op)
	r := g.resultReg(op)
	if !ovf {
		g.emit(mul(AL, r, a, b))
		return
	}
	// the high word must be the sign extension of the low word
	g.emit(smull(AL, r, IP, a, b), dpReg(AL, opCMP, true, 0, IP, r, ASR, 31))
	g.ovfCond = NE
}

func (g *codegen) emitLogic(op *ir.Op, code uint32) {
	x, y := op.Args[0], op.Args[1]
	if ir.AsConst(x) != nil && ir.AsConst(y) == nil {
		x, y = y, x
	}
	if c := ir.AsConst(y); c != nil && code == opAND && !encodable(y) {
		if _, ok := EncodeImm(^c.Word()); ok {
			a := g.inReg(x)
			g.freeArgs(op)
			g.emit(dpImm(AL, opBIC, false, g.resultReg(op), a, ^c.Word()))
			return
		}
	}
	a := g.inReg(x)
	o := g.operand2(y, reg(a))
	g.freeArgs(op)
	g.emit(o.encode(AL, code, false, g.resultReg(op), a))
}

func (g *codegen) emitShift(op *ir.Op, st Shift) {
	a := g.inReg(op.Args[0])
	if c := ir.AsConst(op.Args[1]); c != nil {
		n := uint32(c.I)
		g.freeArgs(op)
		r := g.resultReg(op)
		switch {
		case n == 0:
			g.emit(movReg(r, a))
		case n < 32:
			g.emit(dpReg(AL, opMOV, false, r, 0, a, st, n))
		case st == ASR:
			g.emit(dpReg(AL, opMOV, false, r, 0, a, ASR, 31))
		default:
			g.emit(dpImm(AL, opMOV, false, r, 0, 0))
		}
		return
	}
	s := g.inReg(op.Args[1], reg(a))
	g.freeArgs(op)
	g.emit(dpRegReg(AL, opMOV, false, g.resultReg(op), 0, a, st, s))
}

// comparisons

var intConds = map[ir.Opcode]Cond{
	ir.IntLt: LT, ir.IntLe: LE, ir.IntEq: EQ, ir.IntNe: NE, ir.IntGt: GT, ir.IntGe: GE,
	ir.UintLt: LO, ir.UintLe: LS, ir.UintGt: HI, ir.UintGe: HS,
	ir.PtrEq: EQ, ir.PtrNe: NE, ir.InstancePtrEq: EQ, ir.InstancePtrNe: NE,
	ir.IntIsZero: EQ, ir.IntIsTrue: NE,
}

// after VMRS, unordered operands must make every test but ne false
var floatConds = map[ir.Opcode]Cond{
	ir.FloatLt: MI, ir.FloatLe: LS, ir.FloatEq: EQ, ir.FloatNe: NE, ir.FloatGt: GT, ir.FloatGe: GE,
}

// swapCond is the condition for the operands exchanged.
func swapCond(c Cond) Cond {
	switch c {
	case LT:
		return GT
	case GT:
		return LT
	case LE:
		return GE
	case GE:
		return LE
	case LO:
		return HI
	case HI:
		return LO
	case LS:
		return HS
	case HS:
		return LS
	}
	return c
}

func (g *codegen) emitIntCmp(op *ir.Op) {
	c := intConds[op.Opcode]
	if len(op.Args) == 1 {
		a := g.inReg(op.Args[0])
		g.setCond(op, c, dpImm(AL, opCMP, true, 0, a, 0))
		return
	}
	x, y := op.Args[0], op.Args[1]
	if ir.AsConst(x) != nil && ir.AsConst(y) == nil {
		x, y = y, x
		c = swapCond(c)
	}
	a := g.inReg(x)
	if n, ok := negated(y); ok {
		g.setCond(op, c, dpImm(AL, opCMN, true, 0, a, ir.AsConst(n).Word()))
		return
	}
	o := g.operand2(y, reg(a))
	g.setCond(op, c, o.encode(AL, opCMP, true, 0, a))
}

func (g *codegen) emitFloatCmp(op *ir.Op) {
	a := g.inVFP(op.Args[0])
	b := g.inVFP(op.Args[1], dreg(a))
	g.setCond(op, floatConds[op.Opcode], vunary(AL, vCMP, a, b), vmrs(AL))
}

// setCond emits the compare. The boolean is only materialized when the
// next guard does not consume the flags directly.
func (g *codegen) setCond(op *ir.Op, c Cond, cmp ...uint32) {
	if g.canFuse(op) {
		g.emit(cmp...)
		g.fused, g.fusedCond = op.Result, c
		return
	}
	g.freeArgs(op)
	r := g.resultReg(op)
	g.emit(cmp...)
	g.emit(dpImm(c, opMOV, false, r, 0, 1), dpImm(c.Invert(), opMOV, false, r, 0, 0))
}

// floats

func (g *codegen) emitFloatBinary(op *ir.Op, base uint32) {
	a := g.inVFP(op.Args[0])
	b := g.inVFP(op.Args[1], dreg(a))
	g.freeArgs(op)
	g.emit(vdp(AL, base, g.resultVFP(op), a, b))
}

func (g *codegen) emitFloatUnary(op *ir.Op, base uint32) {
	a := g.inVFP(op.Args[0])
	g.freeArgs(op)
	g.emit(vunary(AL, base, g.resultVFP(op), a))
}

// guards

// truth returns the condition under which v is non-zero, testing it
// unless a fused comparison left it in the flags.
func (g *codegen) truth(v ir.Value) Cond {
	if b := ir.AsBox(v); b != nil && b == g.fused {
		return g.fusedCond
	}
	a := g.inReg(v)
	g.emit(dpImm(AL, opCMP, true, 0, a, 0))
	return NE
}

// classOffset is where guard_class finds the type pointer.
func (g *codegen) classOffset() int {
	vd := g.asm.GC.VtableDescr()
	if vd == nil {
		fail("guard_class without a type pointer in the object header")
	}
	return vd.Offset
}

func (g *codegen) emitGuardOp(op *ir.Op) {
	switch op.Opcode {
	case ir.GuardTrue:
		g.emitGuard(op, g.truth(op.Args[0]).Invert())
	case ir.GuardFalse:
		g.emitGuard(op, g.truth(op.Args[0]))
	case ir.GuardNonnull:
		a := g.inReg(op.Args[0])
		g.emit(dpImm(AL, opCMP, true, 0, a, 0))
		g.emitGuard(op, EQ)
	case ir.GuardIsnull:
		a := g.inReg(op.Args[0])
		g.emit(dpImm(AL, opCMP, true, 0, a, 0))
		g.emitGuard(op, NE)
	case ir.GuardValue:
		if op.Args[0].Type() == ir.TypeFloat {
			a := g.inVFP(op.Args[0])
			b := g.inVFP(op.Args[1], dreg(a))
			g.emit(vunary(AL, vCMP, a, b), vmrs(AL))
		} else {
			a := g.inReg(op.Args[0])
			o := g.operand2(op.Args[1], reg(a))
			g.emit(o.encode(AL, opCMP, true, 0, a))
		}
		g.emitGuard(op, NE)
	case ir.GuardClass:
		ofs := g.classOffset()
		a := g.inReg(op.Args[0])
		o := g.operand2(op.Args[1], reg(a))
		g.load(IP, a, ofs, 4, false)
		g.emit(o.encode(AL, opCMP, true, 0, IP))
		g.emitGuard(op, NE)
	case ir.GuardNonnullClass:
		ofs := g.classOffset()
		if !fitsImm12(ofs) {
			fail("type pointer at offset %d", ofs)
		}
		a := g.inReg(op.Args[0])
		o := g.operand2(op.Args[1], reg(a))
		// NULL compares lower than 1 and leaves ne set
		g.emit(dpImm(AL, opCMP, true, 0, a, 1),
			memImm(HS, true, false, IP, a, ofs),
			o.encode(HS, opCMP, true, 0, IP))
		g.emitGuard(op, NE)
	case ir.GuardNoException:
		g.loadImm(AL, IP, g.asm.Globals.Exception)
		g.emit(memImm(AL, true, false, IP, IP, excType), dpImm(AL, opCMP, true, 0, IP, 0))
		g.emitGuard(op, NE).saveExc = true
	case ir.GuardException:
		o := g.operand2(op.Args[0])
		r := g.resultReg(op)
		g.loadImm(AL, IP, g.asm.Globals.Exception)
		g.emit(memImm(AL, true, false, LR, IP, excType), o.encode(AL, opCMP, true, 0, LR))
		g.emitGuard(op, NE).saveExc = true
		g.emit(memImm(AL, true, false, r, IP, excValue),
			dpImm(AL, opMOV, false, LR, 0, 0),
			memImm(AL, false, false, LR, IP, excType),
			memImm(AL, false, false, LR, IP, excValue))
	case ir.GuardNoOverflow, ir.GuardOverflow:
		if g.pos == 0 || !g.ops[g.pos-1].Opcode.IsOvf() {
			fail("%s does not follow an overflow checking op", op.Opcode)
		}
		c := g.ovfCond
		if op.Opcode == ir.GuardOverflow {
			c = c.Invert()
		}
		g.emitGuard(op, c)
	case ir.GuardNotInvalidated:
		t := g.newGuard(op)
		t.invalidate = true
		t.pos = g.cb.Pos()
		g.emit(NOP)
	case ir.GuardNotForced:
		// a forced frame has the complemented fail index in its force slot
		g.emit(memImm(AL, true, false, IP, FP, 0), dpImm(AL, opCMP, true, 0, IP, 0))
		g.emitGuard(op, LT)
	}
}
