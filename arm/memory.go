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
	"math/bits"

	"github.com/launix-de/rjit/ir"
	"github.com/launix-de/rjit/regalloc"
)

// access is the width and kind of one load or store.
type access struct {
	size   int
	signed bool
	float  bool
}

func fieldAccess(f *ir.FieldDescr) access {
	return access{size: f.FieldSize, signed: f.IsFieldSigned(), float: f.IsFloatField()}
}

func itemAccess(d *ir.ArrayDescr) access {
	return access{size: d.ItemSize, signed: d.IsItemSigned(), float: d.IsArrayOfFloats()}
}

func fieldDescr(op *ir.Op) *ir.FieldDescr {
	f, ok := op.Descr.(*ir.FieldDescr)
	if !ok {
		fail("%s needs a field descr", op.Opcode)
	}
	return f
}

func arrayDescr(op *ir.Op) *ir.ArrayDescr {
	d, ok := op.Descr.(*ir.ArrayDescr)
	if !ok {
		fail("%s needs an array descr", op.Opcode)
	}
	return d
}

// loadResult reads the value at base+ofs into the result of op.
func (g *codegen) loadResult(op *ir.Op, base Reg, ofs int, acc access) {
	if acc.float {
		if acc.size != 8 {
			fail("%d byte floats", acc.size)
		}
		g.vload(g.resultVFP(op), base, ofs)
		return
	}
	g.load(g.resultReg(op), base, ofs, acc.size, acc.signed)
}

// index is an array index: a constant or a register.
type index struct {
	konst bool
	val   int
	reg   Reg
}

func (g *codegen) indexOf(v ir.Value, forbidden ...regalloc.RegLoc) index {
	if c := ir.AsConst(v); c != nil {
		return index{konst: true, val: int(c.I)}
	}
	return index{reg: g.inReg(v, forbidden...)}
}

func (i index) loc() []regalloc.RegLoc {
	if i.konst {
		return nil
	}
	return []regalloc.RegLoc{reg(i.reg)}
}

// itemAddr returns a register and offset that address item i. With a
// register index the address is built in ip, so every operand must be
// loaded before.
func (g *codegen) itemAddr(base Reg, i index, scale, baseOfs int) (Reg, int) {
	if i.konst {
		return base, baseOfs + i.val*scale
	}
	if scale > 0 && scale&(scale-1) == 0 {
		g.emit(dpReg(AL, opADD, false, IP, base, i.reg, LSL, uint32(bits.TrailingZeros(uint(scale)))))
	} else {
		g.loadImm(AL, IP, uint32(scale))
		g.emit(mul(AL, IP, i.reg, IP), dpReg(AL, opADD, false, IP, base, IP, LSL, 0))
	}
	return IP, baseOfs
}

// storeValue writes v, already in a register, to base+ofs.
func (g *codegen) storeValue(r Reg, d DReg, base Reg, ofs int, acc access) {
	if acc.float {
		if acc.size != 8 {
			fail("%d byte floats", acc.size)
		}
		g.vstore(d, base, ofs)
		return
	}
	g.store(r, base, ofs, acc.size)
}

// valueRegs loads the stored value into a core or VFP register.
func (g *codegen) valueRegs(v ir.Value, forbidden ...regalloc.RegLoc) (Reg, DReg) {
	if v.Type() == ir.TypeFloat {
		return 0, g.inVFP(v)
	}
	return g.inReg(v, forbidden...), 0
}

func (g *codegen) emitGetfield(op *ir.Op) {
	f := fieldDescr(op)
	a := g.inReg(op.Args[0])
	g.freeArgs(op)
	g.loadResult(op, a, f.Offset, fieldAccess(f))
}

func (g *codegen) emitSetfield(op *ir.Op) {
	f := fieldDescr(op)
	a := g.inReg(op.Args[0])
	r, d := g.valueRegs(op.Args[1], reg(a))
	g.storeValue(r, d, a, f.Offset, fieldAccess(f))
}

// itemLayout returns scale, offset of item 0 and the access of an
// indexed op.
func (g *codegen) itemLayout(op *ir.Op) (int, int, access) {
	switch op.Opcode {
	case ir.Strgetitem, ir.Strsetitem:
		d := g.asm.GC.StrDescr()
		return d.ItemSize, d.BaseSize, access{size: d.ItemSize}
	case ir.Unicodegetitem, ir.Unicodesetitem:
		d := g.asm.GC.UnicodeDescr()
		return d.ItemSize, d.BaseSize, access{size: d.ItemSize}
	case ir.GetinteriorfieldGc, ir.SetinteriorfieldGc:
		d, ok := op.Descr.(*ir.InteriorFieldDescr)
		if !ok {
			fail("%s needs an interior field descr", op.Opcode)
		}
		return d.Array.ItemSize, d.Array.BaseSize + d.Field.Offset, fieldAccess(d.Field)
	case ir.RawLoad, ir.RawStore:
		return 1, 0, itemAccess(arrayDescr(op))
	}
	d := arrayDescr(op)
	return d.ItemSize, d.BaseSize, itemAccess(d)
}

func (g *codegen) emitGetitem(op *ir.Op) {
	scale, baseOfs, acc := g.itemLayout(op)
	a := g.inReg(op.Args[0])
	i := g.indexOf(op.Args[1], reg(a))
	g.freeArgs(op)
	if acc.float {
		r := g.resultVFP(op)
		base, ofs := g.itemAddr(a, i, scale, baseOfs)
		g.vload(r, base, ofs)
		return
	}
	r := g.resultReg(op)
	base, ofs := g.itemAddr(a, i, scale, baseOfs)
	g.load(r, base, ofs, acc.size, acc.signed)
}

func (g *codegen) emitSetitem(op *ir.Op) {
	scale, baseOfs, acc := g.itemLayout(op)
	a := g.inReg(op.Args[0])
	i := g.indexOf(op.Args[1], reg(a))
	r, d := g.valueRegs(op.Args[2], append(i.loc(), reg(a))...)
	base, ofs := g.itemAddr(a, i, scale, baseOfs)
	g.storeValue(r, d, base, ofs, acc)
}

func (g *codegen) emitLen(op *ir.Op) {
	var d *ir.ArrayDescr
	switch op.Opcode {
	case ir.Strlen:
		d = g.asm.GC.StrDescr()
	case ir.Unicodelen:
		d = g.asm.GC.UnicodeDescr()
	default:
		d = arrayDescr(op)
	}
	if d.LenOffset < 0 {
		panic("arm: arraylen_gc on an array without a length field")
	}
	a := g.inReg(op.Args[0])
	g.freeArgs(op)
	g.load(g.resultReg(op), a, d.LenOffset, 4, false)
}

// emitCopyContent calls memcpy(dst, src, n). The three words are built in
// ip one after the other and passed through the stack.
func (g *codegen) emitCopyContent(op *ir.Op) {
	d := g.asm.GC.StrDescr()
	if op.Opcode == ir.Copyunicodecontent {
		d = g.asm.GC.UnicodeDescr()
	}
	if g.asm.Helpers.Memcpy == 0 {
		fail("no memcpy helper")
	}
	src, dst, srcStart, dstStart, length := op.Args[0], op.Args[1], op.Args[2], op.Args[3], op.Args[4]
	g.pushAddr(dst, dstStart, d)
	g.pushAddr(src, srcStart, d)
	if c := ir.AsConst(length); c != nil {
		g.loadImm(AL, IP, uint32(int(c.I)*d.ItemSize))
	} else {
		l := g.inReg(length)
		g.emit(dpReg(AL, opMOV, false, IP, 0, l, LSL, uint32(bits.TrailingZeros(uint(d.ItemSize)))))
	}
	g.emit(push(AL, regList(IP)))
	g.rm.BeforeCall(nil, false)
	g.vfp.BeforeCall(nil, false)
	g.emit(pop(AL, regList(R2)), pop(AL, regList(R1)), pop(AL, regList(R0)))
	g.callAddr(g.asm.Helpers.Memcpy)
}

// pushAddr pushes the address of item start of the string s.
func (g *codegen) pushAddr(s, start ir.Value, d *ir.ArrayDescr) {
	a := g.inReg(s)
	i := g.indexOf(start, reg(a))
	base, ofs := g.itemAddr(a, i, d.ItemSize, d.BaseSize)
	switch {
	case ofs == 0 && base == IP:
	case ofs == 0:
		g.emit(movReg(IP, base))
	default:
		if _, ok := EncodeImm(uint32(ofs)); ok {
			g.emit(dpImm(AL, opADD, false, IP, base, uint32(ofs)))
		} else {
			g.loadImm(AL, LR, uint32(ofs))
			g.emit(dpReg(AL, opADD, false, IP, base, LR, LSL, 0))
		}
	}
	g.emit(push(AL, regList(IP)))
}
