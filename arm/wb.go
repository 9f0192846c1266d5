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
	"github.com/launix-de/rjit/gc"
	"github.com/launix-de/rjit/ir"
)

type stubKey struct {
	array  bool
	floats bool // also save d0-d7
}

// wbStub returns the shared routine that saves the caller-saved
// registers and calls the barrier helper. The object (and index) are
// passed in the two words at sp. Stubs live as long as the assembler.
func (a *Assembler) wbStub(array, floats bool) uint32 {
	key := stubKey{array: array, floats: floats}
	if addr, ok := a.wbStubs[key]; ok {
		return addr
	}
	wb := a.GC.WriteBarrier()
	fn := wb.FuncAddr
	if array {
		fn = wb.ArrayFuncAddr
	}
	cb := codebuf.NewBuilder()
	ofs := 24
	cb.Emit(push(AL, regList(R0, R1, R2, R3, IP, LR)))
	if floats {
		cb.Emit(vpush(AL, D0, 8))
		ofs += 64
	}
	cb.Emit(memImm(AL, true, false, R0, SP, ofs))
	if array {
		cb.Emit(memImm(AL, true, false, R1, SP, ofs+4))
	}
	cb.Emit(movw(AL, IP, uint16(fn)), movt(AL, IP, uint16(fn>>16)), blx(AL, IP))
	if floats {
		cb.Emit(vpop(AL, D0, 8))
	}
	cb.Emit(pop(AL, regList(R0, R1, R2, R3, IP, PC)))
	block, err := a.Code.Malloc(cb.Pos(), 8)
	if err != nil {
		panic(err)
	}
	cb.Place(a.Mem, block.Start)
	a.flush(block.Start, block.Stop)
	a.wbStubs[key] = block.Start
	a.event(Event{Kind: "stub", Addr: block.Start, Size: cb.Pos(), Code: cb.Bytes()})
	return block.Start
}

// emitWriteBarrier tests the barrier flag in the object header and calls
// the helper when it is set. With card marking the array variant sets
// the card bit inline once the helper left the cards flag on.
func (g *codegen) emitWriteBarrier(op *ir.Op) {
	wb, _ := op.Descr.(*gc.WriteBarrierDescr)
	if wb == nil {
		wb = g.asm.GC.WriteBarrier()
	}
	if wb == nil {
		fail("%s without a write barrier", op.Opcode)
	}
	array := op.Opcode == ir.CondCallGcWbArray
	if array && !wb.HasWriteBarrierFromArray() {
		fail("no array write barrier")
	}
	cards := array && wb.HasCards()
	base := g.inReg(op.Args[0])
	var i index
	var tmp Reg
	if array {
		i = g.indexOf(op.Args[1], reg(base))
		if cards && !i.konst {
			tmp = coreOf(g.rm.GetScratchReg(append(i.loc(), reg(base))))
		}
	}
	floats := len(g.vfp.Bound()) > 0

	mask := uint32(uint8(wb.IfFlagSingleByte))
	if cards {
		mask |= uint32(uint8(wb.CardsSetSingleByte))
	}
	done := g.cb.ReserveLabel()
	g.load(IP, base, wb.IfFlagByteOfs, 1, false)
	g.emit(dpImm(AL, opTST, true, 0, IP, mask))
	g.cb.AddFixup(done, codebuf.FixupBranch24)
	g.emit(branch(EQ))
	card := -1
	if cards {
		card = g.cb.ReserveLabel()
		g.emit(dpImm(AL, opTST, true, 0, IP, 0x80))
		g.cb.AddFixup(card, codebuf.FixupBranch24)
		g.emit(branch(NE))
	}

	stub := g.asm.wbStub(array, floats)
	g.emit(dpImm(AL, opSUB, false, SP, SP, 8), memImm(AL, false, false, base, SP, 0))
	if array {
		if i.konst {
			g.loadImm(AL, IP, uint32(i.val))
			g.emit(memImm(AL, false, false, IP, SP, 4))
		} else {
			g.emit(memImm(AL, false, false, i.reg, SP, 4))
		}
	}
	g.cb.AddReloc(stub)
	g.emit(branchLink(AL))
	g.emit(dpImm(AL, opADD, false, SP, SP, 8))

	if cards {
		g.load(IP, base, wb.CardsSetByteOfs, 1, false)
		g.emit(dpImm(AL, opTST, true, 0, IP, 0x80))
		g.cb.AddFixup(done, codebuf.FixupBranch24)
		g.emit(branch(EQ))
		g.cb.MarkLabel(card)
		g.markCard(wb, base, i, tmp)
	}
	g.cb.MarkLabel(done)
}

// markCard sets the bit of the card covering index i. The card bytes lie
// below the object, one bit per card.
func (g *codegen) markCard(wb *gc.WriteBarrierDescr, base Reg, i index, tmp Reg) {
	if i.konst {
		ofs, bit := wb.CardByte(uint32(i.val))
		g.load(IP, base, int(ofs), 1, false)
		g.emit(dpImm(AL, opORR, false, IP, IP, uint32(bit)))
		g.store(IP, base, int(ofs), 1)
		return
	}
	s := uint32(wb.CardPageShift)
	g.emit(
		dpReg(AL, opMOV, false, IP, 0, i.reg, LSR, s),
		dpImm(AL, opAND, false, IP, IP, 7),
		dpImm(AL, opMOV, false, LR, 0, 1),
		dpRegReg(AL, opMOV, false, tmp, 0, LR, LSL, IP),
		dpReg(AL, opMVN, false, LR, 0, i.reg, LSR, s+3),
		memReg(AL, true, true, IP, base, LR, 0),
		dpReg(AL, opORR, false, IP, IP, tmp, LSL, 0),
		memReg(AL, false, true, IP, base, LR, 0),
	)
}
