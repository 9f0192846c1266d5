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
package gc

import (
	"encoding/binary"
	"fmt"

	"github.com/launix-de/rjit/ir"
)

// header flags of the minimark collector
const (
	JitWbIfFlag        = 1 << 16
	JitWbCardsSet      = 1 << 23
	JitWbCardPageShift = 7
)

// WriteBarrierDescr tells the back-end where the barrier flag lives in
// the object header. Offsets are byte offsets from the object base.
type WriteBarrierDescr struct {
	IfFlag           uint32
	IfFlagByteOfs    int
	IfFlagSingleByte int8

	CardsSet           uint32 // 0 without card marking
	CardsSetByteOfs    int
	CardsSetSingleByte int8
	CardPageShift      uint

	FuncAddr      uint32 // remember_young_pointer(obj)
	ArrayFuncAddr uint32 // remember_young_pointer_from_array(obj, index)
}

// NewWriteBarrierDescr derives the byte-level view of the header flags.
// cardsSet may be 0 for collectors without card marking.
func NewWriteBarrierDescr(ifFlag, cardsSet uint32, cardPageShift uint, fn, arrayFn uint32) *WriteBarrierDescr {
	d := &WriteBarrierDescr{IfFlag: ifFlag, FuncAddr: fn, ArrayFuncAddr: arrayFn}
	d.IfFlagByteOfs, d.IfFlagSingleByte = ExtractFlagByte(ifFlag)
	if cardsSet != 0 {
		d.CardsSet = cardsSet
		d.CardPageShift = cardPageShift
		d.CardsSetByteOfs, d.CardsSetSingleByte = ExtractFlagByte(cardsSet)
		// the card test reuses the byte loaded for the flag test and
		// checks its sign bit
		if d.CardsSetByteOfs != d.IfFlagByteOfs {
			panic("gc: card flag must share the byte of the barrier flag")
		}
		if d.CardsSetSingleByte != -0x80 {
			panic("gc: card flag must be the top bit of its byte")
		}
	}
	return d
}

// ExtractFlagByte returns the offset of the only non-zero byte of the
// little-endian flag word and that byte as a signed value.
func ExtractFlagByte(flag uint32) (int, int8) {
	var b [WORD]byte
	binary.LittleEndian.PutUint32(b[:], flag)
	ofs := -1
	for i, v := range b {
		if v != 0 {
			if ofs >= 0 {
				panic(fmt.Sprintf("gc: flag %#x spans more than one byte", flag))
			}
			ofs = i
		}
	}
	if ofs < 0 {
		panic("gc: empty flag")
	}
	return ofs, int8(b[ofs])
}

// HasCards is true when the array variant of the barrier can mark cards
// inline.
func (d *WriteBarrierDescr) HasCards() bool {
	return d.CardsSet != 0
}

// HasWriteBarrierFromArray is true when the collector has a helper for
// the array barrier.
func (d *WriteBarrierDescr) HasWriteBarrierFromArray() bool {
	return d.ArrayFuncAddr != 0
}

// CardByte returns the byte offset from the object base and the bit mask
// of the card that covers index.
func (d *WriteBarrierDescr) CardByte(index uint32) (int32, byte) {
	card := index >> d.CardPageShift
	return ^int32(card >> 3), byte(1) << (card & 7)
}

func (d *WriteBarrierDescr) Kind() ir.DescrKind { return ir.KindWriteBarrier }
func (d *WriteBarrierDescr) String() string     { return "wbdescr" }
