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
	"github.com/launix-de/rjit/gcroot"
	"github.com/launix-de/rjit/ir"
)

// Boehm describes a non-moving conservative collector: no nursery, no
// barriers, no header. Every allocation is a helper call.
type Boehm struct {
	base
}

var boehmArgc = [EntryCount]int{
	EntryMallocNursery:      1,
	EntryMallocFixedsize:    1,
	EntryMallocArray:        4,
	EntryMallocStr:          1,
	EntryMallocUnicode:      1,
	EntryMallocBigFixedsize: 2,
}

// NewBoehm builds the description. The type pointer of instances is the
// first word.
func NewBoehm(entries Entries) *Boehm {
	g := &Boehm{}
	g.init(entries, boehmArgc)
	g.vtable = &ir.FieldDescr{Name: "typeptr", Offset: 0, FieldSize: WORD, Flag: ir.FlagUnsigned}
	g.str = &ir.ArrayDescr{Name: "str", BaseSize: 2 * WORD, ItemSize: 1, LenOffset: WORD, Flag: ir.FlagUnsigned}
	g.unicode = &ir.ArrayDescr{Name: "unicode", BaseSize: 2 * WORD, ItemSize: 4, LenOffset: WORD, Flag: ir.FlagUnsigned}
	return g
}

func (g *Boehm) Kind() string                      { return "boehm" }
func (g *Boehm) MovingGC() bool                    { return false }
func (g *Boehm) CanUseNurseryMalloc(size int) bool { return false }
func (g *Boehm) RoundUpForAllocation(size int) int { return size }
func (g *Boehm) MaxSizeOfYoungObj() int            { return 0 }
func (g *Boehm) WriteBarrier() *WriteBarrierDescr  { return nil }
func (g *Boehm) RootMap() gcroot.RootMap           { return nil }
func (g *Boehm) TidDescr() *ir.FieldDescr          { return nil }
func (g *Boehm) FreeingBlock(start, stop uint32)   {}

func (g *Boehm) NurseryFreeAddr() uint32 {
	panic("gc: boehm has no nursery")
}

func (g *Boehm) NurseryTopAddr() uint32 {
	panic("gc: boehm has no nursery")
}

// every array goes through the same helper
func (g *Boehm) IsStandardArray(d *ir.ArrayDescr) bool { return true }

func (g *Boehm) Rewrite(ops []*ir.Op) ([]*ir.Op, []uint32) {
	return newRewriter(g).rewrite(ops)
}
