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

// layout of the minimark collector on a 32 bit target
const (
	StandardArrayBaseSize  = 2 * WORD
	StandardArrayLengthOfs = WORD
	MinimalSizeInNursery   = 2 * WORD
	DefaultMaxYoung        = 1000
)

// FrameworkConfig wires a Framework to the runtime.
type FrameworkConfig struct {
	Entries       Entries
	NurseryFree   uint32 // address of the nursery_free word
	NurseryTop    uint32 // address of the nursery_top word
	MaxYoung      int    // 0 means DefaultMaxYoung
	RootMap       gcroot.RootMap
	NoCards       bool
	RemoveTypePtr bool
}

// Framework describes the generational minimark collector: objects start
// with a tid word, young objects are bump-allocated in the nursery, old
// objects need a write barrier and big arrays use card marking.
type Framework struct {
	base
	nurseryFree uint32
	nurseryTop  uint32
	maxYoung    int
	roots       gcroot.RootMap
	wb          *WriteBarrierDescr
	tid         *ir.FieldDescr
}

var frameworkArgc = [EntryCount]int{
	EntryMallocNursery:          1,
	EntryMallocFixedsize:        1,
	EntryMallocArray:            3,
	EntryMallocArrayNonstandard: 5,
	EntryMallocStr:              1,
	EntryMallocUnicode:          1,
	EntryMallocBigFixedsize:     2,
	EntryWriteBarrier:           1,
	EntryWriteBarrierArray:      2,
}

func NewFramework(cfg FrameworkConfig) *Framework {
	g := &Framework{
		nurseryFree: cfg.NurseryFree,
		nurseryTop:  cfg.NurseryTop,
		maxYoung:    cfg.MaxYoung,
		roots:       cfg.RootMap,
	}
	if g.maxYoung == 0 {
		g.maxYoung = DefaultMaxYoung
	}
	if g.roots == nil {
		g.roots = gcroot.NewShadowStack(0)
	}
	g.init(cfg.Entries, frameworkArgc)
	g.tid = &ir.FieldDescr{Name: "tid", Offset: 0, FieldSize: WORD, Flag: ir.FlagUnsigned}
	if !cfg.RemoveTypePtr {
		g.vtable = &ir.FieldDescr{Name: "typeptr", Offset: WORD, FieldSize: WORD, Flag: ir.FlagUnsigned}
	}
	g.str = &ir.ArrayDescr{Name: "str", BaseSize: 3 * WORD, ItemSize: 1, LenOffset: 2 * WORD, TypeID: 1, Flag: ir.FlagUnsigned}
	g.unicode = &ir.ArrayDescr{Name: "unicode", BaseSize: 3 * WORD, ItemSize: 4, LenOffset: 2 * WORD, TypeID: 2, Flag: ir.FlagUnsigned}
	cards := uint32(JitWbCardsSet)
	arrayFn := cfg.Entries[EntryWriteBarrierArray]
	if cfg.NoCards {
		cards, arrayFn = 0, 0
	}
	g.wb = NewWriteBarrierDescr(JitWbIfFlag, cards, JitWbCardPageShift, cfg.Entries[EntryWriteBarrier], arrayFn)
	return g
}

func (g *Framework) Kind() string                     { return "framework" }
func (g *Framework) MovingGC() bool                   { return true }
func (g *Framework) NurseryFreeAddr() uint32          { return g.nurseryFree }
func (g *Framework) NurseryTopAddr() uint32           { return g.nurseryTop }
func (g *Framework) MaxSizeOfYoungObj() int           { return g.maxYoung }
func (g *Framework) WriteBarrier() *WriteBarrierDescr { return g.wb }
func (g *Framework) RootMap() gcroot.RootMap          { return g.roots }
func (g *Framework) TidDescr() *ir.FieldDescr         { return g.tid }

func (g *Framework) CanUseNurseryMalloc(size int) bool {
	return size < g.maxYoung
}

// RoundUpForAllocation pads to a word multiple of at least two words.
func (g *Framework) RoundUpForAllocation(size int) int {
	if size < MinimalSizeInNursery {
		size = MinimalSizeInNursery
	}
	return (size + WORD - 1) &^ (WORD - 1)
}

func (g *Framework) IsStandardArray(d *ir.ArrayDescr) bool {
	return d.BaseSize == StandardArrayBaseSize && d.LenOffset == StandardArrayLengthOfs
}

func (g *Framework) FreeingBlock(start, stop uint32) {
	g.roots.FreeingBlock(start, stop)
}

func (g *Framework) Rewrite(ops []*ir.Op) ([]*ir.Op, []uint32) {
	return newRewriter(g).rewrite(ops)
}

// Tid is the header word of a freshly allocated object: the type id in
// the low half, flags cleared.
func Tid(typeID uint16) uint32 {
	return uint32(typeID)
}
