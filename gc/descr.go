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

// WORD is the machine word size of the target.
const WORD = 4

// Entry names one helper the collector provides to compiled code.
type Entry uint8

const (
	EntryMallocNursery          Entry = iota // slow path of the inline bump, (size)
	EntryMallocFixedsize                     // boehm, (size)
	EntryMallocArray                         // framework (itemsize, tid, num); boehm (basesize, num, itemsize, lenofs)
	EntryMallocArrayNonstandard              // (basesize, itemsize, lenofs, tid, num)
	EntryMallocStr                           // (length)
	EntryMallocUnicode                       // (length)
	EntryMallocBigFixedsize                  // (size, tid)
	EntryWriteBarrier                        // (obj)
	EntryWriteBarrierArray                   // (obj, index), 0 when cards are not supported
	EntryCount
)

var entryNames = [EntryCount]string{
	"malloc_nursery", "malloc_fixedsize", "malloc_array",
	"malloc_array_nonstandard", "malloc_str", "malloc_unicode",
	"malloc_big_fixedsize", "remember_young_pointer",
	"remember_young_pointer_from_array",
}

func (e Entry) String() string { return entryNames[e] }

// Entries holds the target address of every helper.
type Entries [EntryCount]uint32

// LLDescription is what the back-end and the rewriter know about the
// collector: object layout, nursery, barriers and root finding.
type LLDescription interface {
	Kind() string
	MovingGC() bool

	CanUseNurseryMalloc(size int) bool
	RoundUpForAllocation(size int) int
	NurseryFreeAddr() uint32
	NurseryTopAddr() uint32
	MaxSizeOfYoungObj() int

	WriteBarrier() *WriteBarrierDescr // nil without barriers
	RootMap() gcroot.RootMap          // nil when the collector scans conservatively

	MallocFn(e Entry) (uint32, *ir.CallDescr)
	TidDescr() *ir.FieldDescr    // nil when objects carry no header
	VtableDescr() *ir.FieldDescr // nil when the type pointer was removed
	StrDescr() *ir.ArrayDescr
	UnicodeDescr() *ir.ArrayDescr
	LengthDescr(d *ir.ArrayDescr) *ir.FieldDescr
	IsStandardArray(d *ir.ArrayDescr) bool

	FreeingBlock(start, stop uint32)
	Rewrite(ops []*ir.Op) ([]*ir.Op, []uint32)
}

// base carries what boehm and framework share.
type base struct {
	entries   Entries
	calldescr [EntryCount]*ir.CallDescr
	vtable    *ir.FieldDescr
	str       *ir.ArrayDescr
	unicode   *ir.ArrayDescr
	lengths   map[*ir.ArrayDescr]*ir.FieldDescr
}

// malloc helpers may collect but never raise; a NULL result is an
// out-of-memory condition the caller checks
var mallocEffect = ir.EffectInfo{Extra: ir.EffectCannotRaise, CanCollect: true}

func (b *base) init(entries Entries, argc [EntryCount]int) {
	b.entries = entries
	b.lengths = map[*ir.ArrayDescr]*ir.FieldDescr{}
	for e := Entry(0); e < EntryCount; e++ {
		args := make([]ir.Type, argc[e])
		for i := range args {
			args[i] = ir.TypeInt
		}
		cd := &ir.CallDescr{Name: e.String(), ArgTypes: args, ResultType: ir.TypeRef, ResultSize: WORD, Effect: mallocEffect}
		if e == EntryWriteBarrier || e == EntryWriteBarrierArray {
			cd.ResultType = ir.TypeVoid
			cd.ResultSize = 0
			cd.Effect = ir.EffectInfo{Extra: ir.EffectCannotRaise}
		}
		b.calldescr[e] = cd
	}
}

func (b *base) MallocFn(e Entry) (uint32, *ir.CallDescr) {
	return b.entries[e], b.calldescr[e]
}

func (b *base) VtableDescr() *ir.FieldDescr  { return b.vtable }
func (b *base) StrDescr() *ir.ArrayDescr     { return b.str }
func (b *base) UnicodeDescr() *ir.ArrayDescr { return b.unicode }

// LengthDescr returns the field descr of an array's length word.
func (b *base) LengthDescr(d *ir.ArrayDescr) *ir.FieldDescr {
	if d.LenOffset < 0 {
		panic("gc: array " + d.Name + " has no length field")
	}
	if fd, ok := b.lengths[d]; ok {
		return fd
	}
	fd := &ir.FieldDescr{Name: d.Name + ".length", Offset: d.LenOffset, FieldSize: WORD, Flag: ir.FlagSigned}
	b.lengths[d] = fd
	return fd
}
