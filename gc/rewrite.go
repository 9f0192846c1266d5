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
	"fmt"

	"github.com/launix-de/rjit/ir"
)

// arrays with a known length below this get the plain barrier
const largeArray = 130

// rewriter turns the allocation ops of a trace into nursery bumps or
// helper calls, inserts write barriers and collects constant pointers.
type rewriter struct {
	gc     LLDescription
	newops []*ir.Op

	// pending call_malloc_nursery that later allocations may grow
	mallocNursery *ir.Op
	lastMalloced  *ir.Box
	previousSize  int
	wbApplied     map[*ir.Box]bool
	knownLengths  map[*ir.Box]int
	gcrefs        []uint32
	gcrefsSeen    map[uint32]bool
}

func newRewriter(gc LLDescription) *rewriter {
	return &rewriter{
		gc:           gc,
		previousSize: -1,
		wbApplied:    map[*ir.Box]bool{},
		knownLengths: map[*ir.Box]int{},
		gcrefsSeen:   map[uint32]bool{},
	}
}

func (r *rewriter) emit(op *ir.Op) {
	r.newops = append(r.newops, op)
}

func (r *rewriter) rewrite(ops []*ir.Op) ([]*ir.Op, []uint32) {
	r.newops = make([]*ir.Op, 0, len(ops)+len(ops)/4)
	hasWB := r.gc.WriteBarrier() != nil
	for _, op := range ops {
		if op.Opcode.IsDebug() {
			continue
		}
		switch op.Opcode {
		case ir.New, ir.NewWithVtable, ir.NewArray, ir.Newstr, ir.Newunicode:
			r.handleMalloc(op)
			continue
		case ir.Label:
			r.emittingCollectingOp()
			r.knownLengths = map[*ir.Box]int{}
		default:
			if op.CanMallocOrCollect() {
				r.emittingCollectingOp()
			}
		}
		if hasWB {
			switch op.Opcode {
			case ir.SetfieldGc:
				r.barrierFor(op, op.Args[0], op.Args[1], nil)
				continue
			case ir.SetinteriorfieldGc, ir.SetarrayitemGc:
				r.barrierFor(op, op.Args[0], op.Args[2], op.Args[1])
				continue
			}
		}
		r.emit(op)
		if op.Opcode == ir.CallMallocNursery && op.Result != nil {
			// allocated by the tracer itself, young until the next collection
			r.wbApplied[op.Result] = true
		}
	}
	for _, op := range r.newops {
		r.recordConstPtrs(op)
	}
	return r.newops, r.gcrefs
}

// emittingCollectingOp forgets the pending nursery malloc and the set of
// objects known to be young.
func (r *rewriter) emittingCollectingOp() {
	r.mallocNursery = nil
	r.wbApplied = map[*ir.Box]bool{}
}

func (r *rewriter) recordConstPtrs(op *ir.Op) {
	for _, a := range op.Args {
		c := ir.AsConst(a)
		if c == nil || c.Type() != ir.TypeRef || c.IsNull() {
			continue
		}
		if !r.gcrefsSeen[c.P] {
			r.gcrefsSeen[c.P] = true
			r.gcrefs = append(r.gcrefs, c.P)
		}
	}
}

func (r *rewriter) handleMalloc(op *ir.Op) {
	switch op.Opcode {
	case ir.New:
		r.handleNewFixedsize(sizeDescrOf(op), op)
	case ir.NewWithVtable:
		d := sizeDescrOf(op)
		c := ir.AsConst(op.Args[0])
		if c == nil {
			panic("gc: new_with_vtable needs a constant class")
		}
		r.handleNewFixedsize(d, op)
		if vd := r.gc.VtableDescr(); vd != nil {
			r.emit(ir.NewOp(ir.SetfieldGc, []ir.Value{op.Result, ir.ConstInt(int32(c.Word()))}, nil, vd))
		}
	case ir.NewArray:
		d, ok := op.Descr.(*ir.ArrayDescr)
		if !ok {
			panic(fmt.Sprintf("gc: new_array without array descr: %v", op))
		}
		r.handleNewArray(d, op)
	case ir.Newstr:
		r.handleNewArray(r.gc.StrDescr(), op)
	case ir.Newunicode:
		r.handleNewArray(r.gc.UnicodeDescr(), op)
	}
}

func sizeDescrOf(op *ir.Op) *ir.SizeDescr {
	d, ok := op.Descr.(*ir.SizeDescr)
	if !ok {
		panic(fmt.Sprintf("gc: %s without size descr", op.Opcode))
	}
	return d
}

func (r *rewriter) handleNewFixedsize(d *ir.SizeDescr, op *ir.Op) {
	if r.genMallocNursery(d.Size, op.Result) {
		r.genInitializeTid(op.Result, d.TypeID)
	} else {
		r.genMallocFixedsize(d.Size, d.TypeID, op.Result)
	}
}

func (r *rewriter) handleNewArray(d *ir.ArrayDescr, op *ir.Op) {
	length := op.Args[0]
	total := -1
	if c := ir.AsConst(length); c != nil {
		n := int64(c.I)
		if n >= 0 {
			r.knownLengths[op.Result] = int(n)
			t := int64(d.BaseSize) + int64(d.ItemSize)*n
			if t <= 1<<31-1 {
				total = int(t)
			}
		}
	} else if d.ItemSize == 0 {
		total = d.BaseSize
	}
	if total >= 0 && r.genMallocNursery(total, op.Result) {
		r.genInitializeTid(op.Result, d.TypeID)
		r.emit(ir.NewOp(ir.SetfieldGc, []ir.Value{op.Result, length}, nil, r.gc.LengthDescr(d)))
		return
	}
	if r.gc.Kind() == "boehm" {
		r.genBoehmMallocArray(d, length, op.Result)
		return
	}
	switch op.Opcode {
	case ir.NewArray:
		r.genMallocArray(d, length, op.Result)
	case ir.Newstr:
		r.genMallocCall(EntryMallocStr, op.Result, length)
	case ir.Newunicode:
		r.genMallocCall(EntryMallocUnicode, op.Result, length)
	}
}

// genMallocCall emits call_malloc_gc(helper, args...). The result is
// young, so it needs no barrier until the next collection.
func (r *rewriter) genMallocCall(e Entry, result *ir.Box, args ...ir.Value) {
	addr, cd := r.gc.MallocFn(e)
	r.emittingCollectingOp()
	all := append([]ir.Value{ir.ConstInt(int32(addr))}, args...)
	r.emit(ir.NewOp(ir.CallMallocGc, all, result, cd))
	r.wbApplied[result] = true
}

func (r *rewriter) genMallocFixedsize(size int, typeID uint16, result *ir.Box) {
	if r.gc.TidDescr() != nil {
		if size&(WORD-1) != 0 {
			panic("gc: size not aligned")
		}
		r.genMallocCall(EntryMallocBigFixedsize, result, ir.ConstInt(int32(size)), ir.ConstInt(int32(Tid(typeID))))
		return
	}
	r.genMallocCall(EntryMallocFixedsize, result, ir.ConstInt(int32(size)))
}

func (r *rewriter) genBoehmMallocArray(d *ir.ArrayDescr, length ir.Value, result *ir.Box) {
	r.genMallocCall(EntryMallocArray, result,
		ir.ConstInt(int32(d.BaseSize)), length, ir.ConstInt(int32(d.ItemSize)), ir.ConstInt(int32(d.LenOffset)))
}

func (r *rewriter) genMallocArray(d *ir.ArrayDescr, length ir.Value, result *ir.Box) {
	if r.gc.IsStandardArray(d) {
		r.genMallocCall(EntryMallocArray, result,
			ir.ConstInt(int32(d.ItemSize)), ir.ConstInt(int32(Tid(d.TypeID))), length)
		return
	}
	r.genMallocCall(EntryMallocArrayNonstandard, result,
		ir.ConstInt(int32(d.BaseSize)), ir.ConstInt(int32(d.ItemSize)),
		ir.ConstInt(int32(d.LenOffset)), ir.ConstInt(int32(Tid(d.TypeID))), length)
}

// genMallocNursery grows the pending call_malloc_nursery or starts a new
// one. It returns false when the object is too big for the nursery.
func (r *rewriter) genMallocNursery(size int, result *ir.Box) bool {
	size = r.gc.RoundUpForAllocation(size)
	if !r.gc.CanUseNurseryMalloc(size) {
		return false
	}
	var op *ir.Op
	if r.mallocNursery != nil {
		total := int(ir.AsConst(r.mallocNursery.Args[0]).I) + size
		if r.gc.CanUseNurseryMalloc(total) {
			r.mallocNursery.Args[0] = ir.ConstInt(int32(total))
			op = ir.NewOp(ir.NurseryPtrIncrement, []ir.Value{r.lastMalloced, ir.ConstInt(int32(r.previousSize))}, result, nil)
		}
	}
	if op == nil {
		r.emittingCollectingOp()
		op = ir.NewOp(ir.CallMallocNursery, []ir.Value{ir.ConstInt(int32(size))}, result, nil)
		r.mallocNursery = op
	}
	r.emit(op)
	r.previousSize = size
	r.lastMalloced = result
	r.wbApplied[result] = true
	return true
}

func (r *rewriter) genInitializeTid(obj *ir.Box, typeID uint16) {
	if td := r.gc.TidDescr(); td != nil {
		r.emit(ir.NewOp(ir.SetfieldGc, []ir.Value{obj, ir.ConstInt(int32(Tid(typeID)))}, nil, td))
	}
}

// needsBarrier is true for stores of a reference that may be young.
func needsBarrier(v ir.Value) bool {
	if v.Type() != ir.TypeRef {
		return false
	}
	if c := ir.AsConst(v); c != nil {
		return !c.IsNull()
	}
	return true
}

// barrierFor emits the barrier protecting a store into base, then the
// store itself. index is nil for field stores.
func (r *rewriter) barrierFor(op *ir.Op, base, value, index ir.Value) {
	b := ir.AsBox(base)
	if (b == nil || !r.wbApplied[b]) && needsBarrier(value) {
		if index != nil && op.Opcode == ir.SetarrayitemGc {
			r.genWriteBarrierArray(base, index, value)
		} else {
			r.genWriteBarrier(base, value)
		}
	}
	r.emit(op)
}

func (r *rewriter) genWriteBarrier(base, value ir.Value) {
	r.emit(ir.NewOp(ir.CondCallGcWb, []ir.Value{base, value}, nil, r.gc.WriteBarrier()))
	if b := ir.AsBox(base); b != nil {
		r.wbApplied[b] = true
	}
}

func (r *rewriter) genWriteBarrierArray(base, index, value ir.Value) {
	wb := r.gc.WriteBarrier()
	if wb.HasWriteBarrierFromArray() {
		length := largeArray
		if b := ir.AsBox(base); b != nil {
			if n, ok := r.knownLengths[b]; ok {
				length = n
			}
		}
		if length >= largeArray {
			// the array barrier only covers one card, later stores still
			// need their own
			r.emit(ir.NewOp(ir.CondCallGcWbArray, []ir.Value{base, index, value}, nil, wb))
			return
		}
	}
	r.genWriteBarrier(base, value)
}
