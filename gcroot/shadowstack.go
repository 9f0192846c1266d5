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
package gcroot

import "fmt"

// MarkerFrame follows the frame address of a JIT frame on the shadow
// stack.
const MarkerFrame = 8

// ShadowStack maps force indexes to call shapes. A shape is a zero
// terminated list of int32 offsets from the frame pointer.
type ShadowStack struct {
	callshapes    []uint32
	ForceIndexOfs int
}

func NewShadowStack(forceIndexOfs int) *ShadowStack {
	return &ShadowStack{ForceIndexOfs: forceIndexOfs}
}

func (r *ShadowStack) IsShadowStack() bool { return true }

func (r *ShadowStack) BasicShape() *Shape { return &Shape{} }

func (r *ShadowStack) AddFrameOffset(shape *Shape, offset int) {
	if offset == 0 {
		panic("gcroot: frame offset 0 would terminate the shape")
	}
	shape.Offsets = append(shape.Offsets, int32(offset))
}

func (r *ShadowStack) AddCalleeSaveReg(shape *Shape, reg int) {
	panic(fmt.Sprintf("GC pointer in %s was not spilled", regName(reg)))
}

func regName(reg int) string {
	switch reg {
	case 11:
		return "fp"
	case 12:
		return "ip"
	case 13:
		return "sp"
	case 14:
		return "lr"
	case 15:
		return "pc"
	}
	return fmt.Sprintf("r%d", reg)
}

func (r *ShadowStack) CompressCallshape(shape *Shape, db DataBlock) uint32 {
	n := len(shape.Offsets)
	addr := db.MallocAligned((n+1)*4, 4)
	for i, o := range shape.Offsets {
		db.Store32(addr+uint32(4*i), uint32(o))
	}
	db.Store32(addr+uint32(4*n), 0)
	return addr
}

// DecompressCallshape reads the offsets back until the terminating zero.
func (r *ShadowStack) DecompressCallshape(mem Memory, addr uint32) []int32 {
	var out []int32
	for {
		v := int32(mem.Load32(addr))
		if v == 0 {
			return out
		}
		out = append(out, v)
		addr += 4
	}
}

func (r *ShadowStack) PutCallshape(forceIndex int32, retaddr, shapeaddr uint32) {
	r.WriteCallshape(shapeaddr, forceIndex)
}

// WriteCallshape publishes the shape of the call with the given force
// index.
func (r *ShadowStack) WriteCallshape(p uint32, forceIndex int32) {
	if int(forceIndex) >= len(r.callshapes) {
		r.enlarge(int(forceIndex) + 1)
	}
	r.callshapes[forceIndex] = p
}

func (r *ShadowStack) enlarge(minsize int) {
	n := 250 + (len(r.callshapes)/3)*4
	if n < minsize {
		n = minsize
	}
	fresh := make([]uint32, n)
	copy(fresh, r.callshapes)
	r.callshapes = fresh
}

// Callshape returns the shape address registered for a force index.
func (r *ShadowStack) Callshape(forceIndex int32) uint32 {
	if forceIndex < 0 || int(forceIndex) >= len(r.callshapes) {
		return 0
	}
	return r.callshapes[forceIndex]
}

// Capacity is the length of the force index table.
func (r *ShadowStack) Capacity() int { return len(r.callshapes) }

func (r *ShadowStack) FreeingBlock(start, stop uint32) {}

// RootIterator walks a shadow stack right to left and descends into JIT
// frames through their call shapes. All state lives in the iterator so
// the collector can call NextLeft from a custom trace hook.
type RootIterator struct {
	ss  *ShadowStack
	mem Memory

	// Translate maps an address of a suspended stack to where its copy
	// lives; nil means identity.
	Translate func(addr uint32) uint32

	frameAddr uint32
	savedPrev uint32
	callshape uint32
}

func (r *ShadowStack) NewRootIterator(mem Memory) *RootIterator {
	return &RootIterator{ss: r, mem: mem}
}

func (it *RootIterator) translate(addr uint32) uint32 {
	if it.Translate == nil {
		return addr
	}
	return it.Translate(addr)
}

// NextLeft returns the address of the next root slot left of prev, or 0
// when rangeLowest is reached.
func (it *RootIterator) NextLeft(gc GC, rangeLowest, prev uint32) uint32 {
	for {
		var callshape uint32
		if it.frameAddr == 0 {
			found := false
			for prev != rangeLowest {
				prev -= WORD
				if int32(it.mem.Load32(prev)) == MarkerFrame {
					found = true
					break
				}
				if gc.PointsToValidGCObject(prev) {
					return prev
				}
			}
			if !found {
				return 0
			}
			prev -= WORD
			it.savedPrev = prev
			it.frameAddr = it.mem.Load32(prev)
			addr := it.translate(it.frameAddr + uint32(it.ss.ForceIndexOfs))
			forceIndex := int32(it.mem.Load32(addr))
			if forceIndex < 0 {
				forceIndex = ^forceIndex
			}
			callshape = it.ss.Callshape(forceIndex)
		} else {
			callshape = it.callshape
		}
		for callshape != 0 {
			offset := int32(it.mem.Load32(callshape))
			if offset == 0 {
				break
			}
			callshape += 4
			addr := it.translate(it.frameAddr + uint32(offset))
			if gc.PointsToValidGCObject(addr) {
				it.callshape = callshape
				return addr
			}
		}
		it.frameAddr = 0
		prev = it.savedPrev
	}
}

// Reset forgets a partially explored frame.
func (it *RootIterator) Reset() {
	it.frameAddr = 0
	it.savedPrev = 0
	it.callshape = 0
}
