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

// WORD is the machine word size of the target.
const WORD = 4

// Memory is the view of target memory the root maps need.
type Memory interface {
	Load8(addr uint32) byte
	Store8(addr uint32, b byte)
	Load32(addr uint32) uint32
	Store32(addr uint32, v uint32)
}

// DataBlock hands out raw memory next to the code of the loop that is
// being compiled. Shapes written into it are freed together with the code.
type DataBlock interface {
	Memory
	MallocAligned(size, align int) uint32
}

// GC is the part of the collector the root iterators talk to.
type GC interface {
	// PointsToValidGCObject is true when the word at addr holds a
	// non-NULL reference into the GC heap.
	PointsToValidGCObject(addr uint32) bool
}

// Shape is a call shape while it is being built. The asmgcc flavor
// collects encoded bytes, the shadowstack flavor frame offsets.
type Shape struct {
	Bytes   []byte
	Offsets []int32
}

// RootMap is implemented by both root finders. The back-end builds one
// shape per call site that can collect and publishes it under the force
// index (shadowstack) or the return address (asmgcc).
type RootMap interface {
	BasicShape() *Shape
	AddFrameOffset(shape *Shape, offset int)
	AddCalleeSaveReg(shape *Shape, reg int)
	CompressCallshape(shape *Shape, db DataBlock) uint32
	PutCallshape(forceIndex int32, retaddr uint32, shapeaddr uint32)
	FreeingBlock(start, stop uint32)
	IsShadowStack() bool
}

// New returns the root map registered under name.
func New(name string, forceIndexOfs int) RootMap {
	switch name {
	case "asmgcc":
		return NewAsmGcc()
	case "shadowstack", "":
		return NewShadowStack(forceIndexOfs)
	}
	panic("gcroot: unknown root finder " + name)
}
