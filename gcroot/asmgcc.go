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

import (
	"fmt"
	"sort"
)

// location tags in the low two bits of every shape number
const (
	LocReg      = 0
	LocEspPlus  = 1
	LocEbpPlus  = 2
	LocEbpMinus = 3
)

// BasicShapeLen is the number of fixed locations in front of the live
// roots: return address, three callee-saved words, saved frame pointer.
const BasicShapeLen = 5

// AsmGcc keeps a table of (return address, shape address) pairs that a
// stack walker consults at every call site.
type AsmGcc struct {
	gcmap       []uint32 // flat pairs, len is the capacity in words
	curlength   int      // words in use
	deadentries int
	sorted      bool
}

func NewAsmGcc() *AsmGcc {
	return &AsmGcc{sorted: true}
}

func (r *AsmGcc) IsShadowStack() bool { return false }

// GcMap returns the used part of the table. The slice aliases the table
// until the next Put.
func (r *AsmGcc) GcMap() []uint32 {
	return r.gcmap[:r.curlength]
}

// GcMapStart and GcMapEnd delimit the used part of the table in words.
func (r *AsmGcc) GcMapStart() int { return 0 }
func (r *AsmGcc) GcMapEnd() int   { return r.curlength }

// GcMarkSorted is called by the collector before it sorts the table. It
// returns true when the table is already sorted.
func (r *AsmGcc) GcMarkSorted() bool {
	s := r.sorted
	r.sorted = true
	return s
}

// DeadEntries counts pairs whose shape was nulled by FreeingBlock.
func (r *AsmGcc) DeadEntries() int { return r.deadentries }

// Capacity is the table size in words.
func (r *AsmGcc) Capacity() int { return len(r.gcmap) }

// Put appends a pair. retaddr is the address right after the call.
func (r *AsmGcc) Put(retaddr, shapeaddr uint32) {
	index := r.curlength
	if index+2 > len(r.gcmap) {
		index = r.enlarge()
	}
	r.gcmap[index] = retaddr
	r.gcmap[index+1] = shapeaddr
	r.curlength = index + 2
	r.sorted = false
}

func (r *AsmGcc) PutCallshape(forceIndex int32, retaddr, shapeaddr uint32) {
	r.Put(retaddr, shapeaddr)
}

// enlarge compacts the table in place when more than a third of it is
// dead and grows it otherwise. Returns the new used length.
func (r *AsmGcc) enlarge() int {
	old := r.gcmap
	fresh := old
	if r.deadentries*3*2 <= len(old) {
		fresh = make([]uint32, 250+(len(old)/3)*4)
	}
	j := 0
	for i := 0; i < r.curlength; i += 2 {
		if old[i+1] != 0 {
			fresh[j] = old[i]
			fresh[j+1] = old[i+1]
			j += 2
		}
	}
	r.gcmap = fresh
	r.curlength = j
	r.deadentries = 0
	return j
}

type pairs []uint32

func (p pairs) Len() int           { return len(p) / 2 }
func (p pairs) Less(i, j int) bool { return p[2*i] < p[2*j] }
func (p pairs) Swap(i, j int) {
	p[2*i], p[2*j] = p[2*j], p[2*i]
	p[2*i+1], p[2*j+1] = p[2*j+1], p[2*i+1]
}

// SortGcMap sorts the used part of the table by return address.
func (r *AsmGcc) SortGcMap() {
	sort.Sort(pairs(r.gcmap[:r.curlength]))
}

// FreeingBlock marks every pair with a return address in [start, stop)
// as dead. The table stays sorted afterwards.
func (r *AsmGcc) FreeingBlock(start, stop uint32) {
	if r.curlength == 0 {
		return
	}
	if !r.GcMarkSorted() {
		r.SortGcMap()
	}
	n := r.curlength / 2
	i := sort.Search(n, func(k int) bool { return r.gcmap[2*k] >= start })
	for ; i < n && r.gcmap[2*i] < stop; i++ {
		if r.gcmap[2*i+1] != 0 {
			r.gcmap[2*i+1] = 0
			r.deadentries++
		}
	}
}

// Lookup returns the shape address for a return address, 0 if unknown.
// The table must be sorted.
func (r *AsmGcc) Lookup(retaddr uint32) uint32 {
	n := r.curlength / 2
	i := sort.Search(n, func(k int) bool { return r.gcmap[2*k] >= retaddr })
	if i < n && r.gcmap[2*i] == retaddr {
		return r.gcmap[2*i+1]
	}
	return 0
}

func (r *AsmGcc) BasicShape() *Shape {
	return &Shape{Bytes: []byte{
		LocEbpPlus | 4,   // return address
		LocEbpMinus | 4,  // callee-saved
		LocEbpMinus | 8,  // callee-saved
		LocEbpMinus | 12, // callee-saved
		LocEbpPlus | 0,   // saved frame pointer
		0,
	}}
}

func encodeNum(shape *Shape, number int) {
	if number < 0 {
		panic("gcroot: negative shape number")
	}
	flag := byte(0)
	for number >= 0x80 {
		shape.Bytes = append(shape.Bytes, byte(number&0x7f)|flag)
		flag = 0x80
		number >>= 7
	}
	shape.Bytes = append(shape.Bytes, byte(number)|flag)
}

func (r *AsmGcc) AddFrameOffset(shape *Shape, offset int) {
	if offset&(WORD-1) != 0 {
		panic(fmt.Sprintf("gcroot: unaligned frame offset %d", offset))
	}
	if offset >= 0 {
		encodeNum(shape, LocEbpPlus|offset)
	} else {
		encodeNum(shape, LocEbpMinus|(-offset))
	}
}

func (r *AsmGcc) AddCalleeSaveReg(shape *Shape, reg int) {
	if reg <= 0 {
		panic("gcroot: callee-save register index must be positive")
	}
	shape.Bytes = append(shape.Bytes, byte(LocReg|reg<<2))
}

// CompressCallshape stores the shape bytes in reverse order.
func (r *AsmGcc) CompressCallshape(shape *Shape, db DataBlock) uint32 {
	n := len(shape.Bytes)
	addr := db.MallocAligned(n, 1)
	for i, b := range shape.Bytes {
		db.Store8(addr+uint32(n-1-i), b)
	}
	return addr
}

// ShapeReader decodes a compressed shape front to back, which yields the
// numbers in reverse order of insertion.
type ShapeReader struct {
	mem  Memory
	addr uint32
}

func NewShapeReader(mem Memory, addr uint32) *ShapeReader {
	return &ShapeReader{mem: mem, addr: addr}
}

// Next returns the next number.
func (s *ShapeReader) Next() int {
	value := 0
	for {
		b := int(s.mem.Load8(s.addr))
		s.addr++
		value += b
		if b < 0x80 {
			return value
		}
		value = (value - 0x80) << 7
	}
}

// Addr is the position of the next unread byte.
func (s *ShapeReader) Addr() uint32 { return s.addr }

// DecodeLocation splits a shape number into its tag and offset or
// register index.
func DecodeLocation(num int) (kind int, value int) {
	kind = num & 3
	switch kind {
	case LocReg:
		return kind, num >> 2
	case LocEbpMinus:
		return kind, -(num &^ 3)
	default:
		return kind, num &^ 3
	}
}

// Roots reads the live root locations of a compressed shape, innermost
// first, and the basic locations that follow them.
func (r *AsmGcc) Roots(mem Memory, addr uint32) (roots []int, basic []int) {
	rd := NewShapeReader(mem, addr)
	for {
		n := rd.Next()
		if n == 0 {
			break
		}
		roots = append(roots, n)
	}
	for i := 0; i < BasicShapeLen; i++ {
		basic = append(basic, rd.Next())
	}
	return roots, basic
}

// DecompressCallshape is the inverse of CompressCallshape: it finds the
// end of the compressed shape and returns the original byte sequence.
func (r *AsmGcc) DecompressCallshape(mem Memory, addr uint32) []byte {
	rd := NewShapeReader(mem, addr)
	for rd.Next() != 0 {
	}
	for i := 0; i < BasicShapeLen; i++ {
		rd.Next()
	}
	n := int(rd.Addr() - addr)
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[n-1-i] = mem.Load8(addr + uint32(i))
	}
	return out
}
