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
package runtime

import (
	"sync"

	"github.com/launix-de/rjit/armsim"
	"github.com/launix-de/rjit/gc"
)

// CardArrayLength is the length from which a framework array gets card
// bytes in front of it.
const CardArrayLength = 130

// heap is a bump allocator over the nursery and the old space. Nothing
// is ever collected; the slow path only hands out fresh nursery chunks.
type heap struct {
	c  *CPU
	mu sync.Mutex

	chunk      uint32 // next nursery chunk
	oldFree    uint32
	slowSizes  []uint32
	remembered []uint32
	cardArrays map[uint32]bool
}

func newHeap(c *CPU) *heap {
	return &heap{
		c:          c,
		chunk:      c.layout.nursery.start,
		oldFree:    c.layout.old.start,
		cardArrays: map[uint32]bool{},
	}
}

func (h *heap) framework() bool { return h.c.GC.Kind() == "framework" }

// PointsToValidGCObject is true when the word at addr points into the
// nursery or the old space.
func (h *heap) PointsToValidGCObject(addr uint32) bool {
	p := h.c.Mem.Load32(addr)
	return p != 0 && (h.c.layout.nursery.contains(p) || h.c.layout.old.contains(p))
}

func (h *heap) recordSlowpath(size uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slowSizes = append(h.slowSizes, size)
}

// nextChunk hands out a zeroed nursery chunk and installs its end as
// the nursery top.
func (h *heap) nextChunk(size uint32) (uint32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := uint32(h.c.NurseryChunk)
	if size > n || h.chunk+n > h.c.layout.nursery.end {
		return 0, false
	}
	base := h.chunk
	h.chunk += n
	h.c.Mem.Write(base, make([]byte, n))
	h.c.Mem.Store32(h.c.globals()+offNurseryTop, base+n)
	return base, true
}

// reserveNursery keeps nextChunk from handing out memory below top.
func (h *heap) reserveNursery(top uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	nursery := h.c.layout.nursery
	if top > h.chunk && top <= nursery.end {
		n := uint32(h.c.NurseryChunk)
		h.chunk = nursery.start + (top-nursery.start+n-1)/n*n
	}
}

// allocOld returns size zeroed bytes of old space after pad bytes of
// card space, or 0 when the old space is exhausted.
func (h *heap) allocOld(size, pad uint32) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	size = (size + 3) &^ 3
	if size < 2*gc.WORD {
		size = 2 * gc.WORD
	}
	if h.oldFree+pad+size > h.c.layout.old.end {
		return 0
	}
	obj := h.oldFree + pad
	h.c.Mem.Write(h.oldFree, make([]byte, pad+size))
	h.oldFree += pad + size
	h.c.Stats.OldMallocs.Add(1)
	return obj
}

// header writes the tid of an old framework object. Old objects start
// with the barrier flag set.
func (h *heap) header(obj, tid uint32) {
	if obj != 0 && h.framework() {
		h.c.Mem.Store32(obj, tid|gc.JitWbIfFlag)
	}
}

func (h *heap) array(base, item, lenOfs, tid, num uint32) uint32 {
	var pad uint32
	cards := h.framework() && !h.c.NoCards && num >= CardArrayLength
	if cards {
		ncards := (num + 1<<gc.JitWbCardPageShift - 1) >> gc.JitWbCardPageShift
		pad = ((ncards+7)/8 + 3) &^ 3
	}
	obj := h.allocOld(base+item*num, pad)
	if obj == 0 {
		return 0
	}
	h.header(obj, tid)
	if int32(lenOfs) >= 0 {
		h.c.Mem.Store32(obj+lenOfs, num)
	}
	if cards {
		h.mu.Lock()
		h.cardArrays[obj] = true
		h.mu.Unlock()
	}
	return obj
}

// entry runs the collector helper e. Args follow the calling
// convention: r0-r3, then the stack.
func (h *heap) entry(e gc.Entry, sim *armsim.CPU) {
	r := sim.R[:4]
	switch e {
	case gc.EntryMallocNursery, gc.EntryMallocFixedsize:
		sim.R[0] = h.allocOld(r[0], 0)
		if h.framework() {
			h.header(sim.R[0], 0)
		}
	case gc.EntryMallocBigFixedsize:
		obj := h.allocOld(r[0], 0)
		h.header(obj, r[1])
		sim.R[0] = obj
	case gc.EntryMallocArray:
		if h.framework() {
			sim.R[0] = h.array(gc.StandardArrayBaseSize, r[0], gc.StandardArrayLengthOfs, r[1], r[2])
		} else {
			sim.R[0] = h.array(r[0], r[2], r[3], 0, r[1])
		}
	case gc.EntryMallocArrayNonstandard:
		num := h.c.Mem.Load32(sim.R[armsim.SP])
		sim.R[0] = h.array(r[0], r[1], r[2], r[3], num)
	case gc.EntryMallocStr, gc.EntryMallocUnicode:
		d := h.c.GC.StrDescr()
		if e == gc.EntryMallocUnicode {
			d = h.c.GC.UnicodeDescr()
		}
		sim.R[0] = h.array(uint32(d.BaseSize), uint32(d.ItemSize), uint32(d.LenOffset), gc.Tid(d.TypeID), r[0])
	case gc.EntryWriteBarrier:
		h.remember(r[0])
	case gc.EntryWriteBarrierArray:
		h.rememberFromArray(r[0])
	}
}

// remember clears the barrier flag of obj, so that the next store into
// it skips the helper.
func (h *heap) remember(obj uint32) {
	h.c.Stats.Barriers.Add(1)
	h.c.Mem.Store32(obj, h.c.Mem.Load32(obj)&^gc.JitWbIfFlag)
	h.mu.Lock()
	h.remembered = append(h.remembered, obj)
	h.mu.Unlock()
}

// rememberFromArray sets the cards flag of a card array; the caller
// marks the card. Other arrays are remembered as a whole.
func (h *heap) rememberFromArray(obj uint32) {
	h.mu.Lock()
	cards := h.cardArrays[obj]
	h.mu.Unlock()
	if !cards {
		h.remember(obj)
		return
	}
	h.c.Stats.Barriers.Add(1)
	h.c.Mem.Store32(obj, h.c.Mem.Load32(obj)|gc.JitWbCardsSet)
}

// Malloc allocates an old framework object with the given type id and
// returns its address, 0 when the old space is full.
func (c *CPU) Malloc(size int, typeID uint16) uint32 {
	obj := c.heap.allocOld(uint32(size), 0)
	c.heap.header(obj, gc.Tid(typeID))
	return obj
}

// MallocArray allocates an old array of the standard layout.
func (c *CPU) MallocArray(itemSize, length int, typeID uint16) uint32 {
	if c.GC.Kind() != "framework" {
		return c.heap.array(2*gc.WORD, uint32(itemSize), gc.WORD, 0, uint32(length))
	}
	return c.heap.array(gc.StandardArrayBaseSize, uint32(itemSize), gc.StandardArrayLengthOfs, gc.Tid(typeID), uint32(length))
}

// SlowpathSizes returns the sizes the nursery slow path was asked for.
func (c *CPU) SlowpathSizes() []uint32 {
	c.heap.mu.Lock()
	defer c.heap.mu.Unlock()
	return append([]uint32(nil), c.heap.slowSizes...)
}

// Remembered returns the objects the write barrier helper saw.
func (c *CPU) Remembered() []uint32 {
	c.heap.mu.Lock()
	defer c.heap.mu.Unlock()
	return append([]uint32(nil), c.heap.remembered...)
}

// NurseryRange returns the bounds of the nursery.
func (c *CPU) NurseryRange() (start, end uint32) {
	return c.layout.nursery.start, c.layout.nursery.end
}
