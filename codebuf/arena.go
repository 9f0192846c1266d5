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
package codebuf

import (
	"errors"
	"sync"

	"github.com/google/btree"
)

// ErrArenaFull is returned when no free chunk can hold a request.
var ErrArenaFull = errors.New("codebuf: arena full")

// Block is the address range [Start, Stop) of target memory.
type Block struct {
	Start, Stop uint32
}

func (b Block) Size() int { return int(b.Stop - b.Start) }

func (b Block) Contains(addr uint32) bool {
	return addr >= b.Start && addr < b.Stop
}

func byStart(a, b Block) bool { return a.Start < b.Start }

// Arena manages one address range of target memory. Free chunks and
// handed out blocks live in two btrees ordered by address; freeing a
// block coalesces it with its free neighbours.
type Arena struct {
	mu    sync.Mutex
	Name  string
	start uint32
	end   uint32
	free  *btree.BTreeG[Block]
	used  *btree.BTreeG[Block]
	inUse int
}

func NewArena(name string, start, end uint32) *Arena {
	a := &Arena{
		Name:  name,
		start: start,
		end:   end,
		free:  btree.NewG[Block](8, byStart),
		used:  btree.NewG[Block](8, byStart),
	}
	if end > start {
		a.free.ReplaceOrInsert(Block{start, end})
	}
	return a
}

func alignUp(p uint32, align int) uint32 {
	a := uint32(align)
	return (p + a - 1) &^ (a - 1)
}

// Malloc hands out the first free range (by address) that can hold size
// bytes at the given power-of-two alignment.
func (a *Arena) Malloc(size, align int) (Block, error) {
	if size <= 0 {
		size = 1
	}
	if align <= 0 {
		align = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var found Block
	ok := false
	a.free.Ascend(func(f Block) bool {
		s := alignUp(f.Start, align)
		if s >= f.Start && uint64(s)+uint64(size) <= uint64(f.Stop) {
			found, ok = f, true
			return false
		}
		return true
	})
	if !ok {
		return Block{}, ErrArenaFull
	}
	a.free.Delete(found)
	s := alignUp(found.Start, align)
	b := Block{s, s + uint32(size)}
	if s > found.Start {
		a.free.ReplaceOrInsert(Block{found.Start, s})
	}
	if b.Stop < found.Stop {
		a.free.ReplaceOrInsert(Block{b.Stop, found.Stop})
	}
	a.used.ReplaceOrInsert(b)
	a.inUse += b.Size()
	return b, nil
}

// Free gives the block starting at start back to the arena.
func (a *Arena) Free(start uint32) (Block, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.used.Delete(Block{Start: start})
	if !ok {
		return Block{}, false
	}
	a.inUse -= b.Size()
	merged := b
	var prev Block
	hasPrev := false
	a.free.DescendLessOrEqual(Block{Start: b.Start}, func(f Block) bool {
		prev, hasPrev = f, f.Stop == b.Start
		return false
	})
	if hasPrev {
		a.free.Delete(prev)
		merged.Start = prev.Start
	}
	if next, ok := a.free.Get(Block{Start: b.Stop}); ok {
		a.free.Delete(next)
		merged.Stop = next.Stop
	}
	a.free.ReplaceOrInsert(merged)
	return b, true
}

// BlockAt returns the handed out block that contains addr.
func (a *Arena) BlockAt(addr uint32) (Block, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var found Block
	ok := false
	a.used.DescendLessOrEqual(Block{Start: addr}, func(b Block) bool {
		if b.Contains(addr) {
			found, ok = b, true
		}
		return false
	})
	return found, ok
}

// Range returns the managed address range.
func (a *Arena) Range() (uint32, uint32) { return a.start, a.end }

func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// FreeChunks lists the free ranges in address order.
func (a *Arena) FreeChunks() []Block {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Block, 0, a.free.Len())
	a.free.Ascend(func(b Block) bool {
		out = append(out, b)
		return true
	})
	return out
}

// Blocks lists the handed out blocks in address order.
func (a *Arena) Blocks() []Block {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Block, 0, a.used.Len())
	a.used.Ascend(func(b Block) bool {
		out = append(out, b)
		return true
	})
	return out
}
