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

// Memory is the byte and word access to target memory.
type Memory interface {
	Load8(addr uint32) byte
	Store8(addr uint32, b byte)
	Load32(addr uint32) uint32
	Store32(addr uint32, v uint32)
}

// DefaultChunkSize is what DataBlocks takes from the arena at once.
const DefaultChunkSize = 1024

// DataBlocks carves small aligned pieces (call shapes, float constants)
// out of chunks taken from an arena. The chunks are listed in Blocks so
// they can be freed together with the code they belong to.
type DataBlocks struct {
	Memory
	arena     *Arena
	cur, stop uint32
	Blocks    []Block
	ChunkSize int
}

func NewDataBlocks(mem Memory, arena *Arena) *DataBlocks {
	return &DataBlocks{Memory: mem, arena: arena, ChunkSize: DefaultChunkSize}
}

// MallocAligned panics with ErrArenaFull when the arena is exhausted.
func (d *DataBlocks) MallocAligned(size, align int) uint32 {
	p := alignUp(d.cur, align)
	if len(d.Blocks) == 0 || uint64(p)+uint64(size) > uint64(d.stop) {
		n := size + align
		if n < d.ChunkSize {
			n = d.ChunkSize
		}
		b, err := d.arena.Malloc(n, 8)
		if err != nil {
			panic(err)
		}
		d.Blocks = append(d.Blocks, b)
		d.cur, d.stop = b.Start, b.Stop
		p = alignUp(d.cur, align)
	}
	d.cur = p + uint32(size)
	return p
}

// StoreBytes copies data to target memory at addr.
func StoreBytes(mem Memory, addr uint32, data []byte) {
	for i, b := range data {
		mem.Store8(addr+uint32(i), b)
	}
}

// Free returns every chunk to the arena.
func (d *DataBlocks) Free() {
	for _, b := range d.Blocks {
		d.arena.Free(b.Start)
	}
	d.Blocks = nil
	d.cur, d.stop = 0, 0
}
