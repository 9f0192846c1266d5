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
package armsim

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Fault is raised when the program touches memory outside the mapping.
type Fault struct {
	Addr uint32
	PC   uint32
}

func (f *Fault) Error() string {
	return fmt.Sprintf("armsim: memory fault at %#x (pc %#x)", f.Addr, f.PC)
}

// Memory is a flat little-endian address space starting at Base.
type Memory struct {
	Base uint32
	Data []byte
}

func NewMemory(base uint32, size int) *Memory {
	return &Memory{Base: base, Data: make([]byte, size)}
}

// Size returns the number of mapped bytes.
func (m *Memory) Size() uint32 { return uint32(len(m.Data)) }

// End is the first address after the mapping.
func (m *Memory) End() uint32 { return m.Base + uint32(len(m.Data)) }

func (m *Memory) slice(addr uint32, n int) []byte {
	ofs := addr - m.Base
	if addr < m.Base || uint64(ofs)+uint64(n) > uint64(len(m.Data)) {
		panic(&Fault{Addr: addr})
	}
	return m.Data[ofs : ofs+uint32(n)]
}

func (m *Memory) Load8(addr uint32) byte            { return m.slice(addr, 1)[0] }
func (m *Memory) Store8(addr uint32, b byte)        { m.slice(addr, 1)[0] = b }
func (m *Memory) Load16(addr uint32) uint16         { return binary.LittleEndian.Uint16(m.slice(addr, 2)) }
func (m *Memory) Store16(addr uint32, v uint16)     { binary.LittleEndian.PutUint16(m.slice(addr, 2), v) }
func (m *Memory) Load32(addr uint32) uint32         { return binary.LittleEndian.Uint32(m.slice(addr, 4)) }
func (m *Memory) Store32(addr uint32, v uint32)     { binary.LittleEndian.PutUint32(m.slice(addr, 4), v) }
func (m *Memory) Load64(addr uint32) uint64         { return binary.LittleEndian.Uint64(m.slice(addr, 8)) }
func (m *Memory) Store64(addr uint32, v uint64)     { binary.LittleEndian.PutUint64(m.slice(addr, 8), v) }
func (m *Memory) LoadFloat(addr uint32) float64     { return math.Float64frombits(m.Load64(addr)) }
func (m *Memory) StoreFloat(addr uint32, f float64) { m.Store64(addr, math.Float64bits(f)) }

// Read copies n bytes starting at addr.
func (m *Memory) Read(addr uint32, n int) []byte {
	return append([]byte(nil), m.slice(addr, n)...)
}

// Write copies data to addr.
func (m *Memory) Write(addr uint32, data []byte) {
	copy(m.slice(addr, len(data)), data)
}

// Contains is true when [addr, addr+n) is mapped.
func (m *Memory) Contains(addr uint32, n int) bool {
	return addr >= m.Base && uint64(addr-m.Base)+uint64(n) <= uint64(len(m.Data))
}
