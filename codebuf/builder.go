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

import "encoding/binary"

// FixupKind says how a recorded reference is patched.
type FixupKind uint8

const (
	// FixupBranch24 is an ARM B/BL: the low 24 bits hold the word offset
	// relative to the branch address + 8.
	FixupBranch24 FixupKind = iota
	// FixupMovwMovt is a MOVW/MOVT pair loading the absolute address of
	// the label; resolved when the code is placed.
	FixupMovwMovt
)

// Fixup is a forward reference to a label.
type Fixup struct {
	Pos   int
	Label int
	Kind  FixupKind
}

// Reloc is a branch to an absolute target address outside the buffer.
type Reloc struct {
	Pos    int
	Target uint32
}

// Builder collects 32-bit instruction words before they are placed in
// target memory. Positions are byte offsets from the start of the buffer.
type Builder struct {
	words  []uint32
	labels []int
	fixups []Fixup
	relocs []Reloc
}

func NewBuilder() *Builder {
	return &Builder{words: make([]uint32, 0, 256)}
}

// Pos returns the byte offset of the next word.
func (b *Builder) Pos() int { return 4 * len(b.words) }

func (b *Builder) Emit(ws ...uint32) {
	b.words = append(b.words, ws...)
}

func (b *Builder) Word(pos int) uint32 { return b.words[pos/4] }

func (b *Builder) SetWord(pos int, w uint32) { b.words[pos/4] = w }

// DefineLabel allocates a new label at the current write position.
func (b *Builder) DefineLabel() int {
	b.labels = append(b.labels, b.Pos())
	return len(b.labels) - 1
}

// ReserveLabel allocates a label ID for later placement via MarkLabel.
func (b *Builder) ReserveLabel() int {
	b.labels = append(b.labels, -1)
	return len(b.labels) - 1
}

// MarkLabel sets the position of a previously reserved label.
func (b *Builder) MarkLabel(id int) {
	b.labels[id] = b.Pos()
}

func (b *Builder) LabelPos(id int) int { return b.labels[id] }

// AddFixup records a reference from the word that is emitted next.
func (b *Builder) AddFixup(label int, kind FixupKind) {
	b.fixups = append(b.fixups, Fixup{Pos: b.Pos(), Label: label, Kind: kind})
}

// AddReloc records that the word emitted next is a branch to target.
func (b *Builder) AddReloc(target uint32) {
	b.relocs = append(b.relocs, Reloc{Pos: b.Pos(), Target: target})
}

// Branch24 puts the offset from a branch at pos to target into the low
// 24 bits of word.
func Branch24(word uint32, pos, target int64) uint32 {
	off := (target - (pos + 8)) >> 2
	if off < -(1<<23) || off >= 1<<23 {
		panic("jit: branch out of range")
	}
	return word&^0xffffff | uint32(off)&0xffffff
}

// ResolveFixups patches all relative references after code generation.
// MOVW/MOVT fixups wait for Place.
func (b *Builder) ResolveFixups() {
	for _, f := range b.fixups {
		if f.Kind != FixupBranch24 {
			continue
		}
		target := b.labels[f.Label]
		if target < 0 {
			panic("jit: undefined label")
		}
		b.SetWord(f.Pos, Branch24(b.Word(f.Pos), int64(f.Pos), int64(target)))
	}
}

// Place writes the code to mem at base and resolves everything that
// depends on the final address.
func (b *Builder) Place(mem Memory, base uint32) {
	for _, f := range b.fixups {
		if f.Kind != FixupMovwMovt {
			continue
		}
		target := b.labels[f.Label]
		if target < 0 {
			panic("jit: undefined label")
		}
		addr := base + uint32(target)
		b.SetWord(f.Pos, PatchMovw(b.Word(f.Pos), uint16(addr)))
		b.SetWord(f.Pos+4, PatchMovw(b.Word(f.Pos+4), uint16(addr>>16)))
	}
	for _, r := range b.relocs {
		b.SetWord(r.Pos, Branch24(b.Word(r.Pos), int64(base)+int64(r.Pos), int64(r.Target)))
	}
	for i, w := range b.words {
		mem.Store32(base+uint32(4*i), w)
	}
}

// PatchMovw replaces the 16-bit immediate of a MOVW or MOVT word.
func PatchMovw(word uint32, imm uint16) uint32 {
	return word&^0x000f0fff | uint32(imm&0xf000)<<4 | uint32(imm&0x0fff)
}

// Bytes returns the code as little-endian bytes.
func (b *Builder) Bytes() []byte {
	out := make([]byte, 4*len(b.words))
	for i, w := range b.words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}
