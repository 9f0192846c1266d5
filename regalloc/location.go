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
package regalloc

import (
	"fmt"

	"github.com/launix-de/rjit/ir"
)

// WORD is the size of a core register and of a frame slot.
const WORD = 4

// Location is where the allocator put a value.
type Location interface {
	IsReg() bool
	IsStack() bool
	IsImm() bool
	IsFloat() bool
	// Key identifies the storage for the remapper; -1 for immediates.
	Key() int
	String() string
}

// RegLoc is a core register (r0-r15) or a VFP double register (d0-d15).
type RegLoc struct {
	Num int
	VFP bool
}

var coreNames = [16]string{"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "fp", "ip", "sp", "lr", "pc"}

func (r RegLoc) IsReg() bool   { return true }
func (r RegLoc) IsStack() bool { return false }
func (r RegLoc) IsImm() bool   { return false }
func (r RegLoc) IsFloat() bool { return r.VFP }

func (r RegLoc) Key() int {
	if r.VFP {
		return 16 + r.Num
	}
	return r.Num
}

func (r RegLoc) String() string {
	if r.VFP {
		return fmt.Sprintf("d%d", r.Num)
	}
	return coreNames[r.Num&15]
}

// StackLoc is a frame slot. Position counts words below the frame
// pointer; a float takes two positions and starts at an even one.
type StackLoc struct {
	Position int
	Type     ir.Type
}

func (s StackLoc) IsReg() bool   { return false }
func (s StackLoc) IsStack() bool { return true }
func (s StackLoc) IsImm() bool   { return false }
func (s StackLoc) IsFloat() bool { return s.Type == ir.TypeFloat }
func (s StackLoc) Key() int      { return 64 + s.Position }

// Width is the number of bytes the slot holds.
func (s StackLoc) Width() int {
	if s.Type == ir.TypeFloat {
		return 2 * WORD
	}
	return WORD
}

// Offset is the byte offset of the slot from the frame pointer.
func (s StackLoc) Offset() int {
	return -WORD * (s.Position + s.Width()/WORD)
}

func (s StackLoc) String() string {
	return fmt.Sprintf("stack%d(fp%+d)", s.Position, s.Offset())
}

// ImmLoc is a small integer that is encoded into the instruction.
type ImmLoc struct {
	Value int32
}

func (i ImmLoc) IsReg() bool    { return false }
func (i ImmLoc) IsStack() bool  { return false }
func (i ImmLoc) IsImm() bool    { return true }
func (i ImmLoc) IsFloat() bool  { return false }
func (i ImmLoc) Key() int       { return -1 }
func (i ImmLoc) String() string { return fmt.Sprintf("#%d", i.Value) }

// ConstFloatLoc is a float constant stored in the data area at Addr.
type ConstFloatLoc struct {
	Addr  uint32
	Value float64
}

func (c ConstFloatLoc) IsReg() bool    { return false }
func (c ConstFloatLoc) IsStack() bool  { return false }
func (c ConstFloatLoc) IsImm() bool    { return true }
func (c ConstFloatLoc) IsFloat() bool  { return true }
func (c ConstFloatLoc) Key() int       { return -1 }
func (c ConstFloatLoc) String() string { return fmt.Sprintf("=%g@%#x", c.Value, c.Addr) }

// Core returns core register n, VFP returns double register n.
func Core(n int) RegLoc { return RegLoc{Num: n} }
func VFP(n int) RegLoc  { return RegLoc{Num: n, VFP: true} }
