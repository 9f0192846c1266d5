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

import "github.com/launix-de/rjit/ir"

// FrameManager hands out frame slots for spilled values.
type FrameManager struct {
	bindings map[*ir.Box]StackLoc
	used     []bool
	hints    map[*ir.Box]StackLoc
}

func NewFrameManager() *FrameManager {
	return &FrameManager{bindings: map[*ir.Box]StackLoc{}, hints: map[*ir.Box]StackLoc{}}
}

func slotSize(t ir.Type) int {
	if t == ir.TypeFloat {
		return 2
	}
	return 1
}

// Depth is the number of words the frame needs.
func (fm *FrameManager) Depth() int { return len(fm.used) }

// Binding returns the slot of b if it has one.
func (fm *FrameManager) Binding(b *ir.Box) (StackLoc, bool) {
	l, ok := fm.bindings[b]
	return l, ok
}

// Bindings lists every box that has a slot.
func (fm *FrameManager) Bindings() map[*ir.Box]StackLoc { return fm.bindings }

// Loc returns the slot of b, allocating one when needed.
func (fm *FrameManager) Loc(b *ir.Box) StackLoc {
	if l, ok := fm.bindings[b]; ok {
		return l
	}
	return fm.GetNewLoc(b)
}

// Hint asks for b to be put into loc when it gets spilled.
func (fm *FrameManager) Hint(b *ir.Box, loc StackLoc) {
	fm.hints[b] = loc
}

func (fm *FrameManager) GetNewLoc(b *ir.Box) StackLoc {
	if hint, ok := fm.hints[b]; ok && fm.TryToReuseLocation(b, hint) {
		return hint
	}
	size := slotSize(b.Type())
	pos := fm.findFree(size)
	loc := StackLoc{Position: pos, Type: b.Type()}
	fm.SetBinding(b, loc)
	return loc
}

func (fm *FrameManager) findFree(size int) int {
outer:
	for pos := 0; pos+size <= len(fm.used); pos += size {
		for i := pos; i < pos+size; i++ {
			if fm.used[i] {
				continue outer
			}
		}
		return pos
	}
	pos := len(fm.used)
	if size == 2 && pos%2 != 0 {
		pos++
	}
	return pos
}

func (fm *FrameManager) mark(pos, size int, v bool) {
	for len(fm.used) < pos+size {
		fm.used = append(fm.used, false)
	}
	for i := pos; i < pos+size; i++ {
		fm.used[i] = v
	}
}

// SetBinding puts b into loc.
func (fm *FrameManager) SetBinding(b *ir.Box, loc StackLoc) {
	fm.bindings[b] = loc
	fm.mark(loc.Position, slotSize(loc.Type), true)
}

// ReserveLocationInFrame takes size words at the end of the frame and
// returns the first position.
func (fm *FrameManager) ReserveLocationInFrame(size int) int {
	pos := len(fm.used)
	fm.mark(pos, size, true)
	return pos
}

// MarkAsFree releases the slot of b.
func (fm *FrameManager) MarkAsFree(b *ir.Box) {
	loc, ok := fm.bindings[b]
	if !ok {
		return
	}
	delete(fm.bindings, b)
	fm.mark(loc.Position, slotSize(loc.Type), false)
}

// TryToReuseLocation binds b to loc if nothing else lives there.
func (fm *FrameManager) TryToReuseLocation(b *ir.Box, loc StackLoc) bool {
	size := slotSize(b.Type())
	if size == 2 && loc.Position%2 != 0 {
		return false
	}
	for i := loc.Position; i < loc.Position+size && i < len(fm.used); i++ {
		if fm.used[i] {
			return false
		}
	}
	fm.SetBinding(b, StackLoc{Position: loc.Position, Type: b.Type()})
	return true
}
