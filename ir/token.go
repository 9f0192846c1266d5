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
package ir

import (
	"fmt"
	"sync"
)

// CellID and TargetID index the token arena. Tokens never hold pointers
// to each other, only these ids.
type CellID int32
type TargetID int32

const NoCell CellID = -1
const NoTarget TargetID = -1

// JitCellToken identifies one loop (procedure) and its entry point.
type JitCellToken struct {
	id         CellID
	Number     int
	Name       string
	InputTypes []Type

	// machine code
	Entry      uint32 // address of the function entry
	FrameDepth int    // words
	Blocks     []CodeRange
	Compiling  []TargetID // target tokens produced by the current compilation
	Targets    []TargetID
	Invalid    bool
	Redirected CellID // set by redirect_call_assembler

	// addresses of guard_not_invalidated sites and their trampolines
	InvalidatePositions []InvalidatePos
	Bridges             []uint32 // entries of the bridges attached to its guards
	Faildescrs          []int32
	GcRefs              []uint32 // constant references embedded in the code
}

// CodeRange is one block of machine code owned by a loop.
type CodeRange struct {
	Start, Stop uint32
}

// InvalidatePos is a NOP that becomes a branch to Target on invalidation.
type InvalidatePos struct {
	At, Target uint32
}

func (t *JitCellToken) ID() CellID      { return t.id }
func (t *JitCellToken) Kind() DescrKind { return KindJitCell }
func (t *JitCellToken) String() string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("<Loop%d>", t.Number)
}

// TargetToken is a label inside a loop that jumps can target.
type TargetToken struct {
	id   TargetID
	Cell CellID
	Name string

	Addr    uint32 // absolute address once published
	Offset  int    // position inside the loop's code before publishing
	ArgLocs []any  // back-end specific locations of the label args
}

func (t *TargetToken) ID() TargetID    { return t.id }
func (t *TargetToken) Kind() DescrKind { return KindTarget }
func (t *TargetToken) String() string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("<Target%d>", t.id)
}

// TokenArena owns all tokens of a compiler session.
type TokenArena struct {
	mu      sync.Mutex
	cells   []*JitCellToken
	targets []*TargetToken
	number  int
}

func NewTokenArena() *TokenArena {
	return &TokenArena{}
}

// NewCell creates a fresh loop token.
func (a *TokenArena) NewCell(name string) *JitCellToken {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.number++
	t := &JitCellToken{id: CellID(len(a.cells)), Number: a.number, Name: name, Redirected: NoCell}
	a.cells = append(a.cells, t)
	return t
}

// NewTarget creates a target token; cell may be NoCell until the loop that
// contains the label is known.
func (a *TokenArena) NewTarget(name string, cell CellID) *TargetToken {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := &TargetToken{id: TargetID(len(a.targets)), Cell: cell, Name: name}
	a.targets = append(a.targets, t)
	return t
}

func (a *TokenArena) Cell(id CellID) *JitCellToken {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < 0 || int(id) >= len(a.cells) {
		return nil
	}
	return a.cells[id]
}

func (a *TokenArena) Target(id TargetID) *TargetToken {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < 0 || int(id) >= len(a.targets) {
		return nil
	}
	return a.targets[id]
}

// Cells returns a snapshot of all loop tokens.
func (a *TokenArena) Cells() []*JitCellToken {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*JitCellToken(nil), a.cells...)
}

// Redirect records that calls to old now land in new. The machine code
// patch is done by the back-end; this is the single arena slot it mutates.
func (a *TokenArena) Redirect(old, new CellID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cells[old].Redirected = new
}

// Resolve follows redirections to the loop that actually runs.
func (a *TokenArena) Resolve(id CellID) CellID {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < len(a.cells); i++ {
		next := a.cells[id].Redirected
		if next == NoCell {
			return id
		}
		id = next
	}
	panic("ir: redirection cycle")
}
