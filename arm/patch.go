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
package arm

import (
	"fmt"

	"github.com/launix-de/rjit/ir"
)

func (a *Assembler) patchWord(addr, word uint32) {
	a.Mem.Store32(addr, word)
	a.flush(addr, addr+4)
}

// PatchGuard sends the failure path of descr to addr, the entry of a
// freshly compiled bridge.
func (a *Assembler) PatchGuard(descr *ir.FailDescr, addr uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	at := descr.AdrJump
	if descr.GuardOp == ir.GuardNotInvalidated {
		// the NOP stays; the trampoline itself jumps to the bridge
		at = descr.AdrRecovery
		a.patchWord(at, branchTo(AL, at, addr))
	} else {
		c := Cond(a.Mem.Load32(at) >> 28)
		a.patchWord(at, branchTo(c, at, addr))
	}
	descr.AdrBridge = addr
	a.event(Event{Kind: "patch", Descr: descr, Addr: at, Size: 4})
}

// RedirectCallAssembler makes every call_assembler to old run new from
// now on. Both loops must take the same input types.
func (a *Assembler) RedirectCallAssembler(old, new *ir.JitCellToken) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if old.Entry == 0 || new.Entry == 0 {
		return fmt.Errorf("%w: redirect between %s and %s needs two compiled loops", ErrInvalidLoop, old, new)
	}
	if len(old.InputTypes) != len(new.InputTypes) {
		return fmt.Errorf("%w: %s takes %d args, %s takes %d", ErrInvalidLoop, old, len(old.InputTypes), new, len(new.InputTypes))
	}
	for i, t := range old.InputTypes {
		if new.InputTypes[i] != t {
			return fmt.Errorf("%w: arg %d of %s is %s, of %s %s", ErrInvalidLoop, i, old, t, new, new.InputTypes[i])
		}
	}
	a.patchWord(old.Entry, branchTo(AL, old.Entry, new.Entry))
	a.Cells.Redirect(old.ID(), new.ID())
	a.event(Event{Kind: "redirect", Loop: old, Addr: old.Entry, Size: 4})
	return nil
}

// InvalidateLoop turns every guard_not_invalidated of token into a jump
// to its failure path.
func (a *Assembler) InvalidateLoop(token *ir.JitCellToken) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range token.InvalidatePositions {
		a.patchWord(p.At, branchTo(AL, p.At, p.Target))
	}
	token.Invalid = true
	a.event(Event{Kind: "invalidate", Loop: token})
}

// FreeLoopAndBridges returns the code and data of token and its bridges
// to the arenas and releases their fail indexes. The token cannot run
// afterwards.
func (a *Assembler) FreeLoopAndBridges(token *ir.JitCellToken) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range token.Blocks {
		a.GC.FreeingBlock(r.Start, r.Stop)
		if _, ok := a.Code.Free(r.Start); !ok {
			a.Data.Free(r.Start)
		}
	}
	for _, i := range token.Faildescrs {
		a.Indexes.Release(i)
	}
	a.event(Event{Kind: "free", Loop: token, Addr: token.Entry})
	token.Entry = 0
	token.Blocks = nil
	token.Bridges = nil
	token.Faildescrs = nil
	token.Targets = nil
	token.InvalidatePositions = nil
	token.GcRefs = nil
}
