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

// Mover emits the moves the allocator decides on.
type Mover interface {
	RegallocMov(from, to Location)
	RegallocPush(loc Location)
	RegallocPop(loc Location)
}

// RegisterManager binds boxes of one register class (core or VFP) to
// registers and spills them into the shared frame.
type RegisterManager struct {
	All         []RegLoc
	CallerSaved []RegLoc
	Float       bool

	// ConvertConst turns a constant into an immediate location.
	ConvertConst func(c *ir.Const) Location

	free     []RegLoc
	reg2var  map[RegLoc]*ir.Box
	bindings map[*ir.Box]RegLoc
	temps    []*ir.Box
	fm       *FrameManager
	lv       Longevity
	asm      Mover
	pos      int
}

// NewRegisterManager prefers the callee-saved registers: they are handed
// out first.
func NewRegisterManager(all, callerSaved []RegLoc, float bool, lv Longevity, fm *FrameManager, asm Mover) *RegisterManager {
	rm := &RegisterManager{
		All:         all,
		CallerSaved: callerSaved,
		Float:       float,
		reg2var:     map[RegLoc]*ir.Box{},
		bindings:    map[*ir.Box]RegLoc{},
		fm:          fm,
		lv:          lv,
		asm:         asm,
	}
	rm.free = append(rm.free, callerSaved...)
	for i := len(all) - 1; i >= 0; i-- {
		if !rm.isCallerSaved(all[i]) {
			rm.free = append(rm.free, all[i])
		}
	}
	return rm
}

func (rm *RegisterManager) isCallerSaved(r RegLoc) bool {
	for _, c := range rm.CallerSaved {
		if c == r {
			return true
		}
	}
	return false
}

func contains(regs []RegLoc, r RegLoc) bool {
	for _, x := range regs {
		if x == r {
			return true
		}
	}
	return false
}

// Position returns the index of the op being compiled.
func (rm *RegisterManager) Position() int { return rm.pos }

// NextInstruction frees the scratch registers of the previous op.
func (rm *RegisterManager) NextInstruction(pos int) {
	rm.pos = pos
	for _, t := range rm.temps {
		rm.release(t)
	}
	rm.temps = rm.temps[:0]
}

func (rm *RegisterManager) stillAlive(b *ir.Box) bool {
	for _, t := range rm.temps {
		if t == b {
			return true
		}
	}
	return rm.lv.LastUse(b) > rm.pos
}

func (rm *RegisterManager) release(b *ir.Box) {
	if r, ok := rm.bindings[b]; ok {
		delete(rm.bindings, b)
		delete(rm.reg2var, r)
		rm.free = append(rm.free, r)
	}
}

// PossiblyFreeVar releases v when nothing after the current op reads it.
func (rm *RegisterManager) PossiblyFreeVar(v ir.Value) {
	b := ir.AsBox(v)
	if b == nil || rm.stillAlive(b) {
		return
	}
	rm.release(b)
	rm.fm.MarkAsFree(b)
}

func (rm *RegisterManager) PossiblyFreeVars(vs []ir.Value) {
	for _, v := range vs {
		rm.PossiblyFreeVar(v)
	}
}

// Owns is true for boxes of this register class.
func (rm *RegisterManager) Owns(v ir.Value) bool {
	return (v.Type() == ir.TypeFloat) == rm.Float
}

func (rm *RegisterManager) bind(b *ir.Box, r RegLoc) {
	for i, f := range rm.free {
		if f == r {
			rm.free = append(rm.free[:i], rm.free[i+1:]...)
			break
		}
	}
	rm.bindings[b] = r
	rm.reg2var[r] = b
}

// Bind puts v into r, spilling whatever lives there.
func (rm *RegisterManager) Bind(v *ir.Box, r RegLoc) RegLoc {
	rm.Evict(r)
	rm.bind(v, r)
	return r
}

// Evict empties r. Its variable goes to the frame when still needed.
func (rm *RegisterManager) Evict(r RegLoc) {
	if b, ok := rm.reg2var[r]; ok {
		rm.ForceSpillVar(b)
	}
}

// TryAllocateReg returns a free register for v, or selected when given
// and free. ok is false when nothing fits.
func (rm *RegisterManager) TryAllocateReg(v *ir.Box, selected *RegLoc) (RegLoc, bool) {
	if r, ok := rm.bindings[v]; ok && (selected == nil || *selected == r) {
		return r, true
	}
	if selected != nil {
		if _, busy := rm.reg2var[*selected]; busy || !contains(rm.All, *selected) {
			return RegLoc{}, false
		}
		if old, ok := rm.bindings[v]; ok {
			rm.asm.RegallocMov(old, *selected)
			rm.release(v)
		}
		rm.bind(v, *selected)
		return *selected, true
	}
	if len(rm.free) == 0 {
		return RegLoc{}, false
	}
	r := rm.free[len(rm.free)-1]
	rm.bind(v, r)
	return r, true
}

// pickSpill chooses the bound variable whose next life is furthest away.
func (rm *RegisterManager) pickSpill(forbidden []RegLoc, needCallee bool) *ir.Box {
	var best *ir.Box
	bestEnd := -2
	for _, r := range rm.All {
		b, ok := rm.reg2var[r]
		if !ok || contains(forbidden, r) || (needCallee && rm.isCallerSaved(r)) {
			continue
		}
		isTemp := false
		for _, t := range rm.temps {
			if t == b {
				isTemp = true
			}
		}
		if isTemp {
			continue
		}
		if end := rm.lv.LastUse(b); end > bestEnd {
			best, bestEnd = b, end
		}
	}
	return best
}

// ForceAllocateReg always succeeds; it spills another variable when all
// registers are taken.
func (rm *RegisterManager) ForceAllocateReg(v *ir.Box, forbidden []RegLoc) RegLoc {
	if r, ok := rm.bindings[v]; ok && !contains(forbidden, r) {
		return r
	}
	for i := len(rm.free) - 1; i >= 0; i-- {
		if r := rm.free[i]; !contains(forbidden, r) {
			if old, ok := rm.bindings[v]; ok {
				rm.asm.RegallocMov(old, r)
				rm.release(v)
			}
			rm.bind(v, r)
			return r
		}
	}
	victim := rm.pickSpill(forbidden, false)
	if victim == nil {
		panic(fmt.Sprintf("regalloc: no register left for %s", v))
	}
	r := rm.bindings[victim]
	rm.ForceSpillVar(victim)
	if old, ok := rm.bindings[v]; ok {
		rm.asm.RegallocMov(old, r)
		rm.release(v)
	}
	rm.bind(v, r)
	return r
}

// sync stores b into its frame slot unless it is already there.
func (rm *RegisterManager) sync(b *ir.Box) {
	if _, ok := rm.fm.Binding(b); ok {
		return
	}
	r, ok := rm.bindings[b]
	if !ok {
		panic(fmt.Sprintf("regalloc: %s is neither in a register nor in the frame", b))
	}
	rm.asm.RegallocMov(r, rm.fm.Loc(b))
}

// ForceSpillVar moves v to the frame and frees its register.
func (rm *RegisterManager) ForceSpillVar(v *ir.Box) {
	if _, ok := rm.bindings[v]; !ok {
		return
	}
	if rm.stillAlive(v) {
		rm.sync(v)
	}
	rm.release(v)
}

// Loc returns the current location of v.
func (rm *RegisterManager) Loc(v ir.Value) Location {
	if c := ir.AsConst(v); c != nil {
		return rm.ConvertConst(c)
	}
	b := ir.AsBox(v)
	if r, ok := rm.bindings[b]; ok {
		return r
	}
	if s, ok := rm.fm.Binding(b); ok {
		return s
	}
	panic(fmt.Sprintf("regalloc: %s has no location", b))
}

// RegOf returns the register of v if it is in one.
func (rm *RegisterManager) RegOf(v ir.Value) (RegLoc, bool) {
	b := ir.AsBox(v)
	if b == nil {
		return RegLoc{}, false
	}
	r, ok := rm.bindings[b]
	return r, ok
}

// GetScratchReg returns a register that is free until the next op.
func (rm *RegisterManager) GetScratchReg(forbidden []RegLoc) RegLoc {
	t := ir.NewBox(ir.TypeInt)
	if rm.Float {
		t = ir.NewBox(ir.TypeFloat)
	}
	rm.temps = append(rm.temps, t)
	return rm.ForceAllocateReg(t, forbidden)
}

// MakeSureVarInReg loads v into a register. Constants go into a scratch
// register.
func (rm *RegisterManager) MakeSureVarInReg(v ir.Value, forbidden []RegLoc) RegLoc {
	if c := ir.AsConst(v); c != nil {
		r := rm.GetScratchReg(forbidden)
		rm.asm.RegallocMov(rm.ConvertConst(c), r)
		return r
	}
	b := ir.AsBox(v)
	if r, ok := rm.bindings[b]; ok {
		return r
	}
	from := rm.Loc(b)
	r := rm.ForceAllocateReg(b, forbidden)
	rm.asm.RegallocMov(from, r)
	return r
}

// ForceResultInReg gives result the register of v when v dies here and
// copies v otherwise.
func (rm *RegisterManager) ForceResultInReg(result *ir.Box, v ir.Value, forbidden []RegLoc) RegLoc {
	src := rm.MakeSureVarInReg(v, forbidden)
	if b := ir.AsBox(v); b != nil && !rm.stillAlive(b) {
		rm.release(b)
		rm.fm.MarkAsFree(b)
		rm.bind(result, src)
		return src
	}
	r := rm.ForceAllocateReg(result, append(forbidden, src))
	rm.asm.RegallocMov(src, r)
	return r
}

// BeforeCall frees dead variables and spills live ones out of the
// caller-saved registers, or out of all registers when saveAll is set.
func (rm *RegisterManager) BeforeCall(forceStore []RegLoc, saveAll bool) {
	for _, r := range rm.All {
		b, ok := rm.reg2var[r]
		if !ok {
			continue
		}
		if !rm.stillAlive(b) {
			rm.release(b)
			continue
		}
		if saveAll || rm.isCallerSaved(r) || contains(forceStore, r) {
			rm.ForceSpillVar(b)
		}
	}
}

// AfterCall binds the call result to the return register ret.
func (rm *RegisterManager) AfterCall(v *ir.Box, ret RegLoc) RegLoc {
	if other, busy := rm.reg2var[ret]; busy {
		rm.ForceSpillVar(other)
	}
	rm.bind(v, ret)
	return ret
}

// SpillAll puts every live variable into the frame and empties the
// registers.
func (rm *RegisterManager) SpillAll() {
	for _, r := range rm.All {
		if b, ok := rm.reg2var[r]; ok {
			rm.ForceSpillVar(b)
		}
	}
}

// SyncAll stores every live register variable to the frame but keeps
// the register bindings.
func (rm *RegisterManager) SyncAll() {
	for _, r := range rm.All {
		if b, ok := rm.reg2var[r]; ok && rm.stillAlive(b) {
			rm.sync(b)
		}
	}
}

// Bound lists the boxes currently held in registers.
func (rm *RegisterManager) Bound() map[*ir.Box]RegLoc {
	return rm.bindings
}

// Reset forgets every register binding (after a label).
func (rm *RegisterManager) Reset() {
	for _, r := range rm.All {
		if b, ok := rm.reg2var[r]; ok {
			rm.release(b)
		}
	}
}
