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
package guard

import "github.com/launix-de/rjit/ir"

// Policy decides when a failing guard is hot enough for a bridge.
type Policy struct {
	TraceEagerness uint32
	// ClassOf maps an object to its class so that guard_class counts per
	// class. Without it guard_class counts per object.
	ClassOf func(obj uint32) uint32
}

var DefaultPolicy = Policy{TraceEagerness: 200}

func countsPerValue(op ir.Opcode) bool {
	switch op {
	case ir.GuardValue, ir.GuardTrue, ir.GuardFalse, ir.GuardClass:
		return true
	}
	return false
}

// Count records one failure of d and returns the count that decides
// about tracing. Guards on a value count per observed value.
func (p Policy) Count(d *ir.FailDescr, f *DeadFrame) uint32 {
	if countsPerValue(d.GuardOp) && d.ValueArg >= 0 && d.ValueArg < len(f.Values) {
		v := f.Values[d.ValueArg].Bits
		if d.GuardOp == ir.GuardClass && p.ClassOf != nil {
			v = uint64(p.ClassOf(uint32(v)))
		}
		if d.ValueCounter == nil {
			d.ValueCounter = &ir.GuardCounters{}
		}
		return d.ValueCounter.See(v)
	}
	d.Counter++
	return d.Counter
}

// MustCompile counts the failure and reports whether a bridge should be
// traced now. Guards that already have a bridge never fail into here.
func (p Policy) MustCompile(d *ir.FailDescr, f *DeadFrame) bool {
	if d.IsFinal() || d.AdrBridge != 0 {
		return false
	}
	return p.Count(d, f) >= p.TraceEagerness
}

// Reset forgets the failures of d, after an aborted trace.
func Reset(d *ir.FailDescr) {
	d.Counter = 0
	d.ValueCounter = nil
}
