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

// Lifetime is the op index that defines a box and the last op that
// reads it. Input args are defined at -1.
type Lifetime struct {
	Def     int
	LastUse int
	Used    bool
}

// Longevity maps each box of a trace to its lifetime.
type Longevity map[*ir.Box]*Lifetime

// ComputeLongevity walks the ops once. Fail args and jump args count as
// uses, so values survive up to the last guard that needs them.
func ComputeLongevity(inputargs []*ir.Box, ops []*ir.Op) Longevity {
	lv := make(Longevity, len(inputargs)+len(ops))
	for _, b := range inputargs {
		lv[b] = &Lifetime{Def: -1, LastUse: -1}
	}
	use := func(b *ir.Box, i int) {
		l, ok := lv[b]
		if !ok {
			// defined outside the trace, e.g. the fail args of a bridge
			l = &Lifetime{Def: -1}
			lv[b] = l
		}
		l.LastUse = i
		l.Used = true
	}
	for i, op := range ops {
		if op.Result != nil {
			lv[op.Result] = &Lifetime{Def: i, LastUse: i}
		}
		for _, a := range op.Args {
			if b := ir.AsBox(a); b != nil {
				use(b, i)
			}
		}
		for _, b := range op.FailArgs {
			if b != nil {
				use(b, i)
			}
		}
	}
	return lv
}

// LastUse returns the last reading op or -1.
func (lv Longevity) LastUse(b *ir.Box) int {
	if l, ok := lv[b]; ok {
		return l.LastUse
	}
	return -1
}

// IsUnused is true for results nobody reads.
func (lv Longevity) IsUnused(b *ir.Box) bool {
	l, ok := lv[b]
	return ok && !l.Used
}
