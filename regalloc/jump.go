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

// RemapFrameLayout emits the moves that take every src[i] to dst[i]
// without clobbering a source before it was read. Cycles are broken by
// pushing one member; stack to stack moves go through tmp.
func RemapFrameLayout(asm Mover, src, dst []Location, tmp Location) {
	if len(src) != len(dst) {
		panic("regalloc: remap with different lengths")
	}
	pending := len(dst)
	// srccount[dst] is how many sources still read that location
	srccount := make(map[int]int, len(dst))
	for _, d := range dst {
		k := d.Key()
		if _, dup := srccount[k]; dup {
			panic("regalloc: duplicate value in destination locations")
		}
		srccount[k] = 0
	}
	for i, s := range src {
		if s.IsImm() {
			continue
		}
		k := s.Key()
		if _, ok := srccount[k]; ok {
			if k == dst[i].Key() {
				// x = x; far enough below zero to never reach 0 again
				srccount[k] = -len(dst) - 1
				pending--
			} else {
				srccount[k]++
			}
		}
	}

	for pending > 0 {
		progress := false
		for i, d := range dst {
			k := d.Key()
			if srccount[k] != 0 {
				continue
			}
			srccount[k] = -1 // done
			pending--
			s := src[i]
			if !s.IsImm() {
				if _, ok := srccount[s.Key()]; ok {
					srccount[s.Key()]--
				}
			}
			move(asm, s, d, tmp)
			progress = true
		}
		if progress {
			continue
		}
		// only disjoint cycles are left
		sources := make(map[int]Location, len(dst))
		for i, d := range dst {
			sources[d.Key()] = src[i]
		}
		for _, d := range dst {
			original := d.Key()
			if srccount[original] < 0 {
				continue
			}
			asm.RegallocPush(d)
			for {
				k := d.Key()
				if srccount[k] != 1 {
					panic("regalloc: remap cycle is not simple")
				}
				srccount[k] = -1
				pending--
				s := sources[k]
				if s.Key() == original {
					break
				}
				move(asm, s, d, tmp)
				d = s
			}
			asm.RegallocPop(d)
		}
		if pending != 0 {
			panic("regalloc: remap left pending moves")
		}
	}
}

func move(asm Mover, src, dst, tmp Location) {
	if src.IsStack() && dst.IsStack() {
		asm.RegallocMov(src, tmp)
		src = tmp
	}
	asm.RegallocMov(src, dst)
}

// RemapFrameLayoutMixed remaps the core and the float locations. Float
// stack sources that a core move would overwrite are pushed first and
// popped into their destination at the end.
func RemapFrameLayoutMixed(asm Mover, src1, dst1 []Location, tmp1 Location, src2, dst2 []Location, tmp2 Location) {
	dstKeys := make(map[int]bool, len(dst1))
	for _, d := range dst1 {
		dstKeys[d.Key()] = true
	}
	var extra []Location
	var src2red, dst2red []Location
	for i, s := range src2 {
		if sl, ok := s.(StackLoc); ok {
			k := sl.Key()
			if dstKeys[k] || (sl.Width() > 4 && dstKeys[k+1]) {
				asm.RegallocPush(s)
				extra = append(extra, dst2[i])
				continue
			}
		}
		src2red = append(src2red, s)
		dst2red = append(dst2red, dst2[i])
	}
	RemapFrameLayout(asm, src1, dst1, tmp1)
	RemapFrameLayout(asm, src2red, dst2red, tmp2)
	for len(extra) > 0 {
		loc := extra[len(extra)-1]
		extra = extra[:len(extra)-1]
		asm.RegallocPop(loc)
	}
}
