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
package runtime

import (
	"fmt"
	"math"

	"github.com/launix-de/rjit/armsim"
	"github.com/launix-de/rjit/gc"
	"github.com/launix-de/rjit/gcroot"
	"github.com/launix-de/rjit/guard"
	"github.com/launix-de/rjit/ir"
)

const regFP = 11

type helperEntry struct {
	name string
	addr uint32
	fn   armsim.Helper
}

func mallocHelper(e gc.Entry) string { return e.String() }

// AddHelper installs fn as a function compiled code can call and
// returns its address. Helpers added after a run starts are seen by the
// next run.
func (c *CPU) AddHelper(name string, fn armsim.Helper) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.helpers {
		if h.name == name {
			panic(fmt.Sprintf("runtime: helper %s exists", name))
		}
	}
	addr := armsim.HelperBase + uint32(16*len(c.helpers))
	c.helpers = append(c.helpers, helperEntry{name, addr, fn})
	return addr
}

func (c *CPU) helperAddr(name string) uint32 {
	for _, h := range c.helpers {
		if h.name == name {
			return h.addr
		}
	}
	panic("runtime: no helper " + name)
}

func (c *CPU) installHelpers() {
	c.AddHelper("malloc_slowpath", c.mallocSlowpath)
	c.AddHelper("release_gil", func(sim *armsim.CPU) {
		c.release(c.current())
	})
	c.AddHelper("reacquire_gil", func(sim *armsim.CPU) {
		c.acquire(c.current())
	})
	c.AddHelper("assembler_helper", c.assemblerHelper)
	c.AddHelper("memcpy", func(sim *armsim.CPU) {
		n := int(sim.R[2])
		buf := make([]byte, n)
		copy(buf, c.Mem.Read(sim.R[1], n))
		c.Mem.Write(sim.R[0], buf)
	})
	c.AddHelper("int_floordiv", func(sim *armsim.CPU) {
		a, b := int32(sim.R[0]), int32(sim.R[1])
		switch {
		case b == 0:
			sim.R[0] = 0
		case a == math.MinInt32 && b == -1:
			sim.R[0] = uint32(a)
		default:
			sim.R[0] = uint32(a / b)
		}
	})
	c.AddHelper("int_mod", func(sim *armsim.CPU) {
		a, b := int32(sim.R[0]), int32(sim.R[1])
		if b == 0 || b == -1 {
			sim.R[0] = 0
		} else {
			sim.R[0] = uint32(a % b)
		}
	})
	c.AddHelper("uint_floordiv", func(sim *armsim.CPU) {
		if sim.R[1] == 0 {
			sim.R[0] = 0
		} else {
			sim.R[0] /= sim.R[1]
		}
	})
	for e := gc.Entry(0); e < gc.EntryCount; e++ {
		e := e
		c.AddHelper(mallocHelper(e), func(sim *armsim.CPU) {
			c.heap.entry(e, sim)
		})
	}
}

// mallocSlowpath refills the nursery. It gets the old free pointer in
// r0 and the wanted one in r1.
func (c *CPU) mallocSlowpath(sim *armsim.CPU) {
	old, want := sim.R[0], sim.R[1]
	size := want - old
	c.Stats.SlowMallocs.Add(1)
	c.heap.recordSlowpath(size)
	c.LastRoots = c.collectRoots(sim)
	base, ok := c.heap.nextChunk(size)
	if !ok {
		sim.R[0], sim.R[1] = 0, old
		return
	}
	sim.R[0], sim.R[1] = base, base+size
}

// collectRoots lists the slots that hold references into the heap.
func (c *CPU) collectRoots(sim *armsim.CPU) []uint32 {
	var roots []uint32
	switch r := c.Roots.(type) {
	case *gcroot.ShadowStack:
		t := c.current()
		if t == nil {
			return nil
		}
		top := c.Mem.Load32(c.globals() + offRootTop)
		it := r.NewRootIterator(c.Mem)
		for p := it.NextLeft(c.heap, t.slot.shadowBase, top); p != 0; p = it.NextLeft(c.heap, t.slot.shadowBase, p) {
			roots = append(roots, p)
		}
	case *gcroot.AsmGcc:
		if !r.GcMarkSorted() {
			r.SortGcMap()
		}
		shape := r.Lookup(sim.R[armsim.LR])
		if shape == 0 {
			return nil
		}
		nums, _ := r.Roots(c.Mem, shape)
		fp := sim.R[regFP]
		for _, n := range nums {
			kind, v := gcroot.DecodeLocation(n)
			if kind != gcroot.LocEbpPlus && kind != gcroot.LocEbpMinus {
				continue
			}
			if addr := uint32(int64(fp) + int64(v)); c.heap.PointsToValidGCObject(addr) {
				roots = append(roots, addr)
			}
		}
	}
	return roots
}

// assemblerHelper finishes a call_assembler whose callee did not leave
// through its done exit. r0 holds the fail index.
func (c *CPU) assemblerHelper(sim *armsim.CPU) {
	c.Stats.AssemblerExit.Add(1)
	f, err := c.deadFrame(int32(sim.R[0]))
	if err != nil {
		panic(err)
	}
	var v guard.Value
	switch {
	case c.OnAssembler != nil:
		v = c.OnAssembler(f)
	case len(f.Values) > 0:
		v = f.Values[0]
	}
	switch v.Type {
	case ir.TypeFloat:
		sim.D[0] = v.Bits
		sim.R[0], sim.R[1] = uint32(v.Bits), uint32(v.Bits>>32)
	case ir.TypeInt, ir.TypeRef:
		sim.R[0] = uint32(v.Bits)
	}
}
