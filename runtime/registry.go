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
	"sync"

	"github.com/launix-de/NonLockingReadMap"
	"github.com/launix-de/rjit/ir"
)

type failEntry struct {
	index int32
	descr *ir.FailDescr
}

func (e failEntry) GetKey() int32     { return e.index }
func (e failEntry) ComputeSize() uint { return 16 }

// DescrRegistry maps the fail index a loop exit reports to its descr.
// Lookups run on every loop exit and take no lock.
type DescrRegistry struct {
	descrs NonLockingReadMap.NonLockingReadMap[failEntry, int32]

	mu   sync.Mutex
	next int32
	free []int32
	done map[ir.FailKind]*ir.FailDescr
}

func NewDescrRegistry() *DescrRegistry {
	return &DescrRegistry{
		descrs: NonLockingReadMap.New[failEntry, int32](),
		done:   map[ir.FailKind]*ir.FailDescr{},
	}
}

func (r *DescrRegistry) alloc() int32 {
	if n := len(r.free); n > 0 {
		i := r.free[n-1]
		r.free = r.free[:n-1]
		return i
	}
	i := r.next
	r.next++
	return i
}

// Register gives d the next free index.
func (r *DescrRegistry) Register(d *ir.FailDescr) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.Index = r.alloc()
	r.descrs.Set(&failEntry{index: d.Index, descr: d})
	return d.Index
}

// Reserve hands out an index without a descr, for call sites that only
// need a force index.
func (r *DescrRegistry) Reserve() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alloc()
}

func (r *DescrRegistry) Release(index int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.descrs.Remove(index); e != nil && e.descr.Index == index {
		e.descr.Index = -1
	}
	r.free = append(r.free, index)
}

// Done returns the shared descr of a regular loop exit. It is never
// released.
func (r *DescrRegistry) Done(kind ir.FailKind) *ir.FailDescr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.done[kind]; ok {
		return d
	}
	d := ir.NewFinalDescr(kind.String(), kind)
	switch kind {
	case ir.FailDoneWithThisFrameInt:
		d.FailTypes = []ir.Type{ir.TypeInt}
	case ir.FailDoneWithThisFrameRef:
		d.FailTypes = []ir.Type{ir.TypeRef}
	case ir.FailDoneWithThisFrameFloat:
		d.FailTypes = []ir.Type{ir.TypeFloat}
	}
	d.Index = r.alloc()
	r.descrs.Set(&failEntry{index: d.Index, descr: d})
	r.done[kind] = d
	return d
}

// Lookup returns the descr registered under index, nil if there is none.
func (r *DescrRegistry) Lookup(index int32) *ir.FailDescr {
	if e := r.descrs.Get(index); e != nil {
		return e.descr
	}
	return nil
}

// Len is the number of registered descrs.
func (r *DescrRegistry) Len() int {
	return len(r.descrs.GetAll())
}
