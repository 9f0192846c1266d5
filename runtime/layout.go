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

	"github.com/docker/go-units"

	"github.com/launix-de/rjit/arm"
)

// MemBase is the lowest address of the simulated memory. Everything the
// runtime owns lives in one flat block above it:
//
//	globals | thread stacks | code | data | nursery | old space
const MemBase = 0x00010000

// MaxThreads is the number of threads that can be inside compiled code
// at the same time.
const MaxThreads = 8

const globalsSize = 0x1000

// offsets in the globals page
const (
	offFailBoxes   = 0
	offException   = arm.NumFailBoxes * 8
	offRootTop     = offException + 16
	offNurseryFree = offRootTop + 4
	offNurseryTop  = offNurseryFree + 4
)

// Options choose the collector and the sizes of the memory regions.
type Options struct {
	GC           string // framework or boehm
	RootFinder   string // shadowstack or asmgcc
	CodeSize     int
	DataSize     int
	NurserySize  int
	NurseryChunk int // what one trip through the slow path hands out
	OldSize      int
	StackSize    int
	ShadowSize   int
	SoftFloat    bool
	NoCards      bool
	MaxSteps     uint64 // 0 runs without a limit
	HostMirror   bool   // copy placed code into an executable host mapping

	TraceEagerness uint32 // 0 keeps the default of the guard policy
}

func (o Options) String() string {
	return fmt.Sprintf("gc=%s roots=%s code=%s data=%s nursery=%s/%s old=%s stack=%s",
		o.GC, o.RootFinder, units.BytesSize(float64(o.CodeSize)), units.BytesSize(float64(o.DataSize)),
		units.BytesSize(float64(o.NurserySize)), units.BytesSize(float64(o.NurseryChunk)),
		units.BytesSize(float64(o.OldSize)), units.BytesSize(float64(o.StackSize)))
}

func DefaultOptions() Options {
	return Options{
		GC:           "framework",
		RootFinder:   "shadowstack",
		CodeSize:     1 << 20,
		DataSize:     256 << 10,
		NurserySize:  256 << 10,
		NurseryChunk: 64 << 10,
		OldSize:      4 << 20,
		StackSize:    64 << 10,
		ShadowSize:   16 << 10,
		MaxSteps:     100000000,
	}
}

func (o *Options) check() error {
	switch o.GC {
	case "framework", "boehm":
	default:
		return fmt.Errorf("runtime: unknown gc %q", o.GC)
	}
	switch o.RootFinder {
	case "shadowstack", "asmgcc":
	default:
		return fmt.Errorf("runtime: unknown root finder %q", o.RootFinder)
	}
	for name, v := range map[string]int{
		"code": o.CodeSize, "data": o.DataSize, "nursery": o.NurserySize,
		"nursery chunk": o.NurseryChunk, "old space": o.OldSize,
		"stack": o.StackSize, "shadow stack": o.ShadowSize,
	} {
		if v <= 0 || v&7 != 0 {
			return fmt.Errorf("runtime: %s size %d must be a positive multiple of 8", name, v)
		}
	}
	if o.NurseryChunk > o.NurserySize {
		return fmt.Errorf("runtime: nursery chunk %d is larger than the nursery %d", o.NurseryChunk, o.NurserySize)
	}
	return nil
}

// region is a half-open address range.
type region struct {
	start, end uint32
}

func (r region) contains(addr uint32) bool { return addr >= r.start && addr < r.end }

type layout struct {
	globals uint32
	threads uint32
	code    region
	data    region
	nursery region
	old     region
	end     uint32
}

func newLayout(o *Options) layout {
	var l layout
	p := uint32(MemBase)
	take := func(n int) region {
		r := region{p, p + uint32(n)}
		p = r.end
		return r
	}
	l.globals = take(globalsSize).start
	l.threads = take(MaxThreads * (o.StackSize + o.ShadowSize)).start
	l.code = take(o.CodeSize)
	l.data = take(o.DataSize)
	l.nursery = take(o.NurserySize)
	l.old = take(o.OldSize)
	l.end = p
	return l
}
