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

// Snapshot lists the values live in one meta-interpreter frame at a guard.
// Prev is the caller's snapshot; inlined call chains share their prefix.
type Snapshot struct {
	Prev  *Snapshot
	Boxes []Value
}

// FrameInfo locates one frame: which jitcode and which pc inside it.
type FrameInfo struct {
	Prev    *FrameInfo
	JitCode string
	PC      int
}

// Depth counts the frames of a snapshot chain.
func (s *Snapshot) Depth() int {
	n := 0
	for ; s != nil; s = s.Prev {
		n++
	}
	return n
}

// Frames returns the chain outermost first.
func (f *FrameInfo) Frames() []*FrameInfo {
	var out []*FrameInfo
	for ; f != nil; f = f.Prev {
		out = append(out, f)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Snapshots returns the chain outermost first.
func (s *Snapshot) Snapshots() []*Snapshot {
	var out []*Snapshot
	for ; s != nil; s = s.Prev {
		out = append(out, s)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// CaptureResume attaches a single-frame snapshot of the fail args to d
// when the tracer gave none.
func CaptureResume(d *FailDescr, failargs []*Box, jitcode string, pc int) {
	if d.Snapshot != nil {
		return
	}
	vals := make([]Value, 0, len(failargs))
	for _, b := range failargs {
		if b != nil {
			vals = append(vals, b)
		}
	}
	d.Snapshot = &Snapshot{Boxes: vals}
	d.FrameInfo = &FrameInfo{JitCode: jitcode, PC: pc}
}
