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

import (
	"errors"
	"fmt"

	"github.com/launix-de/rjit/ir"
)

var ErrBadResume = errors.New("guard: resume data does not match the frame")

// Frame is one rebuilt meta-interpreter frame.
type Frame struct {
	JitCode string
	PC      int
	Values  []Value
}

// ResumeReader rebuilds the interpreter frames of a failed guard from
// its snapshots and the values of the dead frame.
type ResumeReader struct {
	frame *DeadFrame
	slots map[*ir.Box]int
}

func NewResumeReader(f *DeadFrame) *ResumeReader {
	r := &ResumeReader{frame: f, slots: map[*ir.Box]int{}}
	for i, b := range f.Descr.FailArgs {
		if b != nil {
			r.slots[b] = i
		}
	}
	return r
}

func (r *ResumeReader) value(v ir.Value) (Value, error) {
	if c := ir.AsConst(v); c != nil {
		return ConstValue(c), nil
	}
	b := ir.AsBox(v)
	i, ok := r.slots[b]
	if !ok || i >= len(r.frame.Values) {
		return Value{}, fmt.Errorf("%w: %s is not a fail arg of %s", ErrBadResume, b, r.frame.Descr)
	}
	return r.frame.Values[i], nil
}

// Frames returns the frames outermost first.
func (r *ResumeReader) Frames() ([]Frame, error) {
	d := r.frame.Descr
	snaps, infos := d.Snapshot.Snapshots(), d.FrameInfo.Frames()
	if len(snaps) != len(infos) {
		return nil, fmt.Errorf("%w: %d snapshots, %d frame infos", ErrBadResume, len(snaps), len(infos))
	}
	frames := make([]Frame, len(snaps))
	for i, s := range snaps {
		fr := Frame{JitCode: infos[i].JitCode, PC: infos[i].PC, Values: make([]Value, len(s.Boxes))}
		for j, v := range s.Boxes {
			val, err := r.value(v)
			if err != nil {
				return nil, err
			}
			fr.Values[j] = val
		}
		frames[i] = fr
	}
	return frames, nil
}
