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

// The recovery data of a guard lists where each fail arg lives when the
// guard fails. Every entry is a varint whose low two bits give the kind.
const (
	kindRef     = 0
	kindInt     = 1
	kindFloat   = 2
	kindSpecial = 3

	CodeFromStack = 4 * FirstStack
	CodeStop      = 0<<2 | kindSpecial
	CodeHole      = 1<<2 | kindSpecial
	CodeInputArg  = 2<<2 | kindSpecial
	CodeForced    = 3<<2 | kindSpecial
)

// FirstStack is the location number of frame slot 0. Lower numbers are
// registers: 0-15 core, 16-31 VFP.
const FirstStack = 32

var ErrBadRecovery = errors.New("guard: malformed recovery data")

// Entry is one decoded fail arg location.
type Entry struct {
	Type     ir.Type // TypeVoid for holes
	Loc      int
	InputArg bool
	Forced   bool // the value is a virtual that was forced before the guard
}

func (e Entry) IsHole() bool  { return e.Type == ir.TypeVoid }
func (e Entry) IsStack() bool { return e.Loc >= FirstStack }
func (e Entry) StackPos() int { return e.Loc - FirstStack }

func kindOf(t ir.Type) int {
	switch t {
	case ir.TypeRef:
		return kindRef
	case ir.TypeFloat:
		return kindFloat
	}
	return kindInt
}

func putVarint(out []byte, n int) []byte {
	for n > 0x7F {
		out = append(out, byte(n&0x7F|0x80))
		n >>= 7
	}
	return append(out, byte(n))
}

// EncodeRecovery writes the entries, the stop code and the fail index.
func EncodeRecovery(entries []Entry, failIndex int32) []byte {
	out := make([]byte, 0, len(entries)+4)
	for _, e := range entries {
		if e.IsHole() {
			out = append(out, CodeHole)
			continue
		}
		if e.InputArg {
			out = append(out, CodeInputArg)
		}
		if e.Forced {
			out = append(out, CodeForced)
		}
		out = putVarint(out, kindOf(e.Type)+4*e.Loc)
	}
	out = append(out, CodeStop)
	return putVarint(out, int(failIndex))
}

func readVarint(data []byte, i int) (int, int, error) {
	n, shift := 0, 0
	for {
		if i >= len(data) || shift > 28 {
			return 0, i, ErrBadRecovery
		}
		b := data[i]
		i++
		n |= int(b&0x7F) << shift
		if b&0x80 == 0 {
			return n, i, nil
		}
		shift += 7
	}
}

// DecodeRecovery is the inverse of EncodeRecovery.
func DecodeRecovery(data []byte) ([]Entry, int32, error) {
	var entries []Entry
	input, forced := false, false
	for i := 0; ; {
		n, next, err := readVarint(data, i)
		if err != nil {
			return nil, 0, err
		}
		i = next
		switch n {
		case CodeStop:
			if input || forced {
				return nil, 0, ErrBadRecovery
			}
			idx, end, err := readVarint(data, i)
			if err != nil {
				return nil, 0, err
			}
			if end != len(data) {
				return nil, 0, fmt.Errorf("%w: %d trailing bytes", ErrBadRecovery, len(data)-end)
			}
			return entries, int32(idx), nil
		case CodeHole:
			entries = append(entries, Entry{Type: ir.TypeVoid, Loc: -1})
			continue
		case CodeInputArg:
			input = true
			continue
		case CodeForced:
			forced = true
			continue
		}
		e := Entry{Loc: n >> 2, InputArg: input, Forced: forced}
		switch n & 3 {
		case kindRef:
			e.Type = ir.TypeRef
		case kindInt:
			e.Type = ir.TypeInt
		case kindFloat:
			e.Type = ir.TypeFloat
		default:
			return nil, 0, fmt.Errorf("%w: unknown code %d", ErrBadRecovery, n)
		}
		entries = append(entries, e)
		input, forced = false, false
	}
}
