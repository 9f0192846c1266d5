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
	"fmt"
	"math"

	"github.com/launix-de/rjit/ir"
)

// Value is one word read back from a fail box.
type Value struct {
	Type ir.Type
	Bits uint64
}

func IntValue(v int32) Value     { return Value{Type: ir.TypeInt, Bits: uint64(uint32(v))} }
func RefValue(p uint32) Value    { return Value{Type: ir.TypeRef, Bits: uint64(p)} }
func FloatValue(f float64) Value { return Value{Type: ir.TypeFloat, Bits: math.Float64bits(f)} }
func (v Value) Int() int32       { return int32(uint32(v.Bits)) }
func (v Value) Ref() uint32      { return uint32(v.Bits) }
func (v Value) Float() float64   { return math.Float64frombits(v.Bits) }
func (v Value) IsHole() bool     { return v.Type == ir.TypeVoid }

func (v Value) String() string {
	switch v.Type {
	case ir.TypeInt:
		return fmt.Sprint(v.Int())
	case ir.TypeRef:
		return fmt.Sprintf("%#x", v.Ref())
	case ir.TypeFloat:
		return fmt.Sprint(v.Float())
	}
	return "-"
}

// ConstValue converts a constant of the trace.
func ConstValue(c *ir.Const) Value {
	if c.Type() == ir.TypeFloat {
		return FloatValue(c.F)
	}
	return Value{Type: c.Type(), Bits: uint64(c.Word())}
}

// DeadFrame is what is left of a run that left its loop: the descr of
// the exit and one value per fail arg.
type DeadFrame struct {
	Descr  *ir.FailDescr
	Values []Value

	// set when the frame left with an exception
	ExcType, ExcValue uint32
}

func (f *DeadFrame) String() string {
	return fmt.Sprintf("%s %v", f.Descr, f.Values)
}
