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

import (
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
)

// Type is the kind tag of a value flowing through a trace.
type Type uint8

const (
	TypeVoid Type = iota
	TypeInt
	TypeRef
	TypeFloat
)

func (t Type) String() string {
	switch t {
	case TypeInt:
		return "i"
	case TypeRef:
		return "r"
	case TypeFloat:
		return "f"
	default:
		return "v"
	}
}

// Size returns the number of bytes a value of this type occupies in a frame.
func (t Type) Size() int {
	switch t {
	case TypeFloat:
		return 8
	case TypeVoid:
		return 0
	default:
		return 4
	}
}

// Value is either a *Box or a *Const.
type Value interface {
	Type() Type
	IsConst() bool
	String() string
}

// Box is one SSA value. Boxes compare by identity only.
type Box struct {
	typ  Type
	id   int
	Name string
}

var boxCounter atomic.Int64

// NewBox creates a fresh box of the given type.
func NewBox(t Type) *Box {
	return &Box{typ: t, id: int(boxCounter.Add(1))}
}

// NewNamedBox creates a box that prints with the given name.
func NewNamedBox(t Type, name string) *Box {
	b := NewBox(t)
	b.Name = name
	return b
}

func (b *Box) Type() Type    { return b.typ }
func (b *Box) IsConst() bool { return false }
func (b *Box) ID() int       { return b.id }

func (b *Box) String() string {
	if b.Name != "" {
		return b.Name
	}
	switch b.typ {
	case TypeRef:
		return "p" + strconv.Itoa(b.id)
	case TypeFloat:
		return "f" + strconv.Itoa(b.id)
	default:
		return "i" + strconv.Itoa(b.id)
	}
}

// Const is a compile-time known value. Ints are 32 bit, references are
// 32 bit addresses on the target.
type Const struct {
	typ Type
	I   int32
	P   uint32
	F   float64
}

func ConstInt(v int32) *Const     { return &Const{typ: TypeInt, I: v} }
func ConstRef(p uint32) *Const    { return &Const{typ: TypeRef, P: p} }
func ConstFloat(f float64) *Const { return &Const{typ: TypeFloat, F: f} }

func (c *Const) Type() Type    { return c.typ }
func (c *Const) IsConst() bool { return true }

// Word returns the 32 bit machine word of an int or ref constant.
func (c *Const) Word() uint32 {
	switch c.typ {
	case TypeRef:
		return c.P
	case TypeFloat:
		panic("ir: Word() on a float constant")
	default:
		return uint32(c.I)
	}
}

// FloatBits returns the IEEE bits of a float constant.
func (c *Const) FloatBits() uint64 {
	return math.Float64bits(c.F)
}

// Equal compares two constants by type and payload.
func (c *Const) Equal(o *Const) bool {
	if c.typ != o.typ {
		return false
	}
	switch c.typ {
	case TypeFloat:
		return c.FloatBits() == o.FloatBits()
	case TypeRef:
		return c.P == o.P
	default:
		return c.I == o.I
	}
}

// IsNull is true for the NULL reference constant.
func (c *Const) IsNull() bool {
	return c.typ == TypeRef && c.P == 0
}

func (c *Const) String() string {
	switch c.typ {
	case TypeRef:
		return fmt.Sprintf("ConstPtr(0x%x)", c.P)
	case TypeFloat:
		s := strconv.FormatFloat(c.F, 'g', -1, 64)
		for _, ch := range s {
			if ch == '.' || ch == 'e' || ch == 'n' || ch == 'I' {
				return s
			}
		}
		return s + ".0"
	default:
		return strconv.Itoa(int(c.I))
	}
}

// AsBox returns the box behind v or nil for constants.
func AsBox(v Value) *Box {
	b, _ := v.(*Box)
	return b
}

// AsConst returns the constant behind v or nil for boxes.
func AsConst(v Value) *Const {
	c, _ := v.(*Const)
	return c
}
