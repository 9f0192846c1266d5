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
package strides

import (
	"errors"
	"fmt"
)

// Order is the memory order of an array: C is row major, F column major.
type Order byte

const (
	C Order = 'C'
	F Order = 'F'
)

var ErrSizeChanged = errors.New("strides: total size of new array must be unchanged")

// CalcStrides returns the strides and backstrides of a contiguous array.
// A backstride is the distance from the first to the last element of a
// dimension.
func CalcStrides(shape []int, itemSize int, order Order) (strides, backstrides []int) {
	n := len(shape)
	strides = make([]int, n)
	backstrides = make([]int, n)
	s := 1
	for k := 0; k < n; k++ {
		i := k
		if order == C {
			i = n - 1 - k
		}
		strides[i] = s * itemSize
		backstrides[i] = s * (shape[i] - 1) * itemSize
		s *= shape[i]
	}
	return
}

// CalcNewStrides returns the strides that view the same elements as
// oldStrides after reshaping oldShape to newShape, or nil when an element
// run of the new shape would cross a step boundary of the old one. Both
// shapes must have the same number of elements.
func CalcNewStrides(newShape, oldShape, oldStrides []int, order Order) []int {
	n := len(oldShape)
	if n == 0 || len(newShape) == 0 || len(oldStrides) != n {
		return nil
	}
	steps := make([]int, n)
	newStrides := make([]int, len(newShape))
	last := 1
	if order == F {
		for i := 0; i < n; i++ {
			steps[i] = oldStrides[i] / last
			last *= oldShape[i]
		}
		cur, used, oldI, toUse := steps[0], 1, 0, oldShape[0]
		for j, s := range newShape {
			newStrides[j] = cur * used
			used *= s
			for used > toUse {
				oldI++
				if oldI >= n || steps[oldI] != steps[oldI-1] {
					return nil
				}
				toUse *= oldShape[oldI]
			}
			if used == toUse {
				oldI++
				if oldI < n {
					cur = steps[oldI]
					toUse *= oldShape[oldI]
				}
			}
		}
		return newStrides
	}
	for i := n - 1; i >= 0; i-- {
		steps[i] = oldStrides[i] / last
		last *= oldShape[i]
	}
	cur, used, oldI, toUse := steps[n-1], 1, n-1, oldShape[n-1]
	for j := len(newShape) - 1; j >= 0; j-- {
		newStrides[j] = cur * used
		used *= newShape[j]
		for used > toUse {
			oldI--
			if oldI < 0 || steps[oldI] != steps[oldI+1] {
				return nil
			}
			toUse *= oldShape[oldI]
		}
		if used == toUse {
			oldI--
			if oldI >= 0 {
				cur = steps[oldI]
				toUse *= oldShape[oldI]
			}
		}
	}
	return newStrides
}

// NewShape resolves a reshape request. At most one dimension may be
// negative; it takes whatever is left of oldSize.
func NewShape(oldSize int, dims []int) ([]int, error) {
	shape := make([]int, len(dims))
	size, neg := 1, -1
	for i, d := range dims {
		if d < 0 {
			if neg >= 0 {
				return nil, errors.New("strides: can only specify one unknown dimension")
			}
			neg, d = i, 1
		}
		size *= d
		shape[i] = d
	}
	if neg >= 0 && size != 0 {
		shape[neg] = oldSize / size
		size *= shape[neg]
	}
	if size != oldSize {
		return nil, fmt.Errorf("%w: %v into %d", ErrSizeChanged, dims, oldSize)
	}
	return shape, nil
}

// Offset is the byte offset of the element at index.
func Offset(strides, index []int) int {
	o := 0
	for i, x := range index {
		o += x * strides[i]
	}
	return o
}

// Coords turns a flat element number into an index into shape.
func Coords(shape []int, flat int, order Order) []int {
	n := len(shape)
	idx := make([]int, n)
	for k := 0; k < n; k++ {
		i := n - 1 - k
		if order == F {
			i = k
		}
		if shape[i] > 0 {
			idx[i] = flat % shape[i]
			flat /= shape[i]
		}
	}
	return idx
}

// Size is the number of elements of shape.
func Size(shape []int) int {
	s := 1
	for _, d := range shape {
		s *= d
	}
	return s
}
