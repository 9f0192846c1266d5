package strides

import (
	"errors"
	"slices"
	"testing"
)

func TestCalcStrides(t *testing.T) {
	s, b := CalcStrides([]int{10, 5, 3}, 1, F)
	if !slices.Equal(s, []int{1, 10, 50}) || !slices.Equal(b, []int{9, 40, 100}) {
		t.Errorf("F: %v %v", s, b)
	}
	s, b = CalcStrides([]int{10, 5, 3}, 1, C)
	if !slices.Equal(s, []int{15, 3, 1}) || !slices.Equal(b, []int{135, 12, 2}) {
		t.Errorf("C: %v %v", s, b)
	}
	s, _ = CalcStrides([]int{2, 3}, 8, C)
	if !slices.Equal(s, []int{24, 8}) {
		t.Errorf("itemsize 8: %v", s)
	}
}

func TestCalcNewStrides(t *testing.T) {
	for _, tc := range []struct {
		newShape, oldShape, oldStrides []int
		order                          Order
		want                           []int
	}{
		{[]int{2, 4}, []int{4, 2}, []int{4, 2}, C, []int{8, 2}},
		{[]int{2, 4, 3}, []int{8, 3}, []int{1, 16}, F, []int{1, 2, 16}},
		{[]int{2, 3, 4}, []int{8, 3}, []int{1, 16}, F, nil},
		{[]int{24}, []int{2, 4, 3}, []int{48, 6, 1}, C, nil},
		{[]int{24}, []int{2, 4, 3}, []int{24, 6, 2}, C, []int{2}},
		{[]int{105, 1}, []int{3, 5, 7}, []int{35, 7, 1}, C, []int{1, 1}},
		{[]int{1, 105}, []int{3, 5, 7}, []int{35, 7, 1}, C, []int{105, 1}},
		{[]int{1, 105}, []int{3, 5, 7}, []int{35, 7, 1}, F, nil},
		{[]int{1, 1, 1, 105, 1}, []int{15, 7}, []int{7, 1}, C, []int{105, 105, 105, 1, 1}},
		{[]int{1, 1, 105, 1, 1}, []int{7, 15}, []int{1, 7}, F, []int{1, 1, 1, 105, 105}},
	} {
		got := CalcNewStrides(tc.newShape, tc.oldShape, tc.oldStrides, tc.order)
		if !slices.Equal(got, tc.want) || (got == nil) != (tc.want == nil) {
			t.Errorf("%v -> %v (%c): got %v, want %v", tc.oldShape, tc.newShape, tc.order, got, tc.want)
		}
	}
}

// Every flat element must land on the same offset before and after the
// reshape.
func TestReshapeKeepsElements(t *testing.T) {
	for _, tc := range []struct {
		oldShape, newShape []int
		itemSize           int
		order              Order
	}{
		{[]int{4, 6}, []int{2, 3, 4}, 8, C},
		{[]int{4, 6}, []int{24}, 4, C},
		{[]int{2, 3, 4}, []int{6, 4}, 1, F},
		{[]int{5, 1, 7}, []int{35}, 2, F},
		{[]int{3, 5, 7}, []int{1, 105}, 4, C},
	} {
		oldStrides, _ := CalcStrides(tc.oldShape, tc.itemSize, tc.order)
		newStrides := CalcNewStrides(tc.newShape, tc.oldShape, oldStrides, tc.order)
		if newStrides == nil {
			t.Errorf("%v -> %v: contiguous reshape refused", tc.oldShape, tc.newShape)
			continue
		}
		for i := 0; i < Size(tc.oldShape); i++ {
			before := Offset(oldStrides, Coords(tc.oldShape, i, tc.order))
			after := Offset(newStrides, Coords(tc.newShape, i, tc.order))
			if before != after {
				t.Errorf("%v -> %v: element %d at %d, was %d", tc.oldShape, tc.newShape, i, after, before)
				break
			}
		}
	}

	// a sliced view keeps its step inside each run
	oldShape, oldStrides := []int{8, 3}, []int{1, 16}
	newShape := []int{2, 4, 3}
	newStrides := CalcNewStrides(newShape, oldShape, oldStrides, F)
	for i := 0; i < 24; i++ {
		before := Offset(oldStrides, Coords(oldShape, i, F))
		after := Offset(newStrides, Coords(newShape, i, F))
		if before != after {
			t.Fatalf("element %d at %d, was %d", i, after, before)
		}
	}
}

func TestNewShape(t *testing.T) {
	s, err := NewShape(24, []int{2, -1, 3})
	if err != nil || !slices.Equal(s, []int{2, 4, 3}) {
		t.Errorf("got %v %v", s, err)
	}
	if _, err := NewShape(24, []int{-1, -1}); err == nil {
		t.Errorf("two unknown dimensions accepted")
	}
	if _, err := NewShape(24, []int{5, 5}); !errors.Is(err, ErrSizeChanged) {
		t.Errorf("got %v, want ErrSizeChanged", err)
	}
	if _, err := NewShape(24, []int{5, -1}); !errors.Is(err, ErrSizeChanged) {
		t.Errorf("uneven wildcard: got %v", err)
	}
}

func TestCoords(t *testing.T) {
	if c := Coords([]int{2, 3}, 4, C); !slices.Equal(c, []int{1, 1}) {
		t.Errorf("C: %v", c)
	}
	if c := Coords([]int{2, 3}, 3, F); !slices.Equal(c, []int{1, 1}) {
		t.Errorf("F: %v", c)
	}
}
