package gcroot

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// flatMemory is a little-endian memory starting at base.
type flatMemory struct {
	base uint32
	data []byte
	next uint32
}

func newFlatMemory(base uint32, size int) *flatMemory {
	return &flatMemory{base: base, data: make([]byte, size), next: base}
}

func (m *flatMemory) Load8(addr uint32) byte        { return m.data[addr-m.base] }
func (m *flatMemory) Store8(addr uint32, b byte)    { m.data[addr-m.base] = b }
func (m *flatMemory) Load32(addr uint32) uint32     { return binary.LittleEndian.Uint32(m.data[addr-m.base:]) }
func (m *flatMemory) Store32(addr uint32, v uint32) { binary.LittleEndian.PutUint32(m.data[addr-m.base:], v) }

func (m *flatMemory) MallocAligned(size, align int) uint32 {
	a := uint32(align)
	m.next = (m.next + a - 1) &^ (a - 1)
	p := m.next
	m.next += uint32(size)
	return p
}

func framePos(n int) int { return -4 * (4 + n) }

func TestAsmGccMakeShapes(t *testing.T) {
	r := NewAsmGcc()
	num1 := framePos(-5)
	num1a := byte(num1 | 2)
	num2 := framePos(55)
	num2a := byte(((-num2 | 3) >> 7) | 128)
	num2b := byte((-num2 | 3) & 127)
	shape := r.BasicShape()
	r.AddFrameOffset(shape, num1)
	r.AddFrameOffset(shape, num2)
	expected := []byte{6, 7, 11, 15, 2, 0, num1a, num2b, num2a}
	if !bytes.Equal(shape.Bytes, expected) {
		t.Fatalf("shape %v, expected %v", shape.Bytes, expected)
	}
	for reg := 1; reg <= 4; reg++ {
		r.AddCalleeSaveReg(shape, reg)
		expected = append(expected, byte(reg*4))
		if !bytes.Equal(shape.Bytes, expected) {
			t.Errorf("after reg %d: shape %v, expected %v", reg, shape.Bytes, expected)
		}
	}
}

func TestAsmGccCompressRoundTrip(t *testing.T) {
	r := NewAsmGcc()
	mem := newFlatMemory(0x1000, 256)
	shape := r.BasicShape()
	for _, off := range []int{-8, -236, 4, -40000, 12} {
		r.AddFrameOffset(shape, off)
	}
	addr := r.CompressCallshape(shape, mem)
	// stored reversed
	for i, b := range shape.Bytes {
		if got := mem.Load8(addr + uint32(len(shape.Bytes)-1-i)); got != b {
			t.Fatalf("byte %d: stored %d, expected %d", i, got, b)
		}
	}
	back := r.DecompressCallshape(mem, addr)
	if !bytes.Equal(back, shape.Bytes) {
		t.Errorf("decompress(compress(shape)) = %v, expected %v", back, shape.Bytes)
	}
	roots, basic := r.Roots(mem, addr)
	wantRoots := []int{12, -40000, 4, -236, -8} // innermost first
	if len(roots) != len(wantRoots) {
		t.Fatalf("roots %v", roots)
	}
	for i, n := range roots {
		kind, off := DecodeLocation(n)
		if kind != LocEbpPlus && kind != LocEbpMinus {
			t.Errorf("root %d has kind %d", i, kind)
		}
		if off != wantRoots[i] {
			t.Errorf("root %d: offset %d, expected %d", i, off, wantRoots[i])
		}
	}
	if len(basic) != BasicShapeLen || basic[0] != LocEbpPlus|0 || basic[4] != LocEbpPlus|4 {
		t.Errorf("basic locations %v", basic)
	}
}

func TestAsmGccPutResize(t *testing.T) {
	r := NewAsmGcc()
	for i := 0; i < 700; i++ {
		r.Put(uint32(123456789+i), uint32(i*100+1))
	}
	m := r.GcMap()
	if len(m) != 1400 {
		t.Fatalf("expected 1400 words, got %d", len(m))
	}
	for i := 0; i < 700; i++ {
		if m[2*i] != uint32(123456789+i) || m[2*i+1] != uint32(i*100+1) {
			t.Fatalf("entry %d is (%d, %d)", i, m[2*i], m[2*i+1])
		}
	}
	if r.GcMarkSorted() {
		t.Errorf("table should be marked unsorted after Put")
	}
	if !r.GcMarkSorted() {
		t.Errorf("GcMarkSorted must set the flag")
	}
}

func TestAsmGccRemoveNulls(t *testing.T) {
	type pair struct{ a, b uint32 }
	r := NewAsmGcc()
	var expected []pair
	check := func() {
		t.Helper()
		m := r.GcMap()
		if len(m) != 2*len(expected) {
			t.Fatalf("table has %d words, expected %d", len(m), 2*len(expected))
		}
		for i, p := range expected {
			if m[2*i] != p.a || m[2*i+1] != p.b {
				t.Fatalf("entry %d is (%d, %d), expected %v", i, m[2*i], m[2*i+1], p)
			}
		}
	}
	for i := 0; i < 700; i++ {
		shapeaddr := uint32(i * 100) // 0 for i == 0
		retaddr := uint32(123456789 + i)
		r.Put(retaddr, shapeaddr)
		if shapeaddr != 0 {
			expected = append(expected, pair{retaddr, shapeaddr})
		}
	}
	// the first resize dropped the null entry
	check()
	for repeat := 0; repeat < 10; repeat++ {
		if len(expected) != 699 {
			t.Fatalf("expected 699 entries, got %d", len(expected))
		}
		for i := 0; i < len(expected); i += 2 {
			r.gcmap[i*2+1] = 0
			r.deadentries++
		}
		var kept []pair
		for i := 1; i < len(expected); i += 2 {
			kept = append(kept, expected[i])
		}
		expected = kept
		if r.deadentries*6 <= r.Capacity() {
			t.Fatalf("not enough dead entries to force a compaction")
		}
		capacity := r.Capacity()
		for i := 0; i < 699; i += 2 {
			r.Put(uint32(515151+i+repeat), uint32(626262+i))
			expected = append(expected, pair{uint32(515151 + i + repeat), uint32(626262 + i)})
		}
		if r.Capacity() != capacity {
			t.Errorf("compaction should not grow the table")
		}
		check()
	}
}

func TestAsmGccFreeingBlock(t *testing.T) {
	r := NewAsmGcc()
	for i := 699; i >= 0; i-- { // unsorted on purpose
		r.Put(uint32(1200000+i), uint32(i*100+1))
	}
	r.FreeingBlock(1200000-100, 1200000)
	if r.DeadEntries() != 0 {
		t.Errorf("freeing an empty range killed %d entries", r.DeadEntries())
	}
	if !r.GcMarkSorted() {
		t.Errorf("FreeingBlock must leave the table sorted")
	}
	r.FreeingBlock(1200000+100, 1200000+200)
	if r.DeadEntries() != 100 {
		t.Errorf("expected 100 dead entries, got %d", r.DeadEntries())
	}
	m := r.GcMap()
	for i := 0; i < 700; i++ {
		want := uint32(i*100 + 1)
		if i >= 100 && i < 200 {
			want = 0
		}
		if m[2*i] != uint32(1200000+i) || m[2*i+1] != want {
			t.Fatalf("entry %d is (%d, %d), expected shape %d", i, m[2*i], m[2*i+1], want)
		}
	}
	if r.Lookup(1200000+250) != 250*100+1 {
		t.Errorf("lookup of a live entry failed")
	}
	if r.Lookup(1200000+150) != 0 {
		t.Errorf("lookup of a freed entry should give 0")
	}
}

func TestShadowStackShapes(t *testing.T) {
	r := NewShadowStack(0)
	mem := newFlatMemory(0x2000, 64)
	shape := r.BasicShape()
	r.AddFrameOffset(shape, -8)
	r.AddFrameOffset(shape, 12)
	r.AddFrameOffset(shape, -400)
	addr := r.CompressCallshape(shape, mem)
	if addr%4 != 0 {
		t.Errorf("shape not word aligned: %#x", addr)
	}
	if got := mem.Load32(addr + 12); got != 0 {
		t.Errorf("shape not zero terminated")
	}
	back := r.DecompressCallshape(mem, addr)
	if len(back) != 3 || back[0] != -8 || back[1] != 12 || back[2] != -400 {
		t.Errorf("decompress gave %v", back)
	}
}

func TestShadowStackCalleeSavePanics(t *testing.T) {
	r := NewShadowStack(0)
	defer func() {
		msg, _ := recover().(string)
		if msg != "GC pointer in r5 was not spilled" {
			t.Errorf("unexpected panic %q", msg)
		}
	}()
	r.AddCalleeSaveReg(r.BasicShape(), 5)
}

func TestShadowStackCallshapeGrowth(t *testing.T) {
	r := NewShadowStack(0)
	r.WriteCallshape(0x100, 3)
	if r.Capacity() != 250 {
		t.Errorf("first growth should give 250 slots, got %d", r.Capacity())
	}
	r.WriteCallshape(0x200, 1000)
	if r.Capacity() != 1001 {
		t.Errorf("growth below minsize should use minsize, got %d", r.Capacity())
	}
	if r.Callshape(3) != 0x100 || r.Callshape(1000) != 0x200 || r.Callshape(4) != 0 {
		t.Errorf("callshape table lost entries")
	}
}

// heapGC accepts words that point into [lo, hi).
type heapGC struct {
	mem    Memory
	lo, hi uint32
}

func (g heapGC) PointsToValidGCObject(addr uint32) bool {
	v := g.mem.Load32(addr)
	return v >= g.lo && v < g.hi
}

func TestRootIteratorYieldsEachRootOnce(t *testing.T) {
	mem := newFlatMemory(0x10000, 0x1000)
	r := NewShadowStack(0)
	gc := heapGC{mem: mem, lo: 0x50000, hi: 0x60000}

	// a JIT frame at 0x10800 with roots at fp-4 and fp-12, a NULL at fp-8
	fp := uint32(0x10800)
	mem.Store32(fp, 7) // force index 7
	mem.Store32(fp-4, 0x50010)
	mem.Store32(fp-8, 0)
	mem.Store32(fp-12, 0x50020)
	shape := r.BasicShape()
	r.AddFrameOffset(shape, -4)
	r.AddFrameOffset(shape, -8)
	r.AddFrameOffset(shape, -12)
	r.WriteCallshape(r.CompressCallshape(shape, mem), 7)

	// a forced frame at 0x10900 using force index ~3
	fp2 := uint32(0x10900)
	fi := int32(3)
	mem.Store32(fp2, uint32(^fi))
	mem.Store32(fp2-16, 0x50030)
	shape2 := r.BasicShape()
	r.AddFrameOffset(shape2, -16)
	r.WriteCallshape(r.CompressCallshape(shape2, mem), 3)

	// shadow stack: plain root, NULL, frame, plain root, frame2
	ss := uint32(0x10c00)
	words := []uint32{0x50100, 0, fp, MarkerFrame, 0x50200, fp2, MarkerFrame}
	for i, w := range words {
		mem.Store32(ss+uint32(4*i), w)
	}
	top := ss + uint32(4*len(words))

	it := r.NewRootIterator(mem)
	seen := map[uint32]int{}
	var order []uint32
	prev := top
	for {
		addr := it.NextLeft(gc, ss, prev)
		if addr == 0 {
			break
		}
		seen[addr]++
		order = append(order, addr)
		prev = addr
	}
	want := []uint32{fp2 - 16, ss + 16, fp - 4, fp - 12, ss}
	if len(order) != len(want) {
		t.Fatalf("iterator yielded %x, expected %x", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("root %d at %#x, expected %#x", i, order[i], want[i])
		}
	}
	for a, n := range seen {
		if n != 1 {
			t.Errorf("root %#x yielded %d times", a, n)
		}
	}
}
