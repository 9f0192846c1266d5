package codebuf

import (
	"errors"
	"testing"
)

type mapMemory map[uint32]byte

func (m mapMemory) Load8(addr uint32) byte     { return m[addr] }
func (m mapMemory) Store8(addr uint32, b byte) { m[addr] = b }
func (m mapMemory) Load32(addr uint32) uint32 {
	return uint32(m[addr]) | uint32(m[addr+1])<<8 | uint32(m[addr+2])<<16 | uint32(m[addr+3])<<24
}
func (m mapMemory) Store32(addr uint32, v uint32) {
	for i := uint32(0); i < 4; i++ {
		m[addr+i] = byte(v >> (8 * i))
	}
}

func mustMalloc(t *testing.T, a *Arena, size, align int) Block {
	t.Helper()
	b, err := a.Malloc(size, align)
	if err != nil {
		t.Fatalf("malloc(%d, %d): %v", size, align, err)
	}
	return b
}

func checkChunks(t *testing.T, a *Arena, want ...Block) {
	t.Helper()
	got := a.FreeChunks()
	if len(got) != len(want) {
		t.Fatalf("free chunks %v, expected %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("free chunks %v, expected %v", got, want)
		}
	}
}

func TestArenaMallocFree(t *testing.T) {
	a := NewArena("code", 0x1000, 0x2000)
	b1 := mustMalloc(t, a, 100, 8)
	if b1 != (Block{0x1000, 0x1064}) {
		t.Fatalf("first block %v", b1)
	}
	b2 := mustMalloc(t, a, 16, 16)
	if b2 != (Block{0x1070, 0x1080}) {
		t.Fatalf("aligned block %v", b2)
	}
	checkChunks(t, a, Block{0x1064, 0x1070}, Block{0x1080, 0x2000})
	if a.InUse() != 116 {
		t.Errorf("in use %d", a.InUse())
	}

	if b, ok := a.BlockAt(0x1075); !ok || b != b2 {
		t.Errorf("BlockAt(0x1075) = %v, %v", b, ok)
	}
	if _, ok := a.BlockAt(0x1068); ok {
		t.Errorf("the alignment gap belongs to no block")
	}

	a.Free(b1.Start)
	checkChunks(t, a, Block{0x1000, 0x1070}, Block{0x1080, 0x2000})
	a.Free(b2.Start)
	checkChunks(t, a, Block{0x1000, 0x2000})
	if a.InUse() != 0 {
		t.Errorf("in use %d after freeing everything", a.InUse())
	}
	if _, ok := a.Free(0x1000); ok {
		t.Errorf("double free must be refused")
	}
}

func TestArenaFull(t *testing.T) {
	a := NewArena("tiny", 0x100, 0x200)
	mustMalloc(t, a, 0xc0, 4)
	if _, err := a.Malloc(0x80, 4); !errors.Is(err, ErrArenaFull) {
		t.Errorf("expected ErrArenaFull, got %v", err)
	}
	mustMalloc(t, a, 0x40, 4)
	if len(a.FreeChunks()) != 0 {
		t.Errorf("arena should be exhausted: %v", a.FreeChunks())
	}
}

func TestBuilderFixups(t *testing.T) {
	b := NewBuilder()
	start := b.DefineLabel()
	fwd := b.ReserveLabel()
	b.AddFixup(fwd, FixupBranch24)
	b.Emit(0xea000000) // B fwd
	b.Emit(0xe320f000)
	b.Emit(0xe320f000)
	b.MarkLabel(fwd)
	b.Emit(0xe320f000)
	b.AddFixup(start, FixupBranch24)
	b.Emit(0x0a000000) // BEQ start
	b.ResolveFixups()
	if w := b.Word(0); w != 0xea000001 {
		t.Errorf("forward branch %#x", w)
	}
	if w := b.Word(16); w != 0x0afffffa {
		t.Errorf("backward branch %#x", w)
	}
}

func TestBuilderPlace(t *testing.T) {
	b := NewBuilder()
	b.Emit(0xe320f000)
	l := b.ReserveLabel()
	b.AddFixup(l, FixupMovwMovt)
	b.Emit(0xe300c000, 0xe340c000) // MOVW/MOVT ip, #0
	if b.Pos() != 12 {
		t.Fatalf("pos %d after emitting three words", b.Pos())
	}
	b.MarkLabel(l)
	b.Emit(0xe12fff1c)

	mem := mapMemory{}
	base := uint32(0x12340000)
	b.Place(mem, base)
	if w := mem.Load32(base + 4); w != 0xe300c00c {
		t.Errorf("movw %#x", w)
	}
	if w := mem.Load32(base + 8); w != 0xe341c234 {
		t.Errorf("movt %#x", w)
	}

	b2 := NewBuilder()
	b2.AddReloc(0x10010)
	b2.Emit(0xea000000)
	b2.Place(mem, 0x10000)
	if w := mem.Load32(0x10000); w != 0xea000002 {
		t.Errorf("relocated branch %#x", w)
	}
	if len(b2.Bytes()) != 4 || b2.Bytes()[3] != 0xea {
		t.Errorf("bytes not little-endian: %x", b2.Bytes())
	}
}

func TestDataBlocks(t *testing.T) {
	a := NewArena("data", 0x4000, 0x8000)
	d := NewDataBlocks(mapMemory{}, a)
	d.ChunkSize = 64
	p1 := d.MallocAligned(3, 1)
	p2 := d.MallocAligned(8, 4)
	if p1 != 0x4000 || p2 != 0x4004 {
		t.Errorf("first pieces at %#x %#x", p1, p2)
	}
	p3 := d.MallocAligned(100, 4)
	if len(d.Blocks) != 2 || p3 != d.Blocks[1].Start {
		t.Errorf("big piece %#x should start a new chunk, chunks %v", p3, d.Blocks)
	}
	d.Store32(p2, 0xdeadbeef)
	if d.Load32(p2) != 0xdeadbeef {
		t.Errorf("memory not reachable through the wrapper")
	}
	d.Free()
	if a.InUse() != 0 {
		t.Errorf("chunks not returned: %d bytes in use", a.InUse())
	}

	defer func() {
		if err, _ := recover().(error); !errors.Is(err, ErrArenaFull) {
			t.Errorf("exhaustion should panic with ErrArenaFull, got %v", err)
		}
	}()
	d.MallocAligned(0x8000, 4)
}
