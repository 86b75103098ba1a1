package block

import (
	"errors"
	"testing"

	"github.com/go-granary/granary/cache"
	"github.com/go-granary/granary/decode"
)

// flatMemory mirrors decode's test fake: a flat, fully-mapped in-memory
// code region.
type flatMemory struct {
	base uint64
	code []byte
}

func (m *flatMemory) ReadCode(pc uint64, n int) ([]byte, error) {
	if pc < m.base || pc >= m.base+uint64(len(m.code)) {
		return nil, errors.New("unmapped")
	}
	off := int(pc - m.base)
	avail := len(m.code) - off
	if avail > n {
		avail = n
	}
	return m.code[off : off+avail], nil
}

func TestRequestBlockStraightLine(t *testing.T) {
	// push rdi ; pop rdx ; ret
	code := []byte{0x57, 0x5a, 0xc3}
	dec := decode.New(&flatMemory{code: code})
	f := NewFactory(dec, cache.NewIndex())

	tr := NewTrace()
	id, err := f.RequestBlock(0, nil, tr)
	if err != nil {
		t.Fatalf("RequestBlock: %v", err)
	}

	b := tr.Block(id)
	if b.Kind != Decoded {
		t.Fatalf("Kind = %v, want Decoded", b.Kind)
	}
	// BLOCK_BEGIN + push + pop + ret
	if len(b.Instructions) != 4 {
		t.Fatalf("len(Instructions) = %d, want 4", len(b.Instructions))
	}
	term, ok := b.Terminator()
	if !ok {
		t.Fatal("expected a terminator")
	}
	if len(b.Successors) != 1 {
		t.Fatalf("len(Successors) = %d, want 1 (return)", len(b.Successors))
	}
	succ := tr.Block(b.Successors[0])
	if succ.Kind != Return {
		t.Fatalf("successor Kind = %v, want Return", succ.Kind)
	}
	_ = term
}

func TestRequestBlockDirectJumpBecomesFuture(t *testing.T) {
	// jmp +2 (eb 02) then two bytes of filler the jump skips over.
	code := []byte{0xeb, 0x02, 0x90, 0x90}
	dec := decode.New(&flatMemory{code: code})
	f := NewFactory(dec, cache.NewIndex())

	tr := NewTrace()
	id, err := f.RequestBlock(0, nil, tr)
	if err != nil {
		t.Fatalf("RequestBlock: %v", err)
	}
	b := tr.Block(id)
	if len(b.Successors) != 1 {
		t.Fatalf("len(Successors) = %d, want 1", len(b.Successors))
	}
	succ := tr.Block(b.Successors[0])
	if succ.Kind != DirectFuture {
		t.Fatalf("successor Kind = %v, want DirectFuture", succ.Kind)
	}
	if succ.StartPC != 4 {
		t.Fatalf("successor StartPC = %#x, want 4", succ.StartPC)
	}
}

func TestRequestBlockCachedShortCircuits(t *testing.T) {
	code := []byte{0xc3} // ret
	dec := decode.New(&flatMemory{code: code})
	idx := cache.NewIndex()

	meta := NewMetaData(0)
	idx.Insert(meta.Hash(), meta.CoarseHash(), 0xdead)

	f := NewFactory(dec, idx)
	tr := NewTrace()
	id, err := f.RequestBlock(0, nil, tr)
	if err != nil {
		t.Fatalf("RequestBlock: %v", err)
	}
	b := tr.Block(id)
	if b.Kind != Cached {
		t.Fatalf("Kind = %v, want Cached", b.Kind)
	}
	if b.CachePC != 0xdead {
		t.Fatalf("CachePC = %#x, want 0xdead", b.CachePC)
	}
}

func TestRequestBlockStayNative(t *testing.T) {
	code := []byte{0xc3}
	dec := decode.New(&flatMemory{code: code})
	f := NewFactory(dec, cache.NewIndex())
	f.StayNative = func(pc uint64) bool { return true }

	tr := NewTrace()
	id, err := f.RequestBlock(0, nil, tr)
	if err != nil {
		t.Fatalf("RequestBlock: %v", err)
	}
	if tr.Block(id).Kind != Native {
		t.Fatalf("Kind = %v, want Native", tr.Block(id).Kind)
	}
}
