package granarycontext

import (
	"errors"
	"testing"

	"github.com/go-granary/granary/block"
	"github.com/go-granary/granary/client"
)

// flatMemory is a minimal in-memory decode.CodeReader over a fixed byte
// slice, mirroring decode's own test fixture.
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

// movRaxRet is "mov rax, 1; ret".
var movRaxRet = []byte{0x48, 0xc7, 0xc0, 0x01, 0x00, 0x00, 0x00, 0xc3}

func TestTranslateProducesCacheAddressAndIsIdempotent(t *testing.T) {
	mem := &flatMemory{code: movRaxRet}
	c := New(mem, 0x1000, nil)
	defer c.Close()

	pc1, err := c.Translate(0, nil)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if pc1 == 0 {
		t.Fatalf("expected non-zero cache pc")
	}

	pc2, err := c.Translate(0, nil)
	if err != nil {
		t.Fatalf("second Translate: %v", err)
	}
	if pc1 != pc2 {
		t.Fatalf("expected idempotent translation, got %#x then %#x", pc1, pc2)
	}
	if c.Index().Len() != 1 {
		t.Fatalf("expected exactly 1 indexed translation, got %d", c.Index().Len())
	}
}

func TestTranslateRunsRegisteredClient(t *testing.T) {
	mem := &flatMemory{code: movRaxRet}
	registry := client.NewRegistry()

	var instrumented int
	registry.Register("counter", client.Callbacks{
		OnInstrumentBlock: func(b *block.Block) { instrumented++ },
	})

	c := New(mem, 0x1000, registry)
	defer c.Close()

	if _, err := c.Translate(0, nil); err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if instrumented == 0 {
		t.Fatalf("expected OnInstrumentBlock to be called at least once")
	}
}

func TestInvalidateResetsDirectEdgeToStub(t *testing.T) {
	mem := &flatMemory{code: movRaxRet}
	c := New(mem, 0x1000, nil)
	defer c.Close()

	sourceMeta := block.NewMetaData(0x2000)
	destMeta := block.NewMetaData(0x3000)

	d, err := c.AllocateDirectEdge(sourceMeta, destMeta)
	if err != nil {
		t.Fatalf("AllocateDirectEdge: %v", err)
	}
	d.PublishExit(0xdead000)
	if d.ExitTarget() != 0xdead000 {
		t.Fatalf("expected exit target published")
	}

	c.recordCommitted(&block.Block{StartPC: destMeta.StartPC()}, destMeta.Hash(), destMeta.CoarseHash())
	c.Invalidate(destMeta.StartPC(), 1)

	if d.ExitTarget() != d.EdgeCodePC {
		t.Fatalf("expected exit target reset to stub %#x, got %#x", d.EdgeCodePC, d.ExitTarget())
	}
}

// TestInvalidateInteriorAddressInvalidatesBlock confirms Invalidate
// recognizes an overlap with an address strictly inside a multi-byte
// block, not only its exact start -- movRaxRet spans 8 bytes from pc 0,
// so invalidating [4, 5) must still drop the committed translation.
func TestInvalidateInteriorAddressInvalidatesBlock(t *testing.T) {
	mem := &flatMemory{code: movRaxRet}
	c := New(mem, 0x1000, nil)
	defer c.Close()

	if _, err := c.Translate(0, nil); err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if c.Index().Len() != 1 {
		t.Fatalf("expected 1 indexed translation before invalidate, got %d", c.Index().Len())
	}

	c.Invalidate(4, 1)

	if c.Index().Len() != 0 {
		t.Fatalf("expected invalidate at interior address to drop the translation, got %d remaining", c.Index().Len())
	}
}

func TestOverlaps(t *testing.T) {
	if !overlaps(100, 10, 105, 10) {
		t.Fatalf("expected overlapping ranges to overlap")
	}
	if overlaps(100, 10, 110, 10) {
		t.Fatalf("expected adjacent ranges not to overlap")
	}
	if overlaps(100, 10, 200, 10) {
		t.Fatalf("expected disjoint ranges not to overlap")
	}
}
