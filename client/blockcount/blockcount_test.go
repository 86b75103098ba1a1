package blockcount

import (
	"testing"

	"github.com/go-granary/granary/block"
	"github.com/go-granary/granary/ir"
)

func TestInstrumentBlockPrependsIncrement(t *testing.T) {
	meta := block.NewMetaData(0x1000)
	orig := ir.Instruction{Class: ir.OpNop}
	b := block.NewDecoded(0x1000, meta, []ir.Instruction{orig})

	instrumentBlock(b)

	if len(b.Instructions) != 2 {
		t.Fatalf("expected 2 instructions after instrumentation, got %d", len(b.Instructions))
	}
	inc := b.Instructions[0]
	if inc.Class != ir.OpInc {
		t.Fatalf("expected prepended instruction to be OpInc, got %v", inc.Class)
	}
	if !inc.FromInstrumentation {
		t.Fatalf("expected prepended instruction marked FromInstrumentation")
	}
	if b.Instructions[1] != orig {
		t.Fatalf("expected original instruction preserved after the increment")
	}
}

func TestInstrumentBlockSkipsNonDecoded(t *testing.T) {
	meta := block.NewMetaData(0x2000)
	b := block.NewNative(0x2000, meta)

	instrumentBlock(b)

	if len(b.Instructions) != 0 {
		t.Fatalf("expected non-decoded block left untouched")
	}
}

func TestCounterForReusesExistingDescriptor(t *testing.T) {
	meta := block.NewMetaData(0x3000)
	first := counterFor(meta)
	first.Count.Add(5)

	second := counterFor(meta)
	if second != first {
		t.Fatalf("expected counterFor to return the same Counter pointer")
	}
	if second.Count.Load() != 5 {
		t.Fatalf("Count = %d, want 5", second.Count.Load())
	}
}

func TestNewRegistersDescriptorAndCallback(t *testing.T) {
	cb := New()
	if cb.OnInstrumentBlock == nil {
		t.Fatalf("expected OnInstrumentBlock set")
	}
	if _, ok := cb.MetaDataDescriptors[descriptorKey]; !ok {
		t.Fatalf("expected MetaDataDescriptors to carry %q", descriptorKey)
	}
}
