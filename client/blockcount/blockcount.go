// Package blockcount is a reference client that increments a per-block
// execution counter, grounded on
// original_source/clients/count_bbs/count_bbs.cc's BBCount tool: a
// mutable CounterMetaData descriptor plus an inlined "INC m64" prepended
// to every instrumented block.
package blockcount

import (
	"sync/atomic"
	"unsafe"

	"github.com/go-granary/granary/block"
	"github.com/go-granary/granary/client"
	"github.com/go-granary/granary/ir"
)

// Counter is the mutable per-block descriptor holding the execution
// count, analogous to count_bbs.cc's CounterMetaData. It is not
// Indexable: two blocks differing only in their counter value are still
// the same cached translation.
type Counter struct {
	Count atomic.Uint64
}

func (*Counter) Indexable() bool       { return false }
func (*Counter) HashContribution() uint64 { return 0 }

// descriptorKey is the MetaData key this client's counter lives under.
const descriptorKey = "count"

// New returns the Callbacks for the blockcount client. Every
// instrumented, non-compensation block gets a fresh Counter and an
// inlined increment of it prepended as the block's first instruction
// (count_bbs.cc inlines "INC m64 %0" after FirstInstruction(); this
// generalizes FirstInstruction to "before the rest of the block" since
// this IR has no distinguished leading no-op to anchor after).
func New() client.Callbacks {
	return client.Callbacks{
		MetaDataDescriptors: map[string]block.Descriptor{
			descriptorKey: &Counter{},
		},
		OnInstrumentBlock: instrumentBlock,
	}
}

func instrumentBlock(b *block.Block) {
	if b.Kind != block.Decoded {
		return
	}

	counter := counterFor(b.Meta)
	inc := incInstruction(counter)
	b.Instructions = append([]ir.Instruction{inc}, b.Instructions...)
}

// counterFor retrieves (or, defensively, installs) this block's Counter
// descriptor. InstrumentBlock always runs after client.Registry.NewMetaData
// has seeded every registered descriptor, so the installed branch is
// reached only for metadata built without going through the registry
// (e.g. in a unit test).
func counterFor(meta *block.MetaData) *Counter {
	key := "blockcount." + descriptorKey
	if d, ok := meta.Get(key); ok {
		if c, ok := d.(*Counter); ok {
			return c
		}
	}
	c := &Counter{}
	meta.Set(key, c)
	return c
}

// incInstruction builds the synthetic "inc qword ptr [counter]"
// instruction, addressed through an absolute memory operand pointing
// directly at the Counter's own field (the cache-resident code reaches
// into this Go-heap value the same way edge.Direct's stub reaches into
// its own pointer-slot fields).
func incInstruction(c *Counter) ir.Instruction {
	in := ir.Instruction{Class: ir.OpInc, EffectiveWidth: 8, FromInstrumentation: true}
	mem := ir.MemOperand{Kind: ir.MemAbsolute, Disp: counterAddr(c)}
	in.AppendOperand(ir.Memory(mem, 8, ir.ActionRead|ir.ActionWrite), true)
	return ir.Instrumented(in)
}

// counterAddr returns the address of c's Count field, stable for c's
// lifetime once heap allocated.
func counterAddr(c *Counter) int64 {
	return int64(uintptr(unsafe.Pointer(&c.Count)))
}
