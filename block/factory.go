package block

import (
	"fmt"

	"github.com/go-granary/granary/cache"
	"github.com/go-granary/granary/decode"
	"github.com/go-granary/granary/ir"
	"github.com/go-granary/granary/logutil"
)

var log = logutil.New("block")

// Instrumenter is invited to inspect and mutate a freshly decoded block
// in place (spec.md §6 "on_instrument_block"). Clients are wired in by
// whatever owns the Factory (the `client` package's Registry, consumed
// through this function type rather than a direct import, so `block`
// never depends on `client`).
type Instrumenter func(b *Block)

// ControlFlowInstrumenter is invited to request expansion of successor
// Future blocks and rewrite control-flow instructions once a trace
// generation's new blocks have all been decoded (spec.md §6
// "on_instrument_control_flow").
type ControlFlowInstrumenter func(f *Factory, t *Trace)

// NativePolicy decides whether a given direct-branch target should stay
// native rather than be translated (spec.md §4.2 point 3: "if client
// policy says 'stay native'").
type NativePolicy func(targetPC uint64) bool

// Factory has the single entry point spec.md §4.2 names:
// "request block for (pc, metadata)".
type Factory struct {
	Decoder *decode.Decoder
	Index   *cache.Index

	StayNative        NativePolicy
	OnInstrumentBlock Instrumenter
	OnControlFlow     ControlFlowInstrumenter
}

// NewFactory returns a Factory driving dec for decoding and consulting
// idx for already-cached translations.
func NewFactory(dec *decode.Decoder, idx *cache.Index) *Factory {
	return &Factory{Decoder: dec, Index: idx}
}

// RequestBlock is the factory's sole entry point (spec.md §4.2). It
// returns the id of the block inserted into t for (pc, meta), runs
// OnInstrumentBlock on a freshly decoded block and resolves its
// successors. The control-flow instrumentation fixed point (spec.md §4.2
// point 4) is not run here; RunToFixedPoint drives it.
func (f *Factory) RequestBlock(pc uint64, meta *MetaData, t *Trace) (uint64, error) {
	if meta == nil {
		meta = NewMetaData(pc)
	}

	// Step 1: an accepted cached translation short-circuits decoding
	// entirely.
	if f.Index != nil {
		if v, cachePC := f.Index.Lookup(meta.Hash(), meta.CoarseHash()); v == cache.Accept {
			id := t.Add(NewCached(pc, meta, cachePC))
			return id, nil
		}
	}

	if f.StayNative != nil && f.StayNative(pc) {
		id := t.Add(NewNative(pc, meta))
		return id, nil
	}

	b, err := f.decodeBlock(pc, meta)
	if err != nil {
		// spec.md §4.1: decode failure means "do not follow this path —
		// produce a Native block here".
		log.Warnf("decode failed at %#x: %v; emitting native block", pc, err)
		id := t.Add(NewNative(pc, meta))
		return id, nil
	}

	id := t.Add(b)

	if f.OnInstrumentBlock != nil {
		f.OnInstrumentBlock(b)
	}

	if err := f.resolveSuccessors(b, t); err != nil {
		return id, err
	}

	return id, nil
}

// decodeBlock seeds a Decoded block with AnnotationInstruction{BLOCK_BEGIN}
// and asks the decoder for successive instructions until one terminates
// the block (spec.md §4.2 point 2).
func (f *Factory) decodeBlock(pc uint64, meta *MetaData) (*Block, error) {
	instrs := []ir.Instruction{ir.BlockBegin(pc)}

	cur := pc
	for {
		in, err := f.Decoder.DecodeAt(cur)
		if err != nil {
			if len(instrs) > 1 {
				// Partial block decoded before failure: still useful,
				// terminate it as a Native exit would by reporting the
				// failure to the caller, which falls back to a whole
				// Native block at the original pc. We choose the
				// conservative whole-native fallback rather than a
				// half-decoded block, matching spec.md §4.1's "do not
				// follow this path" guidance.
				return nil, fmt.Errorf("block: decode at %#x: %w", cur, err)
			}
			return nil, err
		}
		instrs = append(instrs, in)
		cur += uint64(in.DecodedLength)

		if in.Annotation == ir.AnnotationSplitBeforeFlagsWrite {
			break
		}
		if in.Category.IsControlFlow() {
			break
		}
	}

	return NewDecoded(pc, meta, instrs), nil
}

// resolveSuccessors classifies the terminator's successors per spec.md
// §4.2 point 3 and links them into t.
func (f *Factory) resolveSuccessors(b *Block, t *Trace) error {
	term, ok := b.Terminator()
	if !ok {
		return nil
	}

	switch term.Category {
	case ir.CategoryDirectJump, ir.CategoryDirectCall:
		target, ok := directTarget(term)
		if !ok {
			return nil
		}
		succID, err := f.requestDirectSuccessor(target, b.Meta, t)
		if err != nil {
			return err
		}
		t.AddSuccessor(b.ID, succID)

	case ir.CategoryConditionalJump:
		// Fall-through is recorded first, matching Block.Successors'
		// documented order ("fall-through first where both exist").
		// Decode continues immediately after the conditional branch
		// (spec.md §4.2 point 3 "Conditional relative branch -> one of
		// the above for the taken target plus a decoded fall-through").
		fallPC := term.DecodedPC + uint64(term.DecodedLength)
		fallID, err := f.RequestBlock(fallPC, b.Meta.Clone(fallPC), t)
		if err != nil {
			return err
		}
		t.AddSuccessor(b.ID, fallID)

		if target, ok := directTarget(term); ok {
			succID, err := f.requestDirectSuccessor(target, b.Meta, t)
			if err != nil {
				return err
			}
			t.AddSuccessor(b.ID, succID)
		}

	case ir.CategoryIndirectCall, ir.CategoryIndirectJump:
		succID := t.Add(NewIndirectFuture(b.Meta.Clone(0)))
		t.AddSuccessor(b.ID, succID)

	case ir.CategoryReturn:
		succID := t.Add(NewReturn(b.Meta.Clone(0)))
		t.AddSuccessor(b.ID, succID)

	case ir.CategorySyscall, ir.CategoryInterruptCall, ir.CategoryInterruptReturn:
		// Control may not reliably return to the cache (spec.md §4.2
		// point 3).
		nextPC := term.DecodedPC + uint64(term.DecodedLength)
		succID := t.Add(NewNative(nextPC, b.Meta.Clone(nextPC)))
		t.AddSuccessor(b.ID, succID)
	}

	return nil
}

// requestDirectSuccessor resolves a direct branch target to Cached,
// DirectFuture or Native per spec.md §4.2 point 3's first bullet.
func (f *Factory) requestDirectSuccessor(target uint64, meta *MetaData, t *Trace) (uint64, error) {
	tm := meta.Clone(target)

	if f.Index != nil {
		if v, cachePC := f.Index.Lookup(tm.Hash(), tm.CoarseHash()); v == cache.Accept {
			return t.Add(NewCached(target, tm, cachePC)), nil
		}
	}
	if f.StayNative != nil && f.StayNative(target) {
		return t.Add(NewNative(target, tm)), nil
	}
	return t.Add(NewDirectFuture(target, tm)), nil
}

// directTarget extracts the resolved absolute target from a direct
// branch/call terminator's single branch-target operand.
func directTarget(term ir.Instruction) (uint64, bool) {
	for _, op := range term.Operands() {
		if op.Kind == ir.OperandBranchTarget {
			return op.Target, true
		}
	}
	return 0, false
}

// RunToFixedPoint drives the control-flow instrumenter across trace
// generations until a round adds no new blocks (spec.md §4.2 point 4:
// "iterated to fixed point per trace generation").
func (f *Factory) RunToFixedPoint(t *Trace) {
	if f.OnControlFlow == nil {
		return
	}
	for {
		before := len(t.Blocks())
		f.OnControlFlow(f, t)
		t.AdvanceGeneration()
		if len(t.Blocks()) == before {
			return
		}
	}
}
