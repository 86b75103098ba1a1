// Package block implements the block variants, metadata registry and
// trace (LCFG) described in spec.md §3-4.2, plus the block factory's
// single RequestBlock entry point.
package block

import "github.com/go-granary/granary/ir"

// Kind tags which variant of Block this is (spec.md §3 "Block").
type Kind uint8

const (
	// Decoded owns a linked list of instructions walked from StartPC to
	// the first control-transfer.
	Decoded Kind = iota
	// DirectFuture is a placeholder for a direct CTI target whose
	// translation does not yet exist.
	DirectFuture
	// IndirectFuture is a placeholder whose target is only known at
	// runtime.
	IndirectFuture
	// Return is a specialised indirect block representing a function
	// return target set.
	Return
	// Cached is a block already present in the code cache.
	Cached
	// Native is an address the system has chosen not to translate.
	Native
	// Compensation glues entry-point state onto a target block.
	Compensation
)

func (k Kind) String() string {
	switch k {
	case Decoded:
		return "decoded"
	case DirectFuture:
		return "direct-future"
	case IndirectFuture:
		return "indirect-future"
	case Return:
		return "return"
	case Cached:
		return "cached"
	case Native:
		return "native"
	case Compensation:
		return "compensation"
	default:
		return "unknown"
	}
}

// Block is the tagged variant described in spec.md §3. Identity is the
// (StartPC, Meta) pair; ID is assigned once the block is inserted into
// a Trace.
type Block struct {
	Kind Kind
	ID   uint64

	StartPC uint64
	Meta    *MetaData

	// Instructions is populated when Kind == Decoded.
	Instructions []ir.Instruction

	// CachePC is populated when Kind == Cached.
	CachePC uintptr

	// NativePC is populated when Kind == Native; it is the address
	// execution resumes at outside the cache.
	NativePC uint64

	// GlueForID is populated when Kind == Compensation: the id of the
	// block this one glues entry-point state onto.
	GlueForID uint64

	// Successors lists the ids (within the owning Trace) of this
	// block's control-flow successors, in the order branch resolution
	// added them (fall-through first where both exist).
	Successors []uint64
}

// NewDecoded constructs a Decoded block from a fully walked instruction
// list (terminator included).
func NewDecoded(startPC uint64, meta *MetaData, instrs []ir.Instruction) *Block {
	return &Block{Kind: Decoded, StartPC: startPC, Meta: meta, Instructions: instrs}
}

// NewDirectFuture constructs a placeholder for a not-yet-translated
// direct CTI target.
func NewDirectFuture(startPC uint64, meta *MetaData) *Block {
	return &Block{Kind: DirectFuture, StartPC: startPC, Meta: meta}
}

// NewIndirectFuture constructs a placeholder whose target is only known
// at runtime, carrying a shared metadata template.
func NewIndirectFuture(meta *MetaData) *Block {
	return &Block{Kind: IndirectFuture, Meta: meta}
}

// NewReturn constructs a specialised indirect block representing a
// function return target set.
func NewReturn(meta *MetaData) *Block {
	return &Block{Kind: Return, Meta: meta}
}

// NewCached constructs a reference to a translation already present in
// the code cache.
func NewCached(startPC uint64, meta *MetaData, cachePC uintptr) *Block {
	return &Block{Kind: Cached, StartPC: startPC, Meta: meta, CachePC: cachePC}
}

// NewNative constructs a block marking an address the system will not
// translate; control must leave the cache here.
func NewNative(nativePC uint64, meta *MetaData) *Block {
	return &Block{Kind: Native, StartPC: nativePC, Meta: meta, NativePC: nativePC}
}

// NewCompensation constructs a synthesised block gluing entry-point
// state onto the block identified by glueForID.
func NewCompensation(meta *MetaData, glueForID uint64) *Block {
	return &Block{Kind: Compensation, Meta: meta, GlueForID: glueForID}
}

// Terminator returns the block's last instruction, valid only when
// Kind == Decoded and the instruction list is non-empty.
func (b *Block) Terminator() (ir.Instruction, bool) {
	if b.Kind != Decoded || len(b.Instructions) == 0 {
		return ir.Instruction{}, false
	}
	return b.Instructions[len(b.Instructions)-1], true
}
