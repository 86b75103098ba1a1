package fragment

import (
	"github.com/go-granary/granary/block"
	"github.com/go-granary/granary/ir"
)

// Builder walks a block.Trace and produces a Graph (spec.md §4.3).
// Failure semantics: Builder never fails; every edge case maps to
// inserting an Exit fragment that leaves the cache.
type Builder struct {
	// SpecializeReturns, when true, is consulted in addition to each
	// Return block's own metadata (block.MetaData.SpecializeReturn) --
	// kept for callers that want a process-wide default rather than
	// per-block opt-in. Default translation stays identity (spec.md §9).
	SpecializeReturns bool
}

// NewBuilder returns a Builder with the conservative (identity-return)
// default.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build converts tr into a fragment Graph.
func (b *Builder) Build(tr *block.Trace) *Graph {
	g := NewGraph()

	heads := make(map[uint64]uint64, len(tr.Blocks()))
	tails := make(map[uint64]uint64, len(tr.Blocks()))

	for _, blk := range tr.Blocks() {
		head, tail := b.buildBlock(g, blk)
		heads[blk.ID] = head
		tails[blk.ID] = tail
	}

	for _, blk := range tr.Blocks() {
		b.wireSuccessors(g, blk, tails[blk.ID], heads)
	}

	return g
}

// buildBlock emits the fragment(s) for one block, returning the ids of
// its first (head) and last (tail) fragment. For non-Decoded kinds the
// head and tail are the same single Exit (or indirect-group entry)
// fragment.
func (b *Builder) buildBlock(g *Graph, blk *block.Block) (head, tail uint64) {
	switch blk.Kind {
	case block.Decoded:
		return b.buildDecoded(g, blk)

	case block.Cached:
		f := newFragment()
		f.Kind = Exit
		f.ExitKind = ExitExistingBlock
		f.ExitTarget = blk.CachePC
		f.ExitAppPC = blk.StartPC
		f.BlockMeta = blk.Meta
		id := g.Add(f)
		return id, id

	case block.Native:
		f := newFragment()
		f.Kind = Exit
		f.ExitKind = ExitNative
		f.ExitAppPC = blk.NativePC
		f.BlockMeta = blk.Meta
		id := g.Add(f)
		return id, id

	case block.DirectFuture:
		f := newFragment()
		f.Kind = Exit
		f.ExitKind = ExitFutureDirect
		f.ExitAppPC = blk.StartPC
		f.BlockMeta = blk.Meta
		f.IsInEdgeCode = true
		id := g.Add(f)
		return id, id

	case block.IndirectFuture:
		id := BuildIndirectGroup(g, blk.Meta)
		return id, id

	case block.Return:
		if blk.Meta.SpecializeReturn() || b.SpecializeReturns {
			id := BuildIndirectGroup(g, blk.Meta)
			return id, id
		}
		// Default: identity translation (spec.md §9 Open Question) --
		// an unspecialized return behaves like a generic indirect exit.
		f := newFragment()
		f.Kind = Exit
		f.ExitKind = ExitFutureIndirect
		f.BlockMeta = blk.Meta
		f.IsInEdgeCode = true
		id := g.Add(f)
		return id, id

	case block.Compensation:
		// Synthesised glue block; represented as an empty code fragment
		// ready for the assemble passes to populate.
		f := newFragment()
		f.Kind = Code
		f.IsBlockHead = true
		f.BlockMeta = blk.Meta
		id := g.Add(f)
		return id, id

	default:
		f := newFragment()
		f.Kind = Exit
		f.ExitKind = ExitNative
		f.ExitAppPC = blk.StartPC
		id := g.Add(f)
		return id, id
	}
}

// buildDecoded splits a Decoded block's instruction list into one or
// more Code fragments per the boundaries named in spec.md §4.3.
func (b *Builder) buildDecoded(g *Graph, blk *block.Block) (head, tail uint64) {
	groups := splitIntoGroups(blk.Instructions)
	if len(groups) == 0 {
		groups = []group{{}}
	}

	var prev uint64
	var first uint64
	for i, gr := range groups {
		f := newFragment()
		f.Kind = Code
		f.Instructions = gr.instrs
		f.Stack = gr.stack
		f.IsAppCode = gr.isAppCode
		f.ModifiesFlags = gr.flagsModifiedBy != classNone
		f.HasFlagSplitHint = gr.hadSplitHint
		f.BlockMeta = blk.Meta
		if i == 0 {
			f.IsBlockHead = true
		}
		if n := len(gr.instrs); n > 0 {
			last := gr.instrs[n-1]
			if last.Category.IsControlFlow() {
				f.BranchInstr = &gr.instrs[n-1]
			}
		}

		id := g.Add(f)
		if i == 0 {
			first = id
		} else {
			g.Fragment(prev).FallThrough = id
			g.Union(prev, id)
		}
		prev = id
	}

	return first, prev
}

// wireSuccessors attaches tailID's FallThrough/Branch to the head
// fragments of blk's successor blocks, per the recorded ordering
// (fall-through first where both exist -- Block.Successors' doc).
func (b *Builder) wireSuccessors(g *Graph, blk *block.Block, tailID uint64, heads map[uint64]uint64) {
	tailFrag := g.Fragment(tailID)
	if tailFrag == nil || tailFrag.Kind != Code {
		// Exit fragments (and indirect-group entries) are already
		// terminal; nothing further to wire.
		return
	}

	switch len(blk.Successors) {
	case 0:
		return
	case 1:
		tailFrag.Branch = heads[blk.Successors[0]]
	default:
		tailFrag.FallThrough = heads[blk.Successors[0]]
		tailFrag.Branch = heads[blk.Successors[1]]
	}

	for _, succID := range []uint64{tailFrag.FallThrough, tailFrag.Branch} {
		if succID == sentinel {
			continue
		}
		sf := g.Fragment(succID)
		if sf == nil || !sf.IsInEdgeCode {
			continue
		}
		// spec.md §4.3 point 2: the CFI's fragment may share a
		// partition with its predecessor so virtual registers live
		// across the boundary.
		g.Union(tailID, succID)
		tailFrag.BranchesToEdgeCode = true
	}
}

// classification tags whether a group's instructions originate from the
// application or from instrumentation (spec.md §4.3 "App vs.
// instrumentation classification").
type classification uint8

const (
	classNone classification = iota
	classApp
	classInstr
)

type group struct {
	instrs          []ir.Instruction
	stack           StackState
	isAppCode       bool
	flagsModifiedBy classification
	hadSplitHint    bool
}

// splitIntoGroups implements spec.md §4.3's boundary rules over one
// block's flattened instruction list.
func splitIntoGroups(instrs []ir.Instruction) []group {
	var groups []group
	cur := group{stack: StackState{IsValid: true}}
	pendingFlagSplit := false

	flush := func() {
		if len(cur.instrs) == 0 {
			return
		}
		groups = append(groups, cur)
		cur = group{stack: cur.stack}
	}

	for i := range instrs {
		in := instrs[i]

		switch in.Class {
		case ir.OpLabel:
			// "label instruction always begins a fragment".
			flush()
			cur.instrs = append(cur.instrs, in)
			continue

		case ir.OpAnnotate:
			switch in.Annotation {
			case ir.AnnotationStackValid, ir.AnnotationStackInvalid, ir.AnnotationStackUnknown:
				flush()
				cur.stack = StackState{
					IsChecked:                  true,
					IsValid:                    in.Annotation != ir.AnnotationStackInvalid,
					DisallowForwardPropagation: in.Annotation == ir.AnnotationStackUnknown,
				}
				continue
			case ir.AnnotationInterruptStateChange:
				flush()
				continue
			case ir.AnnotationSplitBeforeFlagsWrite:
				pendingFlagSplit = true
				cur.instrs = append(cur.instrs, in)
				continue
			default: // AnnotationBlockBegin and future kinds: keep in stream.
				cur.instrs = append(cur.instrs, in)
				continue
			}
		}

		thisClass := classApp
		if in.FromInstrumentation {
			thisClass = classInstr
		}
		writesFlags := in.WritesFlags()

		if pendingFlagSplit && writesFlags {
			flush()
			pendingFlagSplit = false
		}

		// App/instrumentation classification boundary: a fragment whose
		// flags have already been modified by one classification must
		// not also have the other classification modify the flags
		// (spec.md §4.3 "App vs. instrumentation classification").
		if writesFlags && cur.flagsModifiedBy != classNone && cur.flagsModifiedBy != thisClass {
			flush()
		}

		cur.instrs = append(cur.instrs, in)
		if !in.FromInstrumentation && (writesFlags || in.WritesStackPointer()) {
			cur.isAppCode = true
		}
		if writesFlags && cur.flagsModifiedBy == classNone {
			cur.flagsModifiedBy = thisClass
		}
		if in.Annotation == ir.AnnotationSplitBeforeFlagsWrite {
			cur.hadSplitHint = true
		}

		if in.Category.IsControlFlow() {
			flush()
		}
	}
	flush()

	return groups
}
