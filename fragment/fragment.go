// Package fragment implements the fragment graph described in spec.md
// §4.3: the finer-than-block straight-line unit the assemble passes
// operate on, split at every control-transfer, flag-modification,
// stack-validity change, label, and interrupt-state change.
package fragment

import (
	"github.com/go-granary/granary/block"
	"github.com/go-granary/granary/ir"
)

// Kind tags which variant of Fragment this is (spec.md §3 "Fragment").
type Kind uint8

const (
	// Code holds IR instructions.
	Code Kind = iota
	// Exit points at an encoded cache/native/edge address, no
	// instructions.
	Exit
)

// ExitKind names the exit kinds execution can leave the cache through
// (spec.md §6 "Exit kinds").
type ExitKind uint8

const (
	// ExitNone marks a Code fragment (not an Exit fragment).
	ExitNone ExitKind = iota
	// ExitNative: execution resumes at an untranslated application PC.
	ExitNative
	// ExitFutureDirect: enter direct-edge stub carrying a specific
	// DirectEdge.
	ExitFutureDirect
	// ExitFutureIndirect: enter indirect-edge dispatch with target app
	// PC in a scratch register. Also used for the default, unspecialized
	// translation of a Return block (spec.md §9 Open Question).
	ExitFutureIndirect
	// ExitExistingBlock: tail into a known cached block.
	ExitExistingBlock
)

func (k ExitKind) String() string {
	switch k {
	case ExitNative:
		return "native"
	case ExitFutureDirect:
		return "future-direct"
	case ExitFutureIndirect:
		return "future-indirect"
	case ExitExistingBlock:
		return "existing-block"
	default:
		return "none"
	}
}

// sentinel marks the absence of a successor fragment id.
const sentinel = ^uint64(0)

// StackState is the inferred validity of the stack pointer across a
// fragment (spec.md §3 "stack.{is_checked, is_valid,
// disallow_forward_propagation}").
type StackState struct {
	IsChecked                  bool
	IsValid                    bool
	DisallowForwardPropagation bool
}

// Fragment is the straight-line unit assemble passes operate over.
type Fragment struct {
	ID   uint64
	Kind Kind

	// Instructions is populated when Kind == Code.
	Instructions []ir.Instruction
	// BranchInstr, if non-nil, is this fragment's terminating
	// control-flow instruction: a pointer to the last element of the
	// Instructions slice the builder set (passes that later replace
	// Instructions leave it pointing into the old slice).
	BranchInstr *ir.Instruction

	// ExitKind/ExitTarget/ExitAppPC are populated when Kind == Exit.
	ExitKind   ExitKind
	ExitTarget uintptr // cache/native address, when known
	ExitAppPC  uint64  // application PC this exit targets, when known

	Stack StackState

	ModifiesFlags    bool
	IsAppCode        bool
	HasFlagSplitHint bool

	IsBlockHead        bool
	BlockMeta          *block.MetaData
	CanAddToPartition  bool
	BranchesToEdgeCode bool
	IsInEdgeCode       bool

	// FallThrough and Branch are successor fragment ids within the owning
	// Graph, or sentinel if absent.
	FallThrough uint64
	Branch      uint64
}

// HasFallThrough reports whether FallThrough names a real fragment.
func (f *Fragment) HasFallThrough() bool { return f.FallThrough != sentinel }

// HasBranch reports whether Branch names a real fragment.
func (f *Fragment) HasBranch() bool { return f.Branch != sentinel }

func newFragment() *Fragment {
	return &Fragment{FallThrough: sentinel, Branch: sentinel}
}

// Graph is the arena-indexed fragment graph produced by Builder.Build,
// plus the union-find partition structure the register allocator
// consults (spec.md §3 "partition identity (union-find root used by
// register allocator)").
type Graph struct {
	fragments []*Fragment
	parent    []uint64
}

// NewGraph returns an empty Graph.
func NewGraph() *Graph {
	return &Graph{}
}

// Add inserts f, assigning it an id and a singleton partition.
func (g *Graph) Add(f *Fragment) uint64 {
	id := uint64(len(g.fragments))
	f.ID = id
	g.fragments = append(g.fragments, f)
	g.parent = append(g.parent, id)
	return id
}

// Fragment returns the fragment with the given id.
func (g *Graph) Fragment(id uint64) *Fragment {
	if id >= uint64(len(g.fragments)) {
		return nil
	}
	return g.fragments[id]
}

// Fragments returns every fragment in insertion order.
func (g *Graph) Fragments() []*Fragment {
	return g.fragments
}

// Find returns the partition root of id (path-compressing union-find).
func (g *Graph) Find(id uint64) uint64 {
	for g.parent[id] != id {
		g.parent[id] = g.parent[g.parent[id]]
		id = g.parent[id]
	}
	return id
}

// Union merges the partitions containing a and b, used when a fragment
// "may share a partition with its predecessor so virtual registers live
// across the boundary" (spec.md §4.3 point 2).
func (g *Graph) Union(a, b uint64) {
	ra, rb := g.Find(a), g.Find(b)
	if ra != rb {
		g.parent[ra] = rb
	}
}

// SamePartition reports whether a and b currently share a partition.
func (g *Graph) SamePartition(a, b uint64) bool {
	return g.Find(a) == g.Find(b)
}
