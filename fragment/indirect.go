package fragment

import "github.com/go-granary/granary/block"

// BuildIndirectGroup constructs the four-fragment indirect-edge group
// described in spec.md §4.3 "Indirect edges" and §4.6, wiring:
//
//	in      -> {fall-through: out-miss, branch: out-hit}
//	out-hit -> {fall-through: exit,     branch: out-miss}
//	out-miss -> {branch: out-hit}
//
// It returns the id of the in-fragment, the entry point a predecessor's
// terminator should branch or fall through to. The group's own fragments
// are unioned into one partition here; joining the in-fragment with its
// predecessor's partition happens in the caller once the predecessor
// fragment is known (builder.wireSuccessors' generic edge-code union).
// The in, out-miss and out-hit fragments are created empty: no hash-table
// probe or dispatch instructions are emitted into them.
func BuildIndirectGroup(g *Graph, meta *block.MetaData) uint64 {
	in := newFragment()
	in.Kind = Code
	in.IsInEdgeCode = true
	in.CanAddToPartition = true
	in.BlockMeta = meta

	outMiss := newFragment()
	outMiss.Kind = Code
	outMiss.IsInEdgeCode = true
	outMiss.BlockMeta = meta

	outHit := newFragment()
	outHit.Kind = Code
	outHit.IsInEdgeCode = true
	outHit.BlockMeta = meta

	exit := newFragment()
	exit.Kind = Exit
	exit.ExitKind = ExitExistingBlock
	exit.IsInEdgeCode = true
	exit.BlockMeta = meta
	// No static cache PC is known here and ExitTarget stays 0; nothing in
	// this module sets it later, so a branch to this exit is left on an
	// unresolved fragment label by assemble's connecting-jump pass.

	inID := g.Add(in)
	missID := g.Add(outMiss)
	hitID := g.Add(outHit)
	exitID := g.Add(exit)

	in.FallThrough = missID
	in.Branch = hitID

	outHit.FallThrough = exitID
	outHit.Branch = missID

	outMiss.Branch = hitID

	g.Union(inID, missID)
	g.Union(inID, hitID)
	g.Union(hitID, exitID)

	return inID
}
