package assemble

import (
	"github.com/go-granary/granary/fragment"
	"github.com/go-granary/granary/ir"
)

// FragmentLabel names the synthetic label every fragment is addressed by
// during the final commit walk, so a connecting jump always has a valid
// target even before real cache addresses exist.
func FragmentLabel(id uint64) string {
	return "frag_" + itoaHexAssemble(id)
}

func itoaHexAssemble(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 0, 16)
	for v > 0 {
		buf = append([]byte{digits[v%16]}, buf...)
		v /= 16
	}
	return string(buf)
}

// InsertConnectingJumps is assemble pass 5 (spec.md §4.4 point 5): once
// fragments are laid out in a fixed linear order for the final commit
// (the order decided by the caller and passed in as layout), any fragment
// whose fall-through successor is not the immediately-next fragment in
// that order gets an explicit jump appended so control still reaches it.
// A fragment's branch is already present as its last instruction; only
// that instruction's target operand is rewritten here, to the operand
// exitOperand picks for the branch successor.
func InsertConnectingJumps(g *fragment.Graph, layout []uint64) {
	position := make(map[uint64]int, len(layout))
	for i, id := range layout {
		position[id] = i
	}

	for i, id := range layout {
		f := g.Fragment(id)
		if f == nil || f.Kind != fragment.Code {
			continue
		}

		if f.HasBranch() {
			retargetBranch(f, g.Fragment(f.Branch))
		}

		if !f.HasFallThrough() {
			continue
		}
		nextInLayout := i+1 < len(layout) && layout[i+1] == f.FallThrough
		if nextInLayout {
			continue
		}
		f.Instructions = append(f.Instructions, jumpTo(g.Fragment(f.FallThrough)))
	}
}

// exitOperand builds the operand a jump to target should carry. A target
// still in this commit's Code blob is addressed by its fragment label
// (defined when Commit emits it); a target that already has a resolved
// address -- a Cached block's cache_pc, a DirectFuture exit's direct-edge
// stub entry (filled in by granarycontext.Context before Commit), or a
// Native block's application pc, which this translator treats as
// directly jumpable since "resume execution at an untranslated pc" is
// exactly a jump there -- is addressed directly, so the relativiser can
// range-check and, if needed, fall back to load-immediate-then-indirect
// (spec.md §7 OversizeDisplacement) the same way it does for any other
// resolved branch target.
//
// An Exit whose address is still unknown (ExitFutureIndirect, an
// ExitFutureDirect with no ExitTarget, or an indirect-group's
// runtime-resolved exit fragment) falls back to its fragment label. That
// label is never defined, because an Exit fragment is never emitted into
// the blob; the jump is kept rather than dropped.
func exitOperand(target *fragment.Fragment) ir.Operand {
	if target == nil {
		return ir.Label(FragmentLabel(0))
	}
	if target.Kind == fragment.Exit {
		switch {
		case target.ExitKind == fragment.ExitExistingBlock && target.ExitTarget != 0,
			target.ExitKind == fragment.ExitFutureDirect && target.ExitTarget != 0:
			return ir.BranchTarget(uint64(target.ExitTarget))
		case target.ExitKind == fragment.ExitNative:
			return ir.BranchTarget(target.ExitAppPC)
		}
	}
	return ir.Label(FragmentLabel(target.ID))
}

// retargetBranch rewrites f's terminating branch instruction's operand to
// address target. It operates on the last element of f.Instructions
// directly rather than through Fragment.BranchInstr: the earlier passes
// (Relativize in particular) replace f.Instructions wholesale, which
// would otherwise leave BranchInstr pointing at a discarded copy.
func retargetBranch(f *fragment.Fragment, target *fragment.Fragment) {
	if len(f.Instructions) == 0 {
		return
	}
	last := &f.Instructions[len(f.Instructions)-1]
	if !last.Category.IsControlFlow() {
		return
	}
	for i := range last.Ops[:last.NumOps] {
		op := &last.Ops[i]
		if op.Kind == ir.OperandBranchTarget || op.Kind == ir.OperandLabel {
			*op = exitOperand(target)
			return
		}
	}
}

func jumpTo(target *fragment.Fragment) ir.Instruction {
	in := ir.Instruction{Class: ir.OpJmp}
	in.AppendOperand(exitOperand(target), true)
	return in
}
