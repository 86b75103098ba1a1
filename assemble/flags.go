package assemble

import (
	"github.com/go-granary/granary/fragment"
	"github.com/go-granary/granary/ir"
)

// SaveRestoreFlags is assemble pass 2 (spec.md §4.4 point 2): a dataflow
// pass that inserts a flags save at the entry, and a restore at every
// exit, of any instrumentation fragment that modifies the flags and sits
// at a frontier between application fragments whose flags must survive.
// Save/restore destinations are scheduler slots (spec.md §4.4 point 2
// "never the application stack unless stack validity allows it" is
// honored downstream by AllocateSlots, pass 4, which is the pass that
// actually decides stack-vs-TLS placement).
func SaveRestoreFlags(g *fragment.Graph, slots *SlotCounter) {
	preds := predecessors(g)

	for _, f := range g.Fragments() {
		if f.Kind != fragment.Code || f.IsAppCode || !f.ModifiesFlags {
			continue
		}

		needsSave := adjacentIsAppCode(g, preds[f.ID])
		needsRestore := adjacentIsAppCode(g, successorsOf(f))
		if !needsSave && !needsRestore {
			continue
		}

		slot := ir.Slot(slots.Next(), 8)
		if needsSave {
			f.Instructions = append([]ir.Instruction{saveFlags(slot)}, f.Instructions...)
		}
		if needsRestore {
			f.Instructions = append(f.Instructions, restoreFlags(slot))
		}
	}
}

func saveFlags(slot ir.VReg) ir.Instruction {
	in := ir.Instruction{Class: ir.OpPushFlags, EffectiveWidth: 8}
	in.AppendOperand(ir.Register(slot, ir.ActionWrite), true)
	return in
}

func restoreFlags(slot ir.VReg) ir.Instruction {
	in := ir.Instruction{Class: ir.OpPopFlags, EffectiveWidth: 8}
	in.AppendOperand(ir.Register(slot, ir.ActionRead), true)
	return in
}

// predecessors builds the reverse-edge map a fragment.Graph does not
// itself retain.
func predecessors(g *fragment.Graph) map[uint64][]uint64 {
	preds := make(map[uint64][]uint64)
	for _, f := range g.Fragments() {
		for _, succ := range successorsOf(f) {
			preds[succ] = append(preds[succ], f.ID)
		}
	}
	return preds
}

func successorsOf(f *fragment.Fragment) []uint64 {
	var out []uint64
	if f.HasFallThrough() {
		out = append(out, f.FallThrough)
	}
	if f.HasBranch() {
		out = append(out, f.Branch)
	}
	return out
}

func adjacentIsAppCode(g *fragment.Graph, ids []uint64) bool {
	for _, id := range ids {
		if af := g.Fragment(id); af != nil && af.Kind == fragment.Code && af.IsAppCode {
			return true
		}
	}
	return false
}
