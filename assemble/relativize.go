// Package assemble implements the five ordered passes that lower a
// fragment.Graph to encodable instructions (spec.md §4.4): relativise,
// flag save/restore, virtual-register scheduling, slot allocation, and
// connecting-jump insertion, plus the two-pass stage/commit encoder
// (spec.md §4.5) that turns the result into cache bytes.
package assemble

import (
	"math"

	"github.com/go-granary/granary/fragment"
	"github.com/go-granary/granary/ir"
)

// EstimatePC reports the address a fragment is expected to start at once
// committed to the code cache -- the "estimator PC" spec.md §3/§4.5 names,
// typically backed by cache.Allocator.EstimatePC.
type EstimatePC func(fragmentID uint64) uintptr

// ScratchCounter hands out fresh trace-scoped virtual registers for the
// load-immediate-then-indirect rewrite Relativize performs. Register
// scheduling (pass 3) runs after Relativize, so any virtual minted here
// still goes through it like any other.
type ScratchCounter struct{ n uint32 }

// Next allocates a new virtual register number.
func (s *ScratchCounter) Next() uint32 {
	v := s.n
	s.n++
	return v
}

// relBranchMin/relBranchMax bound the displacement a rel32 operand can
// express -- the "ISA's relative-branch width" spec.md §4.4 point 1
// refers to on x86-64.
const (
	relBranchMin = math.MinInt32
	relBranchMax = math.MaxInt32
)

// Relativize is assemble pass 1 (spec.md §4.4.1). Every absolute
// PC-relative operand (branch displacement, RIP-relative memory) staged
// by the decoder is checked against estimate(fragment); operands whose
// displacement would exceed the ISA's relative-branch width are lowered
// to load-immediate-then-indirect (spec.md §7 OversizeDisplacement local
// recovery).
func Relativize(g *fragment.Graph, estimate EstimatePC, vregs *ScratchCounter) {
	if vregs == nil {
		vregs = &ScratchCounter{}
	}
	for _, f := range g.Fragments() {
		if f.Kind != fragment.Code {
			continue
		}
		base := estimate(f.ID)
		var rewritten []ir.Instruction
		for _, in := range f.Instructions {
			rewritten = append(rewritten, relativizeOne(in, base, vregs)...)
		}
		f.Instructions = rewritten
	}
}

// relativizeOne inspects in's operands for a resolved absolute target
// and, if its displacement from base would not fit a rel32, rewrites in
// into a (load-immediate, indirect-through-register) pair.
func relativizeOne(in ir.Instruction, base uintptr, vregs *ScratchCounter) []ir.Instruction {
	opIdx, target, ok := pcRelativeOperand(in)
	if !ok {
		return []ir.Instruction{in}
	}

	disp := int64(target) - int64(base) - int64(in.DecodedLength)
	if disp >= relBranchMin && disp <= relBranchMax {
		return []ir.Instruction{in}
	}

	reg := ir.Virtual(vregs.Next(), 8)

	load := ir.Instruction{Class: ir.OpMov, EffectiveWidth: 8}
	load.AppendOperand(ir.Immediate(int64(target), 8), true)
	load.AppendOperand(ir.Register(reg, ir.ActionWrite), true)

	rewritten := in
	op := rewritten.Ops[opIdx]
	switch op.Kind {
	case ir.OperandBranchTarget:
		rewritten.Ops[opIdx] = ir.Register(reg, ir.ActionRead)
	case ir.OperandMemory:
		rewritten.Ops[opIdx] = ir.Memory(ir.MemOperand{Kind: ir.MemRegisterIndirect, Base: reg}, op.Width, op.Action)
	}

	return []ir.Instruction{load, rewritten}
}

// pcRelativeOperand finds the first operand carrying an already-resolved
// absolute target: either an OperandBranchTarget, or an OperandMemory
// whose sub-kind is MemRIPRelative (spec.md §4.1 point 3).
func pcRelativeOperand(in ir.Instruction) (idx int, target uint64, ok bool) {
	for i, op := range in.Operands() {
		if op.Kind == ir.OperandBranchTarget {
			return i, op.Target, true
		}
		if op.Kind == ir.OperandMemory && op.Mem.Kind == ir.MemRIPRelative {
			return i, op.Target, true
		}
	}
	return 0, 0, false
}
