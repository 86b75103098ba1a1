package assemble

import (
	"github.com/go-granary/granary/fragment"
	"github.com/go-granary/granary/ir"
)

// SlotLayout resolves a dense slot index (as handed out by SlotCounter)
// into the actual storage location the encoder should address: either an
// RSP-relative displacement into the application stack (only ever valid
// when the owning fragment's stack state says so) or a segment-prefixed
// offset into the thread-private TLS slot table (spec.md §4.4 point 4).
type SlotLayout struct {
	// StackBase is the RSP displacement of scheduler slot 0 when a
	// fragment's stack is valid; slot n lives at StackBase - 8*n, growing
	// down from there so it does not collide with the application's own
	// stack usage below the current RSP.
	StackBase int64
	// TLSSegment names the segment register (FS or GS encoding number)
	// prefixing the slot table base when the stack is not valid.
	TLSSegment uint8
	// TLSBase is the displacement of slot 0 within the segment-relative
	// slot table.
	TLSBase int64
}

// AllocateSlots is assemble pass 4 (spec.md §4.4 point 4): every
// RegSlot-kind register operand left by passes 2 and 3 is rewritten into
// a concrete memory operand, chosen per fragment by whether that
// fragment's StackState says the application stack is currently valid.
func AllocateSlots(g *fragment.Graph, layout SlotLayout) {
	for _, f := range g.Fragments() {
		if f.Kind != fragment.Code {
			continue
		}
		for i := range f.Instructions {
			in := &f.Instructions[i]
			for j := range in.Ops[:in.NumOps] {
				rewriteSlotOperand(&in.Ops[j], f.Stack, layout)
			}
		}
	}
}

func rewriteSlotOperand(op *ir.Operand, stack fragment.StackState, layout SlotLayout) {
	if op.Kind != ir.OperandRegister || op.Reg.Kind != ir.RegSlot {
		return
	}
	width := op.Reg.Width
	action := op.Action
	index := int64(op.Reg.ID)

	if stack.IsChecked && stack.IsValid {
		mem := ir.MemOperand{
			Kind: ir.MemRegisterIndirect,
			Base: ir.StackPointer(),
			Disp: layout.StackBase - 8*index,
		}
		*op = ir.Memory(mem, width, action)
		return
	}

	mem := ir.MemOperand{
		Kind:       ir.MemSegmentPrefixed,
		Disp:       layout.TLSBase + 8*index,
		Segment:    layout.TLSSegment,
		HasSegment: true,
	}
	*op = ir.Memory(mem, width, action)
}
