package assemble

import (
	"testing"

	"github.com/go-granary/granary/cache"
	"github.com/go-granary/granary/fragment"
	"github.com/go-granary/granary/ir"
)

func straightLineGraph() (*fragment.Graph, uint64) {
	g := fragment.NewGraph()
	f := &fragment.Fragment{FallThrough: ^uint64(0), Branch: ^uint64(0)}
	mov := ir.Instruction{Class: ir.OpMov, EffectiveWidth: 8}
	mov.AppendOperand(ir.Immediate(1, 8), true)
	mov.AppendOperand(ir.Register(ir.NativeGPR(ir.RegRAX, 8), ir.ActionWrite), true)
	ret := ir.Instruction{Class: ir.OpRet, Category: ir.CategoryReturn}
	f.Instructions = []ir.Instruction{mov, ret}
	f.Stack = fragment.StackState{IsChecked: true, IsValid: true}
	id := g.Add(f)
	return g, id
}

func TestCommitProducesAddresses(t *testing.T) {
	g, id := straightLineGraph()
	alloc := cache.NewAllocator(4096, 0)
	defer alloc.Close()

	res, err := Commit(g, alloc, []uint64{id}, SlotLayout{StackBase: -8, TLSSegment: 0, TLSBase: 0})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(res.Code) == 0 {
		t.Fatal("expected non-empty encoded code")
	}
	if _, ok := res.FragmentPC[id]; !ok {
		t.Fatalf("missing fragment PC for %d", id)
	}
}

func TestScheduleRegistersAssignsDistinctGPRs(t *testing.T) {
	g := fragment.NewGraph()
	f := &fragment.Fragment{FallThrough: ^uint64(0), Branch: ^uint64(0)}
	v1 := ir.Virtual(0, 8)
	v2 := ir.Virtual(1, 8)
	in := ir.Instruction{Class: ir.OpAdd}
	in.AppendOperand(ir.Register(v1, ir.ActionRead|ir.ActionWrite), true)
	in.AppendOperand(ir.Register(v2, ir.ActionRead), true)
	f.Instructions = []ir.Instruction{in}
	g.Add(f)

	slots := NewSlotCounter()
	ScheduleRegisters(g, slots)

	op0 := f.Instructions[0].Ops[0]
	op1 := f.Instructions[0].Ops[1]
	if op0.Reg.Kind == ir.RegVirtual || op1.Reg.Kind == ir.RegVirtual {
		t.Fatalf("virtual registers were not assigned: %+v %+v", op0.Reg, op1.Reg)
	}
	if op0.Reg.ID == op1.Reg.ID {
		t.Fatalf("both virtuals were assigned the same register: %+v %+v", op0.Reg, op1.Reg)
	}
}

func TestAllocateSlotsRoutesThroughTLSWhenStackInvalid(t *testing.T) {
	g := fragment.NewGraph()
	f := &fragment.Fragment{FallThrough: ^uint64(0), Branch: ^uint64(0)}
	slot := ir.Slot(0, 8)
	in := ir.Instruction{Class: ir.OpPushFlags}
	in.AppendOperand(ir.Register(slot, ir.ActionWrite), true)
	f.Instructions = []ir.Instruction{in}
	f.Stack = fragment.StackState{IsChecked: true, IsValid: false}
	g.Add(f)

	AllocateSlots(g, SlotLayout{TLSSegment: 1, TLSBase: 16})

	op := f.Instructions[0].Ops[0]
	if op.Kind != ir.OperandMemory || op.Mem.Kind != ir.MemSegmentPrefixed {
		t.Fatalf("expected segment-prefixed memory operand, got %+v", op)
	}
}
