package fragment

import (
	"testing"

	"github.com/go-granary/granary/ir"
)

func mkFlagsWrite(instrumented bool) ir.Instruction {
	in := ir.Instruction{Class: ir.OpAdd, FromInstrumentation: instrumented}
	in.AppendOperand(ir.Register(ir.Flags(), ir.ActionWrite), true)
	return in
}

func TestSplitMixedFlagsWriteForcesSplit(t *testing.T) {
	groups := splitIntoGroups([]ir.Instruction{mkFlagsWrite(true), mkFlagsWrite(false)})
	if len(groups) != 2 {
		t.Fatalf("len(groups) = %d, want 2", len(groups))
	}
	if len(groups[0].instrs) != 1 || len(groups[1].instrs) != 1 {
		t.Fatalf("groups = %+v, want one instruction each", groups)
	}
}

func TestSplitNonFlagsInstrumentationStaysTogether(t *testing.T) {
	groups := splitIntoGroups([]ir.Instruction{
		mkFlagsWrite(true),
		{Class: ir.OpMov},
	})
	if len(groups) != 1 {
		t.Fatalf("len(groups) = %d, want 1", len(groups))
	}
	if len(groups[0].instrs) != 2 {
		t.Fatalf("len(instrs) = %d, want 2", len(groups[0].instrs))
	}
}

func TestSplitControlFlowAlwaysTerminates(t *testing.T) {
	groups := splitIntoGroups([]ir.Instruction{
		{Class: ir.OpJmp, Category: ir.CategoryDirectJump},
		{Class: ir.OpNop},
	})
	if len(groups) != 2 {
		t.Fatalf("len(groups) = %d, want 2", len(groups))
	}
	if len(groups[0].instrs) != 1 {
		t.Fatalf("first group = %+v, want just the jmp", groups[0])
	}
}

func TestSplitLabelAlwaysBegins(t *testing.T) {
	groups := splitIntoGroups([]ir.Instruction{
		{Class: ir.OpNop},
		ir.NewLabel("L1"),
		{Class: ir.OpNop},
	})
	if len(groups) != 2 {
		t.Fatalf("len(groups) = %d, want 2", len(groups))
	}
	if groups[1].instrs[0].Class != ir.OpLabel {
		t.Fatalf("second group should start with the label")
	}
}

func TestSplitStackValidityFlip(t *testing.T) {
	groups := splitIntoGroups([]ir.Instruction{
		{Class: ir.OpMov},
		{Class: ir.OpAnnotate, Annotation: ir.AnnotationStackInvalid},
		{Class: ir.OpMov},
	})
	if len(groups) != 2 {
		t.Fatalf("len(groups) = %d, want 2", len(groups))
	}
	if groups[1].stack.IsValid {
		t.Fatalf("second group stack should be marked invalid")
	}
}
