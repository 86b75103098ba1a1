package ir

import "testing"

func TestAppendOperandCapacity(t *testing.T) {
	var in Instruction
	for i := 0; i < MaxOperands; i++ {
		if !in.AppendOperand(Immediate(int64(i), 4), true) {
			t.Fatalf("AppendOperand failed early at i=%d", i)
		}
	}
	if in.AppendOperand(Immediate(99, 4), true) {
		t.Fatal("AppendOperand should fail once capacity is reached")
	}
	if in.NumOps != MaxOperands {
		t.Fatalf("NumOps = %d, want %d", in.NumOps, MaxOperands)
	}
}

func TestExplicitBeforeImplicit(t *testing.T) {
	var in Instruction
	in.AppendOperand(Register(NativeGPR(RegRAX, 8), ActionWrite), true)
	in.AppendOperand(Implicit(Register(Flags(), ActionWrite)), false)

	if in.NumExplicitOps != 1 {
		t.Fatalf("NumExplicitOps = %d, want 1", in.NumExplicitOps)
	}
	if !in.Ops[1].Sticky {
		t.Fatal("implicit operand must be sticky")
	}
	if in.Ops[0].Sticky {
		t.Fatal("explicit operand must not be sticky")
	}
}

func TestWritesFlagsAndStackPointer(t *testing.T) {
	var in Instruction
	in.AppendOperand(Implicit(Register(Flags(), ActionWrite)), false)
	if !in.WritesFlags() {
		t.Fatal("expected WritesFlags true")
	}

	var push Instruction
	push.AppendOperand(Register(StackPointer(), ActionRead|ActionWrite), true)
	if !push.WritesStackPointer() {
		t.Fatal("expected WritesStackPointer true")
	}
}

func TestBlockBeginAnnotation(t *testing.T) {
	in := BlockBegin(0x1000)
	if in.Class != OpAnnotate || in.Annotation != AnnotationBlockBegin {
		t.Fatalf("BlockBegin produced wrong instruction: %+v", in)
	}
	if in.DecodedPC != 0x1000 {
		t.Fatalf("DecodedPC = %#x, want 0x1000", in.DecodedPC)
	}
}
