package ir

// OperandKind tags the sum-type variant of an Operand.
type OperandKind uint8

const (
	OperandRegister OperandKind = iota
	OperandMemory
	OperandImmediate
	OperandBranchTarget
	OperandLabel
)

// MemKind distinguishes the memory operand sub-variants named in
// spec.md §3.
type MemKind uint8

const (
	// MemRegisterIndirect is [reg].
	MemRegisterIndirect MemKind = iota
	// MemCompound is [base + index*scale + disp].
	MemCompound
	// MemAbsolute is a bare absolute pointer.
	MemAbsolute
	// MemRIPRelative is [rip + disp], resolved once at decode time into
	// an absolute target (spec.md §4.1 point 3) and re-relativized at
	// encode time.
	MemRIPRelative
	// MemSegmentPrefixed carries a non-default segment override (fs/gs),
	// used by the scheduler for thread-private slot access.
	MemSegmentPrefixed
)

// Action describes whether an operand is read, written, or both.
type Action uint8

const (
	ActionRead Action = 1 << iota
	ActionWrite
)

func (a Action) ReadWrite() Action { return ActionRead | ActionWrite }

// MemOperand is the payload for OperandMemory.
type MemOperand struct {
	Kind MemKind
	Base VReg
	// HasIndex reports whether Index/Scale are meaningful.
	HasIndex   bool
	Index      VReg
	Scale      uint8 // 1, 2, 4 or 8
	Disp       int64
	Segment    uint8 // 0 = none, else a segment register number
	HasSegment bool
}

// Operand is the sum type {register, memory, immediate, branch-target,
// label} described in spec.md §3. Every operand carries bit-width,
// read/write action, and a Sticky flag meaning "must not be rewritten by
// clients" (set for implicit operands of an instruction).
type Operand struct {
	Kind   OperandKind
	Width  uint8
	Action Action
	Sticky bool

	Reg  VReg       // valid when Kind == OperandRegister
	Mem  MemOperand // valid when Kind == OperandMemory
	Imm  int64      // valid when Kind == OperandImmediate
	// Target is an absolute address, valid for OperandBranchTarget and for
	// a resolved OperandMemory{Kind: MemRIPRelative}.
	Target uint64
	// Label names a fragment-local label, valid when Kind == OperandLabel.
	Label string
}

// Register builds an explicit register operand.
func Register(reg VReg, action Action) Operand {
	return Operand{Kind: OperandRegister, Width: reg.Width, Action: action, Reg: reg}
}

// Implicit marks an operand sticky, used for operands an instruction
// touches implicitly (e.g. RDX:RAX for IDIV) that clients must not rewrite.
func Implicit(op Operand) Operand {
	op.Sticky = true
	return op
}

// Immediate builds an immediate operand.
func Immediate(v int64, width uint8) Operand {
	return Operand{Kind: OperandImmediate, Width: width, Action: ActionRead, Imm: v}
}

// BranchTarget builds a resolved absolute branch-target operand.
func BranchTarget(target uint64) Operand {
	return Operand{Kind: OperandBranchTarget, Width: 8, Action: ActionRead, Target: target}
}

// Label builds a fragment-local label operand (used by connecting jumps
// and by edge-code references before final cache addresses exist).
func Label(name string) Operand {
	return Operand{Kind: OperandLabel, Width: 8, Action: ActionRead, Label: name}
}

// Memory builds a memory operand of the given sub-kind.
func Memory(mem MemOperand, width uint8, action Action) Operand {
	return Operand{Kind: OperandMemory, Width: width, Action: action, Mem: mem}
}

// RIPRelative builds a memory operand whose target has already been
// resolved to an absolute address by the decoder (spec.md §4.1 point 3).
func RIPRelative(target uint64, width uint8, action Action) Operand {
	return Operand{
		Kind:   OperandMemory,
		Width:  width,
		Action: action,
		Mem:    MemOperand{Kind: MemRIPRelative, Disp: 0},
		Target: target,
	}
}
