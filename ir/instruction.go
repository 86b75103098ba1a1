package ir

import "fmt"

// MaxOperands bounds the fixed operand-vector capacity named in spec.md
// §3 ("operand vector of fixed small capacity (≤ ~11)").
const MaxOperands = 11

// OpcodeClass identifies the architectural operation, independent of
// encoding details (width, prefix, addressing mode).
type OpcodeClass uint16

const (
	OpInvalid OpcodeClass = iota
	OpMov
	OpLea
	OpPush
	OpPop
	OpAdd
	OpSub
	OpAnd
	OpOr
	OpXor
	OpCmp
	OpTest
	OpInc
	OpDec
	OpNot
	OpNeg
	OpShl
	OpShr
	OpSar
	OpImul
	OpIdiv
	OpJmp
	OpJcc
	OpCall
	OpRet
	OpSyscall
	OpInt
	OpIret
	OpNop
	OpUd2 // trap: prevents speculative fall-through past an edge stub's last jmp
	OpPushFlags // synthetic: save native flags to the operand slot (assemble pass 2)
	OpPopFlags  // synthetic: restore native flags from the operand slot (assemble pass 2)
	OpLabel    // synthetic: fragment/block label marker
	OpAnnotate // synthetic: AnnotationInstruction (BLOCK_BEGIN, splits, ...)
	OpOther    // decoded but not individually modeled; carried opaquely
)

// CondCode names an x86 condition code, recorded for conditional jumps so
// later passes (and the encoder) know exactly which flag test to lower,
// independent of the OpcodeClass's coarser OpJcc bucket.
type CondCode uint8

const (
	CondNone CondCode = iota
	CondAbove
	CondAboveOrEqual
	CondBelow
	CondBelowOrEqual
	CondEqual
	CondGreater
	CondGreaterOrEqual
	CondLess
	CondLessOrEqual
	CondNotEqual
	CondNotOverflow
	CondNotParity
	CondNotSign
	CondOverflow
	CondParity
	CondSign
)

// Category classifies an instruction's effect on control flow, used by
// the decoder, block factory and fragment builder to find boundaries.
type Category uint8

const (
	CategoryNormal Category = iota
	CategoryDirectJump
	CategoryConditionalJump
	CategoryIndirectJump
	CategoryDirectCall
	CategoryIndirectCall
	CategoryReturn
	CategorySyscall
	CategoryInterruptCall
	CategoryInterruptReturn
)

// IsControlFlow reports whether this category terminates a block
// (spec.md §4.2 point 3).
func (c Category) IsControlFlow() bool { return c != CategoryNormal }

// Annotation identifies a synthetic marker instruction kind.
type Annotation uint8

const (
	AnnotationNone Annotation = iota
	AnnotationBlockBegin
	AnnotationSplitBeforeFlagsWrite
	AnnotationStackValid
	AnnotationStackInvalid
	AnnotationStackUnknown
	AnnotationInterruptStateChange
)

// PrefixFlags holds the legacy x86 prefix bits relevant to later passes.
type PrefixFlags uint8

const (
	PrefixRep PrefixFlags = 1 << iota
	PrefixRepne
	PrefixLock
	PrefixBranchHintTaken
	PrefixBranchHintNotTaken
)

// Instruction is the architecture-independent-shaped, x86-64-populated IR
// record described in spec.md §3.
//
// Invariant: explicit operands precede implicit ones;
// NumExplicitOps <= NumOps.
type Instruction struct {
	Class    OpcodeClass
	Category Category

	DecodedPC     uint64
	DecodedLength uint8

	Ops            [MaxOperands]Operand
	NumOps         uint8
	NumExplicitOps uint8

	Prefixes      PrefixFlags
	EffectiveWidth uint8
	Atomic         bool

	// StackPointerDelta caches this instruction's static effect on RSP
	// (e.g. -8 for push, +8 for pop, 0 if unknown/dynamic), populated by
	// the decoder per spec.md §3's "cached stack-pointer analysis".
	StackPointerDelta int32
	StackDeltaKnown    bool

	Annotation Annotation

	// Condition is populated for Category == CategoryConditionalJump,
	// naming exactly which flag test the jump performs.
	Condition CondCode

	// Label names this instruction when Class == OpLabel, or the
	// fragment-local branch target name once the block/fragment builder
	// has replaced an absolute target with a local label reference.
	Label string

	// FromInstrumentation marks an instruction as client-added rather
	// than decoded from the application, the provenance the fragment
	// builder's app/instrumentation classification needs (spec.md §4.3
	// "App vs. instrumentation classification").
	FromInstrumentation bool
}

// Instrumented returns a copy of in marked as client-added.
func Instrumented(in Instruction) Instruction {
	in.FromInstrumentation = true
	return in
}

// AppendOperand pushes op onto the fixed operand vector, returning false
// if it is already full (capacity MaxOperands).
func (in *Instruction) AppendOperand(op Operand, explicit bool) bool {
	if int(in.NumOps) >= MaxOperands {
		return false
	}
	in.Ops[in.NumOps] = op
	in.NumOps++
	if explicit {
		in.NumExplicitOps++
	}
	return true
}

// Operands returns the populated operand slice (read-only view).
func (in *Instruction) Operands() []Operand {
	return in.Ops[:in.NumOps]
}

// ExplicitOperands returns just the explicit prefix of the operand
// vector, respecting the explicit-before-implicit invariant.
func (in *Instruction) ExplicitOperands() []Operand {
	return in.Ops[:in.NumExplicitOps]
}

// WritesFlags reports whether any operand of this instruction writes the
// native flags register, used by the fragment builder's app/
// instrumentation classification (spec.md §4.3).
func (in *Instruction) WritesFlags() bool {
	for _, op := range in.Operands() {
		if op.Kind == OperandRegister && op.Reg.Kind == RegFlags && op.Action&ActionWrite != 0 {
			return true
		}
	}
	return false
}

// WritesStackPointer reports whether any operand writes RSP.
func (in *Instruction) WritesStackPointer() bool {
	for _, op := range in.Operands() {
		if op.Kind == OperandRegister && op.Reg.AliasesStackPointer && op.Action&ActionWrite != 0 {
			return true
		}
	}
	return false
}

// BlockBegin constructs the AnnotationInstruction{BLOCK_BEGIN} seeded at
// the start of every Decoded block (spec.md §4.2 point 2).
func BlockBegin(pc uint64) Instruction {
	return Instruction{Class: OpAnnotate, Annotation: AnnotationBlockBegin, DecodedPC: pc}
}

// NewLabel constructs a synthetic label instruction.
func NewLabel(name string) Instruction {
	return Instruction{Class: OpLabel, Label: name}
}

func (in Instruction) String() string {
	return fmt.Sprintf("%s@%#x(len=%d,ops=%d)", classString(in.Class), in.DecodedPC, in.DecodedLength, in.NumOps)
}

func classString(c OpcodeClass) string {
	names := map[OpcodeClass]string{
		OpInvalid: "invalid", OpMov: "mov", OpLea: "lea", OpPush: "push", OpPop: "pop",
		OpAdd: "add", OpSub: "sub", OpAnd: "and", OpOr: "or", OpXor: "xor", OpCmp: "cmp",
		OpTest: "test", OpInc: "inc", OpDec: "dec", OpNot: "not", OpNeg: "neg",
		OpShl: "shl", OpShr: "shr", OpSar: "sar", OpImul: "imul", OpIdiv: "idiv",
		OpJmp: "jmp", OpJcc: "jcc", OpCall: "call", OpRet: "ret", OpSyscall: "syscall",
		OpInt: "int", OpIret: "iret", OpNop: "nop", OpUd2: "ud2", OpPushFlags: "pushflags",
		OpPopFlags: "popflags", OpLabel: "label", OpAnnotate: "annotate",
		OpOther: "other",
	}
	if s, ok := names[c]; ok {
		return s
	}
	return "unknown"
}
