package encode

import (
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/go-granary/granary/ir"
)

// gprEncoding maps a canonical 0-15 granary GPR number to the golang-asm
// obj/x86 register constant. The numbering matches x86/ISA encoding
// order (decode.regFromX86asm preserves the same numbering), so this is
// a direct table rather than a derived computation.
var gprEncoding = [16]int16{
	x86.REG_AX, x86.REG_CX, x86.REG_DX, x86.REG_BX,
	x86.REG_SP, x86.REG_BP, x86.REG_SI, x86.REG_DI,
	x86.REG_R8, x86.REG_R9, x86.REG_R10, x86.REG_R11,
	x86.REG_R12, x86.REG_R13, x86.REG_R14, x86.REG_R15,
}

func nativeReg(v ir.VReg) int16 {
	if int(v.ID) < len(gprEncoding) {
		return gprEncoding[v.ID]
	}
	return x86.REG_AX
}

// widthedMov picks the right AMOVx opcode for a mov of the given width,
// the only opcode class golang-asm exposes sub-8-byte variants for in the
// subset wagon exercises.
func widthedMov(width uint8) obj.As {
	switch width {
	case 1:
		return x86.AMOVB
	case 2:
		return x86.AMOVW
	case 4:
		return x86.AMOVL
	default:
		return x86.AMOVQ
	}
}

// aluOp maps an ir.OpcodeClass to its 64-bit golang-asm/obj/x86 opcode.
// Every case here is grounded on identifiers golang-asm exposes because
// it is a direct fork of cmd/internal/obj/x86 (verified against the Go
// toolchain's own aenum.go, which golang-asm's aenum.go mirrors).
func aluOp(class ir.OpcodeClass) (obj.As, bool) {
	switch class {
	case ir.OpAdd:
		return x86.AADDQ, true
	case ir.OpSub:
		return x86.ASUBQ, true
	case ir.OpAnd:
		return x86.AANDQ, true
	case ir.OpOr:
		return x86.AORQ, true
	case ir.OpXor:
		return x86.AXORQ, true
	case ir.OpCmp:
		return x86.ACMPQ, true
	case ir.OpTest:
		return x86.ATESTQ, true
	case ir.OpInc:
		return x86.AINCQ, true
	case ir.OpDec:
		return x86.ADECQ, true
	case ir.OpNot:
		return x86.ANOTQ, true
	case ir.OpNeg:
		return x86.ANEGQ, true
	case ir.OpShl:
		return x86.ASHLQ, true
	case ir.OpShr:
		return x86.ASHRQ, true
	case ir.OpSar:
		return x86.ASARQ, true
	case ir.OpImul:
		return x86.AIMULQ, true
	case ir.OpIdiv:
		return x86.AIDIVQ, true
	default:
		return 0, false
	}
}

// condJump maps an ir.CondCode to golang-asm's Jcc mnemonic, which follows
// the Go assembler's historical naming (AJEQ/AJNE/... rather than Intel's
// JE/JNE) per cmd/internal/obj/x86/aenum.go.
func condJump(c ir.CondCode) (obj.As, bool) {
	switch c {
	case ir.CondEqual:
		return x86.AJEQ, true
	case ir.CondNotEqual:
		return x86.AJNE, true
	case ir.CondAbove:
		return x86.AJHI, true
	case ir.CondAboveOrEqual:
		return x86.AJCC, true
	case ir.CondBelow:
		return x86.AJCS, true
	case ir.CondBelowOrEqual:
		return x86.AJLS, true
	case ir.CondGreater:
		return x86.AJGT, true
	case ir.CondGreaterOrEqual:
		return x86.AJGE, true
	case ir.CondLess:
		return x86.AJLT, true
	case ir.CondLessOrEqual:
		return x86.AJLE, true
	case ir.CondSign:
		return x86.AJMI, true
	case ir.CondNotSign:
		return x86.AJPL, true
	case ir.CondOverflow:
		return x86.AJOS, true
	case ir.CondNotOverflow:
		return x86.AJOC, true
	case ir.CondParity:
		return x86.AJPS, true
	case ir.CondNotParity:
		return x86.AJPC, true
	default:
		return 0, false
	}
}

// operandAddr lowers an ir.Operand into an obj.Addr for the given builder
// (memory operands referencing a forward label need the builder to mint
// the label's placeholder Prog).
func (bd *Builder) operandAddr(op ir.Operand) (obj.Addr, error) {
	switch op.Kind {
	case ir.OperandRegister:
		return obj.Addr{Type: obj.TYPE_REG, Reg: nativeReg(op.Reg)}, nil

	case ir.OperandImmediate:
		return obj.Addr{Type: obj.TYPE_CONST, Offset: op.Imm}, nil

	case ir.OperandMemory:
		a := obj.Addr{Type: obj.TYPE_MEM}
		if op.Mem.Kind == ir.MemRIPRelative {
			// Resolved to an absolute target by the decoder; the
			// relativiser pass (assemble.Relativize) is responsible
			// for turning this back into PC-relative form or an
			// indirect load before it reaches the encoder.
			a.Reg = x86.REG_NONE
			a.Offset = int64(op.Target)
			return a, nil
		}
		if op.Mem.Kind == ir.MemAbsolute {
			// A bare absolute pointer (edge-stub pointer slots): no base
			// register, encoded as a disp32/disp64 load the way
			// golang-asm encodes a nil-base TYPE_MEM operand.
			a.Reg = x86.REG_NONE
			a.Offset = op.Mem.Disp
			return a, nil
		}
		if op.Mem.Kind == ir.MemSegmentPrefixed {
			// AllocateSlots (assemble pass 4) routes slots to the
			// thread-private table through the runtime's TLS pseudo
			// register when the application stack is not valid.
			a.Reg = x86.REG_TLS
			a.Offset = op.Mem.Disp
			return a, nil
		}
		a.Reg = nativeReg(op.Mem.Base)
		a.Offset = op.Mem.Disp
		if op.Mem.HasIndex {
			a.Index = nativeReg(op.Mem.Index)
			a.Scale = int16(op.Mem.Scale)
		}
		return a, nil

	case ir.OperandBranchTarget, ir.OperandLabel:
		name := op.Label
		if op.Kind == ir.OperandBranchTarget {
			name = branchLabelName(op.Target)
		}
		return obj.Addr{Type: obj.TYPE_BRANCH, Val: bd.labelProg(name)}, nil

	default:
		return obj.Addr{}, &ErrUnsupportedOpcode{}
	}
}

// branchLabelName derives a stable label name for a resolved absolute
// branch target, used when no fragment-local label has been assigned yet
// (e.g. a direct jump whose destination is still a DirectFuture block).
func branchLabelName(target uint64) string {
	return "pc_" + itoaHex(target)
}

func itoaHex(v uint64) string {
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

// emitFlagsMove lowers assemble pass 2's synthetic OpPushFlags/OpPopFlags
// into the real two-instruction x86-64 sequence: PUSHFQ followed by a pop
// into the destination slot for a save, or a push of the source slot
// followed by POPFQ for a restore (the slot operand is whatever
// AllocateSlots resolved it to -- stack-relative or segment-prefixed
// memory -- by the time this runs).
func (bd *Builder) emitFlagsMove(in ir.Instruction) error {
	slot, err := bd.operandAddr(in.Ops[0])
	if err != nil {
		return err
	}

	if in.Class == ir.OpPushFlags {
		push := bd.b.NewProg()
		push.As = x86.APUSHFQ
		bd.b.AddInstruction(push)

		pop := bd.b.NewProg()
		pop.As = x86.APOPQ
		pop.To = slot
		bd.b.AddInstruction(pop)
		return nil
	}

	push := bd.b.NewProg()
	push.As = x86.APUSHQ
	push.From = slot
	bd.b.AddInstruction(push)

	popf := bd.b.NewProg()
	popf.As = x86.APOPFQ
	bd.b.AddInstruction(popf)
	return nil
}

// lower converts one ir.Instruction into an *obj.Prog ready for
// builder.AddInstruction.
func (bd *Builder) lower(in ir.Instruction) (*obj.Prog, error) {
	p := bd.b.NewProg()

	switch in.Class {
	case ir.OpMov, ir.OpLea:
		ops := in.ExplicitOperands()
		if len(ops) != 2 {
			return nil, &ErrUnsupportedOpcode{Class: in.Class}
		}
		from, err := bd.operandAddr(ops[0])
		if err != nil {
			return nil, err
		}
		to, err := bd.operandAddr(ops[1])
		if err != nil {
			return nil, err
		}
		if in.Class == ir.OpLea {
			p.As = x86.ALEAQ
		} else {
			p.As = widthedMov(in.EffectiveWidth)
		}
		p.From, p.To = from, to
		return p, nil

	case ir.OpPush:
		from, err := bd.operandAddr(in.Ops[0])
		if err != nil {
			return nil, err
		}
		p.As = x86.APUSHQ
		p.From = from
		return p, nil

	case ir.OpPop:
		to, err := bd.operandAddr(in.Ops[0])
		if err != nil {
			return nil, err
		}
		p.As = x86.APOPQ
		p.To = to
		return p, nil

	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpCmp, ir.OpTest,
		ir.OpShl, ir.OpShr, ir.OpSar, ir.OpImul:
		as, ok := aluOp(in.Class)
		if !ok {
			return nil, &ErrUnsupportedOpcode{Class: in.Class}
		}
		ops := in.ExplicitOperands()
		if len(ops) < 2 {
			return nil, &ErrUnsupportedOpcode{Class: in.Class}
		}
		from, err := bd.operandAddr(ops[0])
		if err != nil {
			return nil, err
		}
		to, err := bd.operandAddr(ops[1])
		if err != nil {
			return nil, err
		}
		p.As, p.From, p.To = as, from, to
		return p, nil

	case ir.OpInc, ir.OpDec, ir.OpNot, ir.OpNeg, ir.OpIdiv:
		as, ok := aluOp(in.Class)
		if !ok {
			return nil, &ErrUnsupportedOpcode{Class: in.Class}
		}
		to, err := bd.operandAddr(in.Ops[0])
		if err != nil {
			return nil, err
		}
		p.As, p.To = as, to
		return p, nil

	case ir.OpJmp:
		target, err := bd.operandAddr(in.Ops[0])
		if err != nil {
			return nil, err
		}
		p.As = obj.AJMP
		p.To = target
		return p, nil

	case ir.OpJcc:
		as, ok := condJump(in.Condition)
		if !ok {
			return nil, &ErrUnsupportedOpcode{Class: in.Class}
		}
		target, err := bd.operandAddr(in.Ops[0])
		if err != nil {
			return nil, err
		}
		p.As = as
		p.To = target
		return p, nil

	case ir.OpCall:
		target, err := bd.operandAddr(in.Ops[0])
		if err != nil {
			return nil, err
		}
		p.As = obj.ACALL
		p.To = target
		return p, nil

	case ir.OpRet:
		p.As = obj.ARET
		return p, nil

	case ir.OpSyscall:
		p.As = x86.ASYSCALL
		return p, nil

	case ir.OpNop:
		p.As = obj.ANOP
		return p, nil

	case ir.OpUd2:
		p.As = x86.AUD2
		return p, nil

	default:
		return nil, &ErrUnsupportedOpcode{Class: in.Class}
	}
}
