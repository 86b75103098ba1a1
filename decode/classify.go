package decode

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/go-granary/granary/ir"
)

// classify maps an x86asm opcode to the architecture-independent-shaped
// ir.OpcodeClass.
func classify(op x86asm.Op) ir.OpcodeClass {
	switch op {
	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX:
		return ir.OpMov
	case x86asm.LEA:
		return ir.OpLea
	case x86asm.PUSH:
		return ir.OpPush
	case x86asm.POP:
		return ir.OpPop
	case x86asm.ADD:
		return ir.OpAdd
	case x86asm.SUB:
		return ir.OpSub
	case x86asm.AND:
		return ir.OpAnd
	case x86asm.OR:
		return ir.OpOr
	case x86asm.XOR:
		return ir.OpXor
	case x86asm.CMP:
		return ir.OpCmp
	case x86asm.TEST:
		return ir.OpTest
	case x86asm.INC:
		return ir.OpInc
	case x86asm.DEC:
		return ir.OpDec
	case x86asm.NOT:
		return ir.OpNot
	case x86asm.NEG:
		return ir.OpNeg
	case x86asm.SHL:
		return ir.OpShl
	case x86asm.SHR:
		return ir.OpShr
	case x86asm.SAR:
		return ir.OpSar
	case x86asm.IMUL:
		return ir.OpImul
	case x86asm.IDIV:
		return ir.OpIdiv
	case x86asm.JMP:
		return ir.OpJmp
	case x86asm.CALL:
		return ir.OpCall
	case x86asm.RET:
		return ir.OpRet
	case x86asm.SYSCALL:
		return ir.OpSyscall
	case x86asm.INT:
		return ir.OpInt
	case x86asm.IRET:
		return ir.OpIret
	case x86asm.NOP:
		return ir.OpNop
	default:
		if isConditionalJump(op) {
			return ir.OpJcc
		}
		return ir.OpOther
	}
}

// conditionOf maps an x86asm conditional-jump opcode to an ir.CondCode.
// JCXZ/JECXZ/JRCXZ/LOOP* have no single flag-based CondCode equivalent
// (they test a counter register, not flags) and are left CondNone; the
// fragment builder treats them as opaque conditional terminators.
func conditionOf(op x86asm.Op) ir.CondCode {
	switch op {
	case x86asm.JA:
		return ir.CondAbove
	case x86asm.JAE:
		return ir.CondAboveOrEqual
	case x86asm.JB:
		return ir.CondBelow
	case x86asm.JBE:
		return ir.CondBelowOrEqual
	case x86asm.JE:
		return ir.CondEqual
	case x86asm.JG:
		return ir.CondGreater
	case x86asm.JGE:
		return ir.CondGreaterOrEqual
	case x86asm.JL:
		return ir.CondLess
	case x86asm.JLE:
		return ir.CondLessOrEqual
	case x86asm.JNE:
		return ir.CondNotEqual
	case x86asm.JNO:
		return ir.CondNotOverflow
	case x86asm.JNP:
		return ir.CondNotParity
	case x86asm.JNS:
		return ir.CondNotSign
	case x86asm.JO:
		return ir.CondOverflow
	case x86asm.JP:
		return ir.CondParity
	case x86asm.JS:
		return ir.CondSign
	default:
		return ir.CondNone
	}
}

func isConditionalJump(op x86asm.Op) bool {
	switch op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO,
		x86asm.JP, x86asm.JS, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return false
}

// categorize classifies an instruction's control-flow effect (spec.md
// §4.1 point 1, driving §4.2 point 3's terminator classification).
func categorize(op x86asm.Op) ir.Category {
	switch {
	case op == x86asm.JMP:
		return ir.CategoryDirectJump
	case isConditionalJump(op):
		return ir.CategoryConditionalJump
	case op == x86asm.CALL:
		return ir.CategoryDirectCall
	case op == x86asm.RET:
		return ir.CategoryReturn
	case op == x86asm.SYSCALL, op == x86asm.SYSENTER:
		return ir.CategorySyscall
	case op == x86asm.INT:
		return ir.CategoryInterruptCall
	case op == x86asm.IRET:
		return ir.CategoryInterruptReturn
	default:
		return ir.CategoryNormal
	}
}

// regFromX86asm maps an x86asm.Reg to a granary ir.VReg, preserving the
// numeric encoding so round-tripping through golang-asm needs no
// translation table.
func regFromX86asm(r x86asm.Reg) ir.VReg {
	if r == x86asm.RIP {
		return ir.VReg{Kind: ir.RegGPR, ID: 0xffff, Width: 8}
	}
	num, width := decodeRegNumWidth(r)
	vr := ir.NativeGPR(num, width)
	if num == ir.RegRSP {
		vr.AliasesStackPointer = true
	}
	return vr
}

// byteRegNum maps the 20-entry x86asm byte-register enumeration
// (AL,CL,DL,BL,AH,CH,DH,BH,SPB,BPB,SIB,DIB,R8B..R15B) to the canonical
// 0-15 GPR number. AH/CH/DH/BH and SPB/BPB/SIB/DIB legitimately alias the
// same register-file slot (4-7), disambiguated only by REX-prefix
// presence at the encoding layer, matching real x86-64 semantics.
var byteRegNum = [20]uint32{0, 1, 2, 3, 4, 5, 6, 7, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}

// decodeRegNumWidth extracts the canonical 0-15 GPR number and access
// width in bytes from an x86asm.Reg, covering all sub-register aliases
// (AL/AX/EAX/RAX all map to number 0, widths 1/2/4/8).
func decodeRegNumWidth(r x86asm.Reg) (uint32, uint8) {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		return byteRegNum[r-x86asm.AL], 1
	case r >= x86asm.AX && r <= x86asm.R15W:
		return uint32(r - x86asm.AX), 2
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return uint32(r - x86asm.EAX), 4
	case r >= x86asm.RAX && r <= x86asm.R15:
		return uint32(r - x86asm.RAX), 8
	default:
		return uint32(r), 8
	}
}

// categoryIsIndirectBranch reports whether an instruction of the given
// class/category pair is an indirect jump or call, distinguishing it
// from the direct forms x86asm already separates via Rel vs Reg/Mem args.
func categoryIsIndirectBranch(in *ir.Instruction) bool {
	if in.Category != ir.CategoryDirectJump && in.Category != ir.CategoryDirectCall {
		return false
	}
	for _, op := range in.ExplicitOperands() {
		if op.Kind == ir.OperandRegister || op.Kind == ir.OperandMemory {
			return true
		}
	}
	return false
}
