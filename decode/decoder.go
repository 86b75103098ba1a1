// Package decode drives golang.org/x/arch/x86/x86asm as the decode half
// of the spec's opaque *Encoder* capability, lifting its result into
// granary's own ir.Instruction (spec.md §4.1).
package decode

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/go-granary/granary/ir"
	"github.com/go-granary/granary/logutil"
)

var log = logutil.New("decode")

// ErrInvalidInstruction is returned when no byte-length probe from
// MaxInstructionLength down to 1 yields a successful decode. Callers
// treat this as "do not follow this path — produce a Native block here"
// (spec.md §4.1).
var ErrInvalidInstruction = errors.New("decode: invalid instruction")

// MaxInstructionLength is the longest possible x86-64 instruction
// encoding.
const MaxInstructionLength = 15

// CodeReader supplies raw bytes from application memory. Implementations
// may return fewer bytes than requested (e.g. near an unmapped page
// boundary) without that being an error by itself.
type CodeReader interface {
	// ReadCode returns up to n bytes starting at pc. A short read (fewer
	// than n bytes, nil error) signals that the remainder is unreadable
	// (e.g. the next page is unmapped); a non-nil error means pc itself
	// is unreadable.
	ReadCode(pc uint64, n int) ([]byte, error)
}

// Decoder lifts raw bytes into ir.Instruction using x86asm.
type Decoder struct {
	mem  CodeReader
	mode int // 64 for x86-64
}

// New returns a Decoder reading application code through mem.
func New(mem CodeReader) *Decoder {
	return &Decoder{mem: mem, mode: 64}
}

// DecodeAt decodes one instruction at pc, returning the populated
// ir.Instruction. It implements the page-boundary length-probe fallback
// described in spec.md §4.1: if the default MaxInstructionLength fetch
// would read past an unmapped page, it retries with shrinking byte
// windows until x86asm accepts one.
func (d *Decoder) DecodeAt(pc uint64) (ir.Instruction, error) {
	window, err := d.mem.ReadCode(pc, MaxInstructionLength)
	if err != nil {
		return ir.Instruction{}, fmt.Errorf("%w: read at %#x: %v", ErrInvalidInstruction, pc, err)
	}
	if len(window) == 0 {
		return ir.Instruction{}, fmt.Errorf("%w: no bytes available at %#x", ErrInvalidInstruction, pc)
	}

	// Fast path: the common case where the full window is available.
	if inst, ok := d.tryDecode(window, pc); ok {
		return inst, nil
	}

	// Slow path: shrink the probe length (spec.md §4.1 "straddling an
	// unreadable page"). Try every prefix length from the longest
	// available down to 1 byte.
	for n := len(window) - 1; n >= 1; n-- {
		if inst, ok := d.tryDecode(window[:n], pc); ok {
			log.Debugf("decoded %#x via length probe n=%d (window=%d)", pc, n, len(window))
			return inst, nil
		}
	}

	return ir.Instruction{}, fmt.Errorf("%w: at %#x", ErrInvalidInstruction, pc)
}

func (d *Decoder) tryDecode(src []byte, pc uint64) (ir.Instruction, bool) {
	raw, err := x86asm.Decode(src, d.mode)
	if err != nil {
		return ir.Instruction{}, false
	}
	if raw.Len <= 0 || raw.Len > len(src) {
		return ir.Instruction{}, false
	}
	return d.lift(raw, pc), true
}

// lift turns an x86asm.Inst into an ir.Instruction, resolving PC-relative
// operands to absolute targets (spec.md §4.1 point 3) and marking
// implicit operands sticky (point 2).
func (d *Decoder) lift(raw x86asm.Inst, pc uint64) ir.Instruction {
	in := ir.Instruction{
		Class:          classify(raw.Op),
		Category:       categorize(raw.Op),
		DecodedPC:      pc,
		DecodedLength:  uint8(raw.Len),
		Prefixes:       prefixFlags(raw),
		EffectiveWidth: effectiveWidth(raw),
		Atomic:         hasLockPrefix(raw),
	}
	if in.Category == ir.CategoryConditionalJump {
		in.Condition = conditionOf(raw.Op)
	}

	for _, arg := range raw.Args {
		if arg == nil {
			break
		}
		op, explicit := d.liftArg(arg, raw, pc)
		in.AppendOperand(op, explicit)
	}

	if d, ok, known := stackDelta(raw); known {
		in.StackPointerDelta = d
		in.StackDeltaKnown = ok
	}

	if categoryIsIndirectBranch(&in) {
		if in.Category == ir.CategoryDirectCall {
			in.Category = ir.CategoryIndirectCall
		} else {
			in.Category = ir.CategoryIndirectJump
		}
	}

	return in
}

// liftArg converts one x86asm.Arg into an ir.Operand. PC-relative
// operands (branch displacement, RIP-relative memory) are resolved once
// here using pc + decoded_length + displacement, per spec.md §4.1 point 3.
func (d *Decoder) liftArg(arg x86asm.Arg, raw x86asm.Inst, pc uint64) (ir.Operand, bool) {
	next := pc + uint64(raw.Len)

	switch a := arg.(type) {
	case x86asm.Reg:
		vr := regFromX86asm(a)
		return ir.Register(vr, actionFor(raw.Op)), true

	case x86asm.Rel:
		target := uint64(int64(next) + int64(a))
		return ir.BranchTarget(target), true

	case x86asm.Mem:
		if a.Base == x86asm.RIP {
			target := uint64(int64(next) + a.Disp)
			return ir.RIPRelative(target, byteWidth(raw.MemBytes), ir.ActionRead|ir.ActionWrite), true
		}
		mem := ir.MemOperand{
			Kind: memKind(a),
			Disp: int64(a.Disp),
		}
		if a.Base != 0 {
			mem.Base = regFromX86asm(a.Base)
		}
		if a.Index != 0 {
			mem.HasIndex = true
			mem.Index = regFromX86asm(a.Index)
			mem.Scale = uint8(a.Scale)
		}
		if a.Segment != 0 {
			mem.HasSegment = true
			mem.Kind = ir.MemSegmentPrefixed
			mem.Segment = uint8(regFromX86asm(a.Segment).ID)
		}
		return ir.Memory(mem, byteWidth(raw.MemBytes), ir.ActionRead|ir.ActionWrite), true

	case x86asm.Imm:
		return ir.Immediate(int64(a), byteWidth(raw.DataSize)), true

	default:
		// Unrecognized argument kind (e.g. x86asm.Imm via relative
		// branch already handled); model opaquely as a sticky
		// zero-width operand rather than dropping information.
		return ir.Operand{Kind: ir.OperandImmediate, Sticky: true}, false
	}
}

func byteWidth(bits int) uint8 {
	if bits <= 0 {
		return 8
	}
	return uint8(bits / 8)
}

func memKind(a x86asm.Mem) ir.MemKind {
	switch {
	case a.Index != 0:
		return ir.MemCompound
	case a.Base != 0:
		return ir.MemRegisterIndirect
	default:
		return ir.MemAbsolute
	}
}

func actionFor(op x86asm.Op) ir.Action {
	switch op {
	case x86asm.MOV, x86asm.LEA, x86asm.MOVZX, x86asm.MOVSX:
		return ir.ActionWrite
	default:
		return ir.ActionRead | ir.ActionWrite
	}
}

func prefixFlags(raw x86asm.Inst) ir.PrefixFlags {
	var p ir.PrefixFlags
	for _, pfx := range raw.Prefix {
		switch pfx &^ x86asm.PrefixImplicit {
		case x86asm.PrefixREP:
			p |= ir.PrefixRep
		case x86asm.PrefixREPN:
			p |= ir.PrefixRepne
		case x86asm.PrefixLOCK:
			p |= ir.PrefixLock
		}
	}
	return p
}

func hasLockPrefix(raw x86asm.Inst) bool {
	for _, pfx := range raw.Prefix {
		if pfx&^x86asm.PrefixImplicit == x86asm.PrefixLOCK {
			return true
		}
	}
	return false
}

func effectiveWidth(raw x86asm.Inst) uint8 {
	if raw.DataSize > 0 {
		return byteWidth(raw.DataSize)
	}
	return 8
}

// stackDelta computes the cached stack-pointer analysis named in
// spec.md §3 for the common, statically-known cases.
func stackDelta(raw x86asm.Inst) (int32, bool, bool) {
	switch raw.Op {
	case x86asm.PUSH:
		return -8, true, true
	case x86asm.POP:
		return 8, true, true
	case x86asm.CALL:
		return -8, true, true
	case x86asm.RET:
		return 8, true, true
	default:
		return 0, false, false
	}
}
