// Package ir defines the architectural intermediate representation used
// by every later stage of the translator: virtual registers, operands and
// instructions (spec.md §3 Data Model).
package ir

// RegKind tags what a VReg actually identifies.
type RegKind uint8

const (
	// RegGPR is a native general-purpose register.
	RegGPR RegKind = iota
	// RegFlags is the native flags register.
	RegFlags
	// RegVirtual is a synthetic register introduced during instrumentation;
	// its identity is scoped to one trace.
	RegVirtual
	// RegSlot is an indirection through a scheduled stack/TLS slot.
	RegSlot
)

// VReg is a tagged value identifying a native GPR, the flags register, a
// synthetic virtual register, or a slot reference.
//
// Invariant: native GPR identity (Kind == RegGPR) is stable across
// lowering; virtual identity (Kind == RegVirtual) is scoped to one trace.
type VReg struct {
	Kind RegKind
	// ID is the native register number (x86asm/golang-asm encoding) when
	// Kind == RegGPR, the slot index when Kind == RegSlot, or a
	// trace-local virtual register number when Kind == RegVirtual.
	ID uint32
	// Width is the access width in bytes (1, 2, 4, or 8).
	Width uint8
	// AliasesStackPointer is true for RSP and for any virtual register
	// pinned never to coincide with RSP (spec.md §4.4 point 3).
	AliasesStackPointer bool
}

// NativeGPR constructs a VReg identifying a native general-purpose
// register by its golang-asm/x86asm encoding number.
func NativeGPR(num uint32, width uint8) VReg {
	return VReg{Kind: RegGPR, ID: num, Width: width}
}

// StackPointer returns the VReg for RSP.
func StackPointer() VReg {
	return VReg{Kind: RegGPR, ID: RegRSP, Width: 8, AliasesStackPointer: true}
}

// Flags returns the VReg for the native flags register.
func Flags() VReg {
	return VReg{Kind: RegFlags, Width: 8}
}

// Virtual allocates a new trace-scoped virtual register. Counter is
// supplied by the owning Trace so identity stays unique within one trace.
func Virtual(counter uint32, width uint8) VReg {
	return VReg{Kind: RegVirtual, ID: counter, Width: width}
}

// Slot returns a VReg referencing a scheduled slot by index.
func Slot(index uint32, width uint8) VReg {
	return VReg{Kind: RegSlot, ID: index, Width: width}
}

// IsNative reports whether this VReg already identifies a concrete
// machine register (not a virtual or slot indirection).
func (v VReg) IsNative() bool { return v.Kind == RegGPR || v.Kind == RegFlags }

// x86-64 general-purpose register numbers, matching the encoding used by
// both golang.org/x/arch/x86/x86asm and golang-asm's obj/x86 package, so
// VReg.ID round-trips through both without translation tables.
const (
	RegRAX = iota
	RegRCX
	RegRDX
	RegRBX
	RegRSP
	RegRBP
	RegRSI
	RegRDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
)

// CallerSaved lists the System V AMD64 caller-saved GPRs, consulted by the
// register scheduler's spill-victim heuristic (spec.md §4.4 point 3:
// "preferring caller-saved, then least-recently-used").
var CallerSaved = []uint32{RegRAX, RegRCX, RegRDX, RegRSI, RegRDI, RegR8, RegR9, RegR10, RegR11}

// CalleeSaved lists the System V AMD64 callee-saved GPRs.
var CalleeSaved = []uint32{RegRBX, RegRBP, RegR12, RegR13, RegR14, RegR15}
