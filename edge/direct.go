// Package edge implements the direct- and indirect-edge trampolines
// described in spec.md §4.6: the two lazy-patching mechanisms that let
// cached code reach a not-yet-translated (or already-translated)
// destination without re-entering the translator on every execution.
package edge

import (
	"sync/atomic"
	"unsafe"

	"github.com/go-granary/granary/block"
	"github.com/go-granary/granary/cache"
	"github.com/go-granary/granary/encode"
	"github.com/go-granary/granary/ir"
)

// defaultHotThreshold is the execution count after which a Direct edge
// patches entryTarget to short-circuit future traversals of the stub, used
// when NewDirect is given a threshold of 0 (spec.md §4.6 "after an
// execution-count threshold").
const defaultHotThreshold = 64

// Direct is the direct-edge trampoline: {entry_target, exit_target,
// num_executions, num_execution_overflows, source_meta, dest_meta,
// edge_code_pc, patch_instr_pc} from spec.md §4.3 "Direct edge".
//
// Invariant: EntryTarget starts identical to the stub's own address;
// ExitTarget starts pointing back into the stub; both converge to the
// destination's cache PC exactly once, via atomic release-store
// publication (PublishExit for ExitTarget, then RecordExecution's hot
// patch for EntryTarget), matching spec.md §8 property 4 "edge
// publication monotonicity".
type Direct struct {
	entryTarget atomic.Uintptr
	exitTarget  atomic.Uintptr

	numExecutions         atomic.Uint64
	numExecutionOverflows atomic.Uint64

	SourceMeta *block.MetaData
	DestMeta   *block.MetaData

	// EdgeCodePC is the stub's own address in the code cache.
	EdgeCodePC uintptr
	// PatchInstrPC is the address of the stub's first jmp (the stub's own
	// start), the instruction that jumps through entryTarget.
	PatchInstrPC uintptr

	hotThreshold uint64
}

// NewDirect allocates and encodes a direct-edge stub into alloc, per the
// layout spec.md §4.6 gives:
//
//	jmp   [entry_target]
//	<save caller-saved scratch>
//	mov   rdi, &edge_struct
//	call  edge_entrypoint
//	<restore>
//	jmp   [exit_target]
//	ud2
//
// entrypoint is the native function edge_entrypoint calls into (the
// context's Translate, wrapped so it satisfies this signature); edge
// addressing uses the same golang-asm builder the encoder uses so stub
// code and translated application code share one lowering path.
func NewDirect(alloc *cache.Allocator, sourceMeta, destMeta *block.MetaData, entrypoint uintptr, hotThreshold uint64) (*Direct, error) {
	if hotThreshold == 0 {
		hotThreshold = defaultHotThreshold
	}
	d := &Direct{SourceMeta: sourceMeta, DestMeta: destMeta, hotThreshold: hotThreshold}

	// The two jmp instructions below address entryTarget/exitTarget
	// through their own field addresses inside d (stable for d's
	// lifetime: atomic.Uintptr is never relocated once d is heap
	// allocated), so patching either field's value with Store is enough
	// to repoint the stub -- no re-encode needed.
	entryAddr := uintptr(unsafe.Pointer(&d.entryTarget))
	exitAddr := uintptr(unsafe.Pointer(&d.exitTarget))
	structAddr := uintptr(unsafe.Pointer(d))

	bd, err := encode.NewBuilder()
	if err != nil {
		return nil, err
	}
	for _, in := range directStubBody(entryAddr, exitAddr, structAddr, entrypoint) {
		if err := bd.Emit(in); err != nil {
			return nil, err
		}
	}
	code := bd.Assemble()

	pc, err := alloc.AllocateExec(code)
	if err != nil {
		return nil, err
	}
	d.EdgeCodePC = pc
	d.PatchInstrPC = pc // the first jmp; stub is laid out head-first

	d.entryTarget.Store(pc)
	d.exitTarget.Store(pc)
	return d, nil
}

// SwitchFrame names the native-stack layout a direct-edge stub saves
// application register state into before calling back into the
// translator, and restores from afterward (spec.md §4.6: "<save
// caller-saved scratch> / call edge_entrypoint / <restore>") -- the
// cache<->translator transition's explicit saved-state struct. It is a
// plain push/pop of every System V AMD64 caller-saved GPR (ir.
// CallerSaved), pushed in list order and popped in reverse, since
// edge_entrypoint (the translator's Translate, wrapped) may clobber any
// of them and the stub must look transparent to the application code
// that jumped into it.
type SwitchFrame struct {
	Registers []uint32
}

// DefaultSwitchFrame is the layout every direct-edge stub uses.
var DefaultSwitchFrame = SwitchFrame{Registers: append([]uint32(nil), ir.CallerSaved...)}

// Save returns the push sequence for f's registers, in save order.
func (f SwitchFrame) Save() []ir.Instruction {
	out := make([]ir.Instruction, 0, len(f.Registers))
	for _, r := range f.Registers {
		in := ir.Instruction{Class: ir.OpPush}
		in.AppendOperand(ir.Register(ir.NativeGPR(r, 8), ir.ActionRead), true)
		out = append(out, in)
	}
	return out
}

// Restore returns the pop sequence for f's registers, in reverse of
// save order.
func (f SwitchFrame) Restore() []ir.Instruction {
	out := make([]ir.Instruction, 0, len(f.Registers))
	for i := len(f.Registers) - 1; i >= 0; i-- {
		in := ir.Instruction{Class: ir.OpPop}
		in.AppendOperand(ir.Register(ir.NativeGPR(f.Registers[i], 8), ir.ActionWrite), true)
		out = append(out, in)
	}
	return out
}

// directStubBody builds the fixed instruction sequence spec.md §4.6
// gives: an indirect jump through entryAddr, a save/call/restore through
// entrypoint with structAddr loaded into rdi, an indirect jump through
// exitAddr, and a trailing ud2. rdi itself is included in
// DefaultSwitchFrame's save/restore, so the struct-address load
// clobbering it is transparent to the caller once Restore runs.
func directStubBody(entryAddr, exitAddr, structAddr uintptr, entrypoint uintptr) []ir.Instruction {
	rdi := ir.NativeGPR(ir.RegRDI, 8)

	entryJmp := ir.Instruction{Class: ir.OpJmp, Category: ir.CategoryIndirectJump}
	entryJmp.AppendOperand(ir.Memory(ir.MemOperand{Kind: ir.MemAbsolute, Disp: int64(entryAddr)}, 8, ir.ActionRead), true)

	var body []ir.Instruction
	body = append(body, entryJmp)
	body = append(body, DefaultSwitchFrame.Save()...)

	loadStruct := ir.Instruction{Class: ir.OpMov, EffectiveWidth: 8}
	loadStruct.AppendOperand(ir.Immediate(int64(structAddr), 8), true)
	loadStruct.AppendOperand(ir.Register(rdi, ir.ActionWrite), true)
	body = append(body, loadStruct)

	call := ir.Instruction{Class: ir.OpCall, Category: ir.CategoryDirectCall}
	call.AppendOperand(ir.BranchTarget(uint64(entrypoint)), true)
	body = append(body, call)

	body = append(body, DefaultSwitchFrame.Restore()...)

	exitJmp := ir.Instruction{Class: ir.OpJmp, Category: ir.CategoryIndirectJump}
	exitJmp.AppendOperand(ir.Memory(ir.MemOperand{Kind: ir.MemAbsolute, Disp: int64(exitAddr)}, 8, ir.ActionRead), true)
	body = append(body, exitJmp)

	body = append(body, ir.Instruction{Class: ir.OpUd2})

	return body
}

// EntryTarget returns the current entry-target pointer (a plain load;
// the stub's own indirect jump constitutes the acquire, per spec.md §5
// "reads in the stub are plain loads").
func (d *Direct) EntryTarget() uintptr { return d.entryTarget.Load() }

// ExitTarget returns the current exit-target pointer.
func (d *Direct) ExitTarget() uintptr { return d.exitTarget.Load() }

// PublishExit performs the first convergence step of spec.md §4.6: once
// the destination block is translated and indexed, its cache PC is
// published into exit_target with release semantics. Subsequent calls
// with the same pc are idempotent (spec.md §8 property 4 "subsequent
// stores write the same value").
func (d *Direct) PublishExit(destCachePC uintptr) {
	d.exitTarget.Store(destCachePC)
}

// RecordExecution increments the stub's execution counter and, once it
// crosses hotThreshold, patches entry_target to the same destination
// exit_target already names -- short-circuiting future traversals of the
// stub's first jmp (spec.md §4.6 "after an execution-count threshold").
// Returns true if this call caused the entry-target patch.
func (d *Direct) RecordExecution() bool {
	n := d.numExecutions.Add(1)
	if n == 0 {
		d.numExecutionOverflows.Add(1)
	}
	if n == d.hotThreshold {
		d.entryTarget.Store(d.exitTarget.Load())
		return true
	}
	return false
}

// NumExecutions reports the stub's execution counter.
func (d *Direct) NumExecutions() uint64 { return d.numExecutions.Load() }

// IsHot reports whether entry_target has already been patched to the
// destination (the stub's first jmp no longer traverses Granary).
func (d *Direct) IsHot() bool { return d.entryTarget.Load() == d.exitTarget.Load() && d.exitTarget.Load() != d.EdgeCodePC }
