// Package encode implements the commit half of the spec's opaque
// *Encoder* capability: turning granary's ir.Instruction into real x86-64
// machine code, via github.com/twitchyliquid64/golang-asm (the same
// dependency and call pattern wagon's AMD64Backend uses to assemble WASM
// sequences into native code).
package encode

import (
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"

	"github.com/go-granary/granary/ir"
)

// ErrUnsupportedOpcode is returned when the lowering table has no entry
// for an ir.Instruction's opcode class.
type ErrUnsupportedOpcode struct {
	Class ir.OpcodeClass
}

func (e *ErrUnsupportedOpcode) Error() string {
	return fmt.Sprintf("encode: unsupported opcode class %v", e.Class)
}

// Builder accumulates a sequence of ir.Instruction values and produces
// encoded bytes, mirroring the single-builder-per-trace usage in
// exec/internal/compile/amd64.go's AMD64Backend.Build.
type Builder struct {
	b      *asm.Builder
	labels map[string]*obj.Prog
}

// NewBuilder returns a Builder targeting amd64, matching wagon's
// asm.NewBuilder("amd64", 64) call.
func NewBuilder() (*Builder, error) {
	b, err := asm.NewBuilder("amd64", 64)
	if err != nil {
		return nil, fmt.Errorf("encode: NewBuilder: %w", err)
	}
	return &Builder{b: b, labels: map[string]*obj.Prog{}}, nil
}

// labelProg returns (creating if necessary) the placeholder *obj.Prog
// used as the branch target for a named label, so forward references can
// be resolved before the label's defining instruction is appended.
func (bd *Builder) labelProg(name string) *obj.Prog {
	if p, ok := bd.labels[name]; ok {
		return p
	}
	p := bd.b.NewProg()
	p.As = obj.ANOP
	bd.labels[name] = p
	return p
}

// Emit lowers one ir.Instruction and appends it to the builder's
// instruction stream.
func (bd *Builder) Emit(in ir.Instruction) error {
	switch in.Class {
	case ir.OpLabel:
		p := bd.labelProg(in.Label)
		bd.b.AddInstruction(p)
		return nil
	case ir.OpAnnotate:
		// Annotations (BLOCK_BEGIN, stack-validity/interrupt-state
		// markers, split hints) carry no machine code. Fragment streams
		// still contain some of them (BLOCK_BEGIN stays in place), so
		// they are skipped silently here.
		return nil

	case ir.OpPushFlags, ir.OpPopFlags:
		return bd.emitFlagsMove(in)
	}

	p, err := bd.lower(in)
	if err != nil {
		return err
	}
	bd.b.AddInstruction(p)
	return nil
}

// Assemble finalizes the instruction stream into machine code.
func (bd *Builder) Assemble() []byte {
	return bd.b.Assemble()
}

// Len reports how many bytes the builder's current instruction stream
// assembles to, by running Assemble on it -- used by the two-pass
// stage/commit encoder (spec.md §4.5) to size the commit allocation.
func (bd *Builder) Len() int {
	return len(bd.b.Assemble())
}
