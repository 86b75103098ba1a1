package decode

import (
	"errors"
	"testing"

	"github.com/go-granary/granary/ir"
)

// flatMemory is a CodeReader over an in-memory byte slice, with an
// optional unmapped boundary used to exercise the page-straddle fallback
// (spec.md §8 scenario S6).
type flatMemory struct {
	base    uint64
	code    []byte
	mapLen  int // number of bytes from base that are actually readable
}

func (m *flatMemory) ReadCode(pc uint64, n int) ([]byte, error) {
	if pc < m.base || pc >= m.base+uint64(len(m.code)) {
		return nil, errors.New("unmapped")
	}
	off := int(pc - m.base)
	avail := m.mapLen - off
	if avail <= 0 {
		return nil, errors.New("unmapped")
	}
	if avail > n {
		avail = n
	}
	if off+avail > len(m.code) {
		avail = len(m.code) - off
	}
	return m.code[off : off+avail], nil
}

func TestDecodePushPop(t *testing.T) {
	// push rdi ; pop rdx
	code := []byte{0x57, 0x5a}
	mem := &flatMemory{code: code, mapLen: len(code)}
	d := New(mem)

	push, err := d.DecodeAt(0)
	if err != nil {
		t.Fatalf("decode push: %v", err)
	}
	if push.Class != ir.OpPush {
		t.Fatalf("push.Class = %v, want OpPush", push.Class)
	}
	if push.DecodedLength != 1 {
		t.Fatalf("push length = %d, want 1", push.DecodedLength)
	}
	if !push.StackDeltaKnown || push.StackPointerDelta != -8 {
		t.Fatalf("push stack delta = %d known=%v", push.StackPointerDelta, push.StackDeltaKnown)
	}

	pop, err := d.DecodeAt(uint64(push.DecodedLength))
	if err != nil {
		t.Fatalf("decode pop: %v", err)
	}
	if pop.Class != ir.OpPop {
		t.Fatalf("pop.Class = %v, want OpPop", pop.Class)
	}
}

func TestDecodeRIPRelative(t *testing.T) {
	// mov rax, [rip+0]   48 8b 05 00 00 00 00
	code := []byte{0x48, 0x8b, 0x05, 0x00, 0x00, 0x00, 0x00}
	mem := &flatMemory{code: code, mapLen: len(code)}
	d := New(mem)

	in, err := d.DecodeAt(0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.Class != ir.OpMov {
		t.Fatalf("Class = %v, want OpMov", in.Class)
	}
	found := false
	for _, op := range in.Operands() {
		if op.Kind == ir.OperandMemory && op.Mem.Kind == ir.MemRIPRelative {
			found = true
			wantTarget := uint64(in.DecodedLength) // pc(0) + len + disp(0)
			if op.Target != wantTarget {
				t.Errorf("RIP-relative target = %#x, want %#x", op.Target, wantTarget)
			}
		}
	}
	if !found {
		t.Fatal("expected a RIP-relative memory operand")
	}
}

func TestDecodePageStraddleFallback(t *testing.T) {
	// A 2-byte instruction (xor eax,eax = 31 c0) where only the first
	// byte's page worth of memory is mapped past it; still decodes once
	// the window includes both bytes, but the straddle path is exercised
	// by limiting the initial window below MaxInstructionLength.
	code := []byte{0x31, 0xc0}
	mem := &flatMemory{code: code, mapLen: 2}
	d := New(mem)

	in, err := d.DecodeAt(0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.DecodedLength != 2 {
		t.Fatalf("length = %d, want 2", in.DecodedLength)
	}
}

func TestDecodeInvalidInstruction(t *testing.T) {
	code := []byte{0x0f, 0xff} // undefined opcode
	mem := &flatMemory{code: code, mapLen: len(code)}
	d := New(mem)

	_, err := d.DecodeAt(0)
	if !errors.Is(err, ErrInvalidInstruction) {
		t.Fatalf("err = %v, want ErrInvalidInstruction", err)
	}
}
