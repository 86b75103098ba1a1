package fragment

import (
	"errors"
	"testing"

	"github.com/go-granary/granary/block"
	"github.com/go-granary/granary/cache"
	"github.com/go-granary/granary/decode"
)

type flatMemory struct {
	code []byte
}

func (m *flatMemory) ReadCode(pc uint64, n int) ([]byte, error) {
	if pc >= uint64(len(m.code)) {
		return nil, errors.New("unmapped")
	}
	off := int(pc)
	avail := len(m.code) - off
	if avail > n {
		avail = n
	}
	return m.code[off : off+avail], nil
}

func TestBuildStraightLineToReturn(t *testing.T) {
	// push rdi ; pop rdx ; ret
	code := []byte{0x57, 0x5a, 0xc3}
	f := block.NewFactory(decode.New(&flatMemory{code: code}), cache.NewIndex())

	tr := block.NewTrace()
	if _, err := f.RequestBlock(0, nil, tr); err != nil {
		t.Fatalf("RequestBlock: %v", err)
	}

	g := NewBuilder().Build(tr)
	if len(g.Fragments()) != 2 {
		t.Fatalf("len(Fragments) = %d, want 2 (decoded body + return exit)", len(g.Fragments()))
	}

	head := g.Fragment(0)
	if head.Kind != Code {
		t.Fatalf("head.Kind = %v, want Code", head.Kind)
	}
	if !head.HasBranch() {
		t.Fatal("expected head to branch to the return exit fragment")
	}
	tail := g.Fragment(head.Branch)
	if tail.Kind != Exit || tail.ExitKind != ExitFutureIndirect {
		t.Fatalf("tail = %+v, want Exit/ExitFutureIndirect (identity return default)", tail)
	}
}

func TestBuildDirectJumpTargetsEdgeCode(t *testing.T) {
	code := []byte{0xeb, 0x02, 0x90, 0x90} // jmp +2
	f := block.NewFactory(decode.New(&flatMemory{code: code}), cache.NewIndex())

	tr := block.NewTrace()
	if _, err := f.RequestBlock(0, nil, tr); err != nil {
		t.Fatalf("RequestBlock: %v", err)
	}

	g := NewBuilder().Build(tr)
	head := g.Fragment(0)
	if !head.HasBranch() {
		t.Fatal("expected a branch successor")
	}
	branchTarget := g.Fragment(head.Branch)
	if branchTarget.Kind != Exit || branchTarget.ExitKind != ExitFutureDirect {
		t.Fatalf("branch target = %+v, want ExitFutureDirect", branchTarget)
	}
	if !head.BranchesToEdgeCode {
		t.Fatal("expected BranchesToEdgeCode to be set")
	}
	if !g.SamePartition(0, head.Branch) {
		t.Fatal("expected predecessor and edge-code fragment to share a partition")
	}
}

func TestBuildIndirectCallGroup(t *testing.T) {
	// call rax (ff d0)
	code := []byte{0xff, 0xd0}
	f := block.NewFactory(decode.New(&flatMemory{code: code}), cache.NewIndex())

	tr := block.NewTrace()
	if _, err := f.RequestBlock(0, nil, tr); err != nil {
		t.Fatalf("RequestBlock: %v", err)
	}

	g := NewBuilder().Build(tr)
	head := g.Fragment(0)
	if !head.HasBranch() {
		t.Fatal("expected a branch successor into the indirect group")
	}
	in := g.Fragment(head.Branch)
	if !in.HasFallThrough() || !in.HasBranch() {
		t.Fatal("in-fragment should have both a fall-through (miss) and branch (hit) successor")
	}
	outMiss := g.Fragment(in.FallThrough)
	outHit := g.Fragment(in.Branch)
	if !outHit.HasFallThrough() || outHit.Branch != in.FallThrough {
		t.Fatalf("out-hit should fall through to exit and branch back to out-miss")
	}
	if outMiss.Branch != in.Branch {
		t.Fatalf("out-miss should branch to out-hit")
	}
	exit := g.Fragment(outHit.FallThrough)
	if exit.Kind != Exit || exit.ExitKind != ExitExistingBlock {
		t.Fatalf("exit fragment = %+v, want Exit/ExitExistingBlock", exit)
	}
}
