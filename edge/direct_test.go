package edge

import (
	"testing"

	"github.com/go-granary/granary/cache"
	"github.com/go-granary/granary/ir"
)

func TestNewDirectStartsStubInternal(t *testing.T) {
	alloc := cache.NewAllocator(4096, 0)
	defer alloc.Close()

	d, err := NewDirect(alloc, nil, nil, 0xdeadbeef, 4)
	if err != nil {
		t.Fatalf("NewDirect: %v", err)
	}
	if d.EntryTarget() != d.EdgeCodePC {
		t.Fatalf("entry_target should start at the stub's own address")
	}
	if d.ExitTarget() != d.EdgeCodePC {
		t.Fatalf("exit_target should start pointing back into the stub")
	}
}

func TestPublishExitThenHotPatchesEntry(t *testing.T) {
	alloc := cache.NewAllocator(4096, 0)
	defer alloc.Close()

	d, err := NewDirect(alloc, nil, nil, 0xdeadbeef, 3)
	if err != nil {
		t.Fatalf("NewDirect: %v", err)
	}

	const destPC = uintptr(0x1000)
	d.PublishExit(destPC)
	if d.ExitTarget() != destPC {
		t.Fatalf("exit_target not published")
	}
	if d.EntryTarget() == destPC {
		t.Fatalf("entry_target patched before hot threshold")
	}

	var hotAt int
	for i := 1; i <= 5; i++ {
		if d.RecordExecution() {
			hotAt = i
		}
	}
	if hotAt != 3 {
		t.Fatalf("expected hot patch exactly at execution 3, got %d", hotAt)
	}
	if d.EntryTarget() != destPC {
		t.Fatalf("entry_target not patched to destination after hot threshold")
	}
	if !d.IsHot() {
		t.Fatalf("IsHot should report true once entry_target converges")
	}
}

func TestPublishExitIdempotent(t *testing.T) {
	alloc := cache.NewAllocator(4096, 0)
	defer alloc.Close()

	d, err := NewDirect(alloc, nil, nil, 0xdeadbeef, 100)
	if err != nil {
		t.Fatalf("NewDirect: %v", err)
	}
	d.PublishExit(0x2000)
	d.PublishExit(0x2000)
	if d.ExitTarget() != 0x2000 {
		t.Fatalf("repeated idempotent publish changed exit_target")
	}
}

func TestSwitchFrameSaveRestoreOrder(t *testing.T) {
	f := SwitchFrame{Registers: []uint32{1, 2, 3}}

	save := f.Save()
	if len(save) != 3 {
		t.Fatalf("expected 3 push instructions, got %d", len(save))
	}
	for i, want := range []uint32{1, 2, 3} {
		if save[i].Class != ir.OpPush {
			t.Fatalf("save[%d]: expected OpPush, got %v", i, save[i].Class)
		}
		if got := save[i].Ops[0].Reg.ID; got != want {
			t.Fatalf("save[%d]: expected register %d, got %d", i, want, got)
		}
	}

	restore := f.Restore()
	if len(restore) != 3 {
		t.Fatalf("expected 3 pop instructions, got %d", len(restore))
	}
	for i, want := range []uint32{3, 2, 1} {
		if restore[i].Class != ir.OpPop {
			t.Fatalf("restore[%d]: expected OpPop, got %v", i, restore[i].Class)
		}
		if got := restore[i].Ops[0].Reg.ID; got != want {
			t.Fatalf("restore[%d]: expected register %d, got %d", i, want, got)
		}
	}
}

func TestNewDirectStubSavesAndRestoresCallerSaved(t *testing.T) {
	alloc := cache.NewAllocator(4096, 0)
	defer alloc.Close()

	d, err := NewDirect(alloc, nil, nil, 0xdeadbeef, 4)
	if err != nil {
		t.Fatalf("NewDirect: %v", err)
	}
	if d.EdgeCodePC == 0 {
		t.Fatalf("expected stub to be assembled into the cache")
	}
	// The stub body must bracket the call with one push per caller-saved
	// register before it and one pop per register after it.
	body := directStubBody(0x10, 0x20, 0x30, 0xdeadbeef)
	n := len(ir.CallerSaved)
	if len(body) != 2*n+5 {
		t.Fatalf("expected %d stub instructions, got %d", 2*n+5, len(body))
	}
	for i := 1; i <= n; i++ {
		if body[i].Class != ir.OpPush {
			t.Fatalf("body[%d]: expected OpPush, got %v", i, body[i].Class)
		}
	}
	if body[n+2].Class != ir.OpCall {
		t.Fatalf("body[%d]: expected OpCall, got %v", n+2, body[n+2].Class)
	}
	for i := n + 3; i < 2*n+3; i++ {
		if body[i].Class != ir.OpPop {
			t.Fatalf("body[%d]: expected OpPop, got %v", i, body[i].Class)
		}
	}
}

func TestManagerAllocateDirectEdgeLinksList(t *testing.T) {
	alloc := cache.NewAllocator(4096, 0)
	defer alloc.Close()
	mgr := NewManager(alloc, 0xdeadbeef, 8)

	d1, err := mgr.AllocateDirectEdge(nil, nil)
	if err != nil {
		t.Fatalf("AllocateDirectEdge: %v", err)
	}
	d2, err := mgr.AllocateDirectEdge(nil, nil)
	if err != nil {
		t.Fatalf("AllocateDirectEdge: %v", err)
	}

	seen := map[*Direct]bool{}
	mgr.Walk(func(d *Direct) { seen[d] = true })
	if !seen[d1] || !seen[d2] {
		t.Fatalf("expected both edges reachable via Walk")
	}
}
