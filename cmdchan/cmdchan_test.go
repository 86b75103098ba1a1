package cmdchan

import (
	"io"
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line string
		kind Kind
		opts string
	}{
		{"attach", Attach, ""},
		{"detach", Detach, ""},
		{"init foo=1 bar=2", Init, "foo=1 bar=2"},
		{"init", Init, ""},
	}
	for _, tc := range cases {
		cmd, err := ParseCommand(tc.line)
		if err != nil {
			t.Fatalf("ParseCommand(%q): %v", tc.line, err)
		}
		if cmd.Kind != tc.kind || cmd.Options != tc.opts {
			t.Fatalf("ParseCommand(%q) = %+v, want kind=%v opts=%q", tc.line, cmd, tc.kind, tc.opts)
		}
	}

	if _, err := ParseCommand("bogus"); err == nil {
		t.Fatalf("expected error for unrecognised command")
	}
}

func TestProcessInitIsOnceOnly(t *testing.T) {
	var inits int
	c := New(Callbacks{OnInit: func(string) { inits++ }})

	c.Process(Command{Kind: Init, Options: "x=1"})
	c.Process(Command{Kind: Init, Options: "x=2"})

	if inits != 1 {
		t.Fatalf("expected exactly 1 OnInit call, got %d", inits)
	}
	if !c.Initialized() {
		t.Fatalf("expected channel initialized")
	}
}

func TestAttachDetachIdempotent(t *testing.T) {
	var attaches, detaches int
	c := New(Callbacks{
		OnAttach: func() { attaches++ },
		OnDetach: func() { detaches++ },
	})

	c.Process(Command{Kind: Attach})
	c.Process(Command{Kind: Attach})
	if attaches != 1 || !c.Attached() {
		t.Fatalf("expected one attach and Attached()==true, got attaches=%d attached=%v", attaches, c.Attached())
	}

	c.Process(Command{Kind: Detach})
	c.Process(Command{Kind: Detach})
	if detaches != 1 || c.Attached() {
		t.Fatalf("expected one detach and Attached()==false, got detaches=%d attached=%v", detaches, c.Attached())
	}
}

func TestDetachWithoutAttachIsNoOp(t *testing.T) {
	var detaches int
	c := New(Callbacks{OnDetach: func() { detaches++ }})
	c.Process(Command{Kind: Detach})
	if detaches != 0 {
		t.Fatalf("expected detach without prior attach to be a no-op, got %d calls", detaches)
	}
}

func TestServeProcessesLinesAndSkipsGarbage(t *testing.T) {
	var attaches int
	c := New(Callbacks{OnAttach: func() { attaches++ }})
	r := strings.NewReader("init a=1\nbogus line\nattach\n")

	if err := c.Serve(r); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if !c.Initialized() || !c.Attached() {
		t.Fatalf("expected channel initialized and attached after Serve")
	}
	if attaches != 1 {
		t.Fatalf("expected 1 attach, got %d", attaches)
	}
}

func TestReadDrainsLogBuffer(t *testing.T) {
	c := New(Callbacks{})
	c.Process(Command{Kind: Attach})

	buf, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !strings.Contains(string(buf), "attach") {
		t.Fatalf("expected log buffer to mention attach, got %q", buf)
	}
}
