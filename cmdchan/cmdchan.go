// Package cmdchan implements the line-delimited command channel spec.md §6
// describes ("On kernel-hosted deployments, a single character-device-like
// endpoint accepts line-delimited commands: init <options>, attach,
// detach"), grounded on
// original_source/granary/kernel/entry.c's process_command/read_command
// pair. There is no kernel character device in Go user-space, so a
// Channel is driven over any io.Reader (a pipe, a unix socket, a test
// buffer) via a bufio.Scanner-based state machine, the user-space-reachable
// analogue of entry.c's command_buff line parser.
package cmdchan

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-granary/granary/logutil"
)

var log = logutil.New("cmdchan")

// Kind names one of the three commands spec.md §6 lists.
type Kind uint8

const (
	Init Kind = iota
	Attach
	Detach
)

func (k Kind) String() string {
	switch k {
	case Init:
		return "init"
	case Attach:
		return "attach"
	case Detach:
		return "detach"
	default:
		return "unknown"
	}
}

// Command is one parsed line from the channel.
type Command struct {
	Kind    Kind
	Options string // populated for Init, the text following "init "
}

// Callbacks are invoked as commands are processed; any may be nil.
type Callbacks struct {
	OnInit   func(options string)
	OnAttach func()
	OnDetach func()
}

// Channel is the state machine entry.c's process_command implements:
// init may run once, attach/detach toggle idempotently, and every
// command that changes state adds one line to a log buffer readable
// back out; repeated no-op commands add nothing (entry.c's write_output, generalised from
// "always empty" to an actual buffer since this package has no companion
// kernel log to defer to).
type Channel struct {
	mu          sync.Mutex
	initialized bool
	attached    bool
	cb          Callbacks
	logBuf      bytes.Buffer
}

// New returns a Channel that invokes cb as commands are processed.
func New(cb Callbacks) *Channel {
	return &Channel{cb: cb}
}

// ParseCommand parses one line of channel input. Unrecognised lines are
// an error, matching entry.c's process_command silently ignoring anything
// that doesn't match a known prefix -- reported here instead of ignored,
// since a Go caller can act on the error.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "attach":
		return Command{Kind: Attach}, nil
	case line == "detach":
		return Command{Kind: Detach}, nil
	case strings.HasPrefix(line, "init"):
		return Command{Kind: Init, Options: strings.TrimSpace(strings.TrimPrefix(line, "init"))}, nil
	default:
		return Command{}, fmt.Errorf("cmdchan: unrecognised command %q", line)
	}
}

// Process applies a single parsed Command, idempotently.
func (c *Channel) Process(cmd Command) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch cmd.Kind {
	case Init:
		if c.initialized {
			return
		}
		c.initialized = true
		c.logf("init %s", cmd.Options)
		if c.cb.OnInit != nil {
			c.cb.OnInit(cmd.Options)
		}
	case Attach:
		if c.attached {
			return
		}
		c.attached = true
		c.logf("attach")
		if c.cb.OnAttach != nil {
			c.cb.OnAttach()
		}
	case Detach:
		if !c.attached {
			return
		}
		c.attached = false
		c.logf("detach")
		if c.cb.OnDetach != nil {
			c.cb.OnDetach()
		}
	}
}

// logf appends a formatted line to the log buffer. Caller must hold mu.
func (c *Channel) logf(format string, args ...interface{}) {
	fmt.Fprintf(&c.logBuf, format+"\n", args...)
	log.Debugf(format, args...)
}

// Serve reads newline-delimited commands from r until EOF or a read
// error, processing each as it arrives. A malformed line is logged and
// skipped rather than aborting the loop, since one bad write to the
// channel should not tear down the whole endpoint.
func (c *Channel) Serve(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		cmd, err := ParseCommand(line)
		if err != nil {
			log.Warnf("%v", err)
			continue
		}
		c.Process(cmd)
	}
	return scanner.Err()
}

// Read drains the accumulated log buffer, matching entry.c's
// write_output endpoint ("Read from the channel returns a log buffer").
func (c *Channel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logBuf.Read(p)
}

// Initialized reports whether an init command has been processed.
func (c *Channel) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Attached reports whether the channel is currently in the attached
// state.
func (c *Channel) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}
