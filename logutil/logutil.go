// Package logutil provides the leveled, zero-ceremony logging used across
// granary. It wraps the standard library's log.Logger rather than pulling
// in a structured logging dependency, matching the posture of every repo
// in the retrieval pack.
package logutil

import (
	"io"
	"log"
	"os"
	"sync/atomic"
)

// Level is a logging verbosity threshold.
type Level int32

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var globalLevel atomic.Int32

func init() {
	switch os.Getenv("GRANARY_LOG_LEVEL") {
	case "debug":
		globalLevel.Store(int32(LevelDebug))
	case "info":
		globalLevel.Store(int32(LevelInfo))
	case "warn":
		globalLevel.Store(int32(LevelWarn))
	default:
		globalLevel.Store(int32(LevelError))
	}
}

// SetLevel overrides the global verbosity threshold, e.g. for tests.
func SetLevel(l Level) { globalLevel.Store(int32(l)) }

// Logger is a prefixed logger gated by the global level.
type Logger struct {
	l *log.Logger
}

// New returns a Logger that writes to stderr with the given component
// prefix, e.g. logutil.New("cache").
func New(prefix string) *Logger {
	return &Logger{l: log.New(os.Stderr, "granary: "+prefix+": ", log.LstdFlags)}
}

// NewTo returns a Logger writing to an arbitrary destination, used by
// tests that want to capture log output.
func NewTo(w io.Writer, prefix string) *Logger {
	return &Logger{l: log.New(w, "granary: "+prefix+": ", log.LstdFlags)}
}

func (lg *Logger) enabled(lv Level) bool {
	return int32(lv) <= globalLevel.Load()
}

func (lg *Logger) Debugf(format string, args ...interface{}) {
	if lg.enabled(LevelDebug) {
		lg.l.Printf("DEBUG "+format, args...)
	}
}

func (lg *Logger) Infof(format string, args ...interface{}) {
	if lg.enabled(LevelInfo) {
		lg.l.Printf("INFO "+format, args...)
	}
}

func (lg *Logger) Warnf(format string, args ...interface{}) {
	if lg.enabled(LevelWarn) {
		lg.l.Printf("WARN "+format, args...)
	}
}

func (lg *Logger) Errorf(format string, args ...interface{}) {
	if lg.enabled(LevelError) {
		lg.l.Printf("ERROR "+format, args...)
	}
}
