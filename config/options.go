// Package config holds process-wide tunables for a granary Context,
// configured through functional options the same way wagon builds an
// exec.VM from a slice of VMOption values.
package config

import "github.com/go-granary/granary/logutil"

// Options collects the tunables for a Context.
type Options struct {
	// CacheSlabSize is the size in bytes of each code-cache slab
	// allocation. Must be a multiple of the page size.
	CacheSlabSize int

	// CacheLineAlignMask is the alignment (minus one, i.e. a mask) applied to
	// each cache allocation so that translated blocks start on
	// instruction-cache-friendly boundaries.
	CacheLineAlignMask uint32

	// DirectEdgeHotThreshold is the execution count at which a direct
	// edge's entry_target is patched to skip the stub (spec.md §4.6).
	DirectEdgeHotThreshold uint64

	// LogLevel sets the package-wide log verbosity.
	LogLevel logutil.Level

	// SpecializeReturns opts into the transparent_returns-style
	// specialized-return translation; default false selects the
	// conservative identity translation (spec.md §9 Open Question).
	SpecializeReturns bool
}

// Option mutates Options.
type Option func(*Options)

// Default returns the baseline configuration used when no options are
// supplied.
func Default() Options {
	return Options{
		CacheSlabSize:          32 * 1024,
		CacheLineAlignMask:     2048 - 1,
		DirectEdgeHotThreshold: 16,
		LogLevel:               logutil.LevelError,
		SpecializeReturns:      false,
	}
}

// New builds an Options from Default() plus the given Option values.
func New(opts ...Option) Options {
	o := Default()
	for _, apply := range opts {
		apply(&o)
	}
	logutil.SetLevel(o.LogLevel)
	return o
}

func WithCacheSlabSize(n int) Option {
	return func(o *Options) { o.CacheSlabSize = n }
}

func WithCacheLineAlign(mask uint32) Option {
	return func(o *Options) { o.CacheLineAlignMask = mask }
}

func WithDirectEdgeHotThreshold(n uint64) Option {
	return func(o *Options) { o.DirectEdgeHotThreshold = n }
}

func WithLogLevel(l logutil.Level) Option {
	return func(o *Options) { o.LogLevel = l }
}

func WithSpecializedReturns(enabled bool) Option {
	return func(o *Options) { o.SpecializeReturns = enabled }
}
