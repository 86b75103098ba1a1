// Package client implements the plug-in callback surface spec.md §6
// describes but leaves componentless: a registry of named Callbacks sets
// a translator invokes at fixed points, grounded on
// original_source/granary/user/inject.cc's client registration table and
// on the pack's coverbee instrumentation pass (the closest Go-shaped
// analogue to "client inspects and mutates the decoded block in place").
package client

import (
	"fmt"
	"sync"

	"github.com/go-granary/granary/block"
)

// InitReason names why a client's Init callback fired.
type InitReason uint8

const (
	ReasonProgram InitReason = iota
	ReasonThread
	ReasonAttach
	ReasonDetach
)

// ExitReason mirrors InitReason for the Exit callback.
type ExitReason = InitReason

// EntryKind names the kind of entry point on_instrument_entry_point is
// called for (spec.md §6).
type EntryKind uint8

const (
	EntryUserAttach EntryKind = iota
	EntryUserLoad
	EntryKernelSyscall
	EntryModuleInit
	EntryModuleExit
	EntryModuleCallback
	EntryUserSignal
)

// ControlFlowFactory is the subset of *block.Factory a client's
// on_instrument_control_flow callback needs: the ability to request
// expansion of a successor Future block (spec.md §6
// "on_instrument_control_flow(factory, trace)").
type ControlFlowFactory interface {
	RequestBlock(pc uint64, meta *block.MetaData, t *block.Trace) (uint64, error)
}

// Callbacks is the set of hooks a client may implement; every field is
// optional (a nil field is simply never called).
type Callbacks struct {
	OnInit  func(reason InitReason)
	OnExit  func(reason ExitReason)
	OnInstrumentBlock func(b *block.Block)
	OnInstrumentControlFlow func(factory ControlFlowFactory, t *block.Trace)
	OnInstrumentEntryPoint func(factory ControlFlowFactory, compensation *block.Block, kind EntryKind)

	// MetaDataDescriptors lists the indexable/mutable descriptor zero
	// values this client wants every block's MetaData to carry, set at
	// Init time (spec.md §6 "Clients may also register indexable or
	// mutable metadata descriptors at initialisation").
	MetaDataDescriptors map[string]block.Descriptor
}

// Registry maps stable client names to their registered Callbacks
// (spec.md §6 "A client registers callbacks keyed by a stable string
// name").
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Callbacks
	order   []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: map[string]Callbacks{}}
}

// Register adds a client under name, replacing any existing registration
// with the same name.
func (r *Registry) Register(name string, cb Callbacks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[name]; !exists {
		r.order = append(r.order, name)
	}
	r.clients[name] = cb
}

// Get returns the Callbacks registered under name.
func (r *Registry) Get(name string) (Callbacks, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.clients[name]
	return cb, ok
}

// Names returns every registered client name in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// InitAll calls every registered client's OnInit, in registration order.
// It does not touch metadata; NewMetaData seeds registered descriptors.
func (r *Registry) InitAll(reason InitReason) {
	for _, name := range r.Names() {
		cb, _ := r.Get(name)
		if cb.OnInit != nil {
			cb.OnInit(reason)
		}
	}
}

// ExitAll calls every registered client's OnExit, in reverse registration
// order (last-initialized, first-exited).
func (r *Registry) ExitAll(reason ExitReason) {
	names := r.Names()
	for i := len(names) - 1; i >= 0; i-- {
		cb, _ := r.Get(names[i])
		if cb.OnExit != nil {
			cb.OnExit(reason)
		}
	}
}

// InstrumentBlock calls every registered client's OnInstrumentBlock in
// registration order.
func (r *Registry) InstrumentBlock(b *block.Block) {
	for _, name := range r.Names() {
		cb, _ := r.Get(name)
		if cb.OnInstrumentBlock != nil {
			cb.OnInstrumentBlock(b)
		}
	}
}

// InstrumentControlFlow calls every registered client's
// OnInstrumentControlFlow in registration order.
func (r *Registry) InstrumentControlFlow(factory ControlFlowFactory, t *block.Trace) {
	for _, name := range r.Names() {
		cb, _ := r.Get(name)
		if cb.OnInstrumentControlFlow != nil {
			cb.OnInstrumentControlFlow(factory, t)
		}
	}
}

// InstrumentEntryPoint calls every registered client's
// OnInstrumentEntryPoint in registration order.
func (r *Registry) InstrumentEntryPoint(factory ControlFlowFactory, compensation *block.Block, kind EntryKind) {
	for _, name := range r.Names() {
		cb, _ := r.Get(name)
		if cb.OnInstrumentEntryPoint != nil {
			cb.OnInstrumentEntryPoint(factory, compensation, kind)
		}
	}
}

// NewMetaData builds a fresh MetaData seeded with every registered
// client's MetaDataDescriptors, so app-level metadata construction never
// needs to know which clients are active.
func (r *Registry) NewMetaData(startPC uint64) *block.MetaData {
	meta := block.NewMetaData(startPC)
	for _, name := range r.Names() {
		cb, _ := r.Get(name)
		for key, desc := range cb.MetaDataDescriptors {
			meta.Set(fmt.Sprintf("%s.%s", name, key), desc)
		}
	}
	return meta
}
