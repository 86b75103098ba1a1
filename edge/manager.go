package edge

import (
	"sync"
	"sync/atomic"

	"github.com/go-granary/granary/block"
	"github.com/go-granary/granary/cache"
)

// node is one entry in the per-context direct-edge intrusive list
// (spec.md §5 "Direct edge list: per-context lock-free intrusive list,
// each edge owned by its source context"): a CAS-linked singly-linked
// list, never individually freed back to the OS -- edges live for the
// context's whole lifetime.
type node struct {
	edge *Direct
	next atomic.Pointer[node]
}

// Manager owns one context's direct-edge list and indirect-edge tables,
// implementing the allocation half of spec.md §4.7's Context interface
// (allocate_direct_edge, allocate_indirect_edge).
type Manager struct {
	alloc      *cache.Allocator
	entrypoint uintptr
	hot        uint64

	head atomic.Pointer[node]

	indirectMu sync.Mutex
	indirect   []*Indirect
}

// NewManager returns a Manager whose direct edges all call entrypoint on
// the slow path and patch entry_target after hotThreshold executions (0
// selects defaultHotThreshold).
func NewManager(alloc *cache.Allocator, entrypoint uintptr, hotThreshold uint64) *Manager {
	return &Manager{alloc: alloc, entrypoint: entrypoint, hot: hotThreshold}
}

// AllocateDirectEdge builds a new Direct stub and links it into this
// context's intrusive list (spec.md §4.7 "allocate_direct_edge(source_meta,
// dest_meta) → DirectEdge*").
func (m *Manager) AllocateDirectEdge(sourceMeta, destMeta *block.MetaData) (*Direct, error) {
	d, err := NewDirect(m.alloc, sourceMeta, destMeta, m.entrypoint, m.hot)
	if err != nil {
		return nil, err
	}

	n := &node{edge: d}
	for {
		head := m.head.Load()
		n.next.Store(head)
		if m.head.CompareAndSwap(head, n) {
			return d, nil
		}
	}
}

// AllocateIndirectEdge returns a fresh indirect-edge hash table templated
// against destMetaTemplate (spec.md §4.7 "allocate_indirect_edge(dest_meta_template)
// → IndirectEdge*"). Unlike direct edges, indirect-edge tables are not
// kept on the lock-free intrusive list but in a mutex-guarded slice
// (visited by WalkIndirect); HostUnmap handling re-patches only direct
// edges through Walk, since an indirect edge caches no single
// destination PC in a stub.
func (m *Manager) AllocateIndirectEdge(destMetaTemplate *block.MetaData) *Indirect {
	ind := NewIndirect()
	ind.DestMetaTemplate = destMetaTemplate

	m.indirectMu.Lock()
	m.indirect = append(m.indirect, ind)
	m.indirectMu.Unlock()
	return ind
}

// Walk calls fn for every direct edge currently linked into this
// context, used by Invalidate (spec.md §7 HostUnmap: "predecessors'
// edges are re-patched toward a Native exit").
func (m *Manager) Walk(fn func(*Direct)) {
	for n := m.head.Load(); n != nil; n = n.next.Load() {
		fn(n.edge)
	}
}

// WalkIndirect calls fn for every indirect-edge table allocated by this
// manager.
func (m *Manager) WalkIndirect(fn func(*Indirect)) {
	m.indirectMu.Lock()
	tables := append([]*Indirect(nil), m.indirect...)
	m.indirectMu.Unlock()
	for _, t := range tables {
		fn(t)
	}
}
