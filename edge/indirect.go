package edge

import (
	"sync"

	"github.com/go-granary/granary/block"
)

// Indirect is the in-cache hash table behind an indirect edge: {target
// app PC → cached PC}, populated lazily as targets are discovered
// (spec.md §3 "Indirect edge", §4.6 "Indirect edge").
//
// Entries are append-only. Readers are not lock-free: Lookup takes the
// same mutex Insert holds, but only long enough to read the bucket slice
// for its key, and scans that slice after releasing it.
type Indirect struct {
	mu      sync.Mutex
	buckets map[uint64][]indirectEntry

	// DestMetaTemplate is the metadata shape every target discovered
	// through this table's owning fragment group is translated against
	// (spec.md §4.7 "allocate_indirect_edge(dest_meta_template)").
	DestMetaTemplate *block.MetaData
}

type indirectEntry struct {
	AppPC   uint64
	CachePC uintptr
}

// NewIndirect returns an empty indirect-edge hash table.
func NewIndirect() *Indirect {
	return &Indirect{buckets: map[uint64][]indirectEntry{}}
}

// Lookup reports the cached PC known for appPC, if any. It holds the
// table's mutex while reading the buckets map value for this key, so it
// never races a concurrent Insert on the map itself; Insert only appends
// to a bucket, so the slice header read under the lock covers only fully
// written entries.
func (t *Indirect) Lookup(appPC uint64) (uintptr, bool) {
	t.mu.Lock()
	bucket := t.buckets[appPC]
	t.mu.Unlock()

	for _, e := range bucket {
		if e.AppPC == appPC {
			return e.CachePC, true
		}
	}
	return 0, false
}

// Insert records a newly translated target under a writer lock (spec.md
// §4.6 "inserted into the table under a writer lock").
func (t *Indirect) Insert(appPC uint64, cachePC uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.buckets[appPC] {
		if e.AppPC == appPC {
			return // already present; Insert is idempotent
		}
	}
	t.buckets[appPC] = append(t.buckets[appPC], indirectEntry{AppPC: appPC, CachePC: cachePC})
}

// Len reports how many distinct application PCs are currently known.
func (t *Indirect) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.buckets {
		n += len(b)
	}
	return n
}
