package cache

import "sync"

// Verdict is the result of looking up a block's metadata in the index
// (spec.md §3 "Cache index").
type Verdict uint8

const (
	// Reject means no compatible cached translation exists.
	Reject Verdict = iota
	// Accept means a cached translation is reusable as-is.
	Accept
	// Adapt means a cached translation exists but needs a
	// register-remapping shim before it can be reused.
	Adapt
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Adapt:
		return "adapt"
	default:
		return "reject"
	}
}

// Entry is one cached translation: its cache address plus the exact
// indexable-metadata hash it was built for.
type Entry struct {
	Hash    uint64
	CachePC uintptr
}

// Index maps a block's coarse identity (block.MetaData.CoarseHash, the
// built-in application address alone) to the one or more cached
// translations built for it, guarded by a RWMutex the way spec.md §5
// describes the cache index's concurrency model (readers dominate;
// writers are rare, one per newly-committed translation). Bucketing on
// the coarse hash rather than the exact hash is what makes Adapt
// reachable: two translations of the same application address built
// under different indexable metadata (different instrumentation
// attached, a different return-specialization choice, ...) land in the
// same bucket without being the same exact entry.
type Index struct {
	mu      sync.RWMutex
	entries map[uint64][]Entry
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{entries: map[uint64][]Entry{}}
}

// Lookup reports the verdict for a block with the given exact metadata
// hash and coarse identity hash (block.MetaData.Hash and .CoarseHash),
// and the cache PC to use when the verdict is not Reject. An exact
// match is Accept; a coarse-only match -- same application address,
// different indexable metadata -- is Adapt, since spec.md §3 allows
// reusing that translation after a register-remapping shim. This
// translator does not build that shim (no grounded precedent for one in
// the retrieval pack), so callers that receive Adapt today fall back to
// retranslating, same as Reject; the verdict is still surfaced
// correctly so a shim can be added later without touching the index.
func (idx *Index) Lookup(hash, coarseHash uint64) (Verdict, uintptr) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	candidates, ok := idx.entries[coarseHash]
	if !ok || len(candidates) == 0 {
		return Reject, 0
	}
	for _, e := range candidates {
		if e.Hash == hash {
			return Accept, e.CachePC
		}
	}
	// Entries under this coarse bucket exist but none matched exactly;
	// give the caller a representative candidate to adapt from.
	return Adapt, candidates[0].CachePC
}

// Insert records a newly-committed translation under its exact and
// coarse hashes.
func (idx *Index) Insert(hash, coarseHash uint64, cachePC uintptr) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[coarseHash] = append(idx.entries[coarseHash], Entry{Hash: hash, CachePC: cachePC})
}

// Invalidate removes the cached translation matching hash within
// coarseHash's bucket, used when the context's Invalidate entry point
// discards stale translations for an address range. The bucket itself
// is only dropped once it is left empty, so sibling translations built
// under different metadata for the same address survive.
func (idx *Index) Invalidate(hash, coarseHash uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	candidates := idx.entries[coarseHash]
	kept := candidates[:0]
	for _, e := range candidates {
		if e.Hash != hash {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(idx.entries, coarseHash)
		return
	}
	idx.entries[coarseHash] = kept
}

// Len reports the number of distinct exact metadata hashes currently
// indexed, across every coarse bucket.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := 0
	for _, candidates := range idx.entries {
		n += len(candidates)
	}
	return n
}
