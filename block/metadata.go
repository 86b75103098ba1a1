package block

import "sort"

// Descriptor is one per-kind metadata fragment contributed by a tool
// (spec.md §3 "Metadata"). Indexable descriptors participate in block
// identity; mutable ones carry runtime state only.
type Descriptor interface {
	// Indexable reports whether this descriptor contributes to the
	// block-identity hash.
	Indexable() bool
	// HashContribution folds this descriptor's indexable content into a
	// running hash. Mutable descriptors are never asked.
	HashContribution() uint64
}

// AppMetaData is the built-in indexable descriptor every block carries,
// identifying the application address it was decoded from (spec.md §3:
// "Built-in indexable metadata always includes AppMetaData{start_pc}").
type AppMetaData struct {
	StartPC uint64
}

func (AppMetaData) Indexable() bool { return true }

func (a AppMetaData) HashContribution() uint64 {
	return fnv1a(a.StartPC)
}

// ReturnMetaData is the indexable descriptor a transparent_returns-style
// client sets to opt a Return block into specialized (edge-based) return
// translation. spec.md §9's Open Question resolves the default to
// conservative identity translation: Specialize defaults false.
type ReturnMetaData struct {
	Specialize bool
}

func (ReturnMetaData) Indexable() bool { return true }

func (r ReturnMetaData) HashContribution() uint64 {
	if r.Specialize {
		return 1
	}
	return 0
}

// transparentReturnsKey is the stable metadata key the
// transparent_returns client registers ReturnMetaData under (spec.md §9).
const transparentReturnsKey = "transparent_returns"

// SpecializeReturn reports whether a block's metadata opts into
// specialized return translation, defaulting to false (identity
// translation) when no transparent_returns descriptor is present.
func (m *MetaData) SpecializeReturn() bool {
	if m == nil {
		return false
	}
	if d, ok := m.Get(transparentReturnsKey); ok {
		if r, ok := d.(ReturnMetaData); ok {
			return r.Specialize
		}
	}
	return false
}

// MetaData is the concatenation of per-kind descriptors registered by
// tools for one block (spec.md §3 "Metadata"). Keys are stable strings
// chosen by the registering tool ("app", "blockcount", ...).
type MetaData struct {
	descriptors map[string]Descriptor
}

// NewMetaData returns metadata seeded with the built-in AppMetaData.
func NewMetaData(startPC uint64) *MetaData {
	m := &MetaData{descriptors: map[string]Descriptor{}}
	m.Set("app", AppMetaData{StartPC: startPC})
	return m
}

// Set installs or replaces the descriptor under key.
func (m *MetaData) Set(key string, d Descriptor) {
	m.descriptors[key] = d
}

// Get retrieves the descriptor under key, if any.
func (m *MetaData) Get(key string) (Descriptor, bool) {
	d, ok := m.descriptors[key]
	return d, ok
}

// StartPC returns the built-in AppMetaData's start address.
func (m *MetaData) StartPC() uint64 {
	if d, ok := m.descriptors["app"]; ok {
		if a, ok := d.(AppMetaData); ok {
			return a.StartPC
		}
	}
	return 0
}

// Clone returns a copy of m with the built-in app descriptor's start PC
// replaced by pc -- the common "same tool metadata, new target block"
// operation the block factory performs when resolving a CTI successor.
func (m *MetaData) Clone(pc uint64) *MetaData {
	out := &MetaData{descriptors: make(map[string]Descriptor, len(m.descriptors))}
	for k, v := range m.descriptors {
		out.descriptors[k] = v
	}
	out.Set("app", AppMetaData{StartPC: pc})
	return out
}

// CoarseHash hashes only the built-in AppMetaData descriptor, ignoring
// every other indexable descriptor. Two blocks sharing a CoarseHash were
// decoded from the same application address but may carry different
// indexable descriptors (a different instrumentation client attached, a
// different ReturnMetaData.Specialize choice, ...) -- the cache index
// uses this looser identity to recognize a translation that is
// compatible-but-not-identical (spec.md §3 "adapt: compatible after
// register-remapping shim"), as distinct from Hash's exact-match
// requirement.
func (m *MetaData) CoarseHash() uint64 {
	h := uint64(14695981039346656037)
	h = fnv1aString(h, "app")
	if d, ok := m.descriptors["app"]; ok {
		h ^= d.HashContribution()
	}
	h *= 1099511628211
	return h
}

// Hash combines every indexable descriptor's contribution into the
// block-identity hash named in spec.md §3 "Cache index". Iteration order
// is made deterministic by sorting keys, since Go map order is random.
func (m *MetaData) Hash() uint64 {
	keys := make([]string, 0, len(m.descriptors))
	for k, d := range m.descriptors {
		if d.Indexable() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	h := uint64(14695981039346656037) // FNV-1a offset basis
	for _, k := range keys {
		h = fnv1aString(h, k)
		h ^= m.descriptors[k].HashContribution()
		h *= 1099511628211
	}
	return h
}

func fnv1a(v uint64) uint64 {
	h := uint64(14695981039346656037)
	for i := 0; i < 8; i++ {
		h ^= v & 0xff
		h *= 1099511628211
		v >>= 8
	}
	return h
}

func fnv1aString(h uint64, s string) uint64 {
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
