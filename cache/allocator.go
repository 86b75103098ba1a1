// Package cache implements the code cache: a slab-backed executable
// allocator (spec.md §3 "Code cache") plus the index mapping block
// metadata to cached translations (spec.md §3 "Cache index").
package cache

import (
	"fmt"
	"sync"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/go-granary/granary/logutil"
)

var log = logutil.New("cache")

// pageSize is cached at init; unix.Getpagesize() is a syscall on some
// platforms and every allocation needs it for alignment.
var pageSize = unix.Getpagesize()

// defaultCacheLineAlignMask rounds an allocation up to a 64-byte
// cache-line boundary when NewAllocator is given no mask. wagon's two
// allocator variants hard-code 128-1 and 2048-1 respectively; here the
// mask is configurable.
const defaultCacheLineAlignMask = 63

type slab struct {
	mem       mmap.MMap
	consumed  uint32
	remaining uint32
	staged    bool
}

// Allocator hands out cache-line-aligned blocks of executable memory
// from a growing set of mmap'd slabs, reconciling wagon's two allocator
// shapes (exec/internal/compile/allocator.go's always-fresh-block
// variant and exec/internal/compile/native/allocator.go's
// append-to-last-block variant) into one that does both: try the last
// slab first, fall back to a new one.
type Allocator struct {
	mu sync.Mutex

	slabSize  uint32
	alignMask uint32

	slabs []*slab
	last  *slab
}

// NewAllocator returns an Allocator whose slabs are at least slabSize
// bytes (rounded up to a page), cache-line aligned with alignMask.
func NewAllocator(slabSize int, alignMask uint32) *Allocator {
	if slabSize <= 0 {
		slabSize = 32 * 1024
	}
	if alignMask == 0 {
		alignMask = defaultCacheLineAlignMask
	}
	rounded := ((slabSize + pageSize - 1) / pageSize) * pageSize
	return &Allocator{slabSize: uint32(rounded), alignMask: alignMask}
}

// Close unmaps every slab this allocator owns.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.slabs {
		if err := s.mem.Unmap(); err != nil {
			return err
		}
	}
	a.slabs = nil
	a.last = nil
	return nil
}

func (a *Allocator) align(n uint32) uint32 {
	return (n + a.alignMask) &^ a.alignMask
}

// EstimatePC returns the address a real allocation of n bytes would be
// placed at if it were performed right now, without consuming any
// space -- the "staged" allocation named in spec.md §3, used by the
// relativiser to resolve branch displacements before the destination
// fragment has actually been encoded.
func (a *Allocator) EstimatePC(n int) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	need := a.align(uint32(n))
	if a.last != nil && a.last.remaining >= need {
		return uintptr(unsafe.Pointer(&a.last.mem[a.last.consumed])), nil
	}
	// No room in the current slab: the real allocation will start a new
	// one, so report what that slab's base address would be. We cannot
	// know the OS-chosen address without actually mapping, so we map the
	// slab now and mark it staged; AllocateExec will reuse it instead of
	// mapping a second one.
	s, err := a.newSlab(need)
	if err != nil {
		return 0, err
	}
	s.staged = true
	return uintptr(unsafe.Pointer(&s.mem[0])), nil
}

// AllocateExec copies code into executable memory and returns its
// address. It prefers the current slab (wagon's native allocator
// variant) and falls back to minting a new one (wagon's top-level
// variant) when there isn't room.
func (a *Allocator) AllocateExec(code []byte) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	need := a.align(uint32(len(code)))

	if a.last != nil && a.last.remaining >= need {
		return a.commit(a.last, code, need), nil
	}

	s, err := a.newSlab(need)
	if err != nil {
		return 0, err
	}
	return a.commit(s, code, need), nil
}

func (a *Allocator) commit(s *slab, code []byte, need uint32) uintptr {
	ptr := unsafe.Pointer(&s.mem[s.consumed])
	copy(s.mem[s.consumed:], code)
	s.consumed += need
	s.remaining -= need
	s.staged = false
	return uintptr(ptr)
}

// newSlab maps a fresh slab at least big enough for need bytes, marks it
// RWX up front (matching wagon's mmap.EXEC|mmap.RDWR call), and records
// it as the allocator's new "last" slab.
func (a *Allocator) newSlab(need uint32) (*slab, error) {
	size := int(a.slabSize)
	if int(need) > size {
		size = int(need)
		size = ((size + pageSize - 1) / pageSize) * pageSize
	}
	m, err := mmap.MapRegion(nil, size, mmap.EXEC|mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("cache: mmap slab of %d bytes: %w", size, err)
	}
	s := &slab{mem: m, remaining: uint32(size)}
	a.slabs = append(a.slabs, s)
	a.last = s
	log.Debugf("mapped slab of %d bytes (%d total slabs)", size, len(a.slabs))
	return s, nil
}

// Reprotect changes the memory protection of the length bytes at ptr,
// for example to lock a committed region (mapped RWX eagerly above) down
// to RX. Nothing in this module calls it, and config.Options has no
// setting that requests it: newSlab maps every slab RWX.
func Reprotect(ptr uintptr, length int, prot int) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), length)
	return unix.Mprotect(b, prot)
}
