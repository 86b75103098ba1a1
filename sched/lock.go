package sched

import "sync"

// Lock wraps sync.Mutex under the Acquire/Release naming
// original_source/granary/lock.h uses for FineGrainedLock, so callers
// reading both alongside each other recognize the same concurrency
// model spec.md §5 describes.
type Lock struct {
	mu sync.Mutex
}

// Acquire blocks until the lock is held.
func (l *Lock) Acquire() { l.mu.Lock() }

// Release releases a held lock.
func (l *Lock) Release() { l.mu.Unlock() }

// RWLock wraps sync.RWMutex under the Read/Write Acquire/Release naming
// original_source/granary/lock.h's ReaderWriterLock uses, backing
// spec.md §5's "Cache index: reader/writer lock; many translate-lookups,
// rare inserts."
type RWLock struct {
	mu sync.RWMutex
}

// ReadAcquire blocks until a read lock is held.
func (l *RWLock) ReadAcquire() { l.mu.RLock() }

// ReadRelease releases a held read lock.
func (l *RWLock) ReadRelease() { l.mu.RUnlock() }

// WriteAcquire blocks until the write lock is held.
func (l *RWLock) WriteAcquire() { l.mu.Lock() }

// WriteRelease releases a held write lock.
func (l *RWLock) WriteRelease() { l.mu.Unlock() }
