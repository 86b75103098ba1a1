// Package sched implements the scheduler interfaces spec.md's overview
// table names but never gives their own subsection: a per-thread handle
// owning a private slot table and stack pointer (grounded on
// original_source's os/thread.h InitThread/ExitThread notification pair
// and the per-thread slot table original_source/granary/arch/x86-64/slot.cc
// describes), plus the Lock/RWLock wrappers original_source/granary/lock.h
// names.
package sched

import "sync/atomic"

// Thread is an explicit per-thread handle standing in for the TLS-read
// globals original_source relies on (spec.md §9 "Per-thread state").
// Context.Translate and the decode/assemble entry points do not take a
// Thread; nothing else in this module uses one.
type Thread struct {
	id uint64

	slots []atomic.Uintptr

	// privateStackBase is the base address of this thread's private
	// translation-time stack (spec.md §5 "Kernel-mode contexts ...
	// switch to a private per-CPU stack for the duration of
	// translation; user-mode switches only stacks").
	privateStackBase uintptr
}

var nextThreadID atomic.Uint64

// NewThread allocates a Thread with a slot table of at least slotCount
// entries (spec.md §4.4 point 4's dense slot indices must all fit).
func NewThread(slotCount int, privateStackBase uintptr) *Thread {
	return &Thread{
		id:               nextThreadID.Add(1),
		slots:            make([]atomic.Uintptr, slotCount),
		privateStackBase: privateStackBase,
	}
}

// ID returns this thread's stable identifier, assigned once at creation.
func (t *Thread) ID() uint64 { return t.id }

// Slot returns the current value of scheduler slot index, or 0 for an
// index beyond the current table; it never grows the table (SetSlot does).
func (t *Thread) Slot(index uint32) uintptr {
	if int(index) >= len(t.slots) {
		return 0
	}
	return t.slots[index].Load()
}

// SetSlot stores v into scheduler slot index, growing the table if
// necessary. Exclusive to this thread: spec.md §5 "Per-thread slots:
// exclusive per thread, no locking."
func (t *Thread) SetSlot(index uint32, v uintptr) {
	t.growTo(int(index) + 1)
	t.slots[index].Store(v)
}

func (t *Thread) growTo(n int) {
	if n <= len(t.slots) {
		return
	}
	grown := make([]atomic.Uintptr, n)
	for i := range t.slots {
		grown[i].Store(t.slots[i].Load())
	}
	t.slots = grown
}

// PrivateStackBase returns the base address of this thread's private
// translation-time stack.
func (t *Thread) PrivateStackBase() uintptr { return t.privateStackBase }

// SlotCount reports how many scheduler slots this thread currently has
// room for.
func (t *Thread) SlotCount() int { return len(t.slots) }
