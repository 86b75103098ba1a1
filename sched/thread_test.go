package sched

import "testing"

func TestThreadSlotRoundTrip(t *testing.T) {
	th := NewThread(4, 0x7000)
	th.SetSlot(0, 0x1234)
	th.SetSlot(3, 0x5678)

	if got := th.Slot(0); got != 0x1234 {
		t.Fatalf("slot 0 = %#x, want 0x1234", got)
	}
	if got := th.Slot(3); got != 0x5678 {
		t.Fatalf("slot 3 = %#x, want 0x5678", got)
	}
}

func TestThreadSlotGrows(t *testing.T) {
	th := NewThread(1, 0)
	th.SetSlot(10, 0xdead)
	if got := th.Slot(10); got != 0xdead {
		t.Fatalf("slot 10 = %#x, want 0xdead", got)
	}
	if th.SlotCount() < 11 {
		t.Fatalf("expected table grown to at least 11, got %d", th.SlotCount())
	}
}

func TestDistinctThreadsGetDistinctIDs(t *testing.T) {
	a := NewThread(1, 0)
	b := NewThread(1, 0)
	if a.ID() == b.ID() {
		t.Fatalf("expected distinct thread ids")
	}
}

func TestRWLockAllowsConcurrentReaders(t *testing.T) {
	var l RWLock
	l.ReadAcquire()
	l.ReadAcquire()
	l.ReadRelease()
	l.ReadRelease()
}
