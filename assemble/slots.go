package assemble

// SlotCounter hands out dense, monotonically increasing scheduler slot
// indices, shared by the flag save/restore pass and the register
// scheduler (spec.md §4.4 point 4 "Slot indices must be dense").
type SlotCounter struct{ next uint32 }

// NewSlotCounter returns a counter starting at zero.
func NewSlotCounter() *SlotCounter { return &SlotCounter{} }

// Next allocates and returns the next slot index.
func (s *SlotCounter) Next() uint32 {
	n := s.next
	s.next++
	return n
}

// Count reports how many slots have been allocated so far -- the value
// a Thread's slot table must be sized at least this large to hold
// (spec.md §4.4 point 4 invariant).
func (s *SlotCounter) Count() uint32 { return s.next }
