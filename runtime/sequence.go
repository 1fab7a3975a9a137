package runtime

import "sync/atomic"

// eventSeq stamps events of one run with increasing sequence numbers.
// It is only used for event ordering; record numbering never touches a
// shared counter.
type eventSeq struct {
	counter atomic.Uint64
}

// next returns the next sequence number (1-indexed).
func (s *eventSeq) next() uint64 {
	return s.counter.Add(1)
}
