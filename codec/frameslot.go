package codec

import "sync"

// FrameSlot is the single reusable hand-off buffer between a session's
// decode worker and its renderer. The producer never blocks waiting for
// the consumer: an unconsumed frame is overwritten and counted as skipped.
type FrameSlot struct {
	mu       sync.Mutex
	frame    *Frame
	consumed bool
	skipped  uint64
}

// Publish stores a newly decoded frame. Returns true when the previous
// frame was still unconsumed and got overwritten.
func (s *FrameSlot) Publish(f *Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	skipped := s.frame != nil && !s.consumed
	if skipped {
		s.skipped++
	}
	s.frame = f
	s.consumed = false
	return skipped
}

// Consume hands the current frame to the consumer exactly once. A second
// call without an intervening Publish returns false.
func (s *FrameSlot) Consume() (*Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frame == nil || s.consumed {
		return nil, false
	}
	s.consumed = true
	return s.frame, true
}

// Skipped returns the number of frames overwritten before consumption
func (s *FrameSlot) Skipped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}
