package reconciliation

import "sync"

// Sequencer hands out one lock per sales point. The authority numbers vouchers
// sequentially per sales point with no reservation, so the read of the last voucher
// and the submission that uses it must never interleave with another submission on
// the same sales point. It only covers one process; running several workers against
// the same sales point needs an external lock.
type Sequencer struct {
	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

// NewSequencer creates an empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{locks: make(map[int]*sync.Mutex)}
}

// Lock blocks until the sales point is free and returns the unlock function.
func (s *Sequencer) Lock(salesPoint int) func() {
	s.mu.Lock()
	l, ok := s.locks[salesPoint]
	if !ok {
		l = &sync.Mutex{}
		s.locks[salesPoint] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

var processSequencer = NewSequencer()
