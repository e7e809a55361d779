package link

import "sync/atomic"

// SeqGen issues the Data Unit ids of one local session, counting up from 1.
// HELLO, MESSAGE and GOODBYE units draw from it; acknowledgment and MTU test
// units carry their own ids.
type SeqGen struct {
	val atomic.Uint32
}

func NewSeqGen() *SeqGen {
	return &SeqGen{}
}

// Next returns the next id. After 2^32-1 ids the counter wraps: Next
// returns 0 with wrapped set and the count continues from there.
func (s *SeqGen) Next() (id uint32, wrapped bool) {
	id = s.val.Add(1)
	return id, id == 0
}

// Last returns the most recently issued id, 0 before the first Next.
func (s *SeqGen) Last() uint32 {
	return s.val.Load()
}

// Reset starts the count over for a new local session, so the session's
// first unit gets id 1 again.
func (s *SeqGen) Reset() {
	s.val.Store(0)
}
