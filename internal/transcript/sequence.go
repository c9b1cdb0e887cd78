package transcript

import (
	"fmt"
	"sync/atomic"
)

// IDModulus is the wrap-around point of entry IDs. IDs are always rendered
// with six digits.
const IDModulus = 1_000_000

// Sequence hands out entry IDs. The zero value starts at "000001".
// It is safe for concurrent use.
type Sequence struct {
	n atomic.Uint32
}

// NewSequence returns a Sequence whose next ID is last+1 (mod [IDModulus]).
// Passing the highest ID found in today's log keeps IDs unique across
// restarts.
func NewSequence(last int) *Sequence {
	s := &Sequence{}
	s.n.Store(uint32(((last % IDModulus) + IDModulus) % IDModulus))
	return s
}

// Next returns the next ID.
func (s *Sequence) Next() string {
	for {
		cur := s.n.Load()
		next := (cur + 1) % IDModulus
		if s.n.CompareAndSwap(cur, next) {
			return fmt.Sprintf("%06d", next)
		}
	}
}
