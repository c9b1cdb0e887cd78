package audio

import "sync"

// Ring is a bounded, mutex-protected byte buffer fed by a capture callback
// and drained by the pipeline. When a write would exceed the capacity the
// oldest bytes are dropped so the buffer always holds the most recent audio.
type Ring struct {
	mu      sync.Mutex
	buf     []byte
	max     int
	dropped int64
}

// NewRing returns a Ring holding at most maxBytes. maxBytes is rounded down
// to an even number so 16-bit samples are never split by eviction.
func NewRing(maxBytes int) *Ring {
	maxBytes &^= 1
	if maxBytes <= 0 {
		maxBytes = 2
	}
	return &Ring{max: maxBytes, buf: make([]byte, 0, maxBytes)}
}

// Write appends p, evicting the oldest bytes on overflow.
func (r *Ring) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(p) >= r.max {
		r.dropped += int64(len(r.buf) + len(p) - r.max)
		r.buf = append(r.buf[:0], p[len(p)-r.max:]...)
		return
	}
	if over := len(r.buf) + len(p) - r.max; over > 0 {
		over += over & 1
		r.dropped += int64(over)
		r.buf = append(r.buf[:0], r.buf[over:]...)
	}
	r.buf = append(r.buf, p...)
}

// Drain returns the buffered bytes and empties the ring.
func (r *Ring) Drain() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buf) == 0 {
		return nil
	}
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	r.buf = r.buf[:0]
	return out
}

// Reset discards buffered audio.
func (r *Ring) Reset() {
	r.mu.Lock()
	r.buf = r.buf[:0]
	r.mu.Unlock()
}

// Len returns the number of buffered bytes.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Dropped returns the total number of bytes evicted due to overflow.
func (r *Ring) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
