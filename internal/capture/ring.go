package capture

import (
	"sync"
)

// Ring is a fixed-size circular byte buffer. When full, writes overwrite
// the oldest bytes.
type Ring struct {
	buf  []byte
	size int
	head int // write position
	tail int // read position
	full bool
	mu   sync.RWMutex
}

// NewRing creates a ring holding at most size bytes.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 64 * 1024
	}
	return &Ring{
		buf:  make([]byte, size),
		size: size,
	}
}

// Write implements io.Writer. It never fails.
func (r *Ring) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(p) >= r.size {
		// Only the newest size bytes can survive.
		copy(r.buf, p[len(p)-r.size:])
		r.head, r.tail, r.full = 0, 0, true
		return len(p), nil
	}

	for _, b := range p {
		if r.full {
			r.tail = (r.tail + 1) % r.size
		}
		r.buf[r.head] = b
		r.head = (r.head + 1) % r.size
		if r.head == r.tail {
			r.full = true
		}
	}
	return len(p), nil
}

// Bytes returns the contents oldest first.
func (r *Ring) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.lenLocked()
	result := make([]byte, n)
	if n == 0 {
		return result
	}
	if r.head > r.tail {
		copy(result, r.buf[r.tail:r.head])
		return result
	}
	// Wrap-around: tail -> end + start -> head
	first := copy(result, r.buf[r.tail:])
	copy(result[first:], r.buf[:r.head])
	return result
}

// Len returns the number of buffered bytes.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lenLocked()
}

func (r *Ring) lenLocked() int {
	switch {
	case r.full:
		return r.size
	case r.head >= r.tail:
		return r.head - r.tail
	default:
		return (r.size - r.tail) + r.head
	}
}

// Reset clears the ring.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.head = 0
	r.tail = 0
	r.full = false
}

// Capacity returns the maximum number of bytes the ring holds.
func (r *Ring) Capacity() int {
	return r.size
}
