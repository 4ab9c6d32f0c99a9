package terminal

// CircularBuffer is the fixed-size scrollback kept for every session.
// When full, the oldest bytes are overwritten, so commands like `yes`
// cannot grow it without bound.
//
// CircularBuffer is not safe for concurrent use; the owning Session
// serializes every call under its lock.
type CircularBuffer struct {
	buf   []byte
	size  int
	head  int // next write position
	count int // valid bytes, at most size
	total int64
}

// NewCircularBuffer creates a new circular buffer with specified max size.
// Default size is 100KB.
func NewCircularBuffer(size int) *CircularBuffer {
	if size <= 0 {
		size = 100_000
	}
	return &CircularBuffer{
		buf:  make([]byte, size),
		size: size,
	}
}

// Write implements io.Writer. It never fails.
func (cb *CircularBuffer) Write(p []byte) (int, error) {
	n := len(p)
	cb.total += int64(n)

	// Only the tail of an oversized write can survive.
	if n >= cb.size {
		copy(cb.buf, p[n-cb.size:])
		cb.head = 0
		cb.count = cb.size
		return n, nil
	}

	first := copy(cb.buf[cb.head:], p)
	if first < n {
		copy(cb.buf, p[first:])
	}
	cb.head = (cb.head + n) % cb.size
	cb.count += n
	if cb.count > cb.size {
		cb.count = cb.size
	}
	return n, nil
}

// Bytes returns a copy of the retained output, oldest byte first.
func (cb *CircularBuffer) Bytes() []byte {
	out := make([]byte, cb.count)
	if cb.count == 0 {
		return out
	}
	start := (cb.head - cb.count + cb.size) % cb.size
	first := copy(out, cb.buf[start:min(start+cb.count, cb.size)])
	copy(out[first:], cb.buf[:cb.count-first])
	return out
}

// String returns the buffer contents as a string.
func (cb *CircularBuffer) String() string {
	return string(cb.Bytes())
}

// Len returns the number of bytes currently retained.
func (cb *CircularBuffer) Len() int {
	return cb.count
}

// Written reports how many bytes have ever been written, including
// evicted ones.
func (cb *CircularBuffer) Written() int64 {
	return cb.total
}

// Reset clears the buffer.
func (cb *CircularBuffer) Reset() {
	cb.head = 0
	cb.count = 0
	cb.total = 0
}

// Capacity returns the maximum capacity of the buffer.
func (cb *CircularBuffer) Capacity() int {
	return cb.size
}
