// internal/uart/ringbuffer.go
package uart

import "sync"

// RingBuffer is the fixed-capacity receive buffer shared by all
// connections of a device. A full buffer rejects the newest byte and
// counts it as an overflow; unread data is never overwritten.
type RingBuffer struct {
	mu        sync.Mutex
	data      []byte
	head      int // next write position
	tail      int // next read position
	count     int
	overflows uint64
}

// NewRingBuffer creates a ring buffer holding up to capacity bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultRxBufferSize
	}
	return &RingBuffer{data: make([]byte, capacity)}
}

// Push appends b. It returns false and counts an overflow when full.
func (rb *RingBuffer) Push(b byte) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == len(rb.data) {
		rb.overflows++
		return false
	}
	rb.data[rb.head] = b
	rb.head = (rb.head + 1) % len(rb.data)
	rb.count++
	return true
}

// ReadContiguous copies up to len(p) buffered bytes into p, stopping at the
// wrap point of the underlying array. A second call reads past the wrap.
func (rb *RingBuffer) ReadContiguous(p []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := rb.count
	if toEnd := len(rb.data) - rb.tail; n > toEnd {
		n = toEnd
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, rb.data[rb.tail:rb.tail+n])
	rb.tail = (rb.tail + n) % len(rb.data)
	rb.count -= n
	return n
}

// Len returns the number of buffered bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the buffer capacity.
func (rb *RingBuffer) Cap() int {
	return len(rb.data)
}

// Overflows returns the number of bytes dropped because the buffer was full.
func (rb *RingBuffer) Overflows() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.overflows
}

// Positions returns the current head and tail indices.
func (rb *RingBuffer) Positions() (head, tail int) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.head, rb.tail
}

// Reset discards buffered data. The overflow counter is kept.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	rb.head, rb.tail, rb.count = 0, 0, 0
	rb.mu.Unlock()
}
