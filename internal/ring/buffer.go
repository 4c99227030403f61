// Package ring implements the fixed-capacity byte store that holds each
// sender's pre-roll audio.
package ring

import (
	"errors"
	"sync"
)

// ErrInvalidCapacity is returned for a capacity that is not positive.
var ErrInvalidCapacity = errors.New("ring: capacity must be positive")

// Buffer is a circular byte buffer. Writes never fail: when there is not
// enough free space the oldest bytes are overwritten. Reads are destructive
// and return the oldest bytes first.
//
// The stored bytes are always the most recent Used() bytes written.
type Buffer struct {
	mu    sync.Mutex
	buf   []byte
	start int // position of the oldest byte
	used  int
}

// New creates a buffer holding up to capacity bytes.
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Buffer{buf: make([]byte, capacity)}, nil
}

// Size returns the capacity in bytes.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Used returns the number of bytes currently stored.
func (b *Buffer) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Free returns the number of bytes that can be written without overwriting.
func (b *Buffer) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf) - b.used
}

// Write appends p and returns how many previously stored bytes were
// overwritten to make room. If p is longer than the capacity only its last
// Size() bytes are kept.
func (b *Buffer) Write(p []byte) (overwritten int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.write(p)
}

func (b *Buffer) write(p []byte) int {
	size := len(b.buf)
	if len(p) == 0 {
		return 0
	}
	if len(p) >= size {
		dropped := b.used
		copy(b.buf, p[len(p)-size:])
		b.start = 0
		b.used = size
		return dropped
	}

	dropped := 0
	if over := b.used + len(p) - size; over > 0 {
		b.start = (b.start + over) % size
		b.used -= over
		dropped = over
	}
	if b.used == 0 {
		b.start = 0
	}

	// At most two copies: up to the end of the backing array, then from 0.
	end := (b.start + b.used) % size
	n := copy(b.buf[end:], p)
	copy(b.buf, p[n:])
	b.used += len(p)
	return dropped
}

// Read moves up to len(p) of the oldest bytes into p and returns the count.
// An empty buffer yields 0.
func (b *Buffer) Read(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read(p)
}

func (b *Buffer) read(p []byte) int {
	n := len(p)
	if n > b.used {
		n = b.used
	}
	if n == 0 {
		return 0
	}
	size := len(b.buf)
	tail := b.start + n
	if tail > size {
		tail = size
	}
	first := copy(p[:n], b.buf[b.start:tail])
	copy(p[first:n], b.buf[:n-first])

	b.used -= n
	if b.used == 0 {
		b.start = 0
	} else {
		b.start = (b.start + n) % size
	}
	return n
}

// ReadAll drains the buffer and returns its content, oldest first.
func (b *Buffer) ReadAll() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.used)
	b.read(out)
	return out
}

// Resize reallocates the buffer with a new capacity, keeping the most recent
// min(Used(), capacity) bytes.
func (b *Buffer) Resize(capacity int) error {
	if capacity <= 0 {
		return ErrInvalidCapacity
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if capacity == len(b.buf) {
		return nil
	}
	data := make([]byte, b.used)
	b.read(data)
	b.buf = make([]byte, capacity)
	b.start, b.used = 0, 0
	b.write(data)
	return nil
}

// Reset discards all stored bytes.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start, b.used = 0, 0
}
