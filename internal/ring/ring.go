// Package ring provides a lock-free single-producer, single-consumer ring
// buffer of float32 samples. The producer half is handed to the decode
// goroutine and the consumer half to the audio callback; neither side ever
// blocks or allocates.
package ring

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrFull is returned by Push when the buffer has no free slot.
	ErrFull = errors.New("ring buffer full")
	// ErrEmpty is returned by Pop when the buffer has no sample to read.
	ErrEmpty = errors.New("ring buffer empty")
)

// buffer uses two monotonically increasing atomic counters and a
// power-of-2 sized slice with bitwise masking. No mutexes, no CAS loops,
// just atomic loads and stores.
//
// Go's sync/atomic gives sequential consistency: the producer stores
// writePos after writing samples, the consumer loads writePos before
// reading them, so the consumer always sees fully written data.
type buffer struct {
	// Counters live on separate cache lines to prevent false sharing
	// between the producer and consumer threads.
	writePos atomic.Uint64
	_pad1    [56]byte
	readPos  atomic.Uint64
	_pad2    [56]byte

	buf  []float32
	mask uint64
}

// New creates a ring buffer holding at least minSamples samples (rounded up
// to the next power of two) and returns its two halves.
func New(minSamples int) (*Producer, *Consumer) {
	size := 1
	for size < minSamples {
		size <<= 1
	}
	b := &buffer{
		buf:  make([]float32, size),
		mask: uint64(size - 1),
	}
	return &Producer{b: b}, &Consumer{b: b}
}

// Producer is the write half of the buffer. Only one goroutine may use it.
type Producer struct {
	b *buffer
}

// Push appends a single sample. Returns ErrFull when no slot is free.
func (p *Producer) Push(sample float32) error {
	b := p.b
	w := b.writePos.Load()
	r := b.readPos.Load()
	if w-r == uint64(len(b.buf)) {
		return ErrFull
	}
	b.buf[w&b.mask] = sample
	b.writePos.Store(w + 1)
	return nil
}

// PushSlice copies as many samples from src as fit and returns the number
// written. Non-blocking.
func (p *Producer) PushSlice(src []float32) int {
	b := p.b
	w := b.writePos.Load()
	r := b.readPos.Load()

	free := uint64(len(b.buf)) - (w - r)
	if free == 0 {
		return 0
	}
	n := uint64(len(src))
	if n > free {
		n = free
	}

	pos := w & b.mask
	// One or two copies depending on wrap-around.
	first := uint64(len(b.buf)) - pos
	if first >= n {
		copy(b.buf[pos:pos+n], src[:n])
	} else {
		copy(b.buf[pos:], src[:first])
		copy(b.buf[:n-first], src[first:n])
	}

	b.writePos.Store(w + n)
	return int(n)
}

// Free returns the number of samples that can be written without filling up.
func (p *Producer) Free() int {
	return len(p.b.buf) - int(p.b.writePos.Load()-p.b.readPos.Load())
}

// Capacity returns the total number of slots in the buffer.
func (p *Producer) Capacity() int {
	return len(p.b.buf)
}

// Consumer is the read half of the buffer. Only one goroutine may use it;
// in practice that is the device's audio callback.
type Consumer struct {
	b *buffer
}

// Pop removes and returns the oldest sample. Returns ErrEmpty when the
// buffer holds no samples.
func (c *Consumer) Pop() (float32, error) {
	b := c.b
	r := b.readPos.Load()
	w := b.writePos.Load()
	if w == r {
		return 0, ErrEmpty
	}
	s := b.buf[r&b.mask]
	b.readPos.Store(r + 1)
	return s, nil
}

// PopSlice fills dst with as many samples as are available and returns the
// number read. Non-blocking.
func (c *Consumer) PopSlice(dst []float32) int {
	b := c.b
	r := b.readPos.Load()
	w := b.writePos.Load()

	available := w - r
	if available == 0 {
		return 0
	}
	n := uint64(len(dst))
	if n > available {
		n = available
	}

	pos := r & b.mask
	first := uint64(len(b.buf)) - pos
	if first >= n {
		copy(dst[:n], b.buf[pos:pos+n])
	} else {
		copy(dst[:first], b.buf[pos:])
		copy(dst[first:n], b.buf[:n-first])
	}

	b.readPos.Store(r + n)
	return int(n)
}

// Len returns the number of samples available to read.
func (c *Consumer) Len() int {
	return int(c.b.writePos.Load() - c.b.readPos.Load())
}

// Capacity returns the total number of slots in the buffer.
func (c *Consumer) Capacity() int {
	return len(c.b.buf)
}
