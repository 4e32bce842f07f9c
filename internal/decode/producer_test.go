package decode

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calliope-player/calliope/internal/ring"
)

// blockSource hands out fixed blocks, then reports end of stream.
type blockSource struct {
	blocks [][]float32
	err    error // returned after the blocks run out, instead of EOS
	i      int
}

func (s *blockSource) DecodeNext() ([]float32, error) {
	if s.i >= len(s.blocks) {
		return nil, s.err
	}
	b := s.blocks[s.i]
	s.i++
	return b, nil
}

func TestProducerDrainsSourceIntoRing(t *testing.T) {
	src := &blockSource{blocks: [][]float32{{1, 2}, {3}, {4, 5, 6}}}
	prod, cons := ring.New(16)
	done := make(chan struct{})

	p := &Producer{src: src, out: prod, done: done}
	require.NoError(t, p.Run())

	got := make([]float32, 8)
	n := cons.PopSlice(got)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, got[:n])
}

func TestProducerBlocksUntilConsumerFrees(t *testing.T) {
	src := &blockSource{blocks: [][]float32{{1, 2, 3, 4, 5, 6, 7, 8}}}
	prod, cons := ring.New(4)
	done := make(chan struct{})

	p := &Producer{src: src, out: prod, done: done}
	finished := make(chan error, 1)
	go func() { finished <- p.Run() }()

	// Drain slowly; the producer must deliver everything in order.
	got := make([]float32, 0, 8)
	deadline := time.After(5 * time.Second)
	for len(got) < 8 {
		buf := make([]float32, 4)
		n := cons.PopSlice(buf)
		got = append(got, buf[:n]...)
		select {
		case <-deadline:
			t.Fatal("producer never delivered all samples")
		default:
		}
	}
	require.NoError(t, <-finished)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, got)
}

func TestProducerStopsWhenDoneCloses(t *testing.T) {
	// A ring too small for the first block, and nobody draining it.
	src := &blockSource{blocks: [][]float32{{1, 2, 3, 4, 5, 6, 7, 8}}}
	prod, _ := ring.New(4)
	done := make(chan struct{})

	p := &Producer{src: src, out: prod, done: done}
	finished := make(chan error, 1)
	go func() { finished <- p.Run() }()

	close(done)
	select {
	case err := <-finished:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("producer did not stop")
	}
}

func TestProducerReturnsDecodeError(t *testing.T) {
	decodeErr := errors.New("stream went bad")
	src := &blockSource{blocks: [][]float32{{1}}, err: decodeErr}
	prod, _ := ring.New(16)

	p := &Producer{src: src, out: prod, done: make(chan struct{})}
	assert.ErrorIs(t, p.Run(), decodeErr)
}

func TestProducerPushesPendingFirst(t *testing.T) {
	src := &blockSource{blocks: [][]float32{{3, 4}}}
	prod, cons := ring.New(16)

	p := &Producer{src: src, out: prod, done: make(chan struct{})}
	p.SetPending([]float32{1, 2})
	require.NoError(t, p.Run())

	got := make([]float32, 8)
	n := cons.PopSlice(got)
	assert.Equal(t, []float32{1, 2, 3, 4}, got[:n])
}
