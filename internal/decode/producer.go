package decode

import (
	"errors"
	"time"

	"github.com/calliope-player/calliope/internal/ring"
)

// fullBackoff is how long the producer sleeps when the ring buffer is full
// before trying again.
const fullBackoff = 100 * time.Microsecond

var errStopped = errors.New("producer stopped")

type frameSource interface {
	DecodeNext() ([]float32, error)
}

// Producer drains a decoder into the write half of a ring buffer. Run loops
// until the stream ends, the decoder fails, or done is closed.
type Producer struct {
	src     frameSource
	out     *ring.Producer
	done    <-chan struct{}
	pending []float32
}

func NewProducer(dec *Decoder, out *ring.Producer, done <-chan struct{}) *Producer {
	return &Producer{src: dec, out: out, done: done}
}

// SetPending hands over samples that were decoded ahead of time but did not
// fit in the ring buffer. Run pushes them before touching the decoder.
// Must be called before Run.
func (p *Producer) SetPending(samples []float32) {
	p.pending = samples
}

// Run feeds the ring buffer until the stream ends. It returns nil at the
// natural end of the stream or when stopped via the done channel; a decode
// failure is returned as-is.
func (p *Producer) Run() error {
	if err := p.flush(p.pending); err != nil {
		return nil
	}
	p.pending = nil

	for {
		select {
		case <-p.done:
			return nil
		default:
		}

		samples, err := p.src.DecodeNext()
		if err != nil {
			return err
		}
		if samples == nil {
			return nil
		}
		if err := p.flush(samples); err != nil {
			return nil
		}
	}
}

// flush pushes all of samples, sleeping briefly whenever the consumer has
// not freed up space yet. Returns errStopped when done closes mid-push.
func (p *Producer) flush(samples []float32) error {
	for len(samples) > 0 {
		n := p.out.PushSlice(samples)
		samples = samples[n:]
		if n == 0 {
			select {
			case <-p.done:
				return errStopped
			case <-time.After(fullBackoff):
			}
		}
	}
	return nil
}
