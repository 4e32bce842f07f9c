package resample

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/calliope-player/calliope/internal/ring"
)

const (
	// bridgeReadSize is how many interleaved samples the bridge pulls from
	// the source ring per iteration.
	bridgeReadSize = 4096
	// bridgeBackoff is the sleep while the target ring is full.
	bridgeBackoff = 50 * time.Microsecond
	// maxConsecutiveFailures aborts the bridge when the engine keeps
	// rejecting chunks; occasional failures are papered over with silence.
	maxConsecutiveFailures = 10
)

type blockResampler interface {
	ResampleBlock([]float32) ([]float32, error)
	ExpectedOutputFrames(int) int
}

// Bridge moves samples from a source ring buffer through a resampler into a
// target ring buffer on its own goroutine. It substitutes silence for
// chunks the engine rejects so device timing is preserved.
type Bridge struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewBridge creates the resampler and starts the bridge goroutine.
func NewBridge(src *ring.Consumer, dst *ring.Producer, sourceRate, targetRate, channels int) (*Bridge, error) {
	r, err := New(sourceRate, targetRate, channels)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go b.run(src, dst, r, channels)
	return b, nil
}

func (b *Bridge) run(src *ring.Consumer, dst *ring.Producer, r blockResampler, channels int) {
	defer close(b.done)

	input := make([]float32, bridgeReadSize)
	failures := 0

	for {
		select {
		case <-b.stop:
			return
		default:
		}

		n := src.PopSlice(input)
		if n == 0 {
			runtime.Gosched()
			continue
		}

		output, err := r.ResampleBlock(input[:n])
		if err != nil {
			failures++
			slog.Error("resampling failed, substituting silence",
				"error", err, "consecutive", failures)
			if failures >= maxConsecutiveFailures {
				b.setErr(fmt.Errorf("resampling aborted after %d consecutive failures: %w",
					failures, err))
				return
			}
			// Silence of the expected duration keeps the output clock
			// running.
			silence := make([]float32, r.ExpectedOutputFrames(n/channels)*channels)
			if !b.push(dst, silence) {
				return
			}
			continue
		}
		failures = 0

		if !b.push(dst, output) {
			return
		}
	}
}

// push writes all samples to dst, sleeping while it is full. Returns false
// when the bridge is stopped mid-write.
func (b *Bridge) push(dst *ring.Producer, samples []float32) bool {
	for len(samples) > 0 {
		n := dst.PushSlice(samples)
		samples = samples[n:]
		if n == 0 {
			select {
			case <-b.stop:
				return false
			case <-time.After(bridgeBackoff):
			}
		}
	}
	return true
}

func (b *Bridge) setErr(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

// Err returns the failure that stopped the bridge, if any.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Stop halts the goroutine, waits for it to exit, and reports any recorded
// failure. Safe to call more than once.
func (b *Bridge) Stop() error {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
	return b.Err()
}
