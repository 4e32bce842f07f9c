// Package resample converts audio between sample rates. The conversion
// itself is delegated to a soxr-style polyphase engine; this package owns
// chunking, channel (de)interleaving, and the realtime bridge goroutine
// that sits between two ring buffers.
package resample

import (
	"errors"
	"fmt"

	resampler "github.com/tphakala/go-audio-resampler"
)

// ErrInvalidRates is returned when the source and target rates are equal
// or zero. A pass-through pipeline needs no resampler at all.
var ErrInvalidRates = errors.New("invalid resampling rates")

// monoEngine is the part of the conversion engine ResampleBlock drives.
type monoEngine interface {
	Process(input []float64) ([]float64, error)
}

// Resampler converts interleaved float32 audio from one rate to another.
// Input is accumulated until a full chunk is available, so ResampleBlock
// may return nothing for small inputs. Not safe for concurrent use.
type Resampler struct {
	sourceRate int
	targetRate int
	channels   int
	chunk      int // frames per engine call

	engines []monoEngine // one mono engine per channel
	input   []float32              // interleaved accumulator
	planes  [][]float64            // per-channel scratch
	output  []float32
}

// New creates a resampler for interleaved audio with the given channel
// count. Both rates must be non-zero and distinct.
func New(sourceRate, targetRate, channels int) (*Resampler, error) {
	if sourceRate <= 0 || targetRate <= 0 {
		return nil, fmt.Errorf("%w: %d -> %d", ErrInvalidRates, sourceRate, targetRate)
	}
	if sourceRate == targetRate {
		return nil, fmt.Errorf("%w: source and target are both %d", ErrInvalidRates, sourceRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("%w: %d channels", ErrInvalidRates, channels)
	}

	chunk := chunkFrames(sourceRate, targetRate)
	engines := make([]monoEngine, channels)
	for i := range engines {
		eng, err := resampler.New(&resampler.Config{
			InputRate:  float64(sourceRate),
			OutputRate: float64(targetRate),
			Channels:   1,
			Quality:    resampler.QualitySpec{Preset: resampler.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("creating resampling engine: %w", err)
		}
		engines[i] = eng
	}

	planes := make([][]float64, channels)
	for i := range planes {
		planes[i] = make([]float64, chunk)
	}

	return &Resampler{
		sourceRate: sourceRate,
		targetRate: targetRate,
		channels:   channels,
		chunk:      chunk,
		engines:    engines,
		input:      make([]float32, 0, chunk*channels),
		planes:     planes,
	}, nil
}

// chunkFrames derives the engine chunk size from the rate relationship,
// clamped to a range that keeps latency and per-call overhead reasonable.
func chunkFrames(sourceRate, targetRate int) int {
	g := gcd(sourceRate, targetRate)
	lcm := uint64(sourceRate) * uint64(targetRate) / uint64(g)

	base := int(lcm / uint64(sourceRate))
	if base > 4096 {
		base = 4096
	}
	if base < 256 {
		base = 256
	}
	return base
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// ChunkFrames returns the number of input frames consumed per engine call.
func (r *Resampler) ChunkFrames() int { return r.chunk }

// ExpectedOutputFrames returns how many output frames a given number of
// input frames converts to, ignoring filter latency.
func (r *Resampler) ExpectedOutputFrames(inputFrames int) int {
	return int(uint64(inputFrames) * uint64(r.targetRate) / uint64(r.sourceRate))
}

// ResampleBlock accumulates interleaved samples and converts every complete
// chunk. The returned slice is reused across calls; callers must consume it
// before the next call. A short input may produce no output.
func (r *Resampler) ResampleBlock(samples []float32) ([]float32, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	r.input = append(r.input, samples...)
	r.output = r.output[:0]

	need := r.chunk * r.channels
	for len(r.input) >= need {
		deinterleave(r.input[:need], r.channels, r.planes)

		converted := make([][]float64, r.channels)
		for ch, eng := range r.engines {
			out, err := eng.Process(r.planes[ch])
			if err != nil {
				// The caller substitutes silence for this chunk, so it
				// must not be retried on the next call.
				r.input = r.input[:copy(r.input, r.input[need:])]
				return nil, fmt.Errorf("resampling chunk: %w", err)
			}
			converted[ch] = out
		}
		r.output = reinterleave(converted, r.output)

		r.input = r.input[:copy(r.input, r.input[need:])]
	}

	return r.output, nil
}

// deinterleave splits frames of interleaved samples into the given planes.
// len(samples) must be a multiple of channels and each plane must hold
// len(samples)/channels values.
func deinterleave(samples []float32, channels int, planes [][]float64) {
	frames := len(samples) / channels
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			planes[ch][i] = float64(samples[i*channels+ch])
		}
	}
}

// reinterleave merges per-channel planes back into interleaved samples,
// appending to dst. Output stops at the shortest plane so only whole frames
// are emitted.
func reinterleave(planes [][]float64, dst []float32) []float32 {
	frames := len(planes[0])
	for _, p := range planes[1:] {
		if len(p) < frames {
			frames = len(p)
		}
	}
	for i := 0; i < frames; i++ {
		for _, p := range planes {
			dst = append(dst, float32(p[i]))
		}
	}
	return dst
}
