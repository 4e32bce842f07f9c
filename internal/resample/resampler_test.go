package resample

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyEngine fails a configured number of Process calls, then echoes its
// input unchanged.
type flakyEngine struct {
	failures int
}

func (f *flakyEngine) Process(in []float64) ([]float64, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("filter state corrupt")
	}
	out := make([]float64, len(in))
	copy(out, in)
	return out, nil
}

func TestNewRejectsBadRates(t *testing.T) {
	_, err := New(44100, 44100, 2)
	assert.ErrorIs(t, err, ErrInvalidRates)

	_, err = New(0, 48000, 2)
	assert.ErrorIs(t, err, ErrInvalidRates)

	_, err = New(44100, 0, 2)
	assert.ErrorIs(t, err, ErrInvalidRates)

	_, err = New(44100, 48000, 0)
	assert.ErrorIs(t, err, ErrInvalidRates)
}

func TestChunkFrames(t *testing.T) {
	// Related rates produce small ratios that get raised to the floor.
	assert.Equal(t, 256, chunkFrames(44100, 48000))
	assert.Equal(t, 256, chunkFrames(22050, 44100))
	assert.Equal(t, 256, chunkFrames(8000, 48000))
	// Coprime rates explode the least common multiple; the result is
	// capped instead.
	assert.Equal(t, 4096, chunkFrames(44100, 44101))
}

func TestExpectedOutputFrames(t *testing.T) {
	r, err := New(44100, 88200, 2)
	require.NoError(t, err)
	assert.Equal(t, 2000, r.ExpectedOutputFrames(1000))

	r, err = New(48000, 44100, 2)
	require.NoError(t, err)
	assert.Equal(t, 918, r.ExpectedOutputFrames(1000))
}

func TestResampleBlockAccumulatesShortInput(t *testing.T) {
	r, err := New(44100, 48000, 2)
	require.NoError(t, err)

	// Less than one chunk in: nothing comes out yet.
	out, err := r.ResampleBlock(make([]float32, 64))
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = r.ResampleBlock(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestResampleBlockDropsFailedChunk(t *testing.T) {
	r, err := New(44100, 48000, 1)
	require.NoError(t, err)
	r.engines = []monoEngine{&flakyEngine{failures: 1}}

	// The failed chunk is consumed, not retried: the caller substitutes
	// silence for it, so replaying it would repeat audio on the timeline.
	_, err = r.ResampleBlock(make([]float32, r.chunk))
	require.Error(t, err)
	assert.Empty(t, r.input)

	out, err := r.ResampleBlock(make([]float32, r.chunk))
	require.NoError(t, err)
	assert.Len(t, out, r.chunk, "only the fresh chunk is converted")
	assert.Empty(t, r.input)
}

func TestResampleBlockUpsamples(t *testing.T) {
	r, err := New(8000, 16000, 1)
	require.NoError(t, err)

	// Push plenty of chunks of DC so filter latency stops mattering.
	const totalIn = 256 * 40
	var totalOut int
	for i := 0; i < 40; i++ {
		block := make([]float32, 256)
		for j := range block {
			block[j] = 0.5
		}
		out, err := r.ResampleBlock(block)
		require.NoError(t, err)
		totalOut += len(out)
	}

	// Doubling the rate should roughly double the sample count; allow
	// slack for the engine's startup latency.
	expected := r.ExpectedOutputFrames(totalIn)
	assert.Greater(t, totalOut, expected/2)
	assert.LessOrEqual(t, totalOut, expected+r.ChunkFrames()*2)
}

func TestResampleBlockKeepsChannelsAligned(t *testing.T) {
	r, err := New(8000, 16000, 2)
	require.NoError(t, err)

	// Left channel carries DC, right channel stays silent. After the
	// filter settles, interleaved output must keep that separation.
	var out []float32
	for i := 0; i < 40; i++ {
		block := make([]float32, 512)
		for j := 0; j < len(block); j += 2 {
			block[j] = 0.5
		}
		got, err := r.ResampleBlock(block)
		require.NoError(t, err)
		out = append(out, got...)
	}
	require.NotEmpty(t, out)
	require.Zero(t, len(out)%2)

	// Skip the settling region at the start.
	for i := len(out) / 2; i+1 < len(out); i += 2 {
		assert.InDelta(t, 0.5, out[i], 0.05)
		assert.InDelta(t, 0.0, out[i+1], 0.05)
	}
}

func TestDeinterleaveReinterleave(t *testing.T) {
	samples := []float32{1, 10, 2, 20, 3, 30}
	planes := [][]float64{make([]float64, 3), make([]float64, 3)}
	deinterleave(samples, 2, planes)
	assert.Equal(t, []float64{1, 2, 3}, planes[0])
	assert.Equal(t, []float64{10, 20, 30}, planes[1])

	got := reinterleave(planes, nil)
	assert.Equal(t, samples, got)

	// Uneven planes emit whole frames only.
	got = reinterleave([][]float64{{1, 2, 3}, {10, 20}}, nil)
	assert.Equal(t, []float32{1, 10, 2, 20}, got)
}
