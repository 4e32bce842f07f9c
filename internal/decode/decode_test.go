package decode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeWAV16 writes a minimal 16-bit PCM WAV file and returns its path.
func writeWAV16(t *testing.T, samples []int16, rate, channels int) string {
	t.Helper()

	dataLen := len(samples) * 2
	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(36+dataLen))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&b, binary.LittleEndian, uint16(channels))
	binary.Write(&b, binary.LittleEndian, uint32(rate))
	binary.Write(&b, binary.LittleEndian, uint32(rate*channels*2))
	binary.Write(&b, binary.LittleEndian, uint16(channels*2))
	binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(dataLen))
	binary.Write(&b, binary.LittleEndian, samples)

	path := filepath.Join(t.TempDir(), "test.wav")
	require.NoError(t, os.WriteFile(path, b.Bytes(), 0o644))
	return path
}

func writeHeader(t *testing.T, name string, header []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, header, 0o644))
	return path
}

func TestDetectFormatByMagic(t *testing.T) {
	cases := []struct {
		name   string
		header []byte
		want   string
	}{
		{"noext_flac", []byte("fLaC\x00\x00\x00\x22more"), "flac"},
		{"noext_ogg", []byte("OggS\x00\x02rest-of-page"), "ogg"},
		{"noext_wav", []byte("RIFF\x24\x00\x00\x00WAVE"), "wav"},
		{"noext_id3", []byte("ID3\x04\x00\x00\x00\x00\x00\x00"), "mp3"},
		{"noext_sync", []byte{0xFF, 0xFB, 0x90, 0x00, 0, 0, 0, 0, 0, 0, 0, 0}, "mp3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := os.Open(writeHeader(t, tc.name, tc.header))
			require.NoError(t, err)
			defer f.Close()
			assert.Equal(t, tc.want, detectFormat(f))
		})
	}
}

func TestDetectFormatFallsBackToExtension(t *testing.T) {
	f, err := os.Open(writeHeader(t, "mystery.flac", []byte("not a known header")))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, "flac", detectFormat(f))

	// Sniffing must leave the file at the start for the real decoder.
	pos, err := f.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
}

func TestDetectFormatUnknown(t *testing.T) {
	f, err := os.Open(writeHeader(t, "notes.txt", []byte("just some text here")))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, "", detectFormat(f))
}

func TestChannelMask(t *testing.T) {
	assert.Equal(t, uint16(0x0004), channelMask(1))
	assert.Equal(t, uint16(0x0003), channelMask(2))
	assert.Equal(t, uint16(0x003F), channelMask(6))
	assert.Equal(t, uint16(0xFFFF), channelMask(16))
	assert.Equal(t, uint16(0xFFFF), channelMask(32))
}

func TestIsSupportedExt(t *testing.T) {
	assert.True(t, IsSupportedExt(".mp3"))
	assert.True(t, IsSupportedExt(".FLAC"))
	assert.True(t, IsSupportedExt(".oga"))
	assert.False(t, IsSupportedExt(".aac"))
	assert.False(t, IsSupportedExt(""))
}

func TestOpenUnsupported(t *testing.T) {
	_, err := Open(writeHeader(t, "notes.txt", []byte("just some text here")))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.wav"))
	assert.Error(t, err)
}

func TestOpenWAV(t *testing.T) {
	// One second of stereo samples at 8kHz.
	samples := make([]int16, 8000*2)
	for i := range samples {
		samples[i] = int16(i % 3000)
	}
	path := writeWAV16(t, samples, 8000, 2)

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	f := d.Format()
	assert.Equal(t, uint32(8000), f.SampleRate)
	assert.Equal(t, uint32(2), f.Channels)
	assert.Equal(t, uint32(16), f.BitsPerSample)
	assert.Equal(t, uint16(0x3), f.ChannelMask)

	ms, ok := d.DurationMS()
	require.True(t, ok)
	assert.Equal(t, uint64(1000), ms)
}

func TestWAVDecodeNormalizes(t *testing.T) {
	path := writeWAV16(t, []int16{0, 16384, -16384, 32767, -32768}, 8000, 1)

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	got, err := d.DecodeNext()
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, float32(0), got[0])
	assert.Equal(t, float32(0.5), got[1])
	assert.Equal(t, float32(-0.5), got[2])
	assert.InDelta(t, 1.0, got[3], 1e-4)
	assert.Equal(t, float32(-1.0), got[4])

	// End of stream is a nil block with no error.
	got, err = d.DecodeNext()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWAVDecodeWholeTrack(t *testing.T) {
	samples := make([]int16, 10000)
	path := writeWAV16(t, samples, 8000, 2)

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	var total int
	for {
		block, err := d.DecodeNext()
		require.NoError(t, err)
		if block == nil {
			break
		}
		total += len(block)
	}
	assert.Equal(t, 10000, total)
}

func TestWAVSeek(t *testing.T) {
	// Mono ramp so the value at each frame equals its index.
	samples := make([]int16, 8000)
	for i := range samples {
		samples[i] = int16(i)
	}
	path := writeWAV16(t, samples, 8000, 1)

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	// 500ms at 8kHz is frame 4000.
	require.NoError(t, d.Seek(500))
	block, err := d.DecodeNext()
	require.NoError(t, err)
	require.NotEmpty(t, block)
	assert.Equal(t, float32(4000)/32768, block[0])

	// Seeking past the end leaves only silence to decode.
	require.NoError(t, d.Seek(99999))
	block, err = d.DecodeNext()
	require.NoError(t, err)
	assert.Nil(t, block)

	// Seek back to the start still works after EOF.
	require.NoError(t, d.Seek(0))
	block, err = d.DecodeNext()
	require.NoError(t, err)
	require.NotEmpty(t, block)
	assert.Equal(t, float32(0), block[0])
}

// scriptedStream replays a fixed sequence of ReadFrame results.
type scriptedStream struct {
	blocks [][]float32
	errs   []error
	i      int
}

func (s *scriptedStream) ReadFrame() ([]float32, error) {
	if s.i >= len(s.errs) {
		return nil, io.EOF
	}
	b, err := s.blocks[s.i], s.errs[s.i]
	s.i++
	return b, err
}

func (s *scriptedStream) SeekFrame(int64) error { return nil }
func (s *scriptedStream) TotalFrames() int64    { return -1 }
func (s *scriptedStream) SampleRate() int       { return 44100 }
func (s *scriptedStream) Channels() int         { return 2 }
func (s *scriptedStream) BitsPerSample() int    { return 16 }

func newTestDecoder(t *testing.T, src streamDecoder) *Decoder {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "stream")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return &Decoder{file: f, src: src, format: Format{SampleRate: 44100, Channels: 2, BitsPerSample: 16}}
}

func TestDecodeNextSkipsCorruptedPackets(t *testing.T) {
	bad := errors.New("bad frame header")
	src := &scriptedStream{
		blocks: [][]float32{{0.1, 0.2}, nil, nil, {0.3, 0.4}},
		errs:   []error{nil, bad, bad, nil},
	}
	d := newTestDecoder(t, src)

	block, err := d.DecodeNext()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, block)

	// The two corrupted packets are skipped transparently.
	block, err = d.DecodeNext()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.3, 0.4}, block)
}

func TestDecodeNextGivesUpAfterTooManySkips(t *testing.T) {
	bad := errors.New("bad frame header")
	src := &scriptedStream{
		blocks: make([][]float32, maxPacketSkips+1),
		errs:   make([]error, maxPacketSkips+1),
	}
	for i := range src.errs {
		src.errs[i] = bad
	}
	d := newTestDecoder(t, src)

	_, err := d.DecodeNext()
	require.Error(t, err)
	assert.ErrorIs(t, err, bad)
	// Only maxPacketSkips reads were attempted.
	assert.Equal(t, maxPacketSkips, src.i)
}

func TestDecodeNextIOErrorIsFatal(t *testing.T) {
	ioErr := &os.PathError{Op: "read", Path: "x", Err: errors.New("input/output error")}
	src := &scriptedStream{
		blocks: [][]float32{nil},
		errs:   []error{ioErr},
	}
	d := newTestDecoder(t, src)

	_, err := d.DecodeNext()
	require.Error(t, err)
	assert.ErrorIs(t, err, ioErr)
	assert.Equal(t, 1, src.i)
}

func TestDecodeNextSkipCounterResets(t *testing.T) {
	bad := errors.New("bad frame header")
	blocks := make([][]float32, 0, maxPacketSkips*2)
	errs := make([]error, 0, maxPacketSkips*2)
	// Alternate corrupt and good packets well past the skip limit; the
	// counter resets on every success so decoding never aborts.
	for i := 0; i < maxPacketSkips; i++ {
		blocks = append(blocks, nil, []float32{1})
		errs = append(errs, bad, nil)
	}
	d := newTestDecoder(t, &scriptedStream{blocks: blocks, errs: errs})

	for i := 0; i < maxPacketSkips; i++ {
		block, err := d.DecodeNext()
		require.NoError(t, err)
		assert.Equal(t, []float32{1}, block)
	}
}
