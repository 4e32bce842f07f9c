// Package decode opens audio files and produces interleaved float32 samples
// normalized to [-1.0, 1.0], ready to be fed through the playback pipeline.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	"github.com/mewkiz/flac"
)

var (
	// ErrUnsupportedFormat is returned by Open for files that are not
	// MP3, WAV, FLAC or Ogg Vorbis.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// maxPacketSkips bounds how many corrupted packets in a row DecodeNext
// tolerates before giving up on the stream.
const maxPacketSkips = 64

// Format describes the signal produced by a decoder.
type Format struct {
	SampleRate    uint32
	Channels      uint32
	BitsPerSample uint32
	ChannelMask   uint16
}

// channelMask maps a channel count to the standard speaker position mask.
// None of the supported containers carry an explicit mask, so it is derived.
func channelMask(channels uint32) uint16 {
	switch channels {
	case 1:
		return 0x0004 // front center
	case 2:
		return 0x0003 // front left | front right
	default:
		if channels >= 16 {
			return 0xFFFF
		}
		return uint16(1)<<channels - 1
	}
}

// streamDecoder is implemented by all format-specific decoders. ReadFrame
// returns the next block of interleaved samples in [-1.0, 1.0]; io.EOF
// signals the end of the stream.
type streamDecoder interface {
	ReadFrame() ([]float32, error)
	SeekFrame(frame int64) error
	TotalFrames() int64 // -1 when the container does not report a count
	SampleRate() int
	Channels() int
	BitsPerSample() int
}

// Decoder wraps a format-specific decoder behind a uniform sample-oriented
// interface. It is not safe for concurrent use; a single decode goroutine
// owns it.
type Decoder struct {
	file    *os.File
	src     streamDecoder
	format  Format
	skipped int // consecutive corrupted packets
}

// Open opens the file at path and selects a decoder for it. Detection is
// by content sniffing, falling back to the file extension when the header
// is inconclusive.
func Open(path string) (*Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	var src streamDecoder
	switch detectFormat(f) {
	case "mp3":
		src, err = newMP3Decoder(f)
	case "wav":
		src, err = newWAVDecoder(f)
	case "flac":
		src, err = newFLACDecoder(f)
	case "ogg":
		src, err = newOGGDecoder(f)
	default:
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Decoder{
		file: f,
		src:  src,
		format: Format{
			SampleRate:    uint32(src.SampleRate()),
			Channels:      uint32(src.Channels()),
			BitsPerSample: uint32(src.BitsPerSample()),
			ChannelMask:   channelMask(uint32(src.Channels())),
		},
	}, nil
}

var audioExts = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".flac": true,
	".ogg":  true,
	".oga":  true,
}

// IsSupportedExt returns true if the extension is a supported audio format.
func IsSupportedExt(ext string) bool {
	return audioExts[strings.ToLower(ext)]
}

// SupportedExtsList returns a human-readable list of supported audio formats.
func SupportedExtsList() string {
	return ".mp3, .wav, .flac, .ogg, .oga"
}

// detectFormat sniffs the leading bytes of f and rewinds it. The extension
// decides when the header matches no known magic.
func detectFormat(f *os.File) string {
	var hdr [12]byte
	n, _ := io.ReadFull(f, hdr[:])
	f.Seek(0, io.SeekStart)

	h := hdr[:n]
	switch {
	case bytes.HasPrefix(h, []byte("fLaC")):
		return "flac"
	case bytes.HasPrefix(h, []byte("OggS")):
		return "ogg"
	case len(h) >= 12 && bytes.HasPrefix(h, []byte("RIFF")) && bytes.Equal(h[8:12], []byte("WAVE")):
		return "wav"
	case bytes.HasPrefix(h, []byte("ID3")):
		return "mp3"
	case len(h) >= 2 && h[0] == 0xFF && h[1]&0xE0 == 0xE0:
		// Bare MPEG frame sync, no ID3 tag.
		return "mp3"
	}

	switch strings.ToLower(filepath.Ext(f.Name())) {
	case ".mp3":
		return "mp3"
	case ".wav":
		return "wav"
	case ".flac":
		return "flac"
	case ".ogg", ".oga":
		return "ogg"
	}
	return ""
}

// Format returns the source signal description.
func (d *Decoder) Format() Format { return d.format }

// DurationMS returns the track duration in milliseconds. ok is false when
// the container does not report a sample count.
func (d *Decoder) DurationMS() (uint64, bool) {
	total := d.src.TotalFrames()
	if total < 0 {
		return 0, false
	}
	return uint64(total) * 1000 / uint64(d.format.SampleRate), true
}

// DecodeNext returns the next block of interleaved samples. A (nil, nil)
// return signals the end of the stream. Corrupted packets are skipped, up
// to maxPacketSkips in a row; I/O failures are fatal immediately.
func (d *Decoder) DecodeNext() ([]float32, error) {
	for {
		samples, err := d.src.ReadFrame()
		if err == nil {
			d.skipped = 0
			if len(samples) == 0 {
				continue
			}
			return samples, nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil
		}
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading %s: %w", d.file.Name(), err)
		}

		d.skipped++
		if d.skipped >= maxPacketSkips {
			return nil, fmt.Errorf("decoding %s: %d corrupted packets in a row: %w",
				d.file.Name(), d.skipped, err)
		}
		slog.Warn("skipping corrupted packet", "path", d.file.Name(), "error", err)
	}
}

// Seek positions the decoder at positionMS. The next DecodeNext returns
// samples from that position.
func (d *Decoder) Seek(positionMS uint64) error {
	frame := int64(positionMS * uint64(d.format.SampleRate) / 1000)
	if total := d.src.TotalFrames(); total >= 0 && frame > total {
		frame = total
	}
	if err := d.src.SeekFrame(frame); err != nil {
		return fmt.Errorf("seeking %s to %dms: %w", d.file.Name(), positionMS, err)
	}
	d.skipped = 0
	return nil
}

// Close releases the underlying file.
func (d *Decoder) Close() error {
	return d.file.Close()
}

func clampUnit(s float32) float32 {
	if s > 1.0 {
		return 1.0
	}
	if s < -1.0 {
		return -1.0
	}
	return s
}

// --- MP3 decoder ---

// go-mp3 always outputs 16-bit little-endian stereo at the stream's rate,
// so one frame is 4 bytes regardless of the source channel layout.
const mp3FrameBytes = 4

type mp3Decoder struct {
	dec *mp3.Decoder
	buf []byte
}

func newMP3Decoder(f *os.File) (*mp3Decoder, error) {
	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("decoding MP3: %w", err)
	}
	return &mp3Decoder{dec: dec, buf: make([]byte, 4096)}, nil
}

func (d *mp3Decoder) ReadFrame() ([]float32, error) {
	n, err := d.dec.Read(d.buf)
	if n == 0 {
		if err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	n -= n % 2
	samples := make([]float32, n/2)
	for i := range samples {
		v := int16(uint16(d.buf[i*2]) | uint16(d.buf[i*2+1])<<8)
		samples[i] = float32(v) / 32768
	}
	return samples, nil
}

func (d *mp3Decoder) SeekFrame(frame int64) error {
	_, err := d.dec.Seek(frame*mp3FrameBytes, io.SeekStart)
	return err
}

func (d *mp3Decoder) TotalFrames() int64 {
	length := d.dec.Length()
	if length <= 0 {
		return -1
	}
	return length / mp3FrameBytes
}

func (d *mp3Decoder) SampleRate() int    { return d.dec.SampleRate() }
func (d *mp3Decoder) Channels() int      { return 2 }
func (d *mp3Decoder) BitsPerSample() int { return 16 }

// --- WAV decoder ---

type wavDecoder struct {
	file        *os.File
	pcmStart    int64 // byte offset in file where PCM data begins
	sampleRate  int
	channels    int
	srcBitDepth int
	frameBytes  int64 // bytes per sample frame in source format
	totalFrames int64
	remaining   int64
	raw         []byte
}

func newWAVDecoder(f *os.File) (*wavDecoder, error) {
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid WAV file")
	}

	// FwdToPCM positions the reader at the start of PCM data.
	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("reading WAV PCM data: %w", err)
	}

	channels := int(dec.NumChans)
	bitDepth := int(dec.BitDepth)
	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: %d-bit WAV", ErrUnsupportedFormat, bitDepth)
	}
	frameBytes := int64(channels) * int64(bitDepth) / 8
	totalFrames := dec.PCMLen() / frameBytes

	pcmStart, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("getting PCM start position: %w", err)
	}

	return &wavDecoder{
		file:        f,
		pcmStart:    pcmStart,
		sampleRate:  int(dec.SampleRate),
		channels:    channels,
		srcBitDepth: bitDepth,
		frameBytes:  frameBytes,
		totalFrames: totalFrames,
		remaining:   totalFrames,
		raw:         make([]byte, 4096*frameBytes),
	}, nil
}

func (d *wavDecoder) ReadFrame() ([]float32, error) {
	if d.remaining == 0 {
		return nil, io.EOF
	}
	want := int64(len(d.raw)) / d.frameBytes
	if want > d.remaining {
		want = d.remaining
	}

	n, err := io.ReadFull(d.file, d.raw[:want*d.frameBytes])
	frames := int64(n) / d.frameBytes
	if frames == 0 {
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, err
		}
		return nil, io.EOF
	}
	d.remaining -= frames

	bytesPerSample := d.srcBitDepth / 8
	count := int(frames) * d.channels
	samples := make([]float32, count)
	for i := 0; i < count; i++ {
		off := i * bytesPerSample
		var s float32
		switch d.srcBitDepth {
		case 8:
			// 8-bit WAV is unsigned
			s = (float32(d.raw[off]) - 128) / 128
		case 16:
			v := int16(uint16(d.raw[off]) | uint16(d.raw[off+1])<<8)
			s = float32(v) / 32768
		case 24:
			v := int32(d.raw[off]) | int32(d.raw[off+1])<<8 | int32(d.raw[off+2])<<16
			if v&0x800000 != 0 {
				v |= ^0xFFFFFF // sign extend
			}
			s = float32(v) / 8388608
		case 32:
			v := int32(uint32(d.raw[off]) | uint32(d.raw[off+1])<<8 |
				uint32(d.raw[off+2])<<16 | uint32(d.raw[off+3])<<24)
			s = float32(float64(v) / 2147483648)
		}
		samples[i] = clampUnit(s)
	}
	return samples, nil
}

func (d *wavDecoder) SeekFrame(frame int64) error {
	if frame < 0 {
		frame = 0
	}
	if frame > d.totalFrames {
		frame = d.totalFrames
	}
	if _, err := d.file.Seek(d.pcmStart+frame*d.frameBytes, io.SeekStart); err != nil {
		return err
	}
	d.remaining = d.totalFrames - frame
	return nil
}

func (d *wavDecoder) TotalFrames() int64  { return d.totalFrames }
func (d *wavDecoder) SampleRate() int    { return d.sampleRate }
func (d *wavDecoder) Channels() int      { return d.channels }
func (d *wavDecoder) BitsPerSample() int { return d.srcBitDepth }

// --- FLAC decoder ---

type flacDecoder struct {
	stream   *flac.Stream
	channels int
	bps      int
	scale    float32
}

func newFLACDecoder(f *os.File) (*flacDecoder, error) {
	stream, err := flac.NewSeek(f)
	if err != nil {
		return nil, fmt.Errorf("decoding FLAC: %w", err)
	}
	info := stream.Info
	return &flacDecoder{
		stream:   stream,
		channels: int(info.NChannels),
		bps:      int(info.BitsPerSample),
		scale:    float32(int64(1) << (info.BitsPerSample - 1)),
	}, nil
}

func (d *flacDecoder) ReadFrame() ([]float32, error) {
	frame, err := d.stream.ParseNext()
	if err != nil {
		return nil, err
	}

	nSamples := int(frame.Subframes[0].NSamples)
	samples := make([]float32, nSamples*d.channels)
	for i := 0; i < nSamples; i++ {
		for ch := 0; ch < d.channels; ch++ {
			s := float32(frame.Subframes[ch].Samples[i]) / d.scale
			samples[i*d.channels+ch] = clampUnit(s)
		}
	}
	return samples, nil
}

func (d *flacDecoder) SeekFrame(frame int64) error {
	_, err := d.stream.Seek(uint64(frame))
	return err
}

func (d *flacDecoder) TotalFrames() int64 {
	if d.stream.Info.NSamples == 0 {
		return -1
	}
	return int64(d.stream.Info.NSamples)
}

func (d *flacDecoder) SampleRate() int    { return int(d.stream.Info.SampleRate) }
func (d *flacDecoder) Channels() int      { return d.channels }
func (d *flacDecoder) BitsPerSample() int { return d.bps }

// --- Ogg Vorbis decoder ---

type oggDecoder struct {
	reader *oggvorbis.Reader
}

func newOGGDecoder(f *os.File) (*oggDecoder, error) {
	reader, err := oggvorbis.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("decoding Ogg Vorbis: %w", err)
	}
	return &oggDecoder{reader: reader}, nil
}

func (d *oggDecoder) ReadFrame() ([]float32, error) {
	buf := make([]float32, 4096)
	n, err := d.reader.Read(buf)
	if n == 0 {
		if err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	for i := 0; i < n; i++ {
		buf[i] = clampUnit(buf[i])
	}
	return buf[:n], nil
}

func (d *oggDecoder) SeekFrame(frame int64) error {
	return d.reader.SetPosition(frame)
}

func (d *oggDecoder) TotalFrames() int64 {
	length := d.reader.Length()
	if length <= 0 {
		return -1
	}
	return length
}

func (d *oggDecoder) SampleRate() int    { return d.reader.SampleRate() }
func (d *oggDecoder) Channels() int      { return d.reader.Channels() }
func (d *oggDecoder) BitsPerSample() int { return 16 }
