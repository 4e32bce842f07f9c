package engine

import (
	"fmt"
	"sync"

	"github.com/calliope-player/calliope/internal/decode"
	"github.com/calliope-player/calliope/internal/ring"
)

// maxPrebufferSamples caps the memory spent on a preloaded track.
const maxPrebufferSamples = 65536

// PrebufferedTrack is a partially decoded next track. Its ring buffer
// already holds audio and its decoder is positioned mid-stream, so a
// pipeline built from it starts producing sound immediately.
type PrebufferedTrack struct {
	Path       string
	Format     decode.Format
	DurationMS uint64
	Decoder    *decode.Decoder
	Producer   *ring.Producer
	Consumer   *ring.Consumer
	// Pending holds samples from the block that no longer fit when the
	// buffer filled up.
	Pending []float32
}

func (pb *PrebufferedTrack) close() {
	if pb.Decoder != nil {
		pb.Decoder.Close()
	}
}

// Prebuffer holds at most one preloaded track for gapless playback.
type Prebuffer struct {
	mu    sync.Mutex
	track *PrebufferedTrack
}

func NewPrebuffer() *Prebuffer {
	return &Prebuffer{}
}

// bufferSamples sizes the preload ring: enough for the whole track, capped.
// Tracks of unknown duration get the full cap.
func bufferSamples(durationMS uint64, f decode.Format) int {
	if durationMS == 0 {
		return maxPrebufferSamples
	}
	samples := durationMS * uint64(f.SampleRate) / 1000 * uint64(f.Channels)
	if samples > maxPrebufferSamples {
		samples = maxPrebufferSamples
	}
	if samples == 0 {
		samples = 1
	}
	return int(samples)
}

// Preload opens the track at path and decodes into a fresh ring buffer
// until it is full or the stream ends. A previously preloaded track is
// replaced.
func (p *Prebuffer) Preload(path string) error {
	dec, err := decode.Open(path)
	if err != nil {
		return fmt.Errorf("preloading track: %w", err)
	}
	durationMS, _ := dec.DurationMS()

	prod, cons := ring.New(bufferSamples(durationMS, dec.Format()))

	var pending []float32
	for {
		block, err := dec.DecodeNext()
		if err != nil {
			dec.Close()
			return fmt.Errorf("preloading track: %w", err)
		}
		if block == nil {
			break
		}
		n := prod.PushSlice(block)
		if n < len(block) {
			// Buffer filled mid-block; keep the rest for the handoff.
			pending = append([]float32(nil), block[n:]...)
			break
		}
	}

	pb := &PrebufferedTrack{
		Path:       path,
		Format:     dec.Format(),
		DurationMS: durationMS,
		Decoder:    dec,
		Producer:   prod,
		Consumer:   cons,
		Pending:    pending,
	}

	p.mu.Lock()
	old := p.track
	p.track = pb
	p.mu.Unlock()
	if old != nil {
		old.close()
	}
	return nil
}

// Ready reports whether a preloaded track is waiting.
func (p *Prebuffer) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track != nil
}

// Take hands over the preloaded track, leaving the prebuffer empty. Returns
// nil when nothing is ready.
func (p *Prebuffer) Take() *PrebufferedTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	pb := p.track
	p.track = nil
	return pb
}

// Discard drops any preloaded track and releases its decoder.
func (p *Prebuffer) Discard() {
	p.mu.Lock()
	pb := p.track
	p.track = nil
	p.mu.Unlock()
	if pb != nil {
		pb.close()
	}
}
