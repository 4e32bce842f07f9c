package engine

import (
	"errors"
	"time"

	"github.com/calliope-player/calliope/internal/decode"
	"github.com/calliope-player/calliope/internal/output"
	"github.com/calliope-player/calliope/internal/resample"
	"github.com/calliope-player/calliope/internal/ring"
)

// liveBufferSamples sizes the ring between the decoder and the device. A
// small power of two keeps pause and seek responsive.
const liveBufferSamples = 4096

// teardownTimeout bounds how long teardown waits for the decode goroutine.
const teardownTimeout = 2 * time.Second

// session is one live playback pipeline: decoder goroutine, ring buffer,
// optional resampling bridge, and a device stream. It is owned by the
// control loop; other goroutines may only call positionMS.
type session struct {
	out    *output.Output
	stream *output.Stream
	bridge *resample.Bridge
	dec    *decode.Decoder

	// done stops the decode goroutine; decodeDone carries its result.
	done       chan struct{}
	decodeDone chan error

	// baseMS is the track position the stream started at.
	baseMS uint64
}

// positionMS is the playback position derived from frames the device has
// consumed since the stream started.
func (s *session) positionMS() uint64 {
	if s.stream == nil {
		return s.baseMS
	}
	return s.baseMS + s.stream.FramesPlayed()*1000/uint64(s.stream.SampleRate())
}

// teardown dismantles the pipeline in dependency order: the bridge stops
// pulling, the device stream closes, then the decode goroutine is released
// and joined. Returns the first failure observed, including a decode error
// the producer exited with.
func (s *session) teardown() error {
	var firstErr error
	if s.bridge != nil {
		if err := s.bridge.Stop(); err != nil {
			firstErr = err
		}
	}
	if s.stream != nil {
		s.stream.Close()
	}
	close(s.done)
	if s.decodeDone != nil {
		select {
		case err := <-s.decodeDone:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-time.After(teardownTimeout):
			if firstErr == nil {
				firstErr = errors.New("timeout waiting for decode goroutine")
			}
		}
	}
	if s.dec != nil {
		s.dec.Close()
	}
	if s.out != nil {
		s.out.Close()
	}
	return firstErr
}

// newSession opens a fresh pipeline for the file at path, starting playback
// at startMS.
func (e *Engine) newSession(path string, startMS uint64) (*session, error) {
	dec, err := decode.Open(path)
	if err != nil {
		return nil, err
	}
	if startMS > 0 {
		if err := dec.Seek(startMS); err != nil {
			dec.Close()
			return nil, err
		}
	}
	prod, cons := ring.New(liveBufferSamples)
	return e.buildSession(dec, prod, cons, nil, startMS)
}

// newPrebufferedSession resumes a pipeline from a preloaded track: its ring
// buffer already holds decoded audio and its decoder is mid-stream.
func (e *Engine) newPrebufferedSession(pb *PrebufferedTrack) (*session, error) {
	return e.buildSession(pb.Decoder, pb.Producer, pb.Consumer, pb.Pending, 0)
}

// buildSession wires a decoder and ring buffer pair into a device stream,
// inserting a resampling bridge when the device cannot run at the source
// rate, and starts both the decode goroutine and the stream.
func (e *Engine) buildSession(dec *decode.Decoder, prod *ring.Producer, cons *ring.Consumer, pending []float32, baseMS uint64) (*session, error) {
	out, err := output.New(e.cfg)
	if err != nil {
		dec.Close()
		return nil, err
	}

	format := dec.Format()
	sc, needsResample := out.OptimalConfig(format)

	var bridge *resample.Bridge
	streamSrc := cons
	if needsResample {
		rsProd, rsCons := ring.New(liveBufferSamples * 2)
		bridge, err = resample.NewBridge(cons, rsProd,
			int(format.SampleRate), int(sc.SampleRate), int(format.Channels))
		if err != nil {
			out.Close()
			dec.Close()
			return nil, err
		}
		streamSrc = rsCons
	}

	stream, err := out.CreateStream(sc, streamSrc)
	if err != nil {
		if bridge != nil {
			bridge.Stop()
		}
		out.Close()
		dec.Close()
		return nil, err
	}

	s := &session{
		out:        out,
		stream:     stream,
		bridge:     bridge,
		dec:        dec,
		done:       make(chan struct{}),
		decodeDone: make(chan error, 1),
		baseMS:     baseMS,
	}

	p := decode.NewProducer(dec, prod, s.done)
	p.SetPending(pending)
	go func() {
		err := p.Run()
		s.decodeDone <- err
		if err != nil {
			return
		}
		select {
		case <-s.done:
			// Torn down; not a natural end of stream.
		default:
			e.enqueueTrackEnded()
		}
	}()

	if err := stream.Start(); err != nil {
		s.teardown()
		return nil, err
	}
	return s, nil
}
