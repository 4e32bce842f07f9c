package output

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/calliope-player/calliope/internal/ring"
)

// Stream is a running playback stream on a device. The device thread pulls
// samples from the ring buffer through a format-specific callback;
// everything else happens off the realtime path.
type Stream struct {
	device   *malgo.Device
	rate     uint32
	channels uint32
	frames   atomic.Uint64
	started  bool
}

// CreateStream opens a device stream with the negotiated configuration.
// Each callback slot is filled with one sample popped from src; when the
// ring underruns the remainder of the period is silence.
func (o *Output) CreateStream(sc StreamConfig, src *ring.Consumer) (*Stream, error) {
	fill := fillFunc(sc.Format)
	if fill == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedSampleFormat, sc.Format)
	}

	s := &Stream{rate: sc.SampleRate, channels: sc.Channels}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = sc.Format
	deviceConfig.Playback.Channels = sc.Channels
	deviceConfig.Playback.DeviceID = o.device.ID.Pointer()
	deviceConfig.SampleRate = sc.SampleRate
	deviceConfig.PeriodSizeInMilliseconds = o.cfg.BufferDurationMS
	if o.cfg.ExclusiveMode {
		deviceConfig.Playback.ShareMode = malgo.Exclusive
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, frameCount uint32) {
			fill(pOutput, src, int(frameCount*sc.Channels))
			s.frames.Add(uint64(frameCount))
		},
	}

	device, err := malgo.InitDevice(o.ctx.Context, deviceConfig, callbacks)
	if err != nil && o.cfg.ExclusiveMode {
		// Exclusive access is frequently refused; retry shared.
		slog.Warn("exclusive mode refused, falling back to shared",
			"device", o.DeviceName(), "error", err)
		deviceConfig.Playback.ShareMode = malgo.Shared
		device, err = malgo.InitDevice(o.ctx.Context, deviceConfig, callbacks)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing device stream: %w", err)
	}

	s.device = device
	return s, nil
}

// Start begins pulling samples on the device thread.
func (s *Stream) Start() error {
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	s.started = true
	return nil
}

// FramesPlayed returns the number of device frames delivered since the
// stream was created.
func (s *Stream) FramesPlayed() uint64 {
	return s.frames.Load()
}

// SampleRate returns the device rate the stream runs at.
func (s *Stream) SampleRate() uint32 { return s.rate }

// Close stops the device and releases it.
func (s *Stream) Close() {
	if s.started {
		if err := s.device.Stop(); err != nil {
			slog.Warn("stopping stream", "error", err)
		}
		s.started = false
	}
	s.device.Uninit()
}

// fillFunc returns the callback body for a device sample format, or nil
// when the format is not supported.
func fillFunc(format malgo.FormatType) func(out []byte, src *ring.Consumer, slots int) {
	switch format {
	case malgo.FormatF32:
		return fillF32
	case malgo.FormatS32:
		return fillS32
	case malgo.FormatS24:
		return fillS24
	case malgo.FormatS16:
		return fillS16
	case malgo.FormatU8:
		return fillU8
	}
	return nil
}

func fillF32(out []byte, src *ring.Consumer, slots int) {
	for i := 0; i < slots; i++ {
		s, err := src.Pop()
		if err != nil {
			s = 0
		}
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(clampSample(s)))
	}
}

func fillS32(out []byte, src *ring.Consumer, slots int) {
	for i := 0; i < slots; i++ {
		s, err := src.Pop()
		if err != nil {
			s = 0
		}
		binary.LittleEndian.PutUint32(out[i*4:], uint32(sampleToS32(s)))
	}
}

func fillS24(out []byte, src *ring.Consumer, slots int) {
	for i := 0; i < slots; i++ {
		s, err := src.Pop()
		if err != nil {
			s = 0
		}
		v := sampleToS32(s) >> 8
		out[i*3] = byte(v)
		out[i*3+1] = byte(v >> 8)
		out[i*3+2] = byte(v >> 16)
	}
}

func fillS16(out []byte, src *ring.Consumer, slots int) {
	for i := 0; i < slots; i++ {
		s, err := src.Pop()
		if err != nil {
			s = 0
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sampleToS16(s)))
	}
}

func fillU8(out []byte, src *ring.Consumer, slots int) {
	for i := 0; i < slots; i++ {
		s, err := src.Pop()
		if err != nil {
			s = 0
		}
		out[i] = sampleToU8(s)
	}
}
