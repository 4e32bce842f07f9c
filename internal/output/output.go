// Package output owns the audio device. It enumerates playback devices via
// miniaudio, negotiates a stream configuration against the device's native
// formats, and runs the realtime callback that drains the ring buffer.
package output

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/calliope-player/calliope/internal/decode"
)

var (
	// ErrNoDevice is returned when no playback device is available.
	ErrNoDevice = errors.New("no playback device available")
	// ErrUnsupportedSampleFormat is returned by CreateStream for device
	// formats the callback cannot fill.
	ErrUnsupportedSampleFormat = errors.New("unsupported device sample format")
)

// Config selects and shapes the output device.
type Config struct {
	// Device is matched against device names; empty selects the default
	// playback device.
	Device string
	// SampleRate forces the device rate; 0 follows the source material.
	SampleRate uint32
	// BufferDurationMS sizes the device period.
	BufferDurationMS uint32
	// ExclusiveMode requests exclusive access, falling back to shared
	// when the backend refuses.
	ExclusiveMode bool
}

// DefaultConfig mirrors the settings file defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate:       0,
		BufferDurationMS: 50,
		ExclusiveMode:    true,
	}
}

// StreamConfig is the negotiated shape of a device stream.
type StreamConfig struct {
	SampleRate uint32
	Channels   uint32
	Format     malgo.FormatType
}

// Output holds an initialized audio context bound to one playback device.
type Output struct {
	ctx     *malgo.AllocatedContext
	cfg     Config
	device  malgo.DeviceInfo
	formats []malgo.DataFormat
}

// New initializes the audio backend and picks a playback device. The
// returned Output must be closed.
func New(cfg Config) (*Output, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}

	devices, err := ctx.Devices(malgo.Playback)
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("enumerating playback devices: %w", err)
	}
	if len(devices) == 0 {
		ctx.Uninit()
		ctx.Free()
		return nil, ErrNoDevice
	}

	chosen, ok := pickDevice(devices, cfg.Device)
	if !ok {
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("%w: no device matching %q", ErrNoDevice, cfg.Device)
	}

	// The enumeration list carries no format details; ask for the full
	// device record. Failure here is not fatal, we just lose the native
	// format list and negotiate blind.
	var formats []malgo.DataFormat
	if full, err := ctx.DeviceInfo(malgo.Playback, chosen.ID, malgo.Shared); err == nil {
		formats = full.Formats
	} else {
		slog.Warn("querying device formats failed", "device", chosen.Name(), "error", err)
	}

	slog.Debug("playback device selected", "device", chosen.Name(), "formats", len(formats))
	return &Output{ctx: ctx, cfg: cfg, device: chosen, formats: formats}, nil
}

// pickDevice returns the device whose name contains filter, or the default
// device when filter is empty.
func pickDevice(devices []malgo.DeviceInfo, filter string) (malgo.DeviceInfo, bool) {
	if filter != "" {
		needle := strings.ToLower(filter)
		for _, d := range devices {
			if strings.Contains(strings.ToLower(d.Name()), needle) {
				return d, true
			}
		}
		return malgo.DeviceInfo{}, false
	}
	for _, d := range devices {
		if d.IsDefault != 0 {
			return d, true
		}
	}
	return devices[0], true
}

// DeviceName returns the human-readable name of the selected device.
func (o *Output) DeviceName() string {
	return o.device.Name()
}

// OptimalConfig negotiates a stream configuration for the given source
// signal. It prefers an exact sample-rate and channel match; otherwise it
// takes the highest-rate native format that carries at least the source's
// channel count. The second return reports whether the source must be
// resampled to feed the stream.
func (o *Output) OptimalConfig(src decode.Format) (StreamConfig, bool) {
	target := src.SampleRate
	if o.cfg.SampleRate != 0 {
		target = o.cfg.SampleRate
	}
	sc := pickConfig(o.formats, src, target)
	return sc, sc.SampleRate != src.SampleRate
}

// formatRank orders sample formats by fidelity.
func formatRank(f malgo.FormatType) int {
	switch f {
	case malgo.FormatF32:
		return 4
	case malgo.FormatS32:
		return 3
	case malgo.FormatS24:
		return 2
	case malgo.FormatS16:
		return 1
	case malgo.FormatU8:
		return 0
	}
	return -1
}

// pickConfig selects among the device's native data formats. A zero sample
// rate or channel count in a native format means the device accepts any
// value there.
func pickConfig(formats []malgo.DataFormat, src decode.Format, target uint32) StreamConfig {
	if len(formats) == 0 {
		// No native format list; let the backend convert.
		return StreamConfig{SampleRate: target, Channels: src.Channels, Format: malgo.FormatF32}
	}

	channelsOf := func(f malgo.DataFormat) uint32 {
		if f.Channels == 0 {
			return src.Channels
		}
		return f.Channels
	}

	// First pass: exact rate and channel match, best format wins.
	var exact *malgo.DataFormat
	for i := range formats {
		f := &formats[i]
		if f.SampleRate != 0 && f.SampleRate != target {
			continue
		}
		if channelsOf(*f) != src.Channels {
			continue
		}
		if exact == nil || formatRank(f.Format) > formatRank(exact.Format) {
			exact = f
		}
	}
	if exact != nil {
		return StreamConfig{SampleRate: target, Channels: src.Channels, Format: exact.Format}
	}

	// Second pass: highest rate that can carry all source channels.
	var best *malgo.DataFormat
	var bestRate uint32
	for i := range formats {
		f := &formats[i]
		if channelsOf(*f) < src.Channels {
			continue
		}
		rate := f.SampleRate
		if rate == 0 {
			rate = target
		}
		if best == nil || rate > bestRate ||
			(rate == bestRate && formatRank(f.Format) > formatRank(best.Format)) {
			best, bestRate = f, rate
		}
	}
	if best == nil {
		// Nothing fits the channel count; fall back to the first format
		// and let the callback interleave as best it can.
		best, bestRate = &formats[0], formats[0].SampleRate
		if bestRate == 0 {
			bestRate = target
		}
	}
	return StreamConfig{SampleRate: bestRate, Channels: channelsOf(*best), Format: best.Format}
}

// Close releases the audio context. Streams created from this Output must
// be closed first.
func (o *Output) Close() {
	o.ctx.Uninit()
	o.ctx.Free()
}
