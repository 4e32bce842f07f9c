// Package engine drives audio playback. It owns the state machine, the
// control-command loop, and the per-track pipeline of decoder, ring buffer,
// optional resampler, and device stream. One engine plays one track at a
// time; gapless transitions hand the pipeline to a preloaded next track.
package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/calliope-player/calliope/internal/decode"
	"github.com/calliope-player/calliope/internal/meta"
	"github.com/calliope-player/calliope/internal/output"
)

var (
	// ErrInvalidOperation is returned for a control command that the
	// current state does not admit.
	ErrInvalidOperation = errors.New("operation not valid in current state")
	// ErrNoTrackLoaded is returned for control commands issued before any
	// track was loaded.
	ErrNoTrackLoaded = errors.New("no track loaded")
	// ErrEngineClosed is returned once Close has been called.
	ErrEngineClosed = errors.New("engine closed")
)

// TrackInfo describes the currently loaded track.
type TrackInfo struct {
	Path       string
	Metadata   meta.TrackMetadata
	Format     decode.Format
	DurationMS uint64
}

type commandKind int

const (
	cmdPlay commandKind = iota
	cmdPause
	cmdResume
	cmdStop
	cmdSeek
	cmdTrackEnded
)

type command struct {
	kind       commandKind
	positionMS uint64
	// done, when non-nil, is closed once the control loop has applied
	// the command.
	done chan struct{}
}

// Engine is the playback engine. All control methods are safe for
// concurrent use; they validate against the current state and hand the
// actual work to a single control goroutine.
type Engine struct {
	cfg output.Config

	mu         sync.RWMutex
	state      State
	track      *TrackInfo
	session    *session
	pausedAtMS uint64 // position while no stream is live
	nextPath   string

	commands  chan command
	closed    chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}

	subMu     sync.Mutex
	stateSubs []chan State
	doneSubs  []chan struct{}
	lastState State // last broadcast state, for priming new subscribers

	prebuf *Prebuffer

	// Pipeline construction, swappable in tests.
	startSession     func(path string, startMS uint64) (*session, error)
	startPrebuffered func(pb *PrebufferedTrack) (*session, error)
}

// New creates an engine and starts its control loop. The audio device is
// not touched until playback starts.
func New(cfg output.Config) *Engine {
	e := &Engine{
		cfg:      cfg,
		state:    StateStopped,
		commands: make(chan command, 32),
		closed:   make(chan struct{}),
		loopDone: make(chan struct{}),
		prebuf:   NewPrebuffer(),
	}
	e.startSession = e.newSession
	e.startPrebuffered = e.newPrebufferedSession
	go e.controlLoop()
	return e
}

// LoadTrack reads the file's format and tags and makes it the current
// track, replacing whatever was loaded before. A playing or paused track
// is stopped first.
func (e *Engine) LoadTrack(path string) error {
	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()

	// Stop goes through the control loop so it serializes behind any
	// queued commands; wait for the teardown before loading.
	if state == StatePlaying || state == StatePaused {
		done := make(chan struct{})
		if err := e.send(command{kind: cmdStop, done: done}); err != nil {
			return err
		}
		select {
		case <-done:
		case <-e.closed:
			return ErrEngineClosed
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// A concurrent caller may have restarted playback while we waited.
	if e.state != StateStopped && e.state != StateReady {
		return fmt.Errorf("loading while %s: %w", e.state, ErrInvalidOperation)
	}

	dec, err := decode.Open(path)
	if err != nil {
		return fmt.Errorf("loading track: %w", err)
	}
	format := dec.Format()
	durationMS, _ := dec.DurationMS()
	dec.Close()

	e.track = &TrackInfo{
		Path:       path,
		Metadata:   meta.ReadMetadata(path),
		Format:     format,
		DurationMS: durationMS,
	}
	e.pausedAtMS = 0
	e.state = StateReady
	e.broadcastState(StateReady)
	return nil
}

// Play starts playback of the loaded track, or resumes when paused.
func (e *Engine) Play() error {
	e.mu.RLock()
	state, hasTrack := e.state, e.track != nil
	e.mu.RUnlock()

	switch {
	case !hasTrack:
		return ErrNoTrackLoaded
	case state == StateReady:
		return e.send(command{kind: cmdPlay})
	case state == StatePaused:
		return e.send(command{kind: cmdResume})
	default:
		return fmt.Errorf("play while %s: %w", state, ErrInvalidOperation)
	}
}

// Pause suspends playback, retaining the position. Only a playing engine
// can pause, whether or not a track is loaded.
func (e *Engine) Pause() error {
	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()

	if state != StatePlaying {
		return fmt.Errorf("pause while %s: %w", state, ErrInvalidOperation)
	}
	return e.send(command{kind: cmdPause})
}

// Resume continues playback from the paused position.
func (e *Engine) Resume() error {
	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()

	if state != StatePaused {
		return fmt.Errorf("resume while %s: %w", state, ErrInvalidOperation)
	}
	return e.send(command{kind: cmdResume})
}

// Stop ends playback and unloads the track.
func (e *Engine) Stop() error {
	e.mu.RLock()
	state, hasTrack := e.state, e.track != nil
	e.mu.RUnlock()

	if !hasTrack {
		return ErrNoTrackLoaded
	}
	if state != StatePlaying && state != StatePaused {
		return fmt.Errorf("stop while %s: %w", state, ErrInvalidOperation)
	}
	return e.send(command{kind: cmdStop})
}

// Seek moves playback to positionMS. While paused only the position moves;
// the stream stays down until Resume.
func (e *Engine) Seek(positionMS uint64) error {
	e.mu.RLock()
	state, hasTrack := e.state, e.track != nil
	e.mu.RUnlock()

	if !hasTrack {
		return ErrNoTrackLoaded
	}
	if state != StatePlaying && state != StatePaused {
		return fmt.Errorf("seek while %s: %w", state, ErrInvalidOperation)
	}
	return e.send(command{kind: cmdSeek, positionMS: positionMS})
}

// SetNext names the track to preload for a gapless transition. An empty
// path clears it. Changing the path discards any already buffered audio.
func (e *Engine) SetNext(path string) {
	e.mu.Lock()
	if e.nextPath == path {
		e.mu.Unlock()
		return
	}
	e.nextPath = path
	e.mu.Unlock()
	e.prebuf.Discard()
}

// State returns the current playback state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Track returns the current track, if one is loaded.
func (e *Engine) Track() (TrackInfo, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.track == nil {
		return TrackInfo{}, false
	}
	return *e.track, true
}

// PositionMS returns the playback position of the loaded track.
func (e *Engine) PositionMS() (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.track == nil {
		return 0, false
	}
	if e.session != nil {
		return e.session.positionMS(), true
	}
	return e.pausedAtMS, true
}

// SubscribeStateChanges returns a channel carrying every state transition,
// primed with the current state. Slow subscribers drop updates rather than
// stall the engine.
func (e *Engine) SubscribeStateChanges() <-chan State {
	ch := make(chan State, 16)
	// Priming and registration happen under the broadcast lock so no
	// transition can slip between them.
	e.subMu.Lock()
	ch <- e.lastState
	e.stateSubs = append(e.stateSubs, ch)
	e.subMu.Unlock()
	return ch
}

// SubscribeTrackCompletion returns a channel that receives a signal each
// time a track plays to its natural end.
func (e *Engine) SubscribeTrackCompletion() <-chan struct{} {
	ch := make(chan struct{}, 4)
	e.subMu.Lock()
	e.doneSubs = append(e.doneSubs, ch)
	e.subMu.Unlock()
	return ch
}

// Close tears down any live pipeline and stops the control loop.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.closed) })
	<-e.loopDone
	e.prebuf.Discard()
}

func (e *Engine) send(cmd command) error {
	// The commands channel is buffered, so check for shutdown first.
	select {
	case <-e.closed:
		return ErrEngineClosed
	default:
	}
	select {
	case e.commands <- cmd:
		return nil
	case <-e.closed:
		return ErrEngineClosed
	}
}

// enqueueTrackEnded is called from the decode goroutine when a stream
// reaches its natural end.
func (e *Engine) enqueueTrackEnded() {
	select {
	case e.commands <- command{kind: cmdTrackEnded}:
	case <-e.closed:
	}
}

func (e *Engine) broadcastState(s State) {
	e.subMu.Lock()
	e.lastState = s
	subs := make([]chan State, len(e.stateSubs))
	copy(subs, e.stateSubs)
	e.subMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (e *Engine) notifyCompletion() {
	e.subMu.Lock()
	subs := make([]chan struct{}, len(e.doneSubs))
	copy(subs, e.doneSubs)
	e.subMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
