package engine

import (
	"log/slog"
	"time"

	"github.com/calliope-player/calliope/internal/meta"
)

// preloadThresholdMS is how close to the end of the current track the next
// track starts preloading.
const preloadThresholdMS = 10000

// preloadPollInterval drives the gapless preload check.
const preloadPollInterval = time.Second

// controlLoop is the single goroutine that mutates the pipeline. Control
// methods enqueue commands; the loop applies them in order.
func (e *Engine) controlLoop() {
	defer close(e.loopDone)

	ticker := time.NewTicker(preloadPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closed:
			e.teardownSession()
			return
		case cmd := <-e.commands:
			e.handle(cmd)
		case <-ticker.C:
			e.maybePreloadNext()
		}
	}
}

func (e *Engine) handle(cmd command) {
	if cmd.done != nil {
		defer close(cmd.done)
	}
	switch cmd.kind {
	case cmdPlay:
		e.rebuild(0)
	case cmdResume:
		e.mu.RLock()
		pos := e.pausedAtMS
		e.mu.RUnlock()
		e.rebuild(pos)
	case cmdPause:
		e.handlePause()
	case cmdStop:
		e.handleStop()
	case cmdSeek:
		e.handleSeek(cmd.positionMS)
	case cmdTrackEnded:
		e.handleTrackEnded()
	}
}

// rebuild tears down any live pipeline and starts a new one at startMS.
// On failure the state is left as it was, matching the validation the
// control method already did.
func (e *Engine) rebuild(startMS uint64) {
	e.teardownSession()

	e.mu.RLock()
	track := e.track
	e.mu.RUnlock()
	if track == nil {
		return
	}

	s, err := e.startSession(track.Path, startMS)
	if err != nil {
		slog.Error("starting playback failed", "path", track.Path, "error", err)
		return
	}

	e.mu.Lock()
	e.session = s
	e.state = StatePlaying
	e.mu.Unlock()
	e.broadcastState(StatePlaying)
}

// handlePause stops the stream but keeps the track and position. The
// device is released entirely; Resume rebuilds the pipeline.
func (e *Engine) handlePause() {
	pos := e.currentPosition()
	e.teardownSession()

	e.mu.Lock()
	e.pausedAtMS = pos
	e.state = StatePaused
	e.mu.Unlock()
	e.broadcastState(StatePaused)
}

func (e *Engine) handleStop() {
	e.teardownSession()

	e.mu.Lock()
	e.track = nil
	e.pausedAtMS = 0
	e.state = StateStopped
	e.mu.Unlock()
	e.broadcastState(StateStopped)
}

// handleSeek rebuilds the pipeline at the new position when playing. While
// paused only the stored position moves.
func (e *Engine) handleSeek(positionMS uint64) {
	e.mu.RLock()
	wasPlaying := e.state == StatePlaying
	track := e.track
	e.mu.RUnlock()
	if track == nil {
		return
	}

	if track.DurationMS > 0 && positionMS > track.DurationMS {
		positionMS = track.DurationMS
	}

	if wasPlaying {
		e.rebuild(positionMS)
		return
	}

	e.mu.Lock()
	e.pausedAtMS = positionMS
	e.mu.Unlock()
}

// handleTrackEnded swaps in the prebuffered next track when one is ready;
// otherwise playback winds down to stopped. Stale events from an already
// replaced pipeline are ignored.
func (e *Engine) handleTrackEnded() {
	e.mu.RLock()
	live := e.session != nil && e.state == StatePlaying
	e.mu.RUnlock()
	if !live {
		return
	}

	if pb := e.prebuf.Take(); pb != nil {
		e.teardownSession()

		s, err := e.startPrebuffered(pb)
		if err != nil {
			slog.Error("gapless transition failed", "path", pb.Path, "error", err)
			pb.close()
		} else {
			info := &TrackInfo{
				Path:       pb.Path,
				Metadata:   meta.ReadMetadata(pb.Path),
				Format:     pb.Format,
				DurationMS: pb.DurationMS,
			}
			e.mu.Lock()
			e.session = s
			e.track = info
			e.pausedAtMS = 0
			if e.nextPath == pb.Path {
				e.nextPath = ""
			}
			e.mu.Unlock()
			e.notifyCompletion()
			e.broadcastState(StatePlaying)
			return
		}
	}

	e.teardownSession()
	e.mu.Lock()
	e.track = nil
	e.pausedAtMS = 0
	e.state = StateStopped
	e.mu.Unlock()
	e.notifyCompletion()
	e.broadcastState(StateStopped)
}

// maybePreloadNext starts decoding the queued next track once the current
// one is close enough to its end.
func (e *Engine) maybePreloadNext() {
	e.mu.RLock()
	next := e.nextPath
	track := e.track
	playing := e.state == StatePlaying && e.session != nil
	e.mu.RUnlock()

	if next == "" || !playing || track == nil || track.DurationMS == 0 {
		return
	}
	if e.prebuf.Ready() {
		return
	}

	pos := e.currentPosition()
	if pos > track.DurationMS {
		pos = track.DurationMS
	}
	if track.DurationMS-pos > preloadThresholdMS {
		return
	}

	if err := e.prebuf.Preload(next); err != nil {
		slog.Warn("preloading next track failed", "path", next, "error", err)
		// Do not retry a broken file every tick.
		e.mu.Lock()
		if e.nextPath == next {
			e.nextPath = ""
		}
		e.mu.Unlock()
	}
}

func (e *Engine) currentPosition() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session != nil {
		return e.session.positionMS()
	}
	return e.pausedAtMS
}

func (e *Engine) teardownSession() {
	e.mu.Lock()
	s := e.session
	e.session = nil
	e.mu.Unlock()
	if s == nil {
		return
	}
	if err := s.teardown(); err != nil {
		slog.Error("tearing down playback pipeline", "error", err)
	}
}
