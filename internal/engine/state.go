package engine

// State is the playback state of the engine.
type State int32

const (
	// StateStopped means no track is loaded.
	StateStopped State = iota
	// StateReady means a track is loaded but not playing.
	StateReady
	// StateBuffering means the pipeline is being prepared.
	StateBuffering
	// StatePlaying means audio is flowing to the device.
	StatePlaying
	// StatePaused means playback is suspended with position retained.
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateReady:
		return "ready"
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	}
	return "unknown"
}
