package agent

// State is the controller's speaking state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
	StateEnded
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EndReason says why a call session ended.
type EndReason string

const (
	EndByUser       EndReason = "user"
	EndByInactivity EndReason = "inactivity"
	EndByCapability EndReason = "capability"
	EndByShutdown   EndReason = "shutdown"
)
