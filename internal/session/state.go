package session

import "fmt"

// State is the lifecycle position of a session.
type State int32

const (
	StateOpen State = iota
	StateStreaming
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{StateOpen, StateStreaming, StateClosed, StateFailed} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// canTransition encodes OPEN -> STREAMING -> {CLOSED, FAILED}. STREAMING
// loops on itself per chunk and a session may end before its first chunk.
func canTransition(from, to State) bool {
	switch from {
	case StateOpen:
		return to == StateStreaming || to == StateClosed || to == StateFailed
	case StateStreaming:
		return to == StateStreaming || to == StateClosed || to == StateFailed
	default:
		return false
	}
}
