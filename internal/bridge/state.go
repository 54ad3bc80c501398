package bridge

import "fmt"

// State is the lifecycle state of a [Session]. States only move forward:
// Idle → ConnectingRemote → Active → Finished → Closed, with Closed reachable
// from every state.
type State int32

const (
	// StateIdle is the state of a session that has not been started.
	StateIdle State = iota

	// StateConnectingRemote means the remote model handshake is in flight.
	// Inbound audio is dropped in this state.
	StateConnectingRemote

	// StateActive means audio is relayed in both directions.
	StateActive

	// StateFinished means a verdict was delivered and teardown is scheduled.
	// Remote audio still reaches the caller; caller audio is dropped.
	StateFinished

	// StateClosed means all resources were released.
	StateClosed
)

var stateNames = [...]string{
	StateIdle:             "idle",
	StateConnectingRemote: "connecting_remote",
	StateActive:           "active",
	StateFinished:         "finished",
	StateClosed:           "closed",
}

// String returns the snake_case name of the state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText implements [encoding.TextMarshaler] so states serialise by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("bridge: unknown state %q", text)
}
