package client

import "fmt"

// Phase identifies where the connection is in its lifecycle.
type Phase int

const (
	// PhaseInitial means no connection has been requested, or a
	// deliberate disconnect finished.
	PhaseInitial Phase = iota
	// PhaseConnecting means the session is dialing or redialing.
	PhaseConnecting
	// PhaseConnectionFailed means the session gave up after exhausting
	// its redial budget.
	PhaseConnectionFailed
	// PhaseConnected means the session is live.
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseInitial:
		return "initial"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnectionFailed:
		return "connection_failed"
	case PhaseConnected:
		return "connected"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ConnectionState is the single authoritative connection status. Reason is
// set only in PhaseConnectionFailed. IsAdmin and Username are set only in
// PhaseConnected; every transition out of PhaseConnected clears them.
type ConnectionState struct {
	Phase    Phase
	Reason   string
	IsAdmin  bool
	Username string
}

// Initial returns the idle, never-connected state.
func Initial() ConnectionState {
	return ConnectionState{Phase: PhaseInitial}
}

// Connecting returns the dialing state.
func Connecting() ConnectionState {
	return ConnectionState{Phase: PhaseConnecting}
}

// ConnectionFailed returns the gave-up state with the terminal reason.
func ConnectionFailed(reason string) ConnectionState {
	return ConnectionState{Phase: PhaseConnectionFailed, Reason: reason}
}

// Connected returns the live state.
func Connected(isAdmin bool, username string) ConnectionState {
	return ConnectionState{Phase: PhaseConnected, IsAdmin: isAdmin, Username: username}
}

func (s ConnectionState) String() string {
	switch s.Phase {
	case PhaseConnectionFailed:
		return fmt.Sprintf("connection_failed(%s)", s.Reason)
	case PhaseConnected:
		if s.IsAdmin {
			return fmt.Sprintf("connected(admin:%s)", s.Username)
		}
		return "connected"
	default:
		return s.Phase.String()
	}
}
