package webchat

// State is the lifecycle position of one connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateAuthenticating
	StateReady
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// canTransition reports whether from -> to is a legal edge. Closed is reachable from anywhere.
func canTransition(from, to State) bool {
	if to == StateClosed {
		return from != StateClosed
	}
	switch from {
	case StateConnecting:
		return to == StateOpen
	case StateOpen:
		return to == StateAuthenticating || to == StateReady
	case StateAuthenticating:
		return to == StateReady
	case StateReady:
		return to == StateStreaming
	case StateStreaming:
		return to == StateReady
	default:
		return false
	}
}
