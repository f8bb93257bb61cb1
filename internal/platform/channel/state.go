package channel

// State is the lifecycle state of a notification channel connection.
// Each transport owns its state exclusively; it is never shared between
// transports.
type State uint8

const (
	// StateDisconnected is the initial state, and the state after an
	// explicit Disconnect or a connect failure.
	StateDisconnected State = iota
	// StateConnecting is set while an initial Connect is dialing.
	StateConnecting
	// StateConnected is set while a live socket is attached.
	StateConnected
	// StateReconnecting is set while the transport retries after an
	// unexpected disconnect.
	StateReconnecting
	// StateFailed is terminal: reconnection attempts were exhausted.
	StateFailed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
