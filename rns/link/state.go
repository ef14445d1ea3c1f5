package link

// State is the lifecycle of a link.
//
//	Requested -> Handshaking -> Active -> Closed
//	any non-terminal state -> TimedOut
type State uint8

const (
	StateRequested State = iota
	StateHandshaking
	StateActive
	StateClosed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateClosed || s == StateTimedOut }
