package syncendpoint

// State is the channel lifecycle. Failures return straight to Closed.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Logger interface {
	Printf(format string, args ...any)
}
