package transport

// State is the lifecycle position of the broker connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Subscribing
	Running
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Subscribing:
		return "subscribing"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}
