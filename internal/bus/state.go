package bus

// State is the lifecycle position of a Consumer.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateSubscribed
	StateRunning
	StateDisconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateRunning:
		return "running"
	case StateDisconnecting:
		return "disconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
