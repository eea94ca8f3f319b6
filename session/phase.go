package session

import "fmt"

// Phase is the connection lifecycle state of a Manager.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseReconnecting
	PhaseDisconnecting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseConnecting:
		return "Connecting"
	case PhaseConnected:
		return "Connected"
	case PhaseReconnecting:
		return "Reconnecting"
	case PhaseDisconnecting:
		return "Disconnecting"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}
