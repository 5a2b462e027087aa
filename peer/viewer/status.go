package viewer

import "fmt"

// Status is the viewer-facing summary of the agent.
type Status int

const (
	StatusIdle Status = iota
	StatusJoining
	// StatusWaiting means the room has no broadcaster yet.
	StatusWaiting
	StatusConnecting
	StatusConnected
	StatusBroadcasterLeft
	StatusFailed
	StatusLeft
)

var statusNames = [...]string{
	StatusIdle:            "idle",
	StatusJoining:         "joining",
	StatusWaiting:         "waiting-broadcaster",
	StatusConnecting:      "connecting",
	StatusConnected:       "connected",
	StatusBroadcasterLeft: "broadcaster-left",
	StatusFailed:          "failed",
	StatusLeft:            "left",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}
