package machine

import "time"

type State string

const (
	StateDisconnected     State = "disconnected"
	StateConnectedIdle    State = "connected_idle"
	StateConnectedReading State = "connected_reading"
)

// Signal is the desired pair read from the command file.
type Signal struct {
	Connect   bool `json:"connect"`
	ReadStart bool `json:"read_start"`
}

type Status struct {
	State           State     `json:"state"`
	TaskID          string    `json:"task_id,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	Connections     int       `json:"connections"`
	Transitions     int       `json:"transitions"`
	LastStateChange time.Time `json:"last_state_change"`
}
