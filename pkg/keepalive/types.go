package keepalive

import (
	"fmt"
	"time"
)

// State is the state of a keepalive monitor
type State int32

const (
	StateIdle State = iota
	StateProbeSent
	StateAwaitingPong
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbeSent:
		return "probe_sent"
	case StateAwaitingPong:
		return "awaiting_pong"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Reply is a keepalive-channel frame seen by the session reader.
// Err is set when the receive itself failed.
type Reply struct {
	Type string
	Err  error
}

// Sender writes a JSON value to the device connection.
// Implementations must be safe for concurrent use with other writers.
type Sender interface {
	SendJSON(v interface{}) error
}

// Config holds monitor configuration
type Config struct {
	// Interval is the pause after a pong before the next probe
	Interval time.Duration
	// Timeout is the maximum wait for a pong
	Timeout time.Duration
}

// Event types emitted by the monitor
const (
	EventProbe  = "keepalive.probe"
	EventPong   = "keepalive.pong"
	EventFailed = "keepalive.failed"
)

// Event is emitted on monitor transitions
type Event struct {
	Type      string
	Timestamp time.Time
	Data      map[string]interface{}
}

// EventHandler handles monitor events
type EventHandler func(event Event)

// DefaultConfig returns default monitor configuration
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Second,
		Timeout:  10 * time.Second,
	}
}
