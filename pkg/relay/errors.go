package relay

import (
	"errors"

	"github.com/evacsys/iotrelay/pkg/keepalive"
	"github.com/evacsys/iotrelay/pkg/protocol"
	"github.com/gorilla/websocket"
)

var (
	// ErrDeviceDisconnected is returned when the device connection is closed or broken
	ErrDeviceDisconnected = errors.New("device disconnected")

	// ErrMalformedMessage is returned when a device frame cannot be parsed
	ErrMalformedMessage = protocol.ErrMalformedMessage

	// ErrKeepaliveFailure is returned when the device stops answering probes
	ErrKeepaliveFailure = keepalive.ErrKeepaliveFailure

	// ErrTooManyForwardFailures is returned when consecutive forward calls keep failing
	ErrTooManyForwardFailures = errors.New("too many consecutive forward failures")

	// ErrRelayBusy is reported to the device when its dispatch queue is full
	ErrRelayBusy = errors.New("relay busy")

	// ErrConnClosed is returned when writing to a closed device connection
	ErrConnClosed = errors.New("connection closed")

	// ErrServerShuttingDown is returned when the server no longer accepts sessions
	ErrServerShuttingDown = errors.New("server is shutting down")
)

// CodeRelayBusy is the error frame code for messages rejected by a full queue
const CodeRelayBusy = "relay_busy"

// closeCode maps the reason a session ended to the close frame sent to the device
func closeCode(reason error) (int, string) {
	switch {
	case reason == nil:
		return websocket.CloseGoingAway, "relay shutting down"
	case errors.Is(reason, ErrDeviceDisconnected):
		return websocket.CloseNormalClosure, ""
	case errors.Is(reason, ErrMalformedMessage):
		return websocket.CloseInvalidFramePayloadData, "malformed message"
	case errors.Is(reason, ErrKeepaliveFailure):
		return websocket.ClosePolicyViolation, "keepalive failure"
	case errors.Is(reason, ErrTooManyForwardFailures):
		return websocket.CloseTryAgainLater, "downstream unreachable"
	default:
		return websocket.CloseInternalServerErr, "session error"
	}
}

// terminationReason returns a short label for metrics and logs
func terminationReason(reason error) string {
	switch {
	case reason == nil:
		return "shutdown"
	case errors.Is(reason, ErrDeviceDisconnected):
		return "disconnected"
	case errors.Is(reason, ErrMalformedMessage):
		return "malformed"
	case errors.Is(reason, ErrKeepaliveFailure):
		return "keepalive"
	case errors.Is(reason, ErrTooManyForwardFailures):
		return "downstream"
	default:
		return "error"
	}
}
