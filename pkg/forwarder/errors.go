package forwarder

import "errors"

var (
	// ErrDownstreamUnavailable is returned when the downstream connection cannot be established
	ErrDownstreamUnavailable = errors.New("downstream unavailable")

	// ErrDownstreamTimeout is returned when no reply arrives within the forward timeout
	ErrDownstreamTimeout = errors.New("downstream timeout")

	// ErrDownstreamProtocol is returned when the downstream reply is not a JSON text frame
	ErrDownstreamProtocol = errors.New("downstream protocol error")
)

// ErrorCode maps a forward error to the code reported to devices
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrDownstreamUnavailable):
		return "downstream_unavailable"
	case errors.Is(err, ErrDownstreamTimeout):
		return "downstream_timeout"
	case errors.Is(err, ErrDownstreamProtocol):
		return "downstream_protocol_error"
	default:
		return "internal_error"
	}
}

// ErrorMessage returns a device-safe description of a forward error.
// Wrapped details such as the downstream address are left out.
func ErrorMessage(err error) string {
	for _, sentinel := range []error{ErrDownstreamUnavailable, ErrDownstreamTimeout, ErrDownstreamProtocol} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "internal error"
}
