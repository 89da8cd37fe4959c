package keepalive

import "errors"

var (
	// ErrKeepaliveFailure is returned when a probe is not answered with a pong
	ErrKeepaliveFailure = errors.New("keepalive failure")

	// ErrPongTimeout is returned when no reply arrives within the keepalive timeout
	ErrPongTimeout = errors.New("no pong before timeout")

	// ErrUnexpectedReply is returned when a probe is answered with something other than a pong
	ErrUnexpectedReply = errors.New("unexpected reply to probe")
)
