package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/evacsys/iotrelay/internal/tracing"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultAddress is the downstream endpoint used when none is configured
const DefaultAddress = "ws://localhost:5000/ws"

// Config holds forwarder configuration
type Config struct {
	Address     string
	Timeout     time.Duration
	DialRetries int
	// RetryInterval is the initial backoff between dial attempts
	RetryInterval time.Duration
	Logger        zerolog.Logger
}

// Forwarder sends one message to the downstream server per call and returns its reply.
// Every call uses its own connection.
type Forwarder struct {
	address       string
	timeout       time.Duration
	dialRetries   int
	retryInterval time.Duration
	dialer        *websocket.Dialer
	logger        zerolog.Logger
}

// New creates a new Forwarder
func New(cfg Config) (*Forwarder, error) {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	u, err := url.Parse(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid downstream address: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid downstream address %q: scheme must be ws or wss", cfg.Address)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.DialRetries < 0 {
		cfg.DialRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}

	return &Forwarder{
		address:       cfg.Address,
		timeout:       cfg.Timeout,
		dialRetries:   cfg.DialRetries,
		retryInterval: cfg.RetryInterval,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Timeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
		logger: cfg.Logger.With().Str("component", "forwarder").Logger(),
	}, nil
}

// Address returns the downstream address
func (f *Forwarder) Address() string {
	return f.address
}

// Timeout returns the bound on one forward call
func (f *Forwarder) Timeout() time.Duration {
	return f.timeout
}

// Forward sends message to the downstream server and waits for exactly one reply.
// The whole call, dial included, is bounded by the forward timeout.
func (f *Forwarder) Forward(ctx context.Context, message []byte) ([]byte, error) {
	ctx, span := tracing.StartSpan(ctx, "relay.forward",
		attribute.String("downstream.address", f.address),
		attribute.Int("message.size", len(message)),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, f.logger)
	started := time.Now()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	reply, err := f.roundTrip(ctx, message)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorCode(err))
		logger.Warn().
			Err(err).
			Str("downstream", f.address).
			Dur("duration", time.Since(started)).
			Msg("Forward failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("reply.size", len(reply)))
	logger.Debug().
		Str("downstream", f.address).
		Dur("duration", time.Since(started)).
		Int("replySize", len(reply)).
		Msg("Forward completed")

	return reply, nil
}

func (f *Forwarder) roundTrip(ctx context.Context, message []byte) ([]byte, error) {
	conn, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// Unblock reads and writes when the caller goes away before the deadline.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}

	if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
		return nil, f.classify(ctx, fmt.Errorf("failed to send message: %w", err), ErrDownstreamUnavailable)
	}

	msgType, reply, err := conn.ReadMessage()
	if err != nil {
		return nil, f.classify(ctx, fmt.Errorf("failed to read reply: %w", err), ErrDownstreamProtocol)
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("%w: expected text frame, got frame type %d", ErrDownstreamProtocol, msgType)
	}
	if !json.Valid(reply) {
		return nil, fmt.Errorf("%w: reply is not valid JSON", ErrDownstreamProtocol)
	}

	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)

	return reply, nil
}

// dial connects to the downstream server, retrying at most dialRetries times
func (f *Forwarder) dial(ctx context.Context) (*websocket.Conn, error) {
	header := tracing.InjectHeader(ctx, nil)

	var conn *websocket.Conn
	attempt := 0
	operation := func() error {
		attempt++
		c, resp, err := f.dialer.DialContext(ctx, f.address, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.retryInterval
	policy.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		f.logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("retryIn", wait).
			Msg("Downstream dial failed, retrying")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(f.dialRetries)), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return nil, f.classify(ctx, fmt.Errorf("failed to connect to %s after %d attempt(s): %w", f.address, attempt, err), ErrDownstreamUnavailable)
	}

	return conn, nil
}

// classify wraps err with ErrDownstreamTimeout when the deadline expired, otherwise with fallback
func (f *Forwarder) classify(ctx context.Context, err error, fallback error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrDownstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", fallback, err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
