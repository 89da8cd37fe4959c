package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evacsys/iotrelay/internal/metrics"
	"github.com/evacsys/iotrelay/internal/observability"
	"github.com/evacsys/iotrelay/internal/tracing"
	"github.com/evacsys/iotrelay/pkg/forwarder"
	"github.com/evacsys/iotrelay/pkg/keepalive"
	"github.com/evacsys/iotrelay/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Forwarder relays one device message downstream and returns the reply
type Forwarder interface {
	Forward(ctx context.Context, message []byte) ([]byte, error)
}

// SessionConfig holds per-session settings
type SessionConfig struct {
	Forwarder Forwarder
	Keepalive keepalive.Config

	// MaxConsecutiveFailures tears the session down after this many forward
	// failures in a row. Zero disables the limit.
	MaxConsecutiveFailures int

	// QueueSize bounds messages waiting for the dispatcher
	QueueSize int

	Registry *DeviceRegistry
	Metrics  *metrics.Metrics
	Audit    *observability.AuditLogger // optional
	Logger   zerolog.Logger
}

// Session owns one device connection from upgrade to teardown
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	conn      *Conn
	forwarder Forwarder
	monitor   *keepalive.Monitor
	registry  *DeviceRegistry
	metrics   *metrics.Metrics
	audit     *observability.AuditLogger
	logger    zerolog.Logger

	maxFailures int
	queueSize   int
	failures    int

	mu           sync.RWMutex
	deviceID     string
	lastActivity time.Time

	causeMu sync.Mutex
	cause   error

	stopKeepalive    func()
	keepaliveOnce    sync.Once
	keepaliveCancels atomic.Int32
	ran              atomic.Bool
}

// NewSession creates a session for an upgraded device connection
func NewSession(conn *Conn, cfg SessionConfig) (*Session, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if cfg.Forwarder == nil {
		return nil, fmt.Errorf("forwarder is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.MaxConsecutiveFailures < 0 {
		cfg.MaxConsecutiveFailures = 0
	}

	now := time.Now()
	id := tracing.NewSessionID()
	logger := cfg.Logger.With().
		Str("component", "session").
		Str("session_id", id).
		Logger()

	s := &Session{
		ID:           id,
		RemoteAddr:   conn.RemoteAddr(),
		ConnectedAt:  now,
		conn:         conn,
		forwarder:    cfg.Forwarder,
		registry:     cfg.Registry,
		metrics:      cfg.Metrics,
		audit:        cfg.Audit,
		logger:       logger,
		maxFailures:  cfg.MaxConsecutiveFailures,
		queueSize:    cfg.QueueSize,
		lastActivity: now,
	}
	s.monitor = keepalive.NewMonitor(conn, cfg.Keepalive, logger)
	s.monitor.On(keepalive.EventProbe, func(keepalive.Event) {
		s.metrics.KeepaliveProbesTotal.Inc()
	})

	return s, nil
}

// DeviceID returns the device identifier, empty until the device identifies itself
func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

// LastActivity returns when the last frame was received
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// KeepaliveState returns the state of the session's keepalive monitor
func (s *Session) KeepaliveState() keepalive.State {
	return s.monitor.State()
}

// KeepaliveCancellations returns how many times the keepalive task was cancelled
func (s *Session) KeepaliveCancellations() int {
	return int(s.keepaliveCancels.Load())
}

// Run serves the device until it disconnects, misbehaves, or ctx is cancelled.
// Peer disconnects and cancellation return nil; every other exit returns the
// error that ended the session. The connection is closed when Run returns.
func (s *Session) Run(ctx context.Context) error {
	if !s.ran.CompareAndSwap(false, true) {
		return fmt.Errorf("session %s already ran", s.ID)
	}

	ctx = tracing.WithSessionID(ctx, s.ID)

	keepaliveCtx, cancelKeepalive := context.WithCancel(context.WithoutCancel(ctx))
	s.stopKeepalive = func() {
		s.keepaliveOnce.Do(func() {
			s.keepaliveCancels.Add(1)
			cancelKeepalive()
		})
	}

	s.metrics.SessionsActive.Inc()
	s.metrics.SessionsTotal.Inc()
	s.logger.Info().Str("remoteAddr", s.RemoteAddr).Msg("Device connected")

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, s.shutdown)
	defer stop()

	queue := make(chan *protocol.Envelope, s.queueSize)

	g.Go(func() error {
		return s.record(s.monitor.Run(keepaliveCtx))
	})
	g.Go(func() error {
		return s.record(s.readLoop(gctx, queue))
	})
	g.Go(func() error {
		return s.record(s.dispatchLoop(gctx, queue))
	})

	_ = g.Wait()
	s.shutdown()

	reason := s.reason()
	s.teardown(ctx, reason)

	if reason == nil || errors.Is(reason, ErrDeviceDisconnected) {
		return nil
	}
	return reason
}

// record remembers the first error that ended the session. A transport
// error seen by the reader takes precedence over a keepalive failure.
func (s *Session) record(err error) error {
	if err == nil {
		return nil
	}

	s.causeMu.Lock()
	switch {
	case s.cause == nil:
		s.cause = err
	case errors.Is(err, ErrDeviceDisconnected) && errors.Is(s.cause, ErrKeepaliveFailure):
		// a probe that failed because the peer went away is a disconnect
		s.cause = err
	}
	s.causeMu.Unlock()
	return err
}

func (s *Session) reason() error {
	s.causeMu.Lock()
	defer s.causeMu.Unlock()
	return s.cause
}

// shutdown cancels the keepalive task and closes the device connection.
// It runs as soon as the session context is done and again after all
// goroutines have returned; both steps only take effect once.
func (s *Session) shutdown() {
	s.stopKeepalive()

	code, text := closeCode(s.reason())
	_ = s.conn.CloseWith(code, text)
}

func (s *Session) teardown(ctx context.Context, reason error) {
	deviceID := s.DeviceID()
	if deviceID != "" && s.registry.Remove(deviceID, s) {
		s.metrics.DevicesRegistered.Set(float64(s.registry.Count()))
	}

	label := terminationReason(reason)
	duration := time.Since(s.ConnectedAt)

	s.metrics.SessionsActive.Dec()
	s.metrics.SessionDuration.Observe(duration.Seconds())
	s.metrics.SessionsTerminated.WithLabelValues(label).Inc()

	if errors.Is(reason, keepalive.ErrKeepaliveFailure) {
		s.metrics.KeepaliveFailuresTotal.WithLabelValues(keepaliveFailureReason(reason)).Inc()
	}

	status := "success"
	event := s.logger.Info()
	if reason != nil && !errors.Is(reason, ErrDeviceDisconnected) {
		status = "failure"
		event = s.logger.Warn().Err(reason)
	}
	s.audit.RecordDevice(ctx, "session_ended", deviceID, status, map[string]interface{}{
		"reason":      label,
		"remote_addr": s.RemoteAddr,
		"duration_ms": duration.Milliseconds(),
	})
	event.
		Str("deviceId", deviceID).
		Str("reason", label).
		Dur("duration", duration).
		Msg("Device session ended")
}

// readLoop is the only reader of the device connection. Forwardable
// messages go to the dispatcher in arrival order; everything else goes to
// the keepalive monitor.
func (s *Session) readLoop(ctx context.Context, queue chan<- *protocol.Envelope) error {
	for {
		msgType, data, err := s.conn.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// the monitor is stopped through cancellation, so a pending
			// probe never reports this as a keepalive failure
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("Unexpected close from device")
			}
			return fmt.Errorf("%w: %v", ErrDeviceDisconnected, err)
		}

		s.touch()

		if msgType != websocket.TextMessage {
			s.metrics.MalformedMessagesTotal.Inc()
			s.logger.Warn().Int("frameType", msgType).Msg("Rejecting non-text frame")
			return fmt.Errorf("%w: non-text frame", ErrMalformedMessage)
		}

		env, err := protocol.Parse(data)
		if err != nil {
			s.metrics.MalformedMessagesTotal.Inc()
			s.logger.Warn().Err(err).Int("size", len(data)).Msg("Rejecting malformed frame")
			return err
		}

		s.metrics.MessagesReceivedTotal.WithLabelValues(typeLabel(env.Type)).Inc()

		if env.HasDeviceID() {
			s.identify(ctx, env.DeviceID)
		}

		if env.Forwardable() {
			select {
			case queue <- env:
			default:
				if err := s.rejectBusy(env); err != nil {
					return err
				}
			}
			continue
		}

		if !s.monitor.Deliver(keepalive.Reply{Type: env.Type}) {
			s.logger.Debug().Str("type", env.Type).Msg("Keepalive frame dropped, one already pending")
		}
	}
}

// rejectBusy answers a forwardable message that found the queue full.
// The reader never waits for the dispatcher.
func (s *Session) rejectBusy(env *protocol.Envelope) error {
	s.metrics.ForwardsTotal.WithLabelValues(env.Type, CodeRelayBusy).Inc()
	s.logger.Warn().
		Str("type", env.Type).
		Int("queueSize", s.queueSize).
		Msg("Dispatch queue full, rejecting message")

	frame := protocol.NewErrorFrame(CodeRelayBusy, ErrRelayBusy.Error(), env.Type, tracing.NewTraceID())
	if err := s.conn.SendJSON(frame); err != nil {
		return fmt.Errorf("%w: failed to send error frame: %v", ErrDeviceDisconnected, err)
	}
	return nil
}

// dispatchLoop forwards queued messages one at a time
func (s *Session) dispatchLoop(ctx context.Context, queue <-chan *protocol.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-queue:
			if err := s.dispatch(ctx, env); err != nil {
				return err
			}
		}
	}
}

func (s *Session) dispatch(ctx context.Context, env *protocol.Envelope) error {
	fctx := tracing.NewForwardContext(ctx, env.DeviceID)
	logger := tracing.LoggerFromContext(fctx, s.logger)

	start := time.Now()
	reply, err := s.forwarder.Forward(fctx, env.Raw)
	s.metrics.ForwardDuration.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return nil
		}

		code := forwarder.ErrorCode(err)
		s.metrics.ForwardsTotal.WithLabelValues(env.Type, code).Inc()
		s.failures++

		logger.Warn().
			Err(err).
			Str("type", env.Type).
			Int("consecutiveFailures", s.failures).
			Msg("Forward failed")

		frame := protocol.NewErrorFrame(code, forwarder.ErrorMessage(err), env.Type, tracing.GetTraceID(fctx))
		if werr := s.conn.SendJSON(frame); werr != nil {
			return fmt.Errorf("%w: failed to send error frame: %v", ErrDeviceDisconnected, werr)
		}

		if s.maxFailures > 0 && s.failures >= s.maxFailures {
			return fmt.Errorf("%w: %d in a row, last: %w", ErrTooManyForwardFailures, s.failures, err)
		}
		return nil
	}

	s.failures = 0
	s.metrics.ForwardsTotal.WithLabelValues(env.Type, "ok").Inc()

	if err := s.conn.WriteText(reply); err != nil {
		return fmt.Errorf("%w: failed to relay reply: %v", ErrDeviceDisconnected, err)
	}

	logger.Debug().
		Str("type", env.Type).
		Int("replySize", len(reply)).
		Msg("Relayed downstream reply")
	return nil
}

// identify binds the session to deviceID in the registry
func (s *Session) identify(ctx context.Context, deviceID string) {
	s.mu.Lock()
	prev := s.deviceID
	if prev == deviceID {
		s.mu.Unlock()
		return
	}
	s.deviceID = deviceID
	s.mu.Unlock()

	if prev != "" {
		s.registry.Remove(prev, s)
	}

	if replaced := s.registry.Register(deviceID, s); replaced != nil {
		s.logger.Warn().
			Str("deviceId", deviceID).
			Str("previousSession", replaced.ID).
			Msg("Device identified on a new session, superseding the previous one")
		s.audit.RecordDevice(ctx, "superseded", deviceID, "success", map[string]interface{}{
			"previous_session": replaced.ID,
			"remote_addr":      s.RemoteAddr,
		})
	} else {
		s.logger.Info().Str("deviceId", deviceID).Msg("Device identified")
		s.audit.RecordDevice(ctx, "identified", deviceID, "success", map[string]interface{}{
			"remote_addr": s.RemoteAddr,
		})
	}

	s.metrics.DevicesRegistered.Set(float64(s.registry.Count()))
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// typeLabel keeps metric cardinality bounded for device-chosen types
func typeLabel(msgType string) string {
	switch msgType {
	case protocol.TypeInit, protocol.TypeEmergencyAlert, protocol.TypePing, protocol.TypePong:
		return msgType
	default:
		return "other"
	}
}

func keepaliveFailureReason(err error) string {
	switch {
	case errors.Is(err, keepalive.ErrPongTimeout):
		return "timeout"
	case errors.Is(err, keepalive.ErrUnexpectedReply):
		return "unexpected_reply"
	default:
		return "transport"
	}
}
