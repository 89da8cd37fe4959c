package keepalive

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evacsys/iotrelay/pkg/protocol"
	"github.com/rs/zerolog"
)

// Monitor probes one device connection and verifies that every probe is
// answered with a pong. It never reads from or closes the connection: replies
// are handed over by the session reader through Deliver.
type Monitor struct {
	sender   Sender
	interval time.Duration
	timeout  time.Duration
	replies  chan Reply
	state    atomic.Int32
	probes   atomic.Uint64
	logger   zerolog.Logger

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// NewMonitor creates a monitor bound to sender
func NewMonitor(sender Sender, cfg Config, logger zerolog.Logger) *Monitor {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	return &Monitor{
		sender:        sender,
		interval:      cfg.Interval,
		timeout:       cfg.Timeout,
		replies:       make(chan Reply, 1),
		logger:        logger.With().Str("component", "keepalive").Logger(),
		eventHandlers: make(map[string][]EventHandler),
	}
}

// State returns the current monitor state
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Probes returns the number of probes sent so far
func (m *Monitor) Probes() uint64 {
	return m.probes.Load()
}

// Deliver hands a keepalive-channel frame to the monitor. It never blocks;
// false is returned when the frame was dropped because one is already pending.
func (m *Monitor) Deliver(reply Reply) bool {
	select {
	case m.replies <- reply:
		return true
	default:
		return false
	}
}

// Run probes the device until ctx is cancelled or a probe fails. The first
// probe goes out at once; later probes follow each pong after one interval.
// Cancellation returns nil; a failed probe returns an error wrapping
// ErrKeepaliveFailure and leaves the monitor in StateFailed.
func (m *Monitor) Run(ctx context.Context) error {
	m.setState(StateIdle)

	m.logger.Debug().
		Dur("interval", m.interval).
		Dur("timeout", m.timeout).
		Msg("Keepalive monitor started")
	defer m.logger.Debug().Str("state", m.State().String()).Msg("Keepalive monitor stopped")

	for {
		if err := m.probe(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.setState(StateFailed)
			m.emit(Event{
				Type:      EventFailed,
				Timestamp: time.Now(),
				Data: map[string]interface{}{
					"reason": err.Error(),
					"probes": m.Probes(),
				},
			})
			m.logger.Warn().Err(err).Uint64("probes", m.Probes()).Msg("Keepalive failed")
			return fmt.Errorf("%w: %w", ErrKeepaliveFailure, err)
		}

		if !m.wait(ctx) {
			return nil
		}
	}
}

// wait sits in StateIdle for one interval, discarding unsolicited frames.
// It returns false when ctx is done.
func (m *Monitor) wait(ctx context.Context) bool {
	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case reply := <-m.replies:
			m.logger.Debug().
				Str("type", reply.Type).
				Msg("Ignoring keepalive frame with no probe outstanding")
		}
	}
}

// probe sends one ping and waits for its pong
func (m *Monitor) probe(ctx context.Context) error {
	m.drain()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.setState(StateProbeSent)
	if err := m.sender.SendJSON(protocol.NewPing()); err != nil {
		return fmt.Errorf("failed to send probe: %w", err)
	}
	m.probes.Add(1)
	m.setState(StateAwaitingPong)
	m.emit(Event{Type: EventProbe, Timestamp: time.Now()})

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrPongTimeout, m.timeout)
	case reply := <-m.replies:
		if reply.Err != nil {
			return fmt.Errorf("receive failed while awaiting pong: %w", reply.Err)
		}
		if reply.Type != protocol.TypePong {
			return fmt.Errorf("%w: got type %q", ErrUnexpectedReply, reply.Type)
		}
	}

	m.setState(StateIdle)
	m.emit(Event{Type: EventPong, Timestamp: time.Now()})
	return nil
}

func (m *Monitor) drain() {
	for {
		select {
		case <-m.replies:
		default:
			return
		}
	}
}

func (m *Monitor) setState(s State) {
	m.state.Store(int32(s))
}

// On registers an event handler. Handlers run on the monitor goroutine and must not block.
func (m *Monitor) On(eventType string, handler EventHandler) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()

	m.eventHandlers[eventType] = append(m.eventHandlers[eventType], handler)
}

// Off removes all event handlers for a specific event type
func (m *Monitor) Off(eventType string) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()

	delete(m.eventHandlers, eventType)
}

func (m *Monitor) emit(event Event) {
	m.eventMu.RLock()
	handlers := m.eventHandlers[event.Type]
	m.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
