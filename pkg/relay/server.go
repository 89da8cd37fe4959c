package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evacsys/iotrelay/internal/metrics"
	"github.com/evacsys/iotrelay/internal/observability"
	"github.com/evacsys/iotrelay/pkg/keepalive"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DefaultPath         = "/ws"
	DefaultReadLimit    = 64 * 1024
	DefaultWriteTimeout = 10 * time.Second
)

// Server accepts device connections and runs one Session per connection
type Server struct {
	host         string
	port         int
	path         string
	readLimit    int64
	writeTimeout time.Duration
	queueSize    int
	hideMetrics  bool

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
	devices  *DeviceRegistry
	metrics  *metrics.Metrics
	audit    *observability.AuditLogger
	logger   zerolog.Logger

	settingsMu sync.RWMutex
	settings   Settings

	baseCtx        context.Context
	cancelSessions context.CancelFunc
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	sessions       sync.WaitGroup
	active         atomic.Int64
}

// Settings are the per-session values that can change while the server runs.
// Only sessions accepted after an update observe the new values.
type Settings struct {
	Forwarder              Forwarder
	Keepalive              keepalive.Config
	MaxConsecutiveFailures int
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	Path         string
	ReadLimit    int64
	WriteTimeout time.Duration
	QueueSize    int
	HideMetrics  bool // do not serve /metrics
	Settings     Settings
	Metrics      *metrics.Metrics
	Audit        *observability.AuditLogger
	Logger       zerolog.Logger
}

// NewServer creates a new relay server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Settings.Forwarder == nil {
		return nil, fmt.Errorf("forwarder is required")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics()
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		host:           cfg.Host,
		port:           cfg.Port,
		path:           cfg.Path,
		readLimit:      cfg.ReadLimit,
		writeTimeout:   cfg.WriteTimeout,
		queueSize:      cfg.QueueSize,
		hideMetrics:    cfg.HideMetrics,
		devices:        NewDeviceRegistry(),
		metrics:        cfg.Metrics,
		audit:          cfg.Audit,
		logger:         cfg.Logger.With().Str("component", "relay").Logger(),
		settings:       cfg.Settings,
		baseCtx:        baseCtx,
		cancelSessions: cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // devices do not send an Origin we could check
			},
		},
	}

	return s, nil
}

// Handler returns the HTTP handler serving devices, health, metrics and the device list
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/devices", s.handleDevices)
	if !s.hideMetrics {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Str("path", s.path).
		Msg("Starting relay server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Relay server error")
		}
	}()

	return nil
}

// Addr returns the bound listener address, empty before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop refuses new devices, cancels every session and waits for their
// teardown until ctx expires, then shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Int64("sessions", s.active.Load()).Msg("Shutting down relay server")
	s.cancelSessions()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All device sessions closed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached before all sessions closed")
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Relay server stopped")
	return nil
}

// UpdateSettings replaces the settings used for newly accepted sessions
func (s *Server) UpdateSettings(settings Settings) error {
	if settings.Forwarder == nil {
		return fmt.Errorf("forwarder is required")
	}

	s.settingsMu.Lock()
	s.settings = settings
	s.settingsMu.Unlock()

	s.logger.Info().
		Dur("keepaliveInterval", settings.Keepalive.Interval).
		Dur("keepaliveTimeout", settings.Keepalive.Timeout).
		Int("maxConsecutiveFailures", settings.MaxConsecutiveFailures).
		Msg("Session settings updated")
	return nil
}

// Settings returns the settings new sessions will use
func (s *Server) Settings() Settings {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}

// Devices returns the device registry
func (s *Server) Devices() *DeviceRegistry {
	return s.devices
}

// ActiveSessions returns the number of sessions currently running
func (s *Server) ActiveSessions() int {
	return int(s.active.Load())
}

// Snapshot reports session and device counts for the stats reporter
func (s *Server) Snapshot() metrics.Snapshot {
	return metrics.Snapshot{
		ActiveSessions:    s.ActiveSessions(),
		RegisteredDevices: s.devices.Count(),
	}
}

// handleWebSocket upgrades a device connection and runs its session
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, ErrServerShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}
	s.sessions.Add(1)
	s.shutdownMu.RUnlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.sessions.Done()
		s.logger.Error().Err(err).Str("ip", r.RemoteAddr).Msg("Failed to upgrade connection")
		return
	}
	ws.SetReadLimit(s.readLimit)

	settings := s.Settings()
	conn := NewConn(ws, s.writeTimeout)
	session, err := NewSession(conn, SessionConfig{
		Forwarder:              settings.Forwarder,
		Keepalive:              settings.Keepalive,
		MaxConsecutiveFailures: settings.MaxConsecutiveFailures,
		QueueSize:              s.queueSize,
		Registry:               s.devices,
		Metrics:                s.metrics,
		Audit:                  s.audit,
		Logger:                 s.logger,
	})
	if err != nil {
		s.sessions.Done()
		s.logger.Error().Err(err).Msg("Failed to create session")
		_ = conn.CloseWith(websocket.CloseInternalServerErr, "session error")
		return
	}

	s.active.Add(1)
	go func() {
		defer s.sessions.Done()
		defer s.active.Add(-1)

		if err := session.Run(s.baseCtx); err != nil {
			s.logger.Debug().Err(err).Str("session_id", session.ID).Msg("Session terminated")
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.shutdownMu.RLock()
	shuttingDown := s.isShuttingDown
	s.shutdownMu.RUnlock()

	status, code := "ok", http.StatusOK
	if shuttingDown {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"sessions": s.ActiveSessions(),
		"devices":  s.devices.Count(),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": s.devices.List(),
		"count":   s.devices.Count(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
