package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evacsys/iotrelay/pkg/keepalive"
	"github.com/evacsys/iotrelay/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type forwarderFunc func(ctx context.Context, message []byte) ([]byte, error)

func (f forwarderFunc) Forward(ctx context.Context, message []byte) ([]byte, error) {
	return f(ctx, message)
}

// recordingForwarder echoes every message and remembers what it saw
type recordingForwarder struct {
	mu       sync.Mutex
	messages [][]byte
}

func (r *recordingForwarder) Forward(_ context.Context, message []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, append([]byte(nil), message...))
	return message, nil
}

func (r *recordingForwarder) Messages() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.messages...)
}

// quietKeepalive pings once at connect and not again within a test's lifetime
var quietKeepalive = keepalive.Config{Interval: time.Hour, Timeout: time.Hour}

func toWS(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

// newRelay starts a relay server behind httptest and returns it with its base URL
func newRelay(t *testing.T, settings Settings) (*Server, string) {
	t.Helper()

	srv, err := NewServer(Config{
		Settings: settings,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		ts.Close()
	})

	return srv, ts.URL
}

// sessionHarness runs sessions directly so tests can inspect them
type sessionHarness struct {
	url      string
	sessions chan *Session
	results  chan error
}

func newSessionHarness(t *testing.T, ctx context.Context, cfg SessionConfig) *sessionHarness {
	t.Helper()

	if cfg.Registry == nil {
		cfg.Registry = NewDeviceRegistry()
	}
	cfg.Logger = zerolog.Nop()

	h := &sessionHarness{
		sessions: make(chan *Session, 1),
		results:  make(chan error, 1),
	}
	upgrader := websocket.Upgrader{}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s, err := NewSession(NewConn(ws, time.Second), cfg)
		if err != nil {
			ws.Close()
			return
		}
		h.sessions <- s
		h.results <- s.Run(ctx)
	}))
	t.Cleanup(ts.Close)

	h.url = toWS(ts.URL, "/")
	return h
}

func (h *sessionHarness) session(t *testing.T) *Session {
	t.Helper()
	select {
	case s := <-h.sessions:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("session was not created")
		return nil
	}
}

func (h *sessionHarness) result(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.results:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

// dialRaw connects a device and leaves every ping unanswered
func dialRaw(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// dialDevice connects a device and answers the ping each session opens with.
// With quietKeepalive the monitor then stays idle for the rest of the test.
func dialDevice(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn := dialRaw(t, url)
	var ping struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(readFrame(t, conn), &ping))
	require.Equal(t, protocol.TypePing, ping.Type)
	send(t, conn, `{"type":"pong"}`)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	return data
}

func readErrorFrame(t *testing.T, conn *websocket.Conn) protocol.ErrorFrame {
	t.Helper()

	var frame protocol.ErrorFrame
	require.NoError(t, json.Unmarshal(readFrame(t, conn), &frame))
	return frame
}

// expectClose reads until the connection fails and returns the close code
func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr.Code
	}
}

// answerPings replies to every ping with pong and passes other frames on
func answerPings(conn *websocket.Conn, reply string) (<-chan []byte, *int64Counter) {
	frames := make(chan []byte, 16)
	pings := &int64Counter{}

	go func() {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &env) == nil && env.Type == protocol.TypePing {
				pings.inc()
				if conn.WriteMessage(websocket.TextMessage, []byte(reply)) != nil {
					return
				}
				continue
			}
			frames <- data
		}
	}()

	return frames, pings
}

type int64Counter struct {
	mu sync.Mutex
	n  int64
}

func (c *int64Counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *int64Counter) get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
