package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a device connection shared by the session reader, the dispatcher
// and the keepalive monitor. Writes are serialized; reads must only happen
// on the session reader goroutine.
type Conn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closed       atomic.Bool
	closeOnce    sync.Once
}

// NewConn wraps a websocket connection
func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Conn{
		ws:           ws,
		writeTimeout: writeTimeout,
	}
}

// RemoteAddr returns the remote network address
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Read reads the next frame
func (c *Conn) Read() (int, []byte, error) {
	return c.ws.ReadMessage()
}

// WriteText writes data as a single text frame
func (c *Conn) WriteText(data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrConnClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// SendJSON encodes v and writes it as a single text frame
func (c *Conn) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return c.WriteText(data)
}

// CloseWith sends a close frame with code and reason, then closes the connection.
// Only the first call has any effect.
func (c *Conn) CloseWith(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed.Store(true)
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// Close closes the connection without a close frame
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.ws.Close()
	})
	return err
}

// Closed reports whether the connection was closed by this side
func (c *Conn) Closed() bool {
	return c.closed.Load()
}
