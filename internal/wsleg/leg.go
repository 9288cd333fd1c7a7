// Package wsleg serializes writes to one side of the call bridge.  Both the
// telephony leg and the model leg are gorilla WebSocket connections that are
// written from the session loop and closed from whichever side notices a
// disconnect first.
package wsleg

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("leg closed")

// Conn is the subset of *websocket.Conn a Leg needs.
type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Leg is a WebSocket connection with one writer at a time and an idempotent
// Close.  Reads are expected from a single goroutine.
type Leg struct {
	conn         Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	once   sync.Once
	closed atomic.Bool
}

// New wraps conn.  A non-positive writeTimeout defaults to five seconds.
func New(conn Conn, writeTimeout time.Duration) *Leg {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Leg{conn: conn, writeTimeout: writeTimeout}
}

// WriteJSON encodes v and sends it as one text message.
func (l *Leg) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return l.WriteText(data)
}

// WriteText sends data as one text message.
func (l *Leg) WriteText(data []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return ErrClosed
	}
	if err := l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
		return err
	}
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// Read returns the next text message, skipping binary and empty ones.
func (l *Leg) Read() ([]byte, error) {
	for {
		mt, data, err := l.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage || len(data) == 0 {
			continue
		}
		return data, nil
	}
}

// Close sends a normal close frame and closes the connection.  Only the
// first call has any effect.
func (l *Leg) Close() error {
	var err error
	l.once.Do(func() {
		l.closed.Store(true)
		l.mu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(l.writeTimeout))
		l.mu.Unlock()
		err = l.conn.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (l *Leg) Closed() bool {
	return l.closed.Load()
}
