package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"intake-bridge/internal/wsleg"
)

// DialConfig locates the model service.
type DialConfig struct {
	URL              string
	Model            string
	APIKey           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Leg is an open model connection.
type Leg struct {
	ws *wsleg.Leg
}

// NewLeg wraps an established connection.
func NewLeg(conn wsleg.Conn, writeTimeout time.Duration) *Leg {
	return &Leg{ws: wsleg.New(conn, writeTimeout)}
}

// Dial opens the model leg.
func Dial(ctx context.Context, cfg DialConfig) (*Leg, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	if cfg.Model != "" {
		q := u.Query()
		q.Set("model", cfg.Model)
		u.RawQuery = q.Encode()
	}
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	return NewLeg(conn, cfg.WriteTimeout), nil
}

// Send writes one command.
func (l *Leg) Send(ev ClientEvent) error {
	return l.ws.WriteJSON(ev)
}

// Next blocks for the next event.  An event that cannot be parsed comes back
// as a *DecodeError and the connection stays usable.
func (l *Leg) Next() (ServerEvent, error) {
	data, err := l.ws.Read()
	if err != nil {
		return ServerEvent{}, err
	}
	ev, err := DecodeServerEvent(data)
	if err != nil {
		return ServerEvent{}, &DecodeError{Err: err}
	}
	return ev, nil
}

// Close hangs up the model leg.
func (l *Leg) Close() error {
	return l.ws.Close()
}

// DecodeError wraps an event that could not be parsed.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }
