package db

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Notifier publishes conversation ids on a PostgreSQL NOTIFY channel
// whenever clinical fields change or a conversation completes, and lets
// dashboard clients follow those updates.
type Notifier struct {
	DB      *sql.DB
	DSN     string
	Channel string
	Logger  *slog.Logger
}

// NewNotifier constructs a new Notifier.  The channel should match the
// POSTGRES_NOTIFY_CHANNEL environment variable.  dsn is only needed by
// Listen.
func NewNotifier(db *sql.DB, dsn, channel string) *Notifier {
	return &Notifier{DB: db, DSN: dsn, Channel: channel, Logger: slog.Default()}
}

// Notify sends the conversation id on the channel.
func (n *Notifier) Notify(ctx context.Context, conversationID string) error {
	_, err := n.DB.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.Channel, conversationID)
	return err
}

// Listen delivers conversation ids as they are notified until ctx is
// cancelled.  It holds its own connection through pq.Listener, which
// reconnects on its own.
func (n *Notifier) Listen(ctx context.Context) (<-chan string, error) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	listener := pq.NewListener(n.DSN, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("notify listener event", "event", int(ev), "error", err)
		}
	})
	if err := listener.Listen(n.Channel); err != nil {
		_ = listener.Close()
		return nil, err
	}
	ch := make(chan string, 16)
	go func() {
		defer func() {
			_ = listener.Close()
			close(ch)
		}()
		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				// Detects a dead connection the driver has not noticed.
				if err := listener.Ping(); err != nil {
					logger.Warn("notify listener ping failed", "error", err)
				}
			case note := <-listener.Notify:
				// nil after a reconnect; updates during the gap are lost.
				if note == nil {
					continue
				}
				select {
				case ch <- note.Extra:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
