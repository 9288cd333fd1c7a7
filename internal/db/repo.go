package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"intake-bridge/pkg"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Repository wraps database operations for conversations and messages.
// It is safe for concurrent use; every call session writes only its own
// conversation's rows.
type Repository struct {
	DB       *sql.DB
	Notifier *Notifier
	Logger   *slog.Logger
}

// NewRepository constructs a new Repository from an existing sql.DB.
// The caller is responsible for managing the DB connection lifecycle.
// notifier may be nil.
func NewRepository(db *sql.DB, notifier *Notifier) *Repository {
	return &Repository{DB: db, Notifier: notifier, Logger: slog.Default()}
}

// CreateConversation inserts a new active conversation for an incoming call.
func (r *Repository) CreateConversation(ctx context.Context, callSID, callerPhone string) (*pkg.Conversation, error) {
	c := pkg.Conversation{
		ID:       uuid.NewString(),
		Status:   pkg.StatusActive,
		Clinical: pkg.ClinicalFields{},
	}
	err := r.DB.QueryRowContext(ctx,
		`INSERT INTO conversations (id, call_sid, caller_phone, status)
         VALUES ($1, $2, $3, $4)
         RETURNING call_sid, caller_phone, created_at`,
		c.ID, nullable(callSID), nullable(callerPhone), c.Status,
	).Scan(&c.CallSID, &c.CallerPhone, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &c, nil
}

// GetConversation loads a conversation with its accumulated clinical fields.
func (r *Repository) GetConversation(ctx context.Context, id string) (*pkg.Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	var (
		c        pkg.Conversation
		clinical []byte
	)
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, call_sid, caller_phone, status, clinical, created_at, completed_at
         FROM conversations
         WHERE id = $1`, id,
	).Scan(&c.ID, &c.CallSID, &c.CallerPhone, &c.Status, &clinical, &c.CreatedAt, &c.CompletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(clinical, &c.Clinical); err != nil {
		return nil, fmt.Errorf("decode clinical fields: %w", err)
	}
	return &c, nil
}

// ListConversations returns the most recent conversations, newest first.
func (r *Repository) ListConversations(ctx context.Context, limit int) ([]pkg.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, call_sid, caller_phone, status, clinical, created_at, completed_at
         FROM conversations
         ORDER BY created_at DESC
         LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pkg.Conversation
	for rows.Next() {
		var (
			c        pkg.Conversation
			clinical []byte
		)
		if err := rows.Scan(&c.ID, &c.CallSID, &c.CallerPhone, &c.Status, &clinical, &c.CreatedAt, &c.CompletedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(clinical, &c.Clinical); err != nil {
			return nil, fmt.Errorf("decode clinical fields: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendMessage stores one utterance.  A zero CreatedAt is filled by the
// database; otherwise the caller's timestamp keeps transcript order stable
// when writes land out of order.
func (r *Repository) AppendMessage(ctx context.Context, msg pkg.Message) (*pkg.Message, error) {
	meta, err := json.Marshal(metadataOrEmpty(msg.Metadata))
	if err != nil {
		return nil, fmt.Errorf("encode message metadata: %w", err)
	}
	var createdAt any
	if !msg.CreatedAt.IsZero() {
		createdAt = msg.CreatedAt
	}
	m := msg
	err = r.DB.QueryRowContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, metadata, created_at)
         VALUES ($1, $2, $3, $4, COALESCE($5, NOW()))
         RETURNING id, created_at`,
		msg.ConversationID, msg.Role, msg.Content, meta, createdAt,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return &m, nil
}

// GetTranscript returns a conversation's messages ordered by creation time.
func (r *Repository) GetTranscript(ctx context.Context, conversationID string) ([]pkg.Message, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, metadata, created_at
         FROM messages
         WHERE conversation_id = $1
         ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var transcript []pkg.Message
	for rows.Next() {
		var (
			m    pkg.Message
			meta []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode message metadata: %w", err)
			}
		}
		transcript = append(transcript, m)
	}
	return transcript, rows.Err()
}

// MergeClinicalFields folds non-empty fields into the conversation's
// clinical JSON.  Later values for the same key win.
func (r *Repository) MergeClinicalFields(ctx context.Context, conversationID string, fields map[string]string) error {
	clean := make(map[string]string, len(fields))
	for k, v := range fields {
		if v != "" {
			clean[k] = v
		}
	}
	if len(clean) == 0 {
		return nil
	}
	patch, err := json.Marshal(clean)
	if err != nil {
		return fmt.Errorf("encode clinical fields: %w", err)
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE conversations
         SET clinical = clinical || $2::jsonb
         WHERE id = $1`,
		conversationID, patch,
	)
	if err != nil {
		return fmt.Errorf("merge clinical fields: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	r.notify(ctx, conversationID)
	return nil
}

// MarkCompleted flags the conversation as finished.  Completing an already
// completed conversation keeps the first completion time.
func (r *Repository) MarkCompleted(ctx context.Context, conversationID string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE conversations
         SET status = $2, completed_at = COALESCE(completed_at, $3)
         WHERE id = $1`,
		conversationID, pkg.StatusCompleted, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark conversation completed: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	r.notify(ctx, conversationID)
	return nil
}

func (r *Repository) notify(ctx context.Context, conversationID string) {
	if r.Notifier == nil {
		return
	}
	if err := r.Notifier.Notify(ctx, conversationID); err != nil && r.Logger != nil {
		r.Logger.Warn("conversation notify failed", "conversation_id", conversationID, "error", err)
	}
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
