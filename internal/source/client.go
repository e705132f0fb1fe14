package source

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/pbxvault/pbxvault/internal/models"
)

// Queries is the paged, filterable extraction contract against a tenant's
// PBX database. Every method returns records strictly newer than `since`, in
// (timestamp, source id) order, at most `limit` rows.
type Queries interface {
	MessagesSince(ctx context.Context, since time.Time, limit int) ([]models.SourceMessage, error)
	CallsSince(ctx context.Context, since time.Time, limit int) ([]models.SourceCall, error)
	ExtensionsSince(ctx context.Context, since time.Time, limit int) ([]models.SourceExtension, error)
}

// Client runs extraction queries over a tunneled connection pool. The pool
// may serve several pipelines concurrently; Client holds no state of its own.
type Client struct {
	db *sql.DB
}

func NewClient(db *sql.DB) *Client {
	return &Client{db: db}
}

func (c *Client) MessagesSince(ctx context.Context, since time.Time, limit int) ([]models.SourceMessage, error) {
	const query = `
		SELECT id::text, conversation_id::text, subject, sender, is_external,
		       recipients, body, attachment_path, sent_at
		FROM chat_messages
		WHERE sent_at > $1
		ORDER BY sent_at, id
		LIMIT $2
	`
	rows, err := c.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying chat messages")
	}
	defer rows.Close()

	var msgs []models.SourceMessage
	for rows.Next() {
		var m models.SourceMessage
		var subject, attachment sql.NullString
		var recipients string
		if err := rows.Scan(&m.SourceID, &m.ConversationSource, &subject, &m.Sender,
			&m.SenderExternal, &recipients, &m.Body, &attachment, &m.SentAt); err != nil {
			return nil, errors.Wrap(err, "scanning chat message")
		}
		if subject.Valid {
			m.Subject = &subject.String
		}
		if attachment.Valid && attachment.String != "" {
			m.AttachmentPath = &attachment.String
		}
		m.Recipients = splitRecipients(recipients)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (c *Client) CallsSince(ctx context.Context, since time.Time, limit int) ([]models.SourceCall, error) {
	const query = `
		SELECT id::text, caller, callee, started_at, duration_seconds, answered
		FROM call_history
		WHERE started_at > $1
		ORDER BY started_at, id
		LIMIT $2
	`
	rows, err := c.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying call history")
	}
	defer rows.Close()

	var calls []models.SourceCall
	for rows.Next() {
		var call models.SourceCall
		if err := rows.Scan(&call.SourceID, &call.Caller, &call.Callee,
			&call.StartedAt, &call.Duration, &call.Answered); err != nil {
			return nil, errors.Wrap(err, "scanning call record")
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

func (c *Client) ExtensionsSince(ctx context.Context, since time.Time, limit int) ([]models.SourceExtension, error) {
	const query = `
		SELECT number, display_name, email, updated_at
		FROM extensions
		WHERE updated_at > $1
		ORDER BY updated_at, number
		LIMIT $2
	`
	rows, err := c.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying extensions")
	}
	defer rows.Close()

	var exts []models.SourceExtension
	for rows.Next() {
		var ext models.SourceExtension
		var email sql.NullString
		if err := rows.Scan(&ext.Number, &ext.DisplayName, &email, &ext.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning extension")
		}
		if email.Valid {
			ext.Email = &email.String
		}
		exts = append(exts, ext)
	}
	return exts, rows.Err()
}

func splitRecipients(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
