package repository

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/pbxvault/pbxvault/internal/models"
)

// ConversationPair is a pair of conversations discovered to have identical
// participant sets. Keep is the survivor, Duplicate gets merged away.
type ConversationPair struct {
	Keep      models.Conversation
	Duplicate models.Conversation
}

type MessageRepository interface {
	// EnsureConversation upserts the thread and returns its id.
	EnsureConversation(tenantID, sourceID string, subject *string) (string, error)
	EnsureParticipant(tenantID, conversationID, address string) error
	// UpsertMessage returns true when the message is new; a conflict on the
	// (tenant, source id) key counts as already synced.
	UpsertMessage(msg models.Message) (bool, error)
	BumpActivity(conversationID string, at time.Time) error

	FindDuplicateConversations(tenantID string) ([]ConversationPair, error)
	// MergeConversations reassigns the duplicate's messages to the survivor
	// and deletes the duplicate. Returns the number of messages moved.
	MergeConversations(tenantID, keepID, duplicateID string) (int64, error)
}

type messageRepository struct {
	db *sql.DB
}

func NewMessageRepository(db *sql.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) EnsureConversation(tenantID, sourceID string, subject *string) (string, error) {
	const query = `
		INSERT INTO pbx.conversations (id, tenant_id, source_id, subject)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, source_id)
		DO UPDATE SET subject = COALESCE(EXCLUDED.subject, pbx.conversations.subject),
		              updated_at = now()
		RETURNING id;
	`
	var id string
	err := r.db.QueryRow(query, uuid.NewString(), tenantID, sourceID, subject).Scan(&id)
	return id, err
}

func (r *messageRepository) EnsureParticipant(tenantID, conversationID, address string) error {
	const query = `
		INSERT INTO pbx.conversation_participants (conversation_id, tenant_id, address)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, address) DO NOTHING;
	`
	_, err := r.db.Exec(query, conversationID, tenantID, address)
	return err
}

func (r *messageRepository) UpsertMessage(msg models.Message) (bool, error) {
	const query = `
		INSERT INTO pbx.messages
			(id, tenant_id, source_id, conversation_id, sender, sender_name,
			 direction, body, attachment_path, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, source_id) DO NOTHING;
	`
	res, err := r.db.Exec(query,
		uuid.NewString(), msg.TenantID, msg.SourceID, msg.ConversationID,
		msg.Sender, msg.SenderName, msg.Direction, msg.Body, msg.AttachmentPath, msg.SentAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		// Keep the denormalized counter in step with inserts only.
		_, err = r.db.Exec(`
			UPDATE pbx.conversations
			SET message_count = message_count + 1
			WHERE id = $1;
		`, msg.ConversationID)
		if err != nil {
			return true, err
		}
	}
	return n > 0, nil
}

func (r *messageRepository) BumpActivity(conversationID string, at time.Time) error {
	const query = `
		UPDATE pbx.conversations
		SET last_activity_at = GREATEST(COALESCE(last_activity_at, 'epoch'::timestamptz), $2),
		    updated_at = now()
		WHERE id = $1;
	`
	_, err := r.db.Exec(query, conversationID, at)
	return err
}

func (r *messageRepository) FindDuplicateConversations(tenantID string) ([]ConversationPair, error) {
	// Two conversations collide when their participant address sets are
	// identical. The survivor is the one with more recent activity, message
	// count breaking ties.
	const query = `
		WITH sets AS (
			SELECT conversation_id,
			       string_agg(address, ',' ORDER BY address) AS members
			FROM pbx.conversation_participants
			WHERE tenant_id = $1
			GROUP BY conversation_id
		)
		SELECT
			c1.id, c1.source_id, c1.message_count, c1.last_activity_at,
			c2.id, c2.source_id, c2.message_count, c2.last_activity_at
		FROM sets s1
		JOIN sets s2 ON s1.members = s2.members AND s1.conversation_id < s2.conversation_id
		JOIN pbx.conversations c1 ON c1.id = s1.conversation_id
		JOIN pbx.conversations c2 ON c2.id = s2.conversation_id
		WHERE c1.tenant_id = $1 AND c2.tenant_id = $1;
	`
	rows, err := r.db.Query(query, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "finding duplicate conversations")
	}
	defer rows.Close()

	var pairs []ConversationPair
	for rows.Next() {
		var a, b models.Conversation
		var aAct, bAct sql.NullTime
		if err := rows.Scan(
			&a.ID, &a.SourceID, &a.MessageCount, &aAct,
			&b.ID, &b.SourceID, &b.MessageCount, &bAct,
		); err != nil {
			return nil, err
		}
		a.TenantID, b.TenantID = tenantID, tenantID
		if aAct.Valid {
			a.LastActivityAt = &aAct.Time
		}
		if bAct.Valid {
			b.LastActivityAt = &bAct.Time
		}
		keep, dup := chooseSurvivor(a, b)
		pairs = append(pairs, ConversationPair{Keep: keep, Duplicate: dup})
	}
	return pairs, rows.Err()
}

// chooseSurvivor keeps the conversation with the most recent activity,
// falling back to the larger message count on a tie.
func chooseSurvivor(a, b models.Conversation) (keep, dup models.Conversation) {
	aAct, bAct := activityOf(a), activityOf(b)
	switch {
	case aAct.After(bAct):
		return a, b
	case bAct.After(aAct):
		return b, a
	case a.MessageCount >= b.MessageCount:
		return a, b
	default:
		return b, a
	}
}

func activityOf(c models.Conversation) time.Time {
	if c.LastActivityAt != nil {
		return *c.LastActivityAt
	}
	return time.Time{}
}

func (r *messageRepository) MergeConversations(tenantID, keepID, duplicateID string) (int64, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE pbx.messages
		SET conversation_id = $2
		WHERE conversation_id = $1 AND tenant_id = $3;
	`, duplicateID, keepID, tenantID)
	if err != nil {
		return 0, errors.Wrap(err, "reassigning messages")
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`
		DELETE FROM pbx.conversation_participants
		WHERE conversation_id = $1;
	`, duplicateID); err != nil {
		return 0, errors.Wrap(err, "dropping duplicate participants")
	}

	if _, err := tx.Exec(`
		UPDATE pbx.conversations k
		SET message_count = (SELECT count(*) FROM pbx.messages WHERE conversation_id = k.id),
		    last_activity_at = GREATEST(
		        COALESCE(k.last_activity_at, 'epoch'::timestamptz),
		        COALESCE((SELECT last_activity_at FROM pbx.conversations WHERE id = $2), 'epoch'::timestamptz)),
		    updated_at = now()
		WHERE k.id = $1;
	`, keepID, duplicateID); err != nil {
		return 0, errors.Wrap(err, "refreshing survivor")
	}

	if _, err := tx.Exec(`
		DELETE FROM pbx.conversations
		WHERE id = $1 AND tenant_id = $2;
	`, duplicateID, tenantID); err != nil {
		return 0, errors.Wrap(err, "deleting duplicate conversation")
	}

	return moved, tx.Commit()
}
