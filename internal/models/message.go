package models

import "time"

// Conversation is a chat thread on the source PBX, keyed by its source-native
// id within the tenant.
type Conversation struct {
	ID             string     `json:"id" db:"id"`
	TenantID       string     `json:"tenant_id" db:"tenant_id"`
	SourceID       string     `json:"source_id" db:"source_id"`
	Subject        *string    `json:"subject" db:"subject"`
	MessageCount   int        `json:"message_count" db:"message_count"`
	LastActivityAt *time.Time `json:"last_activity_at" db:"last_activity_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Participant links an extension (or external address) to a conversation.
type Participant struct {
	ConversationID string  `json:"conversation_id" db:"conversation_id"`
	TenantID       string  `json:"tenant_id" db:"tenant_id"`
	Address        string  `json:"address" db:"address"`
	DisplayName    *string `json:"display_name" db:"display_name"`
}

type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
	DirectionInternal MessageDirection = "internal"
)

// Message is one chat message pulled from the source. SourceID is the
// PBX-native message id; together with the tenant it forms the natural
// unique key used for idempotent upserts.
type Message struct {
	ID             string           `json:"id" db:"id"`
	TenantID       string           `json:"tenant_id" db:"tenant_id"`
	SourceID       string           `json:"source_id" db:"source_id"`
	ConversationID string           `json:"conversation_id" db:"conversation_id"`
	Sender         string           `json:"sender" db:"sender"`
	SenderName     *string          `json:"sender_name" db:"sender_name"`
	Direction      MessageDirection `json:"direction" db:"direction"`
	Body           string           `json:"body" db:"body"`
	AttachmentPath *string          `json:"attachment_path" db:"attachment_path"`
	SentAt         time.Time        `json:"sent_at" db:"sent_at"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
}

// SourceMessage is a raw message row as read from the tenant's PBX database,
// before normalization.
type SourceMessage struct {
	SourceID           string
	ConversationSource string
	Subject            *string
	Sender             string
	SenderExternal     bool
	Recipients         []string
	Body               string
	AttachmentPath     *string
	SentAt             time.Time
}
