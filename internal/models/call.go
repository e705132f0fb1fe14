package models

import "time"

// CallRecord is one CDR row extracted from the source PBX. Purely
// relational; recordings of the call travel separately as media items.
type CallRecord struct {
	ID         string           `json:"id" db:"id"`
	TenantID   string           `json:"tenant_id" db:"tenant_id"`
	SourceID   string           `json:"source_id" db:"source_id"`
	Caller     string           `json:"caller" db:"caller"`
	CallerName *string          `json:"caller_name" db:"caller_name"`
	Callee     string           `json:"callee" db:"callee"`
	CalleeName *string          `json:"callee_name" db:"callee_name"`
	Direction  MessageDirection `json:"direction" db:"direction"`
	StartedAt  time.Time        `json:"started_at" db:"started_at"`
	Duration   int              `json:"duration_seconds" db:"duration_seconds"`
	Answered   bool             `json:"answered" db:"answered"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
}

// SourceCall is a raw CDR row as read from the tenant.
type SourceCall struct {
	SourceID  string
	Caller    string
	Callee    string
	StartedAt time.Time
	Duration  int
	Answered  bool
}
