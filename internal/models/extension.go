package models

import "time"

// Extension is one directory entry (a phone extension or named user) on the
// tenant's PBX. Display names from here are denormalized into messages and
// call records; the maintenance pass re-propagates them after a rename.
type Extension struct {
	ID          string    `json:"id" db:"id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	Number      string    `json:"number" db:"number"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Email       *string   `json:"email" db:"email"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// SourceExtension is a raw directory row as read from the tenant.
type SourceExtension struct {
	Number      string
	DisplayName string
	Email       *string
	UpdatedAt   time.Time
}
