package models

import "time"

// MediaItem is the metadata record for one binary payload stored in the blob
// backend. The payload itself lives at StorageKey; SourcePath is where it
// was found on the tenant's filesystem.
type MediaItem struct {
	ID         string        `json:"id" db:"id"`
	TenantID   string        `json:"tenant_id" db:"tenant_id"`
	Category   MediaCategory `json:"category" db:"category"`
	SourcePath string        `json:"source_path" db:"source_path"`
	StorageKey string        `json:"storage_key" db:"storage_key"`
	SizeBytes  int64         `json:"size_bytes" db:"size_bytes"`
	Compressed bool          `json:"compressed" db:"compressed"`
	// MessageID is set by the maintenance pass when the payload is matched
	// to its owning message (chat attachments only).
	MessageID  *string   `json:"message_id" db:"message_id"`
	ModifiedAt time.Time `json:"modified_at" db:"modified_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// RemoteFile is one entry discovered on the tenant's filesystem over the
// file-transfer channel.
type RemoteFile struct {
	Path    string
	Name    string
	Size    int64
	ModTime time.Time
}
