package models

import "time"

type CheckpointStatus string

const (
	CheckpointIdle    CheckpointStatus = "idle"
	CheckpointRunning CheckpointStatus = "running"
	CheckpointSuccess CheckpointStatus = "success"
	CheckpointError   CheckpointStatus = "error"
)

// Checkpoint records how far one entity-type pipeline has gotten for one
// tenant. Position only ever advances; a failed run leaves it at the last
// page that was fully committed.
type Checkpoint struct {
	TenantID      string           `json:"tenant_id" db:"tenant_id"`
	EntityType    EntityType       `json:"entity_type" db:"entity_type"`
	Position      time.Time        `json:"position" db:"position"`
	Status        CheckpointStatus `json:"status" db:"status"`
	ItemsSynced   int              `json:"items_synced" db:"items_synced"`
	LastError     *string          `json:"last_error" db:"last_error"`
	Notes         *string          `json:"notes" db:"notes"`
	LastSyncAt    *time.Time       `json:"last_sync_at" db:"last_sync_at"`
	LastSuccessAt *time.Time       `json:"last_success_at" db:"last_success_at"`
	UpdatedAt     time.Time        `json:"updated_at" db:"updated_at"`
}

// FirstSync reports whether this pipeline has ever completed a pass for the
// tenant. The store initializes the position to the unix epoch, so anything
// at or before that means a full extraction is due.
func (c *Checkpoint) FirstSync() bool {
	return c.Position.IsZero() || c.Position.Unix() <= 0
}
