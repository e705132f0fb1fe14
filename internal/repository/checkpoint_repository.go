package repository

import (
	"database/sql"
	"time"

	"github.com/pbxvault/pbxvault/internal/models"
)

// CheckpointRepository is the durable per-tenant, per-entity-type progress
// store. Positions only move forward: AdvancePosition uses GREATEST so a
// stale writer can never rewind committed progress.
type CheckpointRepository interface {
	Get(tenantID string, entityType models.EntityType) (models.Checkpoint, error)
	MarkRunning(tenantID string, entityType models.EntityType) error
	AdvancePosition(tenantID string, entityType models.EntityType, position time.Time, items int) error
	MarkSuccess(tenantID string, entityType models.EntityType, items int, note string) error
	MarkError(tenantID string, entityType models.EntityType, errText string) error
	ListForTenant(tenantID string) ([]models.Checkpoint, error)
}

type checkpointRepository struct {
	db *sql.DB
}

func NewCheckpointRepository(db *sql.DB) CheckpointRepository {
	return &checkpointRepository{db: db}
}

// Get returns the checkpoint, or a fresh idle one with a zero position when
// the pair has never synced.
func (r *checkpointRepository) Get(tenantID string, entityType models.EntityType) (models.Checkpoint, error) {
	const query = `
		SELECT tenant_id, entity_type, position, status, items_synced,
		       last_error, notes, last_sync_at, last_success_at, updated_at
		FROM pbx.sync_checkpoints
		WHERE tenant_id = $1 AND entity_type = $2;
	`
	var cp models.Checkpoint
	var lastErr, notes sql.NullString
	var lastSync, lastSuccess sql.NullTime
	err := r.db.QueryRow(query, tenantID, entityType).Scan(
		&cp.TenantID, &cp.EntityType, &cp.Position, &cp.Status, &cp.ItemsSynced,
		&lastErr, &notes, &lastSync, &lastSuccess, &cp.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return models.Checkpoint{
			TenantID:   tenantID,
			EntityType: entityType,
			Status:     models.CheckpointIdle,
		}, nil
	}
	if err != nil {
		return cp, err
	}
	if lastErr.Valid {
		cp.LastError = &lastErr.String
	}
	if notes.Valid {
		cp.Notes = &notes.String
	}
	if lastSync.Valid {
		cp.LastSyncAt = &lastSync.Time
	}
	if lastSuccess.Valid {
		cp.LastSuccessAt = &lastSuccess.Time
	}
	return cp, nil
}

// MarkRunning opens a run and zeroes the item counter, so the per-page
// accumulation in AdvancePosition always reflects the current run only.
func (r *checkpointRepository) MarkRunning(tenantID string, entityType models.EntityType) error {
	const query = `
		INSERT INTO pbx.sync_checkpoints (tenant_id, entity_type, position, status, items_synced, last_sync_at)
		VALUES ($1, $2, 'epoch'::timestamptz, 'running', 0, now())
		ON CONFLICT (tenant_id, entity_type)
		DO UPDATE SET status = 'running', items_synced = 0, last_sync_at = now(), updated_at = now();
	`
	_, err := r.db.Exec(query, tenantID, entityType)
	return err
}

// AdvancePosition persists partial progress after a committed page. The
// GREATEST guard keeps the position monotonic even under a misbehaving
// caller.
func (r *checkpointRepository) AdvancePosition(tenantID string, entityType models.EntityType, position time.Time, items int) error {
	const query = `
		UPDATE pbx.sync_checkpoints
		SET position = GREATEST(position, $3),
		    items_synced = items_synced + $4,
		    updated_at = now()
		WHERE tenant_id = $1 AND entity_type = $2;
	`
	_, err := r.db.Exec(query, tenantID, entityType, position, items)
	return err
}

func (r *checkpointRepository) MarkSuccess(tenantID string, entityType models.EntityType, items int, note string) error {
	const query = `
		UPDATE pbx.sync_checkpoints
		SET status = 'success',
		    items_synced = $3,
		    notes = $4,
		    last_error = NULL,
		    last_success_at = now(),
		    updated_at = now()
		WHERE tenant_id = $1 AND entity_type = $2;
	`
	_, err := r.db.Exec(query, tenantID, entityType, items, note)
	return err
}

func (r *checkpointRepository) MarkError(tenantID string, entityType models.EntityType, errText string) error {
	const query = `
		UPDATE pbx.sync_checkpoints
		SET status = 'error',
		    last_error = $3,
		    updated_at = now()
		WHERE tenant_id = $1 AND entity_type = $2;
	`
	_, err := r.db.Exec(query, tenantID, entityType, errText)
	return err
}

func (r *checkpointRepository) ListForTenant(tenantID string) ([]models.Checkpoint, error) {
	const query = `
		SELECT tenant_id, entity_type, position, status, items_synced,
		       last_error, notes, last_sync_at, last_success_at, updated_at
		FROM pbx.sync_checkpoints
		WHERE tenant_id = $1
		ORDER BY entity_type;
	`
	rows, err := r.db.Query(query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cps []models.Checkpoint
	for rows.Next() {
		var cp models.Checkpoint
		var lastErr, notes sql.NullString
		var lastSync, lastSuccess sql.NullTime
		if err := rows.Scan(
			&cp.TenantID, &cp.EntityType, &cp.Position, &cp.Status, &cp.ItemsSynced,
			&lastErr, &notes, &lastSync, &lastSuccess, &cp.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if lastErr.Valid {
			cp.LastError = &lastErr.String
		}
		if notes.Valid {
			cp.Notes = &notes.String
		}
		if lastSync.Valid {
			cp.LastSyncAt = &lastSync.Time
		}
		if lastSuccess.Valid {
			cp.LastSuccessAt = &lastSuccess.Time
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}
