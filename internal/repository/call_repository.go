package repository

import (
	"database/sql"

	"github.com/google/uuid"

	"github.com/pbxvault/pbxvault/internal/models"
)

type CallRepository interface {
	// Upsert returns true for a new record; a conflict on (tenant, source
	// id) counts as already synced.
	Upsert(call models.CallRecord) (bool, error)
}

type callRepository struct {
	db *sql.DB
}

func NewCallRepository(db *sql.DB) CallRepository {
	return &callRepository{db: db}
}

func (r *callRepository) Upsert(call models.CallRecord) (bool, error) {
	const query = `
		INSERT INTO pbx.call_records
			(id, tenant_id, source_id, caller, caller_name, callee, callee_name,
			 direction, started_at, duration_seconds, answered)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, source_id) DO NOTHING;
	`
	res, err := r.db.Exec(query,
		uuid.NewString(), call.TenantID, call.SourceID, call.Caller, call.CallerName,
		call.Callee, call.CalleeName, call.Direction, call.StartedAt, call.Duration, call.Answered,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
