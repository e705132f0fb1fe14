package repository

import (
	"database/sql"

	"github.com/google/uuid"

	"github.com/pbxvault/pbxvault/internal/models"
)

type ExtensionRepository interface {
	// Upsert writes one directory entry. Returns true when a new row was
	// inserted, false when an existing one was refreshed.
	Upsert(ext models.Extension) (bool, error)
	// PropagateNames pushes current display names into every denormalized
	// reference (messages, call records, participants) and returns how many
	// rows changed. Safe to run repeatedly; a second pass changes nothing.
	PropagateNames(tenantID string) (int64, error)
}

type extensionRepository struct {
	db *sql.DB
}

func NewExtensionRepository(db *sql.DB) ExtensionRepository {
	return &extensionRepository{db: db}
}

func (r *extensionRepository) Upsert(ext models.Extension) (bool, error) {
	const query = `
		INSERT INTO pbx.extensions (id, tenant_id, number, display_name, email, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, number)
		DO UPDATE SET display_name = EXCLUDED.display_name,
		              email = EXCLUDED.email,
		              updated_at = EXCLUDED.updated_at
		WHERE pbx.extensions.updated_at < EXCLUDED.updated_at
		RETURNING (xmax = 0) AS inserted;
	`
	var inserted bool
	err := r.db.QueryRow(query,
		uuid.NewString(), ext.TenantID, ext.Number, ext.DisplayName, ext.Email, ext.UpdatedAt,
	).Scan(&inserted)
	if err == sql.ErrNoRows {
		// Conflict row was newer than ours: nothing written.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (r *extensionRepository) PropagateNames(tenantID string) (int64, error) {
	var total int64

	statements := []string{
		`UPDATE pbx.messages m
		 SET sender_name = e.display_name
		 FROM pbx.extensions e
		 WHERE m.tenant_id = $1 AND e.tenant_id = $1
		   AND e.number = m.sender
		   AND m.sender_name IS DISTINCT FROM e.display_name;`,
		`UPDATE pbx.call_records c
		 SET caller_name = e.display_name
		 FROM pbx.extensions e
		 WHERE c.tenant_id = $1 AND e.tenant_id = $1
		   AND e.number = c.caller
		   AND c.caller_name IS DISTINCT FROM e.display_name;`,
		`UPDATE pbx.call_records c
		 SET callee_name = e.display_name
		 FROM pbx.extensions e
		 WHERE c.tenant_id = $1 AND e.tenant_id = $1
		   AND e.number = c.callee
		   AND c.callee_name IS DISTINCT FROM e.display_name;`,
		`UPDATE pbx.conversation_participants p
		 SET display_name = e.display_name
		 FROM pbx.extensions e
		 WHERE p.tenant_id = $1 AND e.tenant_id = $1
		   AND e.number = p.address
		   AND p.display_name IS DISTINCT FROM e.display_name;`,
	}

	for _, stmt := range statements {
		res, err := r.db.Exec(stmt, tenantID)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
