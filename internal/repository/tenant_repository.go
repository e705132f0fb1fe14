package repository

import (
	"database/sql"
	"time"

	"github.com/pbxvault/pbxvault/internal/models"
	"github.com/pbxvault/pbxvault/internal/utils"
)

type TenantRepository interface {
	ListEnabled() ([]models.Tenant, error)
	Get(id string) (models.Tenant, error)
	List() ([]models.Tenant, error)
	TouchActivity(id string) error
	RequestSync(id string, at time.Time) error
	ClearTrigger(id string) error
}

type tenantRepository struct {
	db *sql.DB
}

func NewTenantRepository(db *sql.DB) TenantRepository {
	return &tenantRepository{db: db}
}

const tenantColumns = `
	id, name, enabled, host, ssh_port, ssh_user, ssh_password_enc,
	db_port, db_name, db_user, db_password_enc,
	backup_directory, backup_messages, backup_calls, backup_voicemails,
	backup_faxes, backup_recordings, backup_meetings,
	recording_path, voicemail_path, fax_path, meeting_path,
	trigger_requested_at, last_activity_at, created_at, updated_at`

func scanTenant(row interface{ Scan(...interface{}) error }) (models.Tenant, error) {
	var t models.Tenant
	var recPath, vmPath, faxPath, meetPath sql.NullString
	var trigger, activity sql.NullTime

	err := row.Scan(
		&t.ID, &t.Name, &t.Enabled, &t.Host, &t.SSHPort, &t.SSHUser, &t.SSHPasswordEnc,
		&t.DBPort, &t.DBName, &t.DBUser, &t.DBPassEnc,
		&t.BackupDirectory, &t.BackupMessages, &t.BackupCalls, &t.BackupVoicemails,
		&t.BackupFaxes, &t.BackupRecordings, &t.BackupMeetings,
		&recPath, &vmPath, &faxPath, &meetPath,
		&trigger, &activity, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return t, err
	}
	if recPath.Valid {
		t.RecordingPath = &recPath.String
	}
	if vmPath.Valid {
		t.VoicemailPath = &vmPath.String
	}
	if faxPath.Valid {
		t.FaxPath = &faxPath.String
	}
	if meetPath.Valid {
		t.MeetingPath = &meetPath.String
	}
	if trigger.Valid {
		t.TriggerRequestedAt = &trigger.Time
	}
	if activity.Valid {
		t.LastActivityAt = &activity.Time
	}

	// Credentials are sealed at rest; decrypt for the tunnel manager.
	if len(t.SSHPasswordEnc) > 0 {
		if t.SSHPassword, err = utils.DecryptSecret(t.SSHPasswordEnc); err != nil {
			return t, err
		}
	}
	if len(t.DBPassEnc) > 0 {
		if t.DBPassword, err = utils.DecryptSecret(t.DBPassEnc); err != nil {
			return t, err
		}
	}
	return t, nil
}

func (r *tenantRepository) queryTenants(query string, args ...interface{}) ([]models.Tenant, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (r *tenantRepository) ListEnabled() ([]models.Tenant, error) {
	return r.queryTenants(`
		SELECT ` + tenantColumns + `
		FROM pbx.tenants
		WHERE enabled
		ORDER BY name;
	`)
}

func (r *tenantRepository) List() ([]models.Tenant, error) {
	return r.queryTenants(`
		SELECT ` + tenantColumns + `
		FROM pbx.tenants
		ORDER BY name;
	`)
}

func (r *tenantRepository) Get(id string) (models.Tenant, error) {
	row := r.db.QueryRow(`
		SELECT `+tenantColumns+`
		FROM pbx.tenants
		WHERE id = $1;
	`, id)
	return scanTenant(row)
}

func (r *tenantRepository) TouchActivity(id string) error {
	_, err := r.db.Exec(`
		UPDATE pbx.tenants
		SET last_activity_at = now(), updated_at = now()
		WHERE id = $1;
	`, id)
	return err
}

// RequestSync sets the manual-trigger marker the scheduler honors on its
// next tick.
func (r *tenantRepository) RequestSync(id string, at time.Time) error {
	res, err := r.db.Exec(`
		UPDATE pbx.tenants
		SET trigger_requested_at = $2, updated_at = now()
		WHERE id = $1;
	`, id, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *tenantRepository) ClearTrigger(id string) error {
	_, err := r.db.Exec(`
		UPDATE pbx.tenants
		SET trigger_requested_at = NULL, updated_at = now()
		WHERE id = $1;
	`, id)
	return err
}
