package repository

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/pbxvault/pbxvault/internal/models"
)

type MediaRepository interface {
	// Upsert returns true for a new item; a conflict on (tenant, source
	// path) counts as already synced.
	Upsert(item models.MediaItem) (bool, error)
	// AttachToMessages links unclaimed attachment payloads to their owning
	// messages. The matching rule is deterministic: a payload belongs to
	// the message whose source id equals the file's extensionless basename.
	// Returns how many items were linked.
	AttachToMessages(tenantID string) (int64, error)
}

type mediaRepository struct {
	db *sql.DB
}

func NewMediaRepository(db *sql.DB) MediaRepository {
	return &mediaRepository{db: db}
}

func (r *mediaRepository) Upsert(item models.MediaItem) (bool, error) {
	const query = `
		INSERT INTO pbx.media_items
			(id, tenant_id, category, source_path, storage_key, size_bytes,
			 compressed, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, source_path) DO NOTHING;
	`
	res, err := r.db.Exec(query,
		uuid.NewString(), item.TenantID, item.Category, item.SourcePath,
		item.StorageKey, item.SizeBytes, item.Compressed, item.ModifiedAt,
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

func (r *mediaRepository) AttachToMessages(tenantID string) (int64, error) {
	// regexp_replace strips the directory and the final extension, leaving
	// the basename the PBX derives from the message id.
	const query = `
		UPDATE pbx.media_items mi
		SET message_id = m.id
		FROM pbx.messages m
		WHERE mi.tenant_id = $1 AND m.tenant_id = $1
		  AND mi.category = 'attachments'
		  AND mi.message_id IS NULL
		  AND m.source_id = regexp_replace(
		        regexp_replace(mi.source_path, '^.*/', ''),
		        '\.[^.]*$', '');
	`
	res, err := r.db.Exec(query, tenantID)
	if err != nil {
		return 0, errors.Wrap(err, "attaching media to messages")
	}
	return res.RowsAffected()
}
