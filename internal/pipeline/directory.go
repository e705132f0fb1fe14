package pipeline

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pbxvault/pbxvault/internal/config"
	"github.com/pbxvault/pbxvault/internal/models"
	"github.com/pbxvault/pbxvault/internal/repository"
)

// DirectoryPipeline mirrors the extension directory. Unlike messages and
// calls, directory rows mutate in place; the upsert refreshes stale names
// while the maintenance pass fans them out to denormalized references.
type DirectoryPipeline struct {
	base
	extensions repository.ExtensionRepository
}

func NewDirectoryPipeline(checkpoints repository.CheckpointRepository, extensions repository.ExtensionRepository, cfg config.SyncConfig, logger zerolog.Logger) *DirectoryPipeline {
	return &DirectoryPipeline{
		base: base{
			entity:      models.EntityDirectory,
			checkpoints: checkpoints,
			logger:      logger.With().Str("component", "pipeline.directory").Logger(),
			pageSize:    cfg.PageSize,
		},
		extensions: extensions,
	}
}

func (p *DirectoryPipeline) EntityType() models.EntityType { return models.EntityDirectory }

func (p *DirectoryPipeline) Run(ctx context.Context, tenant *models.Tenant, rc RunContext) (models.EntityResult, error) {
	return p.run(ctx, tenant.ID, rc.Full, func(ctx context.Context, since time.Time, limit int) (int, time.Time, models.EntityResult, error) {
		var pageRes models.EntityResult

		exts, err := rc.Source.ExtensionsSince(ctx, since, limit)
		if err != nil {
			return 0, time.Time{}, pageRes, err
		}

		var lastTS time.Time
		for _, e := range exts {
			inserted, err := p.extensions.Upsert(models.Extension{
				TenantID:    tenant.ID,
				Number:      e.Number,
				DisplayName: e.DisplayName,
				Email:       e.Email,
				UpdatedAt:   e.UpdatedAt,
			})
			if err != nil {
				return len(exts), lastTS, pageRes, errors.Wrapf(err, "extension %s", e.Number)
			}
			lastTS = e.UpdatedAt
			if inserted {
				pageRes.Synced++
			} else {
				pageRes.Skipped++
			}
		}
		return len(exts), lastTS, pageRes, nil
	})
}
