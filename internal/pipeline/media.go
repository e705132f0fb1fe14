package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pbxvault/pbxvault/internal/config"
	"github.com/pbxvault/pbxvault/internal/models"
	"github.com/pbxvault/pbxvault/internal/repository"
)

// MediaPipeline ships one category of binary payloads (recordings,
// voicemails, faxes or meetings) from the tenant's filesystem to the blob
// store. One instance is registered per heavy entity type.
type MediaPipeline struct {
	base
	up *Uploader
}

func NewMediaPipeline(entity models.EntityType, checkpoints repository.CheckpointRepository, up *Uploader, cfg config.SyncConfig, logger zerolog.Logger) *MediaPipeline {
	return &MediaPipeline{
		base: base{
			entity:      entity,
			checkpoints: checkpoints,
			logger:      logger.With().Str("component", "pipeline."+string(entity)).Logger(),
			pageSize:    cfg.PageSize,
		},
		up: up,
	}
}

func (p *MediaPipeline) EntityType() models.EntityType { return p.entity }

func (p *MediaPipeline) Run(ctx context.Context, tenant *models.Tenant, rc RunContext) (models.EntityResult, error) {
	category := models.CategoryFor(p.entity)
	root := tenant.MediaRoot(category)

	// One recursive walk serves the whole run; the listing is mod-time
	// ordered, so pages are carved from it in checkpoint order.
	var (
		listing []models.RemoteFile
		listed  bool
		offset  int
	)

	return p.run(ctx, tenant.ID, rc.Full, func(ctx context.Context, since time.Time, limit int) (int, time.Time, models.EntityResult, error) {
		var pageRes models.EntityResult

		if !listed {
			files, err := rc.Files.ListSince(root, since)
			if err != nil {
				return 0, time.Time{}, pageRes, err
			}
			listing, listed = files, true
		}

		end := offset + limit
		if end > len(listing) {
			end = len(listing)
		}
		page := listing[offset:end]
		offset = end

		var lastTS time.Time
		for _, file := range page {
			if err := p.up.upload(ctx, rc.Files, tenant.ID, category, file, &pageRes); err != nil {
				return len(page), lastTS, pageRes, err
			}
			lastTS = file.ModTime
		}
		return len(page), lastTS, pageRes, nil
	})
}
