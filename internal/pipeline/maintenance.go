package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pbxvault/pbxvault/internal/models"
	"github.com/pbxvault/pbxvault/internal/repository"
)

// MaintenancePipeline is the reconciliation pass that runs after the data
// pipelines: it re-propagates renamed display names, links orphaned
// attachments to their messages and merges conversations that turned out to
// have identical participant sets. It keeps no position; every run re-scans.
type MaintenancePipeline struct {
	checkpoints repository.CheckpointRepository
	extensions  repository.ExtensionRepository
	media       repository.MediaRepository
	messages    repository.MessageRepository
	logger      zerolog.Logger
}

func NewMaintenancePipeline(checkpoints repository.CheckpointRepository, extensions repository.ExtensionRepository, media repository.MediaRepository, messages repository.MessageRepository, logger zerolog.Logger) *MaintenancePipeline {
	return &MaintenancePipeline{
		checkpoints: checkpoints,
		extensions:  extensions,
		media:       media,
		messages:    messages,
		logger:      logger.With().Str("component", "pipeline.maintenance").Logger(),
	}
}

func (p *MaintenancePipeline) EntityType() models.EntityType { return models.EntityMaintenance }

func (p *MaintenancePipeline) Run(ctx context.Context, tenant *models.Tenant, _ RunContext) (models.EntityResult, error) {
	res := models.EntityResult{EntityType: models.EntityMaintenance}

	if err := p.checkpoints.MarkRunning(tenant.ID, models.EntityMaintenance); err != nil {
		res.Err = err
		return res, err
	}

	renamed, err := p.extensions.PropagateNames(tenant.ID)
	if err != nil {
		return p.fail(tenant.ID, res, err)
	}

	linked, err := p.media.AttachToMessages(tenant.ID)
	if err != nil {
		return p.fail(tenant.ID, res, err)
	}

	var merged int
	pairs, err := p.messages.FindDuplicateConversations(tenant.ID)
	if err != nil {
		return p.fail(tenant.ID, res, err)
	}
	for _, pair := range pairs {
		select {
		case <-ctx.Done():
			return p.fail(tenant.ID, res, ctx.Err())
		default:
		}
		moved, err := p.messages.MergeConversations(tenant.ID, pair.Keep.ID, pair.Duplicate.ID)
		if err != nil {
			itemErr(&res, pair.Duplicate.SourceID, err)
			continue
		}
		merged++
		p.logger.Info().
			Str("tenant_id", tenant.ID).
			Str("keep", pair.Keep.ID).
			Str("duplicate", pair.Duplicate.ID).
			Int64("messages_moved", moved).
			Msg("merged duplicate conversation")
	}

	res.Synced = int(renamed+linked) + merged
	note := fmt.Sprintf("renamed %d refs, linked %d media, merged %d conversations", renamed, linked, merged)
	if len(res.Errors) > 0 {
		// Failed merges roll back and stay in the queue for the next pass,
		// but the run must not read as a clean success.
		note += fmt.Sprintf(", %d merges failed", len(res.Errors))
		if err := p.checkpoints.MarkError(tenant.ID, models.EntityMaintenance, note); err != nil {
			res.Err = err
			return res, err
		}
		return res, nil
	}
	if err := p.checkpoints.MarkSuccess(tenant.ID, models.EntityMaintenance, res.Synced, note); err != nil {
		res.Err = err
		return res, err
	}
	return res, nil
}

func (p *MaintenancePipeline) fail(tenantID string, res models.EntityResult, err error) (models.EntityResult, error) {
	res.Err = err
	if markErr := p.checkpoints.MarkError(tenantID, models.EntityMaintenance, err.Error()); markErr != nil {
		p.logger.Error().Err(markErr).Str("tenant_id", tenantID).Msg("failed to record checkpoint error")
	}
	return res, err
}
