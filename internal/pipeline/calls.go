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

// CallsPipeline mirrors the tenant's call history. CDR rows are immutable on
// the source, so a plain insert-or-ignore keeps the sink exact.
type CallsPipeline struct {
	base
	calls repository.CallRepository
}

func NewCallsPipeline(checkpoints repository.CheckpointRepository, calls repository.CallRepository, cfg config.SyncConfig, logger zerolog.Logger) *CallsPipeline {
	return &CallsPipeline{
		base: base{
			entity:      models.EntityCalls,
			checkpoints: checkpoints,
			logger:      logger.With().Str("component", "pipeline.calls").Logger(),
			pageSize:    cfg.PageSize,
		},
		calls: calls,
	}
}

func (p *CallsPipeline) EntityType() models.EntityType { return models.EntityCalls }

func (p *CallsPipeline) Run(ctx context.Context, tenant *models.Tenant, rc RunContext) (models.EntityResult, error) {
	return p.run(ctx, tenant.ID, rc.Full, func(ctx context.Context, since time.Time, limit int) (int, time.Time, models.EntityResult, error) {
		var pageRes models.EntityResult

		calls, err := rc.Source.CallsSince(ctx, since, limit)
		if err != nil {
			return 0, time.Time{}, pageRes, err
		}

		var lastTS time.Time
		for _, c := range calls {
			inserted, err := p.calls.Upsert(models.CallRecord{
				TenantID:  tenant.ID,
				SourceID:  c.SourceID,
				Caller:    c.Caller,
				Callee:    c.Callee,
				Direction: callDirection(c),
				StartedAt: c.StartedAt,
				Duration:  c.Duration,
				Answered:  c.Answered,
			})
			if err != nil {
				// A write failure aborts the page; the checkpoint stays
				// behind the unwritten record.
				return len(calls), lastTS, pageRes, errors.Wrapf(err, "call %s", c.SourceID)
			}
			lastTS = c.StartedAt
			if inserted {
				pageRes.Synced++
			} else {
				pageRes.Skipped++
			}
		}
		return len(calls), lastTS, pageRes, nil
	})
}
