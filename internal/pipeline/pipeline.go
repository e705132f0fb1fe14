package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pbxvault/pbxvault/internal/models"
	"github.com/pbxvault/pbxvault/internal/repository"
	"github.com/pbxvault/pbxvault/internal/source"
)

// epsilon is added to the last processed timestamp before the checkpoint
// advances, so millisecond-level representation differences between source
// and sink cannot re-fetch the final record of a page.
const epsilon = time.Millisecond

// RunContext carries the tenant-scoped, tunnel-backed collaborators for one
// orchestrator invocation.
type RunContext struct {
	Source source.Queries
	Files  source.FileClient
	// Full ignores the stored position: the whole history is re-extracted
	// and the idempotent upserts absorb everything already present.
	Full bool
}

// Pipeline synchronizes one entity type for one tenant. Implementations are
// idempotent: a second run against an unchanged source writes nothing new.
type Pipeline interface {
	EntityType() models.EntityType
	Run(ctx context.Context, tenant *models.Tenant, rc RunContext) (models.EntityResult, error)
}

// pageFunc extracts and writes one page. It returns the number of records
// fetched (the loop stops on a short page), the source timestamp of the last
// record, and the page's counts.
type pageFunc func(ctx context.Context, since time.Time, limit int) (int, time.Time, models.EntityResult, error)

// base implements the shared checkpoint/paging discipline: mark running,
// page from the stored position, persist progress after every page so a
// crash loses at most one page, and finish with success or error status.
type base struct {
	entity      models.EntityType
	checkpoints repository.CheckpointRepository
	logger      zerolog.Logger
	pageSize    int
}

func (b *base) run(ctx context.Context, tenantID string, full bool, page pageFunc) (models.EntityResult, error) {
	res := models.EntityResult{EntityType: b.entity}

	if err := b.checkpoints.MarkRunning(tenantID, b.entity); err != nil {
		res.Err = err
		return res, err
	}

	cp, err := b.checkpoints.Get(tenantID, b.entity)
	if err != nil {
		b.fail(tenantID, &res, err)
		return res, err
	}

	since := cp.Position
	if full || cp.FirstSync() {
		since = time.Time{}
	}

	for {
		select {
		case <-ctx.Done():
			b.fail(tenantID, &res, ctx.Err())
			return res, ctx.Err()
		default:
		}

		fetched, lastTS, pageRes, err := page(ctx, since, b.pageSize)
		res.Synced += pageRes.Synced
		res.Skipped += pageRes.Skipped
		res.TooLarge += pageRes.TooLarge
		res.Errors = append(res.Errors, pageRes.Errors...)
		if err != nil {
			b.fail(tenantID, &res, err)
			return res, err
		}

		if fetched > 0 {
			since = lastTS.Add(epsilon)
			if err := b.checkpoints.AdvancePosition(tenantID, b.entity, since, pageRes.Synced); err != nil {
				b.fail(tenantID, &res, err)
				return res, err
			}
		}
		if fetched < b.pageSize {
			break
		}
	}

	// Contained item errors still disqualify the run from reading as a
	// clean success; the status carries the partial counts instead.
	if len(res.Errors) > 0 {
		note := res.Summary() + "; first: " + res.Errors[0].Message
		if err := b.checkpoints.MarkError(tenantID, b.entity, note); err != nil {
			res.Err = err
			return res, err
		}
		b.logger.Warn().
			Str("tenant_id", tenantID).
			Str("entity_type", string(b.entity)).
			Int("synced", res.Synced).
			Int("item_errors", len(res.Errors)).
			Msg("pipeline pass finished with item errors")
		return res, nil
	}

	if err := b.checkpoints.MarkSuccess(tenantID, b.entity, res.Synced, res.Summary()); err != nil {
		res.Err = err
		return res, err
	}
	b.logger.Debug().
		Str("tenant_id", tenantID).
		Str("entity_type", string(b.entity)).
		Int("synced", res.Synced).
		Int("skipped", res.Skipped).
		Msg("pipeline pass complete")
	return res, nil
}

// fail records the error on the checkpoint without touching the position:
// progress stays at the last committed page.
func (b *base) fail(tenantID string, res *models.EntityResult, err error) {
	res.Err = err
	if markErr := b.checkpoints.MarkError(tenantID, b.entity, err.Error()); markErr != nil {
		b.logger.Error().Err(markErr).
			Str("tenant_id", tenantID).
			Str("entity_type", string(b.entity)).
			Msg("failed to record checkpoint error")
	}
}

// itemErr appends a contained single-record failure. Only per-record data
// problems belong here; destination write errors propagate out of the page
// so the checkpoint cannot advance past an unwritten record.
func itemErr(res *models.EntityResult, sourceID string, err error) {
	res.Errors = append(res.Errors, models.ItemError{SourceID: sourceID, Message: err.Error()})
}
