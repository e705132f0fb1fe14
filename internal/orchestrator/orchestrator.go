package orchestrator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pbxvault/pbxvault/internal/breaker"
	"github.com/pbxvault/pbxvault/internal/config"
	"github.com/pbxvault/pbxvault/internal/models"
	"github.com/pbxvault/pbxvault/internal/pipeline"
	"github.com/pbxvault/pbxvault/internal/repository"
	"github.com/pbxvault/pbxvault/internal/source"
	"github.com/pbxvault/pbxvault/internal/tunnel"
)

// Orchestrator drives one tenant's sync end to end: connect through the
// tunnel, run the requested pipelines in fixed order, classify what went
// wrong, and feed the outcome back to the circuit breaker.
type Orchestrator struct {
	tenants   repository.TenantRepository
	breaker   *breaker.Registry
	pipelines map[models.EntityType]pipeline.Pipeline
	budget    time.Duration
	logger    zerolog.Logger

	// connect is swapped out by tests.
	connect func(ctx context.Context, tenant *models.Tenant, needFiles bool) (source.Queries, source.FileClient, error)
}

func New(tenants repository.TenantRepository, reg *breaker.Registry, pools *tunnel.PoolManager, tunnels *tunnel.Manager, pipes []pipeline.Pipeline, cfg config.SyncConfig, logger zerolog.Logger) *Orchestrator {
	byEntity := make(map[models.EntityType]pipeline.Pipeline, len(pipes))
	for _, p := range pipes {
		byEntity[p.EntityType()] = p
	}
	o := &Orchestrator{
		tenants:   tenants,
		breaker:   reg,
		pipelines: byEntity,
		budget:    cfg.TenantBudget,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
	}
	o.connect = func(ctx context.Context, tenant *models.Tenant, needFiles bool) (source.Queries, source.FileClient, error) {
		db, err := pools.DB(ctx, tenant)
		if err != nil {
			return nil, nil, err
		}
		queries := source.NewClient(db)
		if !needFiles {
			return queries, nil, nil
		}
		t, err := tunnels.Acquire(ctx, tenant)
		if err != nil {
			return nil, nil, err
		}
		sftpCli, err := t.SFTP()
		if err != nil {
			return nil, nil, err
		}
		return queries, source.NewFileClient(sftpCli), nil
	}
	return o
}

// RunTenant syncs the requested entity types for one tenant, honoring the
// per-tenant time budget. Pipeline failures are recorded and the run moves on
// to the next entity; connectivity failures and budget exhaustion abort the
// run and count against the circuit breaker.
func (o *Orchestrator) RunTenant(ctx context.Context, tenant *models.Tenant, requested []models.EntityType, full bool) *models.SyncResult {
	res := &models.SyncResult{TenantID: tenant.ID, StartedAt: time.Now()}
	defer func() {
		res.FinishedAt = time.Now()
		o.settle(tenant, res)
	}()

	ctx, cancel := context.WithTimeout(ctx, o.budget)
	defer cancel()

	want := make(map[models.EntityType]bool, len(requested))
	needFiles := false
	for _, et := range requested {
		if !tenant.EnabledFor(et) {
			continue
		}
		want[et] = true
		// Messages may carry attachments; the heavy entities always need
		// the file channel.
		switch et {
		case models.EntityMessages, models.EntityVoicemails, models.EntityFaxes,
			models.EntityRecordings, models.EntityMeetings:
			needFiles = true
		}
	}
	if len(want) == 0 {
		return res
	}

	queries, files, err := o.connect(ctx, tenant, needFiles)
	if err != nil {
		res.Connectivity = err
		return res
	}
	rc := pipeline.RunContext{Source: queries, Files: files, Full: full}

	for _, et := range models.PipelineOrder {
		if !want[et] {
			continue
		}
		p, ok := o.pipelines[et]
		if !ok {
			continue
		}

		entRes, err := p.Run(ctx, tenant, rc)
		res.Entities = append(res.Entities, entRes)
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
			res.TimedOut = true
			o.logger.Warn().
				Str("tenant_id", tenant.ID).
				Str("entity_type", string(et)).
				Msg("tenant budget exhausted, aborting run")
			return res
		case isConnectivity(err):
			res.Connectivity = err
			o.logger.Warn().Err(err).
				Str("tenant_id", tenant.ID).
				Str("entity_type", string(et)).
				Msg("connectivity lost mid-run")
			return res
		default:
			// Contained pipeline failure: the checkpoint already recorded
			// it, later entities still get their turn.
			o.logger.Error().Err(err).
				Str("tenant_id", tenant.ID).
				Str("entity_type", string(et)).
				Msg("pipeline failed")
		}
	}
	return res
}

// settle feeds the run outcome into the breaker and the activity marker.
func (o *Orchestrator) settle(tenant *models.Tenant, res *models.SyncResult) {
	if res.Failed() {
		reason := "tenant budget exhausted"
		if res.Connectivity != nil {
			reason = res.Connectivity.Error()
		}
		o.breaker.RecordFailure(tenant.ID, reason)
		return
	}
	o.breaker.RecordSuccess(tenant.ID)

	if res.TotalSynced() > 0 {
		if err := o.tenants.TouchActivity(tenant.ID); err != nil {
			o.logger.Error().Err(err).Str("tenant_id", tenant.ID).Msg("failed to touch activity")
		}
	}
}

// isConnectivity distinguishes tenant-unreachable failures, which should trip
// the breaker, from data problems, which should not.
func isConnectivity(err error) bool {
	return errors.Is(err, tunnel.ErrDNS) ||
		errors.Is(err, tunnel.ErrUnreachable) ||
		errors.Is(err, tunnel.ErrHandshake) ||
		errors.Is(err, tunnel.ErrForward)
}
