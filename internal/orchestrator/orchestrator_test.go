package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbxvault/pbxvault/internal/breaker"
	"github.com/pbxvault/pbxvault/internal/config"
	"github.com/pbxvault/pbxvault/internal/models"
	"github.com/pbxvault/pbxvault/internal/pipeline"
	"github.com/pbxvault/pbxvault/internal/source"
	"github.com/pbxvault/pbxvault/internal/tunnel"
)

type fakeTenantRepo struct {
	touched []string
}

func (f *fakeTenantRepo) ListEnabled() ([]models.Tenant, error) { return nil, nil }
func (f *fakeTenantRepo) Get(id string) (models.Tenant, error) { return models.Tenant{}, nil }
func (f *fakeTenantRepo) List() ([]models.Tenant, error) { return nil, nil }
func (f *fakeTenantRepo) RequestSync(id string, at time.Time) error { return nil }
func (f *fakeTenantRepo) ClearTrigger(id string) error { return nil }
func (f *fakeTenantRepo) TouchActivity(id string) error {
	f.touched = append(f.touched, id)
	return nil
}

type stubPipeline struct {
	entity models.EntityType
	result models.EntityResult
	err    error
	runs   int
}

func (s *stubPipeline) EntityType() models.EntityType { return s.entity }

func (s *stubPipeline) Run(_ context.Context, _ *models.Tenant, _ pipeline.RunContext) (models.EntityResult, error) {
	s.runs++
	res := s.result
	res.EntityType = s.entity
	res.Err = s.err
	return res, s.err
}

func testTenant() *models.Tenant {
	return &models.Tenant{
		ID:               "tenant-1",
		Name:             "acme",
		Enabled:          true,
		BackupDirectory:  true,
		BackupMessages:   true,
		BackupCalls:      true,
		BackupVoicemails: true,
		BackupRecordings: true,
	}
}

func newTestOrchestrator(tenants *fakeTenantRepo, reg *breaker.Registry, pipes ...pipeline.Pipeline) *Orchestrator {
	byEntity := make(map[models.EntityType]pipeline.Pipeline, len(pipes))
	for _, p := range pipes {
		byEntity[p.EntityType()] = p
	}
	o := &Orchestrator{
		tenants:   tenants,
		breaker:   reg,
		pipelines: byEntity,
		budget:    time.Minute,
		logger:    zerolog.Nop(),
	}
	o.connect = func(_ context.Context, _ *models.Tenant, _ bool) (source.Queries, source.FileClient, error) {
		return nil, nil, nil
	}
	return o
}

func testBreaker() *breaker.Registry {
	cfg := config.BreakerConfig{}
	c := config.Config{Breaker: cfg}
	config.ApplyDefaults(&c)
	return breaker.NewRegistry(c.Breaker)
}

func TestRunTenantExecutesInPipelineOrder(t *testing.T) {
	var order []models.EntityType
	mk := func(et models.EntityType) *orderedPipeline {
		return &orderedPipeline{entity: et, order: &order}
	}
	o := newTestOrchestrator(&fakeTenantRepo{}, testBreaker(),
		mk(models.EntityCalls), mk(models.EntityDirectory), mk(models.EntityMessages))

	res := o.RunTenant(context.Background(), testTenant(),
		[]models.EntityType{models.EntityCalls, models.EntityMessages, models.EntityDirectory}, false)

	require.False(t, res.Failed())
	assert.Equal(t, []models.EntityType{models.EntityDirectory, models.EntityMessages, models.EntityCalls}, order)
}

type orderedPipeline struct {
	entity models.EntityType
	order  *[]models.EntityType
}

func (p *orderedPipeline) EntityType() models.EntityType { return p.entity }

func (p *orderedPipeline) Run(_ context.Context, _ *models.Tenant, _ pipeline.RunContext) (models.EntityResult, error) {
	*p.order = append(*p.order, p.entity)
	return models.EntityResult{EntityType: p.entity, Synced: 1}, nil
}

func TestRunTenantSkipsDisabledEntities(t *testing.T) {
	faxes := &stubPipeline{entity: models.EntityFaxes}
	calls := &stubPipeline{entity: models.EntityCalls, result: models.EntityResult{Synced: 2}}
	o := newTestOrchestrator(&fakeTenantRepo{}, testBreaker(), faxes, calls)

	tenant := testTenant() // faxes off by default
	res := o.RunTenant(context.Background(), tenant,
		[]models.EntityType{models.EntityFaxes, models.EntityCalls}, false)

	assert.Equal(t, 0, faxes.runs)
	assert.Equal(t, 1, calls.runs)
	assert.Equal(t, 2, res.TotalSynced())
}

func TestRunTenantContinuesPastPipelineFailure(t *testing.T) {
	reg := testBreaker()
	broken := &stubPipeline{entity: models.EntityMessages, err: fmt.Errorf("scan failed")}
	calls := &stubPipeline{entity: models.EntityCalls, result: models.EntityResult{Synced: 5}}
	repo := &fakeTenantRepo{}
	o := newTestOrchestrator(repo, reg, broken, calls)

	res := o.RunTenant(context.Background(), testTenant(),
		[]models.EntityType{models.EntityMessages, models.EntityCalls}, false)

	assert.Equal(t, 1, calls.runs)
	assert.True(t, res.PartialFailure())
	// Data errors are not connectivity: the run does not trip the breaker.
	assert.False(t, res.Failed())
	assert.Equal(t, breaker.StateClosed, reg.GetState("tenant-1").State)
	assert.Equal(t, []string{"tenant-1"}, repo.touched)
}

func TestRunTenantConnectFailureTripsBreaker(t *testing.T) {
	reg := testBreaker()
	repo := &fakeTenantRepo{}
	calls := &stubPipeline{entity: models.EntityCalls}
	o := newTestOrchestrator(repo, reg, calls)
	o.connect = func(_ context.Context, _ *models.Tenant, _ bool) (source.Queries, source.FileClient, error) {
		return nil, nil, errors.Wrap(tunnel.ErrUnreachable, "tcp preflight 203.0.113.9:22")
	}

	for i := 0; i < 3; i++ {
		res := o.RunTenant(context.Background(), testTenant(),
			[]models.EntityType{models.EntityCalls}, false)
		require.True(t, res.Failed())
	}

	assert.Equal(t, 0, calls.runs)
	assert.Equal(t, breaker.StateOpen, reg.GetState("tenant-1").State)
	assert.Empty(t, repo.touched)
}

func TestRunTenantMidRunConnectivityLossAborts(t *testing.T) {
	reg := testBreaker()
	dir := &stubPipeline{entity: models.EntityDirectory, err: errors.Wrap(tunnel.ErrForward, "local port gone")}
	calls := &stubPipeline{entity: models.EntityCalls}
	o := newTestOrchestrator(&fakeTenantRepo{}, reg, dir, calls)

	res := o.RunTenant(context.Background(), testTenant(),
		[]models.EntityType{models.EntityDirectory, models.EntityCalls}, false)

	assert.True(t, res.Failed())
	// Later pipelines never run once the tenant is unreachable.
	assert.Equal(t, 0, calls.runs)
	assert.Equal(t, 1, reg.GetState("tenant-1").Failures)
}

func TestRunTenantBudgetExhaustionCountsAsFailure(t *testing.T) {
	reg := testBreaker()
	slow := &stubPipeline{entity: models.EntityMessages, err: context.DeadlineExceeded}
	o := newTestOrchestrator(&fakeTenantRepo{}, reg, slow)

	res := o.RunTenant(context.Background(), testTenant(),
		[]models.EntityType{models.EntityMessages}, false)

	assert.True(t, res.TimedOut)
	assert.True(t, res.Failed())
	assert.Equal(t, 1, reg.GetState("tenant-1").Failures)
}
