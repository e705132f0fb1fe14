package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pbxvault/pbxvault/internal/breaker"
	"github.com/pbxvault/pbxvault/internal/config"
	"github.com/pbxvault/pbxvault/internal/models"
	"github.com/pbxvault/pbxvault/internal/repository"
)

// TenantRunner executes one tenant's sync. Satisfied by the orchestrator.
type TenantRunner interface {
	RunTenant(ctx context.Context, tenant *models.Tenant, entities []models.EntityType, full bool) *models.SyncResult
}

// Entity groups per cadence. Chat data moves fastest and carries the
// maintenance pass with it; media is batched; the directory barely changes.
var (
	chatEntities      = []models.EntityType{models.EntityMessages, models.EntityCalls, models.EntityMaintenance}
	mediaEntities     = models.HeavyEntities
	directoryEntities = []models.EntityType{models.EntityDirectory}
)

// Scheduler fires tenant syncs on fixed cadences. Each cadence runs its pass
// in the background with an in-flight guard: a tick that lands while the
// previous pass is still working is a no-op, never a queue.
type Scheduler struct {
	tenants repository.TenantRepository
	breaker *breaker.Registry
	runner  TenantRunner
	cfg     config.SchedulerConfig
	logger  zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

func New(tenants repository.TenantRepository, reg *breaker.Registry, runner TenantRunner, cfg config.SchedulerConfig, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		tenants:  tenants,
		breaker:  reg,
		runner:   runner,
		cfg:      cfg,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		inFlight: make(map[string]bool),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches one ticker goroutine per cadence. Call Stop to drain.
func (s *Scheduler) Start(ctx context.Context) {
	s.spawn(ctx, "chat", s.cfg.ChatInterval, s.chatPass)
	s.spawn(ctx, "media", s.cfg.MediaInterval, s.mediaPass)
	s.spawn(ctx, "directory", s.cfg.DirectoryInterval, s.directoryPass)
	s.spawn(ctx, "sweep", s.cfg.SweepInterval, s.sweepPass)
	s.logger.Info().
		Dur("chat", s.cfg.ChatInterval).
		Dur("media", s.cfg.MediaInterval).
		Dur("directory", s.cfg.DirectoryInterval).
		Dur("sweep", s.cfg.SweepInterval).
		Msg("scheduler started")
}

// Stop halts the tickers and waits for in-flight passes to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) spawn(ctx context.Context, name string, interval time.Duration, pass func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.guarded(ctx, name, pass)
			}
		}
	}()
}

// guarded runs one pass unless the same cadence is already in flight.
func (s *Scheduler) guarded(ctx context.Context, name string, pass func(context.Context)) {
	s.mu.Lock()
	if s.inFlight[name] {
		s.mu.Unlock()
		s.logger.Debug().Str("cadence", name).Msg("previous pass still running, tick skipped")
		return
	}
	s.inFlight[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, name)
		s.mu.Unlock()
	}()
	pass(ctx)
}

// chatPass is the fastest cadence, so it also services manual triggers: a
// trigger is read then cleared before the run starts, and forces a full
// resync of every enabled entity type regardless of activity. Idle tenants
// are otherwise left to the sweep, so the fast cadences only pay for tenants
// with recent activity.
func (s *Scheduler) chatPass(ctx context.Context) {
	tenants, err := s.tenants.ListEnabled()
	if err != nil {
		s.logger.Error().Err(err).Msg("listing tenants")
		return
	}
	cutoff := s.now().Add(-s.cfg.InactiveAfter)
	for i := range tenants {
		tenant := &tenants[i]

		if tenant.TriggerRequestedAt != nil {
			if err := s.tenants.ClearTrigger(tenant.ID); err != nil {
				s.logger.Error().Err(err).Str("tenant_id", tenant.ID).Msg("clearing trigger")
				continue
			}
			s.logger.Info().Str("tenant_id", tenant.ID).Msg("manual trigger, full resync")
			s.runOne(ctx, tenant, models.PipelineOrder, true)
			continue
		}
		if tenant.InactiveSince(cutoff) {
			continue
		}
		s.runOne(ctx, tenant, chatEntities, false)
	}
}

func (s *Scheduler) mediaPass(ctx context.Context) {
	s.eachActive(ctx, mediaEntities)
}

// directoryPass covers every enabled tenant: names must stay current even for
// idle ones, and the hourly cadence bounds the cost by itself.
func (s *Scheduler) directoryPass(ctx context.Context) {
	s.eachEnabled(ctx, directoryEntities)
}

// sweepPass gives inactive tenants a cheap periodic pass so their relational
// data stays fresh without paying the media cost.
func (s *Scheduler) sweepPass(ctx context.Context) {
	tenants, err := s.tenants.ListEnabled()
	if err != nil {
		s.logger.Error().Err(err).Msg("listing tenants")
		return
	}
	cutoff := s.now().Add(-s.cfg.InactiveAfter)
	for i := range tenants {
		tenant := &tenants[i]
		if !tenant.InactiveSince(cutoff) {
			continue
		}
		s.runOne(ctx, tenant, models.LightweightEntities, false)
	}
}

func (s *Scheduler) eachEnabled(ctx context.Context, entities []models.EntityType) {
	tenants, err := s.tenants.ListEnabled()
	if err != nil {
		s.logger.Error().Err(err).Msg("listing tenants")
		return
	}
	for i := range tenants {
		s.runOne(ctx, &tenants[i], entities, false)
	}
}

// eachActive restricts a cadence to tenants with recent activity; the sweep
// is the path by which idle tenants stay fresh.
func (s *Scheduler) eachActive(ctx context.Context, entities []models.EntityType) {
	tenants, err := s.tenants.ListEnabled()
	if err != nil {
		s.logger.Error().Err(err).Msg("listing tenants")
		return
	}
	cutoff := s.now().Add(-s.cfg.InactiveAfter)
	for i := range tenants {
		if tenants[i].InactiveSince(cutoff) {
			continue
		}
		s.runOne(ctx, &tenants[i], entities, false)
	}
}

func (s *Scheduler) runOne(ctx context.Context, tenant *models.Tenant, entities []models.EntityType, full bool) {
	select {
	case <-ctx.Done():
		return
	case <-s.stop:
		return
	default:
	}

	decision := s.breaker.CanExecute(tenant.ID)
	if !decision.Allowed {
		s.logger.Debug().
			Str("tenant_id", tenant.ID).
			Str("reason", decision.Reason).
			Msg("circuit open, tenant skipped")
		return
	}

	res := s.runner.RunTenant(ctx, tenant, entities, full)
	evt := s.logger.Info()
	if res.Failed() {
		evt = s.logger.Warn()
	}
	evt.Str("tenant_id", tenant.ID).
		Int("synced", res.TotalSynced()).
		Bool("timed_out", res.TimedOut).
		Bool("partial", res.PartialFailure()).
		Dur("elapsed", res.FinishedAt.Sub(res.StartedAt)).
		Msg("tenant sync finished")
}
