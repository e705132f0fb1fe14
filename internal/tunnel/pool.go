package tunnel

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pbxvault/pbxvault/internal/config"
	"github.com/pbxvault/pbxvault/internal/models"
)

// PoolManager owns one metadata-database pool per tenant, built on top of
// that tenant's tunnel. A pool never outlives its tunnel: when the manager
// reports a death the pool is closed and rebuilt on next use instead of
// being reused against a dead local port.
type PoolManager struct {
	mu      sync.Mutex
	cfg     config.TunnelConfig
	logger  zerolog.Logger
	manager *Manager
	pools   map[string]*sql.DB

	openDB func(dsn string) (*sql.DB, error)
}

func NewPoolManager(manager *Manager, cfg config.TunnelConfig, logger zerolog.Logger) *PoolManager {
	return &PoolManager{
		cfg:     cfg,
		logger:  logger.With().Str("component", "pool_manager").Logger(),
		manager: manager,
		pools:   make(map[string]*sql.DB),
		openDB: func(dsn string) (*sql.DB, error) {
			return sql.Open("postgres", dsn)
		},
	}
}

// Watch consumes tunnel death events until the context is canceled. Run it
// once, from main.
func (p *PoolManager) Watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tenantID := <-p.manager.Deaths():
			p.Invalidate(tenantID)
			p.logger.Warn().Str("tenant_id", tenantID).Msg("tunnel died, pool invalidated")
		}
	}
}

// DB returns a live pool for the tenant, acquiring a tunnel first if needed.
func (p *PoolManager) DB(ctx context.Context, tenant *models.Tenant) (*sql.DB, error) {
	p.mu.Lock()
	if db, ok := p.pools[tenant.ID]; ok {
		p.mu.Unlock()
		return db, nil
	}
	p.mu.Unlock()

	t, err := p.manager.Acquire(ctx, tenant)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.QueryEscape(tenant.DBUser),
		url.QueryEscape(tenant.DBPassword),
		t.Addr(),
		url.PathEscape(tenant.DBName))

	db, err := p.openDB(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening tunneled source pool")
	}
	db.SetMaxOpenConns(p.cfg.PoolMaxConns)
	db.SetMaxIdleConns(p.cfg.PoolMaxConns)

	p.mu.Lock()
	if existing, ok := p.pools[tenant.ID]; ok {
		p.mu.Unlock()
		db.Close()
		return existing, nil
	}
	p.pools[tenant.ID] = db
	p.mu.Unlock()
	return db, nil
}

// Invalidate closes and forgets the tenant's pool.
func (p *PoolManager) Invalidate(tenantID string) {
	p.mu.Lock()
	db, ok := p.pools[tenantID]
	if ok {
		delete(p.pools, tenantID)
	}
	p.mu.Unlock()
	if ok {
		db.Close()
	}
}

// CloseAll closes every pool. Used at shutdown, before ReleaseAll on the
// tunnel manager.
func (p *PoolManager) CloseAll() {
	p.mu.Lock()
	pools := p.pools
	p.pools = make(map[string]*sql.DB)
	p.mu.Unlock()
	for _, db := range pools {
		db.Close()
	}
}
