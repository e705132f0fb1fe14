package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/pbxvault/pbxvault/internal/config"
	"github.com/pbxvault/pbxvault/internal/models"
)

// Tunnel is one tenant's live forwarding session: an authenticated SSH
// client plus a loopback listener that forwards every inbound connection to
// the tenant's private database port.
type Tunnel struct {
	TenantID string

	client   *ssh.Client
	listener net.Listener

	sftpOnce sync.Once
	sftpCli  *sftp.Client
	sftpErr  error

	closeOnce sync.Once
	closed    chan struct{}
}

// Addr returns the local forward address the metadata-database pool should
// connect to.
func (t *Tunnel) Addr() string {
	return t.listener.Addr().String()
}

// SFTP lazily opens the file-transfer channel on the same session.
func (t *Tunnel) SFTP() (*sftp.Client, error) {
	t.sftpOnce.Do(func() {
		t.sftpCli, t.sftpErr = sftp.NewClient(t.client)
	})
	if t.sftpErr != nil {
		return nil, errors.Wrap(t.sftpErr, "opening sftp subsystem")
	}
	return t.sftpCli, nil
}

// Alive reports whether the tunnel has not been closed yet.
func (t *Tunnel) Alive() bool {
	select {
	case <-t.closed:
		return false
	default:
		return true
	}
}

func (t *Tunnel) close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.sftpCli != nil {
			t.sftpCli.Close()
		}
		t.listener.Close()
		t.client.Close()
	})
}

// Manager owns at most one live tunnel per tenant. It is the only component
// allowed to open connections into tenant networks.
type Manager struct {
	mu      sync.Mutex
	cfg     config.TunnelConfig
	logger  zerolog.Logger
	tunnels map[string]*Tunnel
	deaths  chan string

	// dialSSH is swapped out by tests.
	dialSSH func(addr string, conf *ssh.ClientConfig) (*ssh.Client, error)
	resolve func(ctx context.Context, host string) error
	dialTCP func(addr string, timeout time.Duration) (net.Conn, error)
}

func NewManager(cfg config.TunnelConfig, logger zerolog.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		logger:  logger.With().Str("component", "tunnel_manager").Logger(),
		tunnels: make(map[string]*Tunnel),
		deaths:  make(chan string, 64),
	}
	m.dialSSH = func(addr string, conf *ssh.ClientConfig) (*ssh.Client, error) {
		return ssh.Dial("tcp", addr, conf)
	}
	m.resolve = func(ctx context.Context, host string) error {
		if net.ParseIP(host) != nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, cfg.DNSTimeout)
		defer cancel()
		_, err := net.DefaultResolver.LookupHost(ctx, host)
		return err
	}
	m.dialTCP = func(addr string, timeout time.Duration) (net.Conn, error) {
		return net.DialTimeout("tcp", addr, timeout)
	}
	return m
}

// Deaths delivers the tenant id of every tunnel that died outside an
// explicit Release, so dependents (the connection pool) can invalidate
// themselves without polling.
func (m *Manager) Deaths() <-chan string {
	return m.deaths
}

// Acquire returns the tenant's live tunnel, building one if needed. A second
// call without an intervening failure or Release returns the same instance.
func (m *Manager) Acquire(ctx context.Context, tenant *models.Tenant) (*Tunnel, error) {
	m.mu.Lock()
	if t, ok := m.tunnels[tenant.ID]; ok && t.Alive() {
		m.mu.Unlock()
		return t, nil
	}
	m.mu.Unlock()

	sshAddr := net.JoinHostPort(tenant.Host, fmt.Sprintf("%d", tenant.SSHPort))

	// Stage 1: name resolution. Failing fast here keeps an unresolvable
	// host from burning a 60s handshake timeout.
	if err := m.resolve(ctx, tenant.Host); err != nil {
		return nil, errors.Wrapf(ErrDNS, "resolving %s: %v", tenant.Host, err)
	}

	// Stage 2: bare TCP reachability, separating firewall problems from
	// authentication problems.
	conn, err := m.dialTCP(sshAddr, m.cfg.PreflightTimeout)
	if err != nil {
		return nil, errors.Wrapf(ErrUnreachable, "tcp preflight %s: %v", sshAddr, err)
	}
	conn.Close()

	// Stage 3: authenticated handshake, bounded retries with a fixed delay.
	conf := &ssh.ClientConfig{
		User:            tenant.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.Password(tenant.SSHPassword)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         m.cfg.HandshakeTimeout,
	}
	var client *ssh.Client
	var lastErr error
	for attempt := 1; attempt <= m.cfg.HandshakeAttempts; attempt++ {
		client, lastErr = m.dialSSH(sshAddr, conf)
		if lastErr == nil {
			break
		}
		m.logger.Warn().Err(lastErr).
			Str("tenant_id", tenant.ID).
			Int("attempt", attempt).
			Msg("ssh handshake failed")
		if attempt < m.cfg.HandshakeAttempts {
			select {
			case <-ctx.Done():
				return nil, errors.Wrapf(ErrHandshake, "%s: %v", sshAddr, ctx.Err())
			case <-time.After(m.cfg.HandshakeDelay):
			}
		}
	}
	if lastErr != nil {
		return nil, errors.Wrapf(ErrHandshake, "%s after %d attempts: %v",
			sshAddr, m.cfg.HandshakeAttempts, lastErr)
	}

	// Stage 4: bind the local forward endpoint.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(ErrForward, "binding local listener: %v", err)
	}

	t := &Tunnel{
		TenantID: tenant.ID,
		client:   client,
		listener: listener,
		closed:   make(chan struct{}),
	}

	target := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", tenant.DBPort))
	go m.serveForward(t, target)
	go m.keepalive(t)
	go m.watchSession(t)

	m.mu.Lock()
	// Another goroutine may have raced us here; prefer the cached one.
	if existing, ok := m.tunnels[tenant.ID]; ok && existing.Alive() {
		m.mu.Unlock()
		t.close()
		return existing, nil
	}
	m.tunnels[tenant.ID] = t
	m.mu.Unlock()

	m.logger.Info().
		Str("tenant_id", tenant.ID).
		Str("local_addr", t.Addr()).
		Msg("tunnel established")
	return t, nil
}

// serveForward accepts local connections and splices each onto a forwarded
// channel to the tenant's private target.
func (m *Manager) serveForward(t *Tunnel, target string) {
	for {
		local, err := t.listener.Accept()
		if err != nil {
			return // listener closed with the tunnel
		}
		go func() {
			remote, err := t.client.Dial("tcp", target)
			if err != nil {
				m.logger.Warn().Err(err).
					Str("tenant_id", t.TenantID).
					Msg("forward dial failed")
				local.Close()
				m.reportDeath(t)
				return
			}
			Splice(local, remote)
		}()
	}
}

func (m *Manager) keepalive(t *Tunnel) {
	ticker := time.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			if _, _, err := t.client.SendRequest("keepalive@pbxvault", true, nil); err != nil {
				m.logger.Warn().Err(err).
					Str("tenant_id", t.TenantID).
					Msg("keepalive probe failed")
				m.reportDeath(t)
				return
			}
		}
	}
}

// watchSession notices the underlying session ending for any reason.
func (m *Manager) watchSession(t *Tunnel) {
	err := t.client.Wait()
	if t.Alive() {
		m.logger.Warn().Err(err).
			Str("tenant_id", t.TenantID).
			Msg("ssh session closed")
		m.reportDeath(t)
	}
}

// reportDeath tears the tunnel down and publishes the event. Dependents must
// not reuse the dead local port.
func (m *Manager) reportDeath(t *Tunnel) {
	m.mu.Lock()
	if m.tunnels[t.TenantID] == t {
		delete(m.tunnels, t.TenantID)
	}
	m.mu.Unlock()

	t.close()
	select {
	case m.deaths <- t.TenantID:
	default:
		m.logger.Error().Str("tenant_id", t.TenantID).Msg("death channel full, event dropped")
	}
}

// Release closes the tenant's tunnel if one is live. No death event is
// published for an explicit release.
func (m *Manager) Release(tenantID string) {
	m.mu.Lock()
	t, ok := m.tunnels[tenantID]
	if ok {
		delete(m.tunnels, tenantID)
	}
	m.mu.Unlock()
	if ok {
		t.close()
		m.logger.Info().Str("tenant_id", tenantID).Msg("tunnel released")
	}
}

// ReleaseAll closes every live tunnel. Used at shutdown.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	tunnels := m.tunnels
	m.tunnels = make(map[string]*Tunnel)
	m.mu.Unlock()
	for _, t := range tunnels {
		t.close()
	}
}
