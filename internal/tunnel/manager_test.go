package tunnel

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/pbxvault/pbxvault/internal/config"
	"github.com/pbxvault/pbxvault/internal/models"
)

func testTunnelConfig() config.TunnelConfig {
	return config.TunnelConfig{
		DNSTimeout:        time.Second,
		PreflightTimeout:  time.Second,
		HandshakeTimeout:  time.Second,
		HandshakeAttempts: 3,
		HandshakeDelay:    time.Millisecond,
		KeepaliveInterval: time.Minute,
		PoolMaxConns:      4,
	}
}

func testTenant() *models.Tenant {
	return &models.Tenant{
		ID:      "t1",
		Name:    "Acme",
		Host:    "pbx.acme.example",
		SSHPort: 22,
		SSHUser: "backup",
		DBPort:  5432,
	}
}

func TestAcquireFailsFastOnDNS(t *testing.T) {
	m := NewManager(testTunnelConfig(), zerolog.Nop())
	m.resolve = func(ctx context.Context, host string) error {
		return errors.New("no such host")
	}
	tcpDialed := false
	m.dialTCP = func(addr string, timeout time.Duration) (net.Conn, error) {
		tcpDialed = true
		return nil, errors.New("unexpected")
	}

	_, err := m.Acquire(context.Background(), testTenant())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDNS))
	assert.False(t, tcpDialed, "dns failure must not reach the tcp preflight")
}

func TestAcquireFailsFastWhenPortUnreachable(t *testing.T) {
	m := NewManager(testTunnelConfig(), zerolog.Nop())
	m.resolve = func(ctx context.Context, host string) error { return nil }
	m.dialTCP = func(addr string, timeout time.Duration) (net.Conn, error) {
		return nil, errors.New("connection timed out")
	}
	handshakeAttempted := false
	m.dialSSH = func(addr string, conf *ssh.ClientConfig) (*ssh.Client, error) {
		handshakeAttempted = true
		return nil, errors.New("unexpected")
	}

	_, err := m.Acquire(context.Background(), testTenant())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreachable))
	assert.False(t, errors.Is(err, ErrHandshake),
		"unreachable port must be distinguishable from auth failure")
	assert.False(t, handshakeAttempted, "preflight failure must not attempt a handshake")
}

func TestAcquireExhaustsHandshakeRetries(t *testing.T) {
	m := NewManager(testTunnelConfig(), zerolog.Nop())
	m.resolve = func(ctx context.Context, host string) error { return nil }
	m.dialTCP = func(addr string, timeout time.Duration) (net.Conn, error) {
		c, s := net.Pipe()
		s.Close()
		return c, nil
	}
	attempts := 0
	m.dialSSH = func(addr string, conf *ssh.ClientConfig) (*ssh.Client, error) {
		attempts++
		return nil, errors.New("permission denied")
	}

	_, err := m.Acquire(context.Background(), testTenant())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandshake))
	assert.Equal(t, 3, attempts, "terminal failure only after all attempts")
}

func TestAcquireReturnsCachedTunnel(t *testing.T) {
	m := NewManager(testTunnelConfig(), zerolog.Nop())
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	cached := &Tunnel{TenantID: "t1", listener: listener, closed: make(chan struct{})}
	m.tunnels["t1"] = cached

	dialed := false
	m.resolve = func(ctx context.Context, host string) error {
		dialed = true
		return nil
	}

	got, err := m.Acquire(context.Background(), testTenant())
	require.NoError(t, err)
	assert.Same(t, cached, got, "second acquire must reuse the live tunnel")
	assert.False(t, dialed, "no new session for a tenant with a live tunnel")
}

func TestSpliceCopiesBothDirections(t *testing.T) {
	aLocal, aRemote := net.Pipe()
	bLocal, bRemote := net.Pipe()

	done := make(chan struct{})
	go func() {
		Splice(aRemote, bLocal)
		close(done)
	}()

	go func() {
		aLocal.Write([]byte("ping"))
	}()
	buf := make([]byte, 4)
	_, err := io.ReadFull(bRemote, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	go func() {
		bRemote.Write([]byte("pong"))
	}()
	_, err = io.ReadFull(aLocal, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))

	aLocal.Close()
	bRemote.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("splice did not terminate after both sides closed")
	}
}
