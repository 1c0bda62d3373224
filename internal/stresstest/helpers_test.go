package stresstest

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/michaelxuuu/echobench/internal/mock"
	"github.com/stretchr/testify/require"
)

// faultTimeout caps sessions against misbehaving servers so a framing
// regression fails the test instead of hanging it
const faultTimeout = 5 * time.Second

// startEchoServer starts a loopback echo double and returns its address
func startEchoServer(t *testing.T, config *mock.Config) (string, *mock.Server) {
	t.Helper()
	if config == nil {
		config = &mock.Config{}
	}
	server := mock.NewServer(config, nil)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })
	return server.Addr(), server
}

// closedAddress returns a loopback address nothing listens on
func closedAddress(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

// createTestManager creates a new Manager with in-memory SQLite database for testing
func createTestManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

var errInjectedDial = errors.New("injected dial failure")

// countingDialer counts opened and closed connections and can fail one dial
type countingDialer struct {
	dialer net.Dialer
	failOn int64 // 1-based dial number to fail, 0 for none

	dials  atomic.Int64
	opened atomic.Int64
	closed atomic.Int64
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.dials.Add(1) == d.failOn {
		return nil, errInjectedDial
	}
	conn, err := d.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	d.opened.Add(1)
	return &countingConn{Conn: conn, closed: &d.closed}, nil
}

type countingConn struct {
	net.Conn
	once   sync.Once
	closed *atomic.Int64
}

func (c *countingConn) Close() error {
	c.once.Do(func() { c.closed.Add(1) })
	return c.Conn.Close()
}

// pipeDialer hands out the client end of an in-memory pipe
type pipeDialer struct {
	conns chan net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{conns: make(chan net.Conn, 1)}
}

func (d *pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, server := net.Pipe()
	d.conns <- server
	return client, nil
}
