package dialer_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/PetroPower/lifecycle/dialer"
	"github.com/PetroPower/lifecycle/pool"
	"github.com/stretchr/testify/require"
)

// listen accepts connections and hands them to the test.
func listen(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	accepted := make(chan net.Conn, 16)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()
	return ln.Addr().String(), accepted
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestTCP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr, accepted := listen(t)
	m := dialer.NewTCP("tcp", addr)

	t.Run("quiet connection is healthy", func(t *testing.T) {
		conn, err := m.Create(ctx)
		require.NoError(t, err)
		defer conn.Close()
		<-accepted
		require.NoError(t, m.Validate(ctx, conn))
		require.NoError(t, m.Validate(ctx, conn))
	})

	t.Run("closed peer fails validation", func(t *testing.T) {
		conn, err := m.Create(ctx)
		require.NoError(t, err)
		defer conn.Close()
		peer := <-accepted
		require.NoError(t, peer.Close())
		require.Eventually(t, func() bool {
			return m.Validate(ctx, conn) != nil
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("unread data fails validation", func(t *testing.T) {
		conn, err := m.Create(ctx)
		require.NoError(t, err)
		defer conn.Close()
		peer := <-accepted
		defer peer.Close()
		_, err = peer.Write([]byte("hello"))
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return m.Validate(ctx, conn) != nil
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("refused dial", func(t *testing.T) {
		_, err := dialer.NewTCP("tcp", closedAddr(t)).Create(ctx)
		require.Error(t, err)
	})

	t.Run("pooled", func(t *testing.T) {
		cfg := pool.DefaultConfig()
		cfg.MaxConnections = 2
		cfg.HealthCheckInterval = 0
		p, err := pool.New[net.Conn](m, cfg)
		require.NoError(t, err)
		defer p.Close()

		pc, err := p.Acquire(ctx)
		require.NoError(t, err)
		<-accepted
		first := pc.Access()
		pc.Release()

		pc, err = p.Acquire(ctx)
		require.NoError(t, err)
		require.Same(t, first, pc.Access())
		pc.Release()
	})
}
