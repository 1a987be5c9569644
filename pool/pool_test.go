package pool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PetroPower/lifecycle/pool"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errBoom      = errors.New("boom")
	errUnhealthy = errors.New("unhealthy")
)

type fakeConn struct {
	id      int
	healthy atomic.Bool
	closed  atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// fakeManager counts what the pool asks of it and tracks how many connections are alive.
type fakeManager struct {
	nextID      atomic.Int32
	validations atomic.Int32
	live        atomic.Int32
	peak        atomic.Int32

	failCreates  atomic.Int32 // number of upcoming Create calls that fail
	rejectNew    atomic.Bool  // new connections fail validation
	destroyCount atomic.Int32
}

func (m *fakeManager) Create(context.Context) (*fakeConn, error) {
	if m.failCreates.Add(-1) >= 0 {
		return nil, errBoom
	}
	m.failCreates.Store(0)

	c := &fakeConn{id: int(m.nextID.Add(1))}
	c.healthy.Store(!m.rejectNew.Load())
	n := m.live.Add(1)
	for {
		peak := m.peak.Load()
		if n <= peak || m.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return c, nil
}

func (m *fakeManager) Validate(_ context.Context, c *fakeConn) error {
	m.validations.Add(1)
	if !c.healthy.Load() {
		return errUnhealthy
	}
	return nil
}

func (m *fakeManager) Destroy(c *fakeConn) error {
	m.live.Add(-1)
	m.destroyCount.Add(1)
	return c.Close()
}

func testConfig(max int) pool.Config {
	cfg := pool.DefaultConfig()
	cfg.MaxConnections = max
	cfg.HealthCheckInterval = 0
	cfg.MaxConnectRetries = 0
	cfg.ConnectRetryBackoff = time.Millisecond
	cfg.ConnectionTimeout = time.Second
	return cfg
}

func newPool(t *testing.T, m *fakeManager, cfg pool.Config) *pool.Pool[*fakeConn] {
	t.Helper()
	log, _ := test.NewNullLogger()
	p, err := pool.New[*fakeConn](m, cfg, pool.WithLogger(log))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// acquireAsync starts an Acquire and delivers its result on the returned channel.
func acquireAsync(ctx context.Context, p *pool.Pool[*fakeConn]) <-chan *pool.PooledConnection[*fakeConn] {
	ch := make(chan *pool.PooledConnection[*fakeConn], 1)
	go func() {
		pc, err := p.Acquire(ctx)
		if err != nil {
			close(ch)
			return
		}
		ch <- pc
	}()
	return ch
}

func TestNew(t *testing.T) {
	t.Run("errors if allocated with no capacity", func(t *testing.T) {
		p, err := pool.New[*fakeConn](&fakeManager{}, testConfig(0))
		require.Error(t, err)
		require.Nil(t, p)
	})

	t.Run("errors if min exceeds max", func(t *testing.T) {
		cfg := testConfig(2)
		cfg.MinConnections = 3
		_, err := pool.New[*fakeConn](&fakeManager{}, cfg)
		require.Error(t, err)
	})

	t.Run("errors without a manager", func(t *testing.T) {
		_, err := pool.New[*fakeConn](nil, testConfig(1))
		require.Error(t, err)
	})
}

func TestPool(t *testing.T) {
	t.Run("acquire allocates new connections if none are idle", func(t *testing.T) {
		p := newPool(t, &fakeManager{}, testConfig(2))
		h1, err := p.Acquire(context.Background())
		require.NoError(t, err)
		defer h1.Release()
		h2, err := p.Acquire(context.Background())
		require.NoError(t, err)
		defer h2.Release()
		require.NotEqual(t, h1.Access().id, h2.Access().id)

		s := p.Snapshot()
		require.Equal(t, 2, s.Active)
		require.Equal(t, 0, s.Idle)
	})

	t.Run("released connection is the one that is acquired", func(t *testing.T) {
		p := newPool(t, &fakeManager{}, testConfig(2))
		h1, err := p.Acquire(context.Background())
		require.NoError(t, err)
		c1 := h1.Access()
		h1.Release()
		require.Equal(t, 1, p.Snapshot().Idle)

		h2, err := p.Acquire(context.Background())
		require.NoError(t, err)
		defer h2.Release()
		require.Same(t, c1, h2.Access())
	})

	t.Run("acquire times out when all connections are checked out", func(t *testing.T) {
		p := newPool(t, &fakeManager{}, testConfig(1))
		h1, err := p.Acquire(context.Background())
		require.NoError(t, err)
		defer h1.Release()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = p.Acquire(ctx)
		require.ErrorIs(t, err, pool.ErrTimeout)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Zero(t, p.Snapshot().Waiters)
	})

	t.Run("destroyed connection is replaced with new", func(t *testing.T) {
		m := &fakeManager{}
		p := newPool(t, m, testConfig(1))
		h1, err := p.Acquire(context.Background())
		require.NoError(t, err)
		c1 := h1.Access()
		require.NoError(t, h1.Destroy())
		require.True(t, c1.closed.Load())

		h2, err := p.Acquire(context.Background())
		require.NoError(t, err)
		defer h2.Release()
		require.NotSame(t, c1, h2.Access())
	})

	t.Run("second release is a no-op", func(t *testing.T) {
		p := newPool(t, &fakeManager{}, testConfig(1))
		h, err := p.Acquire(context.Background())
		require.NoError(t, err)
		h.Release()
		h.Release()
		require.NoError(t, h.Destroy())

		s := p.Snapshot()
		require.Equal(t, 0, s.Active)
		require.Equal(t, 1, s.Idle)
	})
}

func TestFairness(t *testing.T) {
	p := newPool(t, &fakeManager{}, testConfig(2))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)

	first := acquireAsync(ctx, p)
	require.Eventually(t, func() bool { return p.Snapshot().Waiters == 1 }, time.Second, time.Millisecond)
	second := acquireAsync(ctx, p)
	require.Eventually(t, func() bool { return p.Snapshot().Waiters == 2 }, time.Second, time.Millisecond)

	select {
	case <-first:
		t.Fatal("third acquire should block while the pool is full")
	case <-time.After(50 * time.Millisecond):
	}

	c1 := h1.Access()
	h1.Release()

	var h3 *pool.PooledConnection[*fakeConn]
	select {
	case h3 = <-first:
		require.NotNil(t, h3)
	case <-time.After(time.Second):
		t.Fatal("longest waiting caller was not woken")
	}
	require.Same(t, c1, h3.Access())

	select {
	case <-second:
		t.Fatal("only one waiter should be woken per release")
	case <-time.After(50 * time.Millisecond):
	}

	h2.Release()
	h4 := <-second
	require.NotNil(t, h4)
	h3.Release()
	h4.Release()
}

func TestCancellation(t *testing.T) {
	t.Run("already canceled context does not touch the pool", func(t *testing.T) {
		m := &fakeManager{}
		p := newPool(t, m, testConfig(1))
		h, err := p.Acquire(context.Background())
		require.NoError(t, err)
		h.Release()
		before := p.Snapshot()
		validations := m.validations.Load()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		pc, err := p.Acquire(ctx)
		require.ErrorIs(t, err, context.Canceled)
		require.Nil(t, pc)

		after := p.Snapshot()
		require.Equal(t, before.Idle, after.Idle)
		require.Equal(t, before.Active, after.Active)
		require.Zero(t, after.Waiters)
		require.Equal(t, validations, m.validations.Load())
		require.Equal(t, before.AcquireCount, after.AcquireCount)
	})

	t.Run("canceled waiter leaves the queue", func(t *testing.T) {
		p := newPool(t, &fakeManager{}, testConfig(1))
		h, err := p.Acquire(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		errs := make(chan error, 1)
		go func() {
			_, err := p.Acquire(ctx)
			errs <- err
		}()
		require.Eventually(t, func() bool { return p.Snapshot().Waiters == 1 }, time.Second, time.Millisecond)
		cancel()
		require.ErrorIs(t, <-errs, context.Canceled)
		require.Zero(t, p.Snapshot().Waiters)

		h.Release()
		s := p.Snapshot()
		require.Equal(t, 0, s.Active)
		require.Equal(t, 1, s.Idle)
	})
}

func TestValidation(t *testing.T) {
	t.Run("idle connection failing validation is never handed out", func(t *testing.T) {
		m := &fakeManager{}
		p := newPool(t, m, testConfig(2))
		h1, err := p.Acquire(context.Background())
		require.NoError(t, err)
		bad := h1.Access()
		h1.Release()
		bad.healthy.Store(false)

		h2, err := p.Acquire(context.Background())
		require.NoError(t, err)
		defer h2.Release()
		require.NotSame(t, bad, h2.Access())
		require.True(t, bad.closed.Load())
		require.Equal(t, uint64(1), p.Snapshot().HealthCheckFails)
	})

	t.Run("released connection failing validation is destroyed", func(t *testing.T) {
		m := &fakeManager{}
		p := newPool(t, m, testConfig(1))
		h, err := p.Acquire(context.Background())
		require.NoError(t, err)
		h.Access().healthy.Store(false)
		h.Release()

		s := p.Snapshot()
		require.Equal(t, 0, s.Idle)
		require.Equal(t, 0, s.Active)
		require.Equal(t, int32(0), m.live.Load())
	})

	t.Run("new connection failing validation surfaces ValidationFailed", func(t *testing.T) {
		m := &fakeManager{}
		m.rejectNew.Store(true)
		p := newPool(t, m, testConfig(1))
		_, err := p.Acquire(context.Background())
		require.ErrorIs(t, err, pool.ErrValidationFailed)
		require.ErrorIs(t, err, errUnhealthy)
		require.Equal(t, int32(0), m.live.Load())
		require.Equal(t, 0, p.Snapshot().Active)
	})
}

func TestConnectRetries(t *testing.T) {
	t.Run("single attempt surfaces ConnectFailed", func(t *testing.T) {
		m := &fakeManager{}
		m.failCreates.Store(1)
		p := newPool(t, m, testConfig(1))
		_, err := p.Acquire(context.Background())
		require.ErrorIs(t, err, pool.ErrConnectFailed)
		require.ErrorIs(t, err, errBoom)
		require.NotErrorIs(t, err, pool.ErrExhausted)
		require.Equal(t, 0, p.Snapshot().Active)
	})

	t.Run("transient failures are retried", func(t *testing.T) {
		m := &fakeManager{}
		m.failCreates.Store(2)
		cfg := testConfig(1)
		cfg.MaxConnectRetries = 2
		p := newPool(t, m, cfg)
		h, err := p.Acquire(context.Background())
		require.NoError(t, err)
		h.Release()
	})

	t.Run("exhausted retries surface Exhausted", func(t *testing.T) {
		m := &fakeManager{}
		m.failCreates.Store(10)
		cfg := testConfig(1)
		cfg.MaxConnectRetries = 2
		p := newPool(t, m, cfg)
		_, err := p.Acquire(context.Background())
		require.ErrorIs(t, err, pool.ErrExhausted)
		require.ErrorIs(t, err, pool.ErrConnectFailed)
		require.Equal(t, int32(7), m.failCreates.Load())
		require.Equal(t, uint64(1), p.Snapshot().AcquireFailed)
	})

	t.Run("create rate limit refuses waits past the deadline", func(t *testing.T) {
		cfg := testConfig(2)
		cfg.CreateRate = 0.1
		cfg.CreateBurst = 1
		p := newPool(t, &fakeManager{}, cfg)
		h, err := p.Acquire(context.Background())
		require.NoError(t, err)
		defer h.Release()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = p.Acquire(ctx)
		require.ErrorIs(t, err, pool.ErrTimeout)
	})
}

func TestMaintenance(t *testing.T) {
	t.Run("health check evicts failing idle connections", func(t *testing.T) {
		m := &fakeManager{}
		cfg := testConfig(2)
		cfg.HealthCheckInterval = 10 * time.Millisecond
		p := newPool(t, m, cfg)
		h, err := p.Acquire(context.Background())
		require.NoError(t, err)
		c := h.Access()
		h.Release()
		c.healthy.Store(false)

		require.Eventually(t, func() bool { return c.closed.Load() }, time.Second, 5*time.Millisecond)
		require.Equal(t, 0, p.Snapshot().Idle)
	})

	t.Run("idle timeout closes stale connections", func(t *testing.T) {
		m := &fakeManager{}
		cfg := testConfig(2)
		cfg.HealthCheckInterval = 10 * time.Millisecond
		cfg.IdleTimeout = 20 * time.Millisecond
		p := newPool(t, m, cfg)
		h, err := p.Acquire(context.Background())
		require.NoError(t, err)
		h.Release()

		require.Eventually(t, func() bool { return m.live.Load() == 0 }, time.Second, 5*time.Millisecond)
		require.Equal(t, 0, p.Snapshot().Idle)
	})

	t.Run("minimum connections are opened up front", func(t *testing.T) {
		m := &fakeManager{}
		cfg := testConfig(4)
		cfg.MinConnections = 2
		p := newPool(t, m, cfg)
		require.Eventually(t, func() bool { return p.Snapshot().Idle == 2 }, time.Second, 5*time.Millisecond)
		require.Equal(t, int32(2), m.live.Load())
	})
}

func TestClose(t *testing.T) {
	t.Run("close destroys idle connections", func(t *testing.T) {
		m := &fakeManager{}
		p := newPool(t, m, testConfig(2))
		h, err := p.Acquire(context.Background())
		require.NoError(t, err)
		c := h.Access()
		h.Release()

		require.NoError(t, p.Close())
		require.True(t, c.closed.Load())
		require.Equal(t, int32(0), m.live.Load())
		require.Equal(t, 0, p.Snapshot().Idle)
	})

	m := &fakeManager{}
	p := newPool(t, m, testConfig(1))
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errs <- err
	}()
	require.Eventually(t, func() bool { return p.Snapshot().Waiters == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Close())
	require.ErrorIs(t, <-errs, pool.ErrClosed)

	t.Run("close blocks calls to Acquire", func(t *testing.T) {
		pc, err := p.Acquire(context.Background())
		require.ErrorIs(t, err, pool.ErrClosed)
		require.Nil(t, pc)
	})

	t.Run("release after close destroys the connection", func(t *testing.T) {
		c := held.Access()
		held.Release()
		require.True(t, c.closed.Load())
		require.Equal(t, int32(0), m.live.Load())
		require.Equal(t, 0, p.Snapshot().Active)
	})

	t.Run("close twice is harmless", func(t *testing.T) {
		require.NoError(t, p.Close())
	})
}

// Hammer the pool and check that no more than MaxConnections are ever alive.
func TestCapacityInvariant(t *testing.T) {
	const max = 3
	m := &fakeManager{}
	cfg := testConfig(max)
	cfg.HealthCheckInterval = time.Millisecond
	p := newPool(t, m, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				pc, err := p.Acquire(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				s := p.Snapshot()
				assert.LessOrEqual(t, s.Active+s.Idle, max)
				if (i+j)%7 == 0 {
					pc.Access().healthy.Store(false)
				}
				pc.Release()
			}
		}(i)
	}
	wg.Wait()

	require.LessOrEqual(t, m.peak.Load(), int32(max))
	// the maintainer may briefly hold an idle connection while checking it
	require.Eventually(t, func() bool { return p.Snapshot().Active == 0 }, time.Second, time.Millisecond)
	require.LessOrEqual(t, p.Snapshot().Idle, max)
}

func TestFuncs(t *testing.T) {
	var recycled, destroyed atomic.Int32
	mgr := pool.Funcs[*fakeConn]{
		CreateFunc: func(context.Context) (*fakeConn, error) {
			c := &fakeConn{}
			c.healthy.Store(true)
			return c, nil
		},
		RecycleFunc: func(_ context.Context, c *fakeConn) error {
			recycled.Add(1)
			if !c.healthy.Load() {
				return errUnhealthy
			}
			return nil
		},
		DestroyFunc: func(c *fakeConn) error {
			destroyed.Add(1)
			return c.Close()
		},
	}
	log, _ := test.NewNullLogger()
	p, err := pool.New[*fakeConn](mgr, testConfig(1), pool.WithLogger(log))
	require.NoError(t, err)
	defer p.Close()

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h.Release()
	require.Equal(t, int32(1), recycled.Load())
	require.Equal(t, 1, p.Snapshot().Idle)

	h, err = p.Acquire(context.Background())
	require.NoError(t, err)
	h.Access().healthy.Store(false)
	require.NoError(t, h.Close())
	require.Equal(t, int32(1), destroyed.Load())
	require.Equal(t, 0, p.Snapshot().Idle)
}
