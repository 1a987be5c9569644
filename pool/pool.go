package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PetroPower/lifecycle/internal/invariant"
	"github.com/PetroPower/lifecycle/smap"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Pool bounds and reuses connections produced by a Manager. It's safe for concurrent use.
//
// Every checked out connection, and every connection being created or health checked, holds one
// unit of a FIFO semaphore sized MaxConnections. Idle connections hold none.
type Pool[C any] struct {
	mgr     Manager[C]
	cfg     Config
	log     logrus.FieldLogger
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu     sync.Mutex // protects idle, active and closed
	idle   []*idleConn[C]
	active int
	closed bool

	waiters atomic.Int64
	out     *smap.Map[*PooledConnection[C], time.Time]

	closing   context.Context
	stop      context.CancelFunc
	maintDone chan struct{}

	created       atomic.Uint64
	destroyed     atomic.Uint64
	acquires      atomic.Uint64
	acquireFailed atomic.Uint64
	healthFails   atomic.Uint64
}

// idleConn is a connection resting in the idle set.
type idleConn[C any] struct {
	conn      C
	createdAt time.Time
	idleSince time.Time
}

// New creates a pool and starts its maintenance goroutine. Close must be called to stop it.
func New[C any](mgr Manager[C], cfg Config, opts ...Option) (*Pool[C], error) {
	if mgr == nil {
		return nil, fmt.Errorf("manager must not be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := options{log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.ConnectRetryBackoff <= 0 {
		cfg.ConnectRetryBackoff = time.Millisecond
	}

	p := &Pool[C]{
		mgr:       mgr,
		cfg:       cfg,
		log:       o.log.WithField("component", "pool"),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConnections)),
		idle:      make([]*idleConn[C], 0, cfg.MaxConnections),
		out:       smap.Make[*PooledConnection[C], time.Time](cfg.MaxConnections),
		maintDone: make(chan struct{}),
	}
	if cfg.CreateRate > 0 {
		burst := cfg.CreateBurst
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.CreateRate), burst)
	}
	p.closing, p.stop = context.WithCancel(context.Background())

	go p.maintain()

	p.log.WithFields(logrus.Fields{
		"max":         cfg.MaxConnections,
		"min":         cfg.MinConnections,
		"idleTimeout": cfg.IdleTimeout,
	}).Debug("pool created")
	return p, nil
}

// Acquire returns a validated connection, waiting for capacity if the pool is full.
//
//   - If ctx is already done, ctx.Err() is returned without touching the pool.
//   - If ctx has no deadline, Config.ConnectionTimeout bounds the call.
//   - Waiting callers are served in arrival order. A canceled waiter leaves the queue without
//     side effects; an expired one gets ErrTimeout.
//   - Idle connections that fail validation are destroyed and the next one is tried. When none
//     is left a new connection is created, see Config.MaxConnectRetries.
func (p *Pool[C]) Acquire(ctx context.Context) (*PooledConnection[C], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.acquires.Add(1)

	if _, ok := ctx.Deadline(); !ok && p.cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
		defer cancel()
	}

	pc, err := p.acquire(ctx)
	if err != nil {
		p.acquireFailed.Add(1)
		p.log.WithError(err).Debug("acquire failed")
		return nil, err
	}
	return pc, nil
}

func (p *Pool[C]) acquire(ctx context.Context) (*PooledConnection[C], error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	if err := p.waitForCapacity(ctx); err != nil {
		return nil, err
	}
	pc, err := p.checkout(ctx)
	if err != nil {
		// put back the capacity, since we failed to produce a connection
		p.sem.Release(1)
		return nil, err
	}
	return pc, nil
}

// waitForCapacity takes one semaphore unit, queueing behind earlier callers if needed.
func (p *Pool[C]) waitForCapacity(ctx context.Context) error {
	if p.sem.TryAcquire(1) {
		return nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.closing, cancel)
	defer stop()

	p.waiters.Add(1)
	err := p.sem.Acquire(waitCtx, 1)
	p.waiters.Add(-1)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil {
		// only the pool closing can cancel waitCtx without ctx
		return ErrClosed
	}
	return contextError(ctx)
}

// checkout turns a held capacity unit into a PooledConnection.
func (p *Pool[C]) checkout(ctx context.Context) (*PooledConnection[C], error) {
	for {
		ic, err := p.take()
		if err != nil {
			return nil, err
		}
		if ic == nil {
			break
		}
		if err := p.mgr.Validate(ctx, ic.conn); err != nil {
			p.healthFails.Add(1)
			p.log.WithError(err).Debug("discarding idle connection that failed validation")
			p.retire(ic.conn)
			if ctx.Err() != nil {
				return nil, contextError(ctx)
			}
			continue
		}
		return p.lend(ic.conn, ic.createdAt), nil
	}

	conn, err := p.connect(ctx)
	if err != nil {
		p.mu.Lock()
		p.active--
		p.assertLocked()
		p.mu.Unlock()
		return nil, err
	}
	return p.lend(conn, time.Now()), nil
}

// take moves the most recently used idle connection to active. When there is none, it reserves
// a slot for a new connection and returns nil. Either way active is incremented.
func (p *Pool[C]) take() (*idleConn[C], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	p.active++
	var ic *idleConn[C]
	if n := len(p.idle); n > 0 {
		ic = p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
	}
	p.assertLocked()
	return ic, nil
}

// connect creates and validates a new connection, retrying up to Config.MaxConnectRetries times.
func (p *Pool[C]) connect(ctx context.Context) (C, error) {
	var conn C
	attempts := 0
	backoff := retry.WithJitterPercent(10, retry.NewConstant(p.cfg.ConnectRetryBackoff))
	backoff = retry.WithMaxRetries(uint64(p.cfg.MaxConnectRetries), backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		c, err := p.dial(ctx)
		if err != nil {
			p.log.WithError(err).WithField("attempt", attempts).Debug("connect attempt failed")
			if ctx.Err() != nil || errors.Is(err, ErrTimeout) {
				return err
			}
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err == nil {
		return conn, nil
	}

	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if attempts > 1 && !errors.Is(err, ErrTimeout) && !errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
	}
	return conn, err
}

// dial makes a single Create+Validate attempt.
func (p *Pool[C]) dial(ctx context.Context) (C, error) {
	var zero C
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return zero, contextError(ctx)
			}
			// the limiter refuses waits that would outlast the deadline
			return zero, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
	}
	conn, err := p.mgr.Create(ctx)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	p.created.Add(1)
	if err := p.mgr.Validate(ctx, conn); err != nil {
		p.destroy(conn)
		return zero, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	return conn, nil
}

func (p *Pool[C]) lend(conn C, createdAt time.Time) *PooledConnection[C] {
	now := time.Now()
	pc := &PooledConnection[C]{
		conn:       conn,
		pool:       p,
		createdAt:  createdAt,
		acquiredAt: now,
	}
	p.out.Set(pc, now)
	return pc
}

// giveBack returns a checked out connection to the idle set, or destroys it if it is unhealthy
// or the pool is closed. The caller's capacity unit is released afterwards.
func (p *Pool[C]) giveBack(pc *PooledConnection[C]) {
	defer p.sem.Release(1)
	p.out.GetAndDelete(pc)

	if p.isClosed() {
		p.retire(pc.conn)
		return
	}

	ctx := context.Background()
	if p.cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
		defer cancel()
	}
	if r, ok := p.mgr.(Recycler[C]); ok {
		if err := r.Recycle(ctx, pc.conn); err != nil {
			p.log.WithError(err).Debug("destroying connection that failed to recycle")
			p.retire(pc.conn)
			return
		}
	}
	if err := p.mgr.Validate(ctx, pc.conn); err != nil {
		p.healthFails.Add(1)
		p.log.WithError(err).Debug("destroying released connection that failed validation")
		p.retire(pc.conn)
		return
	}
	if !p.putIdle(&idleConn[C]{conn: pc.conn, createdAt: pc.createdAt, idleSince: time.Now()}, false) {
		p.retire(pc.conn)
	}
}

// putIdle moves an active connection into the idle set. It reports false if the pool is closed,
// in which case the connection is still counted as active.
func (p *Pool[C]) putIdle(ic *idleConn[C], oldest bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.active--
	if oldest {
		p.idle = append(p.idle, nil)
		copy(p.idle[1:], p.idle)
		p.idle[0] = ic
	} else {
		p.idle = append(p.idle, ic)
	}
	p.assertLocked()
	return true
}

// retire destroys an active connection and frees its slot.
func (p *Pool[C]) retire(conn C) {
	p.mu.Lock()
	p.active--
	p.assertLocked()
	p.mu.Unlock()
	p.destroy(conn)
}

func (p *Pool[C]) destroy(conn C) error {
	var err error
	if d, ok := p.mgr.(Destroyer[C]); ok {
		err = d.Destroy(conn)
	} else {
		err = closeConn(conn)
	}
	p.destroyed.Add(1)
	if err != nil {
		p.log.WithError(err).Debug("error destroying connection")
	}
	return err
}

func (p *Pool[C]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// assertLocked checks the capacity invariant; p.mu must be held.
func (p *Pool[C]) assertLocked() {
	invariant.Check(p.log, p.active >= 0 && p.active+len(p.idle) <= p.cfg.MaxConnections,
		"pool connections exceed capacity", logrus.Fields{
			"active": p.active,
			"idle":   len(p.idle),
			"max":    p.cfg.MaxConnections,
		})
}

// Close blocks future calls to Acquire, fails queued callers with ErrClosed, stops maintenance
// and destroys idle connections. Connections still checked out are destroyed when released.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	p.stop()
	<-p.maintDone

	closeErrs := make([]error, 0, len(idle))
	for _, ic := range idle {
		closeErrs = append(closeErrs, p.destroy(ic.conn))
	}
	if n := p.out.Len(); n > 0 {
		p.log.WithField("outstanding", n).Warn("pool closed with connections still checked out")
	}
	p.log.Debug("pool closed")
	return errors.Join(closeErrs...)
}

// Snapshot is a point-in-time view of a pool.
type Snapshot struct {
	Max              int           `json:"max"`
	Active           int           `json:"active_count"`
	Idle             int           `json:"idle_count"`
	Waiters          int           `json:"waiters_len"`
	Created          uint64        `json:"created"`
	Destroyed        uint64        `json:"destroyed"`
	AcquireCount     uint64        `json:"acquire_count"`
	AcquireFailed    uint64        `json:"acquire_failed"`
	HealthCheckFails uint64        `json:"health_check_fails"`
	OldestCheckout   time.Duration `json:"oldest_checkout"`
}

// Snapshot returns current counters. Active includes connections being created or health checked.
func (p *Pool[C]) Snapshot() Snapshot {
	p.mu.Lock()
	s := Snapshot{
		Max:    p.cfg.MaxConnections,
		Active: p.active,
		Idle:   len(p.idle),
	}
	p.mu.Unlock()

	s.Waiters = int(p.waiters.Load())
	s.Created = p.created.Load()
	s.Destroyed = p.destroyed.Load()
	s.AcquireCount = p.acquires.Load()
	s.AcquireFailed = p.acquireFailed.Load()
	s.HealthCheckFails = p.healthFails.Load()

	now := time.Now()
	p.out.Range(func(_ *PooledConnection[C], at time.Time) bool {
		if d := now.Sub(at); d > s.OldestCheckout {
			s.OldestCheckout = d
		}
		return true
	})
	return s
}

// contextError maps a done context to the pool's error surface.
func contextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
