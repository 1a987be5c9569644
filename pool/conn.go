package pool

import (
	"sync/atomic"
	"time"
)

// PooledConnection is a connection checked out of a Pool. It must be returned exactly once, with
// Release or Destroy; later calls are no-ops.
type PooledConnection[C any] struct {
	conn       C
	pool       *Pool[C]
	createdAt  time.Time
	acquiredAt time.Time
	done       atomic.Bool
}

// Access returns the underlying connection. It must not be used after Release or Destroy.
func (pc *PooledConnection[C]) Access() C {
	return pc.conn
}

// CreatedAt is when the underlying connection was opened.
func (pc *PooledConnection[C]) CreatedAt() time.Time {
	return pc.createdAt
}

// AcquiredAt is when the connection was checked out.
func (pc *PooledConnection[C]) AcquiredAt() time.Time {
	return pc.acquiredAt
}

// Release places the connection back in the pool after recycling and validating it, making it
// available to other callers of Acquire. Connections that fail either step are destroyed.
func (pc *PooledConnection[C]) Release() {
	if !pc.done.CompareAndSwap(false, true) {
		pc.pool.log.Debug("connection already returned to pool")
		return
	}
	pc.pool.giveBack(pc)
}

// Destroy closes the connection and frees its slot, usually because the caller found it broken.
func (pc *PooledConnection[C]) Destroy() error {
	if !pc.done.CompareAndSwap(false, true) {
		return nil
	}
	p := pc.pool
	defer p.sem.Release(1)
	p.out.GetAndDelete(pc)

	p.mu.Lock()
	p.active--
	p.assertLocked()
	p.mu.Unlock()
	return p.destroy(pc.conn)
}

// Close releases the connection; it lets a PooledConnection be used as an io.Closer.
func (pc *PooledConnection[C]) Close() error {
	pc.Release()
	return nil
}
