package pool

import (
	"context"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
)

// maintain runs until Close. It fills the pool up to MinConnections right away, then evicts,
// validates and refills on every HealthCheckInterval tick.
func (p *Pool[C]) maintain() {
	defer close(p.maintDone)

	p.fill()
	if p.cfg.HealthCheckInterval <= 0 {
		return
	}

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closing.Done():
			return
		case <-ticker.C:
			p.evictExpired()
			p.checkIdle()
			p.fill()
		}
	}
}

// evictExpired destroys connections idle for longer than IdleTimeout.
func (p *Pool[C]) evictExpired() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	now := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var expired []*idleConn[C]
	p.idle = slices.DeleteFunc(p.idle, func(ic *idleConn[C]) bool {
		if now.Sub(ic.idleSince) > p.cfg.IdleTimeout {
			expired = append(expired, ic)
			return true
		}
		return false
	})
	p.mu.Unlock()

	for _, ic := range expired {
		p.destroy(ic.conn)
	}
	if len(expired) > 0 {
		p.log.WithField("closed", len(expired)).Debug("idle timeout evicted connections")
	}
}

// checkIdle validates the idle connections present when it starts, oldest first. Each check holds a
// capacity unit so the connection is counted as active while it is out of the idle set; it stops as
// soon as a unit is not immediately available, leaving the capacity to queued callers.
func (p *Pool[C]) checkIdle() {
	p.mu.Lock()
	batch := slices.Clone(p.idle)
	p.mu.Unlock()

	evicted := 0
	for _, ic := range batch {
		if !p.sem.TryAcquire(1) {
			break
		}
		if !p.takeIdle(ic) {
			p.sem.Release(1)
			continue
		}

		ctx, cancel := p.checkContext()
		err := p.mgr.Validate(ctx, ic.conn)
		cancel()

		if err != nil {
			evicted++
			p.healthFails.Add(1)
			p.log.WithError(err).Debug("health check failed")
			p.retire(ic.conn)
		} else if !p.putIdle(ic, true) {
			p.retire(ic.conn)
		}
		p.sem.Release(1)
	}
	if evicted > 0 {
		p.log.WithField("closed", evicted).Debug("health check removed connections")
	}
}

// takeIdle removes ic from the idle set and counts it as active. It reports false if ic is gone.
func (p *Pool[C]) takeIdle(ic *idleConn[C]) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	i := slices.Index(p.idle, ic)
	if i < 0 {
		return false
	}
	p.idle = slices.Delete(p.idle, i, i+1)
	p.active++
	p.assertLocked()
	return true
}

// fill opens connections until MinConnections are open, without waiting for capacity.
func (p *Pool[C]) fill() {
	for {
		p.mu.Lock()
		short := !p.closed && p.active+len(p.idle) < p.cfg.MinConnections
		p.mu.Unlock()
		if !short || !p.sem.TryAcquire(1) {
			return
		}

		p.mu.Lock()
		if p.closed || p.active+len(p.idle) >= p.cfg.MinConnections {
			p.mu.Unlock()
			p.sem.Release(1)
			return
		}
		p.active++
		p.assertLocked()
		p.mu.Unlock()

		ctx, cancel := p.checkContext()
		conn, err := p.connect(ctx)
		cancel()
		if err != nil {
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
			p.sem.Release(1)
			p.log.WithError(err).WithFields(logrus.Fields{"min": p.cfg.MinConnections}).Warn("could not open minimum connections")
			return
		}
		now := time.Now()
		if !p.putIdle(&idleConn[C]{conn: conn, createdAt: now, idleSince: now}, false) {
			p.retire(conn)
		}
		p.sem.Release(1)
	}
}

// checkContext bounds maintenance I/O by ConnectionTimeout and by the pool closing.
func (p *Pool[C]) checkContext() (context.Context, context.CancelFunc) {
	if p.cfg.ConnectionTimeout > 0 {
		return context.WithTimeout(p.closing, p.cfg.ConnectionTimeout)
	}
	return context.WithCancel(p.closing)
}
