// Package introspect aggregates pool and registry snapshots and serves them as JSON over HTTP.
package introspect

import (
	"maps"
	"slices"
	"time"

	"github.com/PetroPower/lifecycle/pool"
	"github.com/PetroPower/lifecycle/resource"
	"github.com/PetroPower/lifecycle/smap"
	"github.com/sirupsen/logrus"
)

// PoolSource is satisfied by *pool.Pool of any connection type.
type PoolSource interface {
	Snapshot() pool.Snapshot
}

// RegistrySource is satisfied by *resource.Registry.
type RegistrySource interface {
	Snapshot() resource.Snapshot
}

// Snapshot combines every registered pool with the registry.
type Snapshot struct {
	ActiveCount       int                      `json:"active_count"`
	IdleCount         int                      `json:"idle_count"`
	WaitersLen        int                      `json:"waiters_len"`
	PendingCleanupLen int                      `json:"pending_cleanup_len"`
	Pools             map[string]pool.Snapshot `json:"pools"`
	Registry          *resource.Snapshot       `json:"registry,omitempty"`
	TakenAt           time.Time                `json:"taken_at"`
}

type cachedSnapshot struct {
	snap    Snapshot
	expires time.Time
}

const combinedKey = "combined"

// Collector gathers snapshots. Combined snapshots are reused for the configured TTL so frequent
// polling doesn't contend with the pools' locks.
type Collector struct {
	ttl      time.Duration
	log      logrus.FieldLogger
	registry RegistrySource
	pools    *smap.Map[string, PoolSource]
	cache    *smap.Map[string, cachedSnapshot]
}

type options struct {
	ttl time.Duration
	log logrus.FieldLogger
}

type Option func(*options)

// WithTTL sets how long a combined snapshot is reused. Zero takes a fresh one on every call.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

// NewCollector returns a Collector. registry may be nil.
func NewCollector(registry RegistrySource, opts ...Option) *Collector {
	o := options{ttl: time.Second, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Collector{
		ttl:      o.ttl,
		log:      o.log.WithField("component", "introspect"),
		registry: registry,
		pools:    smap.Make[string, PoolSource](4),
		cache:    smap.Make[string, cachedSnapshot](1),
	}
}

// AddPool includes p under name, replacing any pool with the same name.
func (c *Collector) AddPool(name string, p PoolSource) {
	c.pools.Set(name, p)
	c.invalidate()
}

func (c *Collector) RemovePool(name string) {
	c.pools.GetAndDelete(name)
	c.invalidate()
}

func (c *Collector) invalidate() {
	c.cache.GetAndDelete(combinedKey)
}

// PoolNames returns the registered pool names in sorted order.
func (c *Collector) PoolNames() []string {
	names := c.pools.Keys()
	slices.Sort(names)
	return names
}

// Pool returns a fresh snapshot of one pool.
func (c *Collector) Pool(name string) (pool.Snapshot, bool) {
	p, ok := c.pools.Get(name)
	if !ok {
		return pool.Snapshot{}, false
	}
	return p.Snapshot(), true
}

// Snapshot returns the combined snapshot, taking a new one when the cached one has expired.
// Concurrent callers that find it expired take it once between them.
func (c *Collector) Snapshot() Snapshot {
	cached := c.cache.Compute(combinedKey, func(old cachedSnapshot, ok bool) (cachedSnapshot, bool) {
		now := time.Now()
		if ok && now.Before(old.expires) {
			return old, true
		}
		return cachedSnapshot{snap: c.collect(now), expires: now.Add(c.ttl)}, true
	})
	s := cached.snap
	s.Pools = maps.Clone(s.Pools)
	return s
}

func (c *Collector) collect(now time.Time) Snapshot {
	s := Snapshot{
		Pools:   make(map[string]pool.Snapshot, c.pools.Len()),
		TakenAt: now,
	}
	c.pools.Range(func(name string, p PoolSource) bool {
		ps := p.Snapshot()
		s.Pools[name] = ps
		s.ActiveCount += ps.Active
		s.IdleCount += ps.Idle
		s.WaitersLen += ps.Waiters
		return true
	})
	if c.registry != nil {
		rs := c.registry.Snapshot()
		s.Registry = &rs
		s.PendingCleanupLen = rs.Pending
	}
	c.log.WithFields(logrus.Fields{
		"pools":   len(s.Pools),
		"active":  s.ActiveCount,
		"idle":    s.IdleCount,
		"waiters": s.WaitersLen,
		"pending": s.PendingCleanupLen,
	}).Trace("snapshot taken")
	return s
}
