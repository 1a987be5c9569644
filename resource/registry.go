package resource

import (
	"cmp"
	"container/heap"
	"context"
	"errors"
	"slices"
	"sync"
	"time"
	"weak"

	"github.com/PetroPower/lifecycle/internal/invariant"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ResourceID identifies a tracked resource.
type ResourceID = uuid.UUID

// Action is a cleanup that may block on I/O. Registry workers run it with a context that is never
// canceled, so once started it runs to completion.
type Action func(ctx context.Context) error

// ResourceInfo is the registry's bookkeeping for one resource.
type ResourceInfo struct {
	ID           ResourceID
	TypeTag      string
	Priority     Priority
	RegisteredAt time.Time
	State        State
}

// entry is owned by Registry.mu.
type entry struct {
	info    ResourceInfo
	action  Action
	regSeq  uint64
	seq     uint64 // queue order, assigned when the entry becomes pending
	index   int    // position in Registry.pending, -1 when not queued
	running bool
	err     error
	done    chan struct{} // closed once the entry reaches a terminal state
}

// Failure is a cleanup error that no caller was waiting for.
type Failure struct {
	ID      ResourceID
	TypeTag string
	Err     error
	At      time.Time
}

// FailureReporter receives failures from fire-and-forget cleanups.
type FailureReporter interface {
	ReportFailure(id ResourceID, err error)
}

// Registry tracks live resources and drives their cleanup in priority order. It's safe for
// concurrent use. Cleanup actions run on CleanupConcurrency worker goroutines, never while the
// registry's lock is held.
type Registry struct {
	cfg Config
	log logrus.FieldLogger

	mu       sync.Mutex
	cond     *sync.Cond
	entries  map[ResourceID]*entry
	pending  cleanupQueue
	running  int
	nextSeq  uint64
	closed   bool
	stopping bool

	completed       uint64
	failed          uint64
	forced          uint64
	failuresDropped uint64

	failures chan Failure
	workers  errgroup.Group
}

var _ FailureReporter = (*Registry)(nil)

// NewRegistry creates a registry and starts its cleanup workers. Close stops them.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	if cfg.CleanupConcurrency < 1 {
		cfg.CleanupConcurrency = 1
	}
	if cfg.FailureBuffer < 0 {
		cfg.FailureBuffer = 0
	}
	o := buildOptions(opts)
	r := &Registry{
		cfg:      cfg,
		log:      o.log.WithField("component", "registry"),
		entries:  make(map[ResourceID]*entry),
		failures: make(chan Failure, cfg.FailureBuffer),
	}
	r.cond = sync.NewCond(&r.mu)
	for i := 0; i < cfg.CleanupConcurrency; i++ {
		r.workers.Go(r.work)
	}
	r.log.WithField("workers", cfg.CleanupConcurrency).Debug("registry started")
	return r
}

// Register tracks a resource under a fresh id. action runs when the resource is scheduled for
// cleanup or at shutdown.
func (r *Registry) Register(typeTag string, priority Priority, action Action) (*TrackedResource, error) {
	return r.RegisterWithID(uuid.New(), typeTag, priority, action)
}

// RegisterWithID is like Register but uses the caller's id. It returns ErrAlreadyRegistered if
// the id is already tracked.
func (r *Registry) RegisterWithID(id ResourceID, typeTag string, priority Priority, action Action) (*TrackedResource, error) {
	if action == nil {
		return nil, errors.New("cleanup action must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, dup := r.entries[id]; dup {
		return nil, ErrAlreadyRegistered
	}
	r.nextSeq++
	r.entries[id] = &entry{
		info: ResourceInfo{
			ID:           id,
			TypeTag:      typeTag,
			Priority:     priority,
			RegisteredAt: time.Now(),
			State:        Registered,
		},
		action: action,
		regSeq: r.nextSeq,
		index:  -1,
		done:   make(chan struct{}),
	}
	r.log.WithFields(logrus.Fields{"id": id, "type": typeTag, "priority": priority}).Debug("resource registered")
	return &TrackedResource{id: id, reg: weak.Make(r)}, nil
}

// Info returns the bookkeeping for id.
func (r *Registry) Info(id ResourceID) (ResourceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ResourceInfo{}, ErrNotFound
	}
	return e.info, nil
}

// Schedule queues id for cleanup by the workers. Scheduling a pending entry again is a no-op.
func (r *Registry) Schedule(id ResourceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.info.State == Registered {
		r.enqueueLocked(e)
		r.cond.Signal()
	}
	return nil
}

func (r *Registry) enqueueLocked(e *entry) {
	r.nextSeq++
	e.seq = r.nextSeq
	e.info.State = CleanupPending
	heap.Push(&r.pending, e)
}

// Complete records the outcome of a cleanup that the owner ran itself. It removes a queued
// request; if a worker is already running the action, the worker's outcome wins and Complete is
// a no-op.
func (r *Registry) Complete(id ResourceID, err error) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if e.running {
		r.mu.Unlock()
		return nil
	}
	if e.index >= 0 {
		heap.Remove(&r.pending, e.index)
	}
	e.info.State = CleanupPending
	r.finishLocked(e, err)
	r.mu.Unlock()

	r.logOutcome(e, err)
	return nil
}

// Unregister stops tracking id without running its cleanup. Waiters observe a nil error. It's a
// no-op if a worker is already running the cleanup.
func (r *Registry) Unregister(id ResourceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.running {
		return nil
	}
	if e.index >= 0 {
		heap.Remove(&r.pending, e.index)
	}
	delete(r.entries, id)
	close(e.done)
	r.log.WithField("id", id).Debug("resource unregistered")
	return nil
}

// Wait blocks until id reaches a terminal state and returns its cleanup error. Ids that are not
// tracked return ErrNotFound.
func (r *Registry) Wait(ctx context.Context, id ResourceID) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.err
}

// work pops the highest priority request and runs it, until the registry stops.
func (r *Registry) work() error {
	for {
		r.mu.Lock()
		for len(r.pending) == 0 && !r.stopping {
			r.cond.Wait()
		}
		if r.stopping {
			r.mu.Unlock()
			return nil
		}
		e := heap.Pop(&r.pending).(*entry)
		e.running = true
		r.running++
		r.mu.Unlock()

		err := runCleanup(e.info.ID, func() error {
			return e.action(context.Background())
		})

		r.mu.Lock()
		r.running--
		e.running = false
		current, tracked := r.entries[e.info.ID]
		if tracked && current == e {
			r.finishLocked(e, err)
		}
		r.mu.Unlock()

		if !tracked || current != e {
			r.log.WithError(err).WithField("id", e.info.ID).Debug("cleanup finished after entry was force-dropped")
			continue
		}
		r.logOutcome(e, err)
	}
}

// finishLocked moves a pending entry to Completed or Failed and removes it.
func (r *Registry) finishLocked(e *entry, err error) {
	invariant.Check(r.log, e.info.State == CleanupPending && e.index < 0,
		"finishing entry that is not pending", logrus.Fields{"id": e.info.ID, "state": e.info.State})
	if err != nil {
		e.info.State = Failed
		r.failed++
	} else {
		e.info.State = Completed
		r.completed++
	}
	e.err = err
	delete(r.entries, e.info.ID)
	close(e.done)
}

func (r *Registry) logOutcome(e *entry, err error) {
	l := r.log.WithFields(logrus.Fields{"id": e.info.ID, "type": e.info.TypeTag, "priority": e.info.Priority})
	if err != nil {
		l.WithError(err).Warn("cleanup failed")
		return
	}
	l.Debug("cleanup completed")
}

// ShutdownReport summarizes a CleanupAll call. Partial completion under a deadline is an expected
// outcome, not an error.
type ShutdownReport struct {
	Completed int
	Failed    int
	Forced    int
	Errors    []error
	Elapsed   time.Duration
}

// Err joins the failed cleanups' errors, or returns nil.
func (s ShutdownReport) Err() error {
	return errors.Join(s.Errors...)
}

// CleanupAll queues every tracked resource for cleanup and waits for them until ctx is done.
// If ctx has no deadline, DefaultCleanupDeadline applies.
//
//   - Requests are served in priority order, registration order within a priority.
//   - Entries still outstanding when ctx is done are force-dropped: marked for audit, removed,
//     and counted in Forced. Actions already running are not interrupted; their results are
//     discarded.
//   - If ctx is already done, nothing is started and every entry is force-dropped.
func (r *Registry) CleanupAll(ctx context.Context) ShutdownReport {
	start := time.Now()
	ctx, cancel := r.withDefaultDeadline(ctx)
	defer cancel()

	r.mu.Lock()
	batch := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		batch = append(batch, e)
	}
	slices.SortFunc(batch, func(a, b *entry) int { return cmp.Compare(a.regSeq, b.regSeq) })
	if ctx.Err() == nil {
		for _, e := range batch {
			if e.info.State == Registered {
				r.enqueueLocked(e)
			}
		}
		r.cond.Broadcast()
	}
	r.mu.Unlock()

	r.log.WithField("resources", len(batch)).Debug("cleaning up all resources")

	for _, e := range batch {
		select {
		case <-e.done:
		case <-ctx.Done():
		}
	}

	type drop struct {
		info    ResourceInfo
		running bool
	}
	var report ShutdownReport
	var dropped []drop
	r.mu.Lock()
	for _, e := range batch {
		select {
		case <-e.done:
			if e.info.State == Failed {
				report.Failed++
				report.Errors = append(report.Errors, e.err)
			} else if e.info.State == Completed {
				report.Completed++
			}
			continue
		default:
		}
		e.info.State = ForceDropped
		if e.index >= 0 {
			heap.Remove(&r.pending, e.index)
		}
		e.err = ErrForceDropped
		delete(r.entries, e.info.ID)
		close(e.done)
		r.forced++
		report.Forced++
		dropped = append(dropped, drop{info: e.info, running: e.running})
	}
	r.mu.Unlock()

	for _, d := range dropped {
		r.log.WithFields(logrus.Fields{
			"id":       d.info.ID,
			"type":     d.info.TypeTag,
			"priority": d.info.Priority,
			"running":  d.running,
		}).Warn("cleanup force-dropped at deadline")
	}
	report.Elapsed = time.Since(start)
	r.log.WithFields(logrus.Fields{
		"completed": report.Completed,
		"failed":    report.Failed,
		"forced":    report.Forced,
		"elapsed":   report.Elapsed,
	}).Info("cleanup finished")
	return report
}

// withDefaultDeadline applies DefaultCleanupDeadline to a ctx without a deadline.
func (r *Registry) withDefaultDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || r.cfg.DefaultCleanupDeadline <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.cfg.DefaultCleanupDeadline)
}

// ReportFailure records a cleanup failure that has no caller to return to. It never blocks.
func (r *Registry) ReportFailure(id ResourceID, err error) {
	if err == nil {
		return
	}
	f := Failure{ID: id, Err: err, At: time.Now()}
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		f.TypeTag = e.info.TypeTag
	}
	r.mu.Unlock()

	select {
	case r.failures <- f:
	default:
		r.mu.Lock()
		r.failuresDropped++
		r.mu.Unlock()
	}
	r.log.WithError(err).WithField("id", id).Warn("detached cleanup failed")
}

// Failures delivers failures reported with ReportFailure. The channel is never closed.
func (r *Registry) Failures() <-chan Failure {
	return r.failures
}

// Close rejects new registrations, runs CleanupAll with ctx and stops the workers. Workers still
// busy with abandoned actions when ctx is done are left to finish on their own.
//
// If ctx has no deadline, DefaultCleanupDeadline bounds the whole call, including the wait for
// the workers.
func (r *Registry) Close(ctx context.Context) ShutdownReport {
	ctx, cancel := r.withDefaultDeadline(ctx)
	defer cancel()

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	report := r.CleanupAll(ctx)

	r.mu.Lock()
	r.stopping = true
	r.cond.Broadcast()
	r.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		_ = r.workers.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		r.log.Debug("registry stopped")
	case <-ctx.Done():
		r.log.Warn("registry closed with cleanup workers still running")
	}
	return report
}

// Snapshot is a point-in-time view of a registry.
type Snapshot struct {
	Entries         int    `json:"entries"`
	Pending         int    `json:"pending_cleanup_len"`
	Running         int    `json:"running"`
	Completed       uint64 `json:"completed"`
	Failed          uint64 `json:"failed"`
	Forced          uint64 `json:"forced"`
	DroppedFailures uint64 `json:"dropped_failures"`
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Entries:         len(r.entries),
		Pending:         len(r.pending),
		Running:         r.running,
		Completed:       r.completed,
		Failed:          r.failed,
		Forced:          r.forced,
		DroppedFailures: r.failuresDropped,
	}
}
