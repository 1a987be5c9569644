package resource

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// CleanupFunc releases a guarded resource.
type CleanupFunc[T any] func(ctx context.Context, res T) error

// Guard owns a resource and runs its cleanup exactly once: on Release, on Close, when the registry
// it is tracked by shuts down, or when the guard is garbage collected, whichever happens first.
//
//	g := resource.NewGuard(f, func(ctx context.Context, f *os.File) error { return f.Close() })
//	defer g.Close()
//	...
//	return g.Release(ctx)
type Guard[T any] struct {
	s        *guardState[T]
	fallback runtime.Cleanup
}

// guardState is everything the cleanup needs. It must not point back at the Guard, or the
// garbage-collection fallback could never fire.
type guardState[T any] struct {
	res     T
	cleanup CleanupFunc[T]
	log     logrus.FieldLogger

	fired atomic.Bool
	done  chan struct{}
	err   error // set before done is closed

	mu       sync.Mutex
	reporter FailureReporter
	tracked  *TrackedResource
}

func NewGuard[T any](res T, cleanup CleanupFunc[T], opts ...Option) *Guard[T] {
	o := buildOptions(opts)
	g := &Guard[T]{
		s: &guardState[T]{
			res:      res,
			cleanup:  cleanup,
			log:      o.log.WithField("component", "guard"),
			done:     make(chan struct{}),
			reporter: o.reporter,
		},
	}
	g.fallback = runtime.AddCleanup(g, func(s *guardState[T]) { s.detach() }, g.s)
	return g
}

// Get returns the resource, or false once its cleanup has started.
func (g *Guard[T]) Get() (T, bool) {
	if g.s.fired.Load() {
		var zero T
		return zero, false
	}
	return g.s.res, true
}

// Release runs the cleanup and returns its error as a *CleanupError. If the cleanup was already
// started by another path, Release waits for it and returns the same result.
func (g *Guard[T]) Release(ctx context.Context) error {
	g.fallback.Stop()
	return g.s.run(ctx)
}

// Close starts the cleanup in the background if nothing else has. It never blocks and always
// returns nil, so it is safe to defer. Failures go to the reporter and the log.
func (g *Guard[T]) Close() error {
	g.fallback.Stop()
	g.s.detach()
	return nil
}

// Track registers the guard with reg. Shutting reg down then runs the cleanup, and releasing the
// guard removes the entry. A guard can be tracked once.
func (g *Guard[T]) Track(reg *Registry, typeTag string, priority Priority) (*TrackedResource, error) {
	s := g.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired.Load() {
		return nil, ErrReleased
	}
	if s.tracked != nil {
		return nil, ErrAlreadyRegistered
	}
	tr, err := reg.Register(typeTag, priority, s.run)
	if err != nil {
		return nil, err
	}
	s.tracked = tr
	if s.reporter == nil {
		s.reporter = reg
	}
	return tr, nil
}

// run executes the cleanup on the first call. Later calls wait for the first to finish.
func (s *guardState[T]) run(ctx context.Context) error {
	if !s.fired.CompareAndSwap(false, true) {
		select {
		case <-s.done:
			return s.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	tracked := s.trackedResource()
	err := s.execute(ctx, tracked)
	s.complete(tracked, err)
	return err
}

func (s *guardState[T]) trackedResource() *TrackedResource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracked
}

func (s *guardState[T]) execute(ctx context.Context, tracked *TrackedResource) error {
	id := uuid.Nil
	if tracked != nil {
		id = tracked.ID()
	}
	s.err = runCleanup(id, func() error {
		if s.cleanup == nil {
			return nil
		}
		return s.cleanup(ctx, s.res)
	})
	close(s.done)
	return s.err
}

// complete records the outcome with the registry. A worker driving this cleanup records it itself
// and Complete is a no-op.
func (s *guardState[T]) complete(tracked *TrackedResource, err error) {
	if tracked == nil {
		return
	}
	if cerr := tracked.Complete(err); cerr != nil && !errors.Is(cerr, ErrNotFound) && !errors.Is(cerr, ErrRegistryGone) {
		s.log.WithError(cerr).WithField("id", tracked.ID()).Warn("recording cleanup")
	}
}

func (s *guardState[T]) detach() {
	if !s.fired.CompareAndSwap(false, true) {
		return
	}
	go func() {
		tracked := s.trackedResource()
		err := s.execute(context.Background(), tracked)
		if err != nil {
			// report while the entry still exists so the failure carries its type tag
			s.report(tracked, err)
		}
		s.complete(tracked, err)
	}()
}

func (s *guardState[T]) report(tracked *TrackedResource, err error) {
	s.mu.Lock()
	reporter := s.reporter
	s.mu.Unlock()
	var id ResourceID
	if tracked != nil {
		id = tracked.ID()
	}
	if reporter != nil {
		reporter.ReportFailure(id, err)
		return
	}
	s.log.WithError(err).Warn("detached cleanup failed")
}

// Guarded runs f with res and releases res afterwards, returning both errors joined.
func Guarded[T any](ctx context.Context, res T, cleanup CleanupFunc[T], f func(T) error, opts ...Option) error {
	g := NewGuard(res, cleanup, opts...)
	err := f(res)
	return errors.Join(err, g.Release(ctx))
}
