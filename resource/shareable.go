package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrShareableClosed is returned by Acquire after Close.
var ErrShareableClosed = errors.New("shareable closed")

// Shareable lazily creates a single resource that many callers use at once. The resource lives in
// a Guard; if a Registry is given it is tracked there, so shutting the registry down cleans it up.
type Shareable[T any] struct {
	guard *Guard[T]
	lock  sync.Mutex

	create   func(ctx context.Context) (T, error)
	cleanup  CleanupFunc[T]
	reg      *Registry
	typeTag  string
	priority Priority
	opts     []Option

	closed atomic.Bool
}

// NewShareable returns a Shareable. reg may be nil.
func NewShareable[T any](create func(ctx context.Context) (T, error), cleanup CleanupFunc[T], reg *Registry, typeTag string, priority Priority, opts ...Option) *Shareable[T] {
	return &Shareable[T]{
		create:   create,
		cleanup:  cleanup,
		reg:      reg,
		typeTag:  typeTag,
		priority: priority,
		opts:     opts,
	}
}

// Acquire returns the shared resource, creating it if needed. A resource whose cleanup was started
// elsewhere, for example by registry shutdown, is replaced.
func (s *Shareable[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed.Load() {
		return zero, ErrShareableClosed
	}
	if s.guard != nil {
		if res, ok := s.guard.Get(); ok {
			return res, nil
		}
	}
	res, err := s.create(ctx)
	if err != nil {
		return zero, fmt.Errorf("failed to allocate shared resource: %w", err)
	}
	g := NewGuard(res, s.cleanup, s.opts...)
	if s.reg != nil {
		if _, err := g.Track(s.reg, s.typeTag, s.priority); err != nil {
			return zero, errors.Join(err, g.Release(ctx))
		}
	}
	s.guard = g
	return res, nil
}

// Invalidate releases the current resource, usually because it's broken. The next Acquire creates
// a new one.
func (s *Shareable[T]) Invalidate(ctx context.Context) error {
	s.lock.Lock()
	g := s.guard
	s.guard = nil
	s.lock.Unlock()
	if g == nil {
		return nil
	}
	return g.Release(ctx)
}

// Close blocks future calls to Acquire and releases the shared resource.
func (s *Shareable[T]) Close(ctx context.Context) error {
	s.closed.Store(true)
	return s.Invalidate(ctx)
}
