package pool

import (
	"context"
	"io"
)

// Manager knows how to create and validate one kind of connection. It holds no pool state;
// the Pool calls it from many goroutines at once and never while holding a lock.
type Manager[C any] interface {
	// Create opens a new connection. It may block until ctx is done.
	Create(ctx context.Context) (C, error)
	// Validate reports a non-nil error if conn must not be handed out.
	Validate(ctx context.Context, conn C) error
}

// Recycler is implemented by Managers that reset connection state before it goes back to idle.
// A Recycle error destroys the connection.
type Recycler[C any] interface {
	Recycle(ctx context.Context, conn C) error
}

// Destroyer is implemented by Managers with custom teardown. Without it, connections that
// implement io.Closer are closed and anything else is dropped.
type Destroyer[C any] interface {
	Destroy(conn C) error
}

type CreateFunc[C any] func(ctx context.Context) (C, error)
type ValidateFunc[C any] func(ctx context.Context, conn C) error
type RecycleFunc[C any] func(ctx context.Context, conn C) error
type DestroyFunc[C any] func(conn C) error

// Funcs builds a Manager out of plain functions. CreateFunc is required; a nil ValidateFunc accepts
// every connection, a nil RecycleFunc is skipped and a nil DestroyFunc falls back to io.Closer.
type Funcs[C any] struct {
	CreateFunc   CreateFunc[C]
	ValidateFunc ValidateFunc[C]
	RecycleFunc  RecycleFunc[C]
	DestroyFunc  DestroyFunc[C]
}

var (
	_ Manager[io.Closer]   = Funcs[io.Closer]{}
	_ Recycler[io.Closer]  = Funcs[io.Closer]{}
	_ Destroyer[io.Closer] = Funcs[io.Closer]{}
)

func (f Funcs[C]) Create(ctx context.Context) (C, error) {
	return f.CreateFunc(ctx)
}

func (f Funcs[C]) Validate(ctx context.Context, conn C) error {
	if f.ValidateFunc == nil {
		return nil
	}
	return f.ValidateFunc(ctx, conn)
}

func (f Funcs[C]) Recycle(ctx context.Context, conn C) error {
	if f.RecycleFunc == nil {
		return nil
	}
	return f.RecycleFunc(ctx, conn)
}

func (f Funcs[C]) Destroy(conn C) error {
	if f.DestroyFunc == nil {
		return closeConn(conn)
	}
	return f.DestroyFunc(conn)
}

// closeConn closes conn if it is an io.Closer.
func closeConn[C any](conn C) error {
	if c, ok := any(conn).(io.Closer); ok {
		return c.Close()
	}
	return nil
}
