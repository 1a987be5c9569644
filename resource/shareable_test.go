package resource_test

import (
	"context"
	"errors"
	"testing"

	"github.com/PetroPower/lifecycle/resource"
	"github.com/stretchr/testify/require"
)

func TestShareable(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, 1)
	i := 0
	var cleaned []int
	manager := resource.NewShareable[int](
		func(ctx context.Context) (int, error) {
			i++
			return i, nil
		},
		func(_ context.Context, res int) error {
			cleaned = append(cleaned, res)
			return nil
		},
		reg, "shared", resource.Normal, resource.WithLogger(nullLogger()),
	)
	res, err := manager.Acquire(ctx)
	require.NoError(t, err)
	t.Run("first call allocates new resource", func(t *testing.T) {
		require.Equal(t, 1, res)
		require.Equal(t, 1, reg.Snapshot().Entries)
	})

	t.Run("acquiring again shares the resource", func(t *testing.T) {
		res, err = manager.Acquire(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res)
	})

	t.Run("invalidating causes next acquire call to reallocate", func(t *testing.T) {
		require.NoError(t, manager.Invalidate(ctx))
		require.Equal(t, []int{1}, cleaned)
		require.Zero(t, reg.Snapshot().Entries)
		res, err = manager.Acquire(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, res)
	})

	t.Run("registry shutdown cleans up and acquire reallocates", func(t *testing.T) {
		report := reg.CleanupAll(ctx)
		require.Equal(t, 1, report.Completed)
		require.Equal(t, []int{1, 2}, cleaned)
		res, err = manager.Acquire(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, res)
	})

	// the following tests operate on a closed Shareable
	require.NoError(t, manager.Close(ctx))
	t.Run("close blocks calls to Acquire", func(t *testing.T) {
		_, err := manager.Acquire(ctx)
		require.ErrorIs(t, err, resource.ErrShareableClosed)
		require.Equal(t, []int{1, 2, 3}, cleaned)
	})

	t.Run("can call Invalidate after close", func(t *testing.T) {
		require.NoError(t, manager.Invalidate(ctx))
	})
}

func TestShareableCreateError(t *testing.T) {
	errDial := errors.New("dial failed")
	manager := resource.NewShareable[int](
		func(context.Context) (int, error) { return 0, errDial },
		func(context.Context, int) error { return nil },
		nil, "shared", resource.Low,
	)
	_, err := manager.Acquire(context.Background())
	require.ErrorIs(t, err, errDial)
}
