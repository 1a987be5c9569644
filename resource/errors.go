package resource

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned when registering with a registry that has been closed.
	ErrClosed = errors.New("registry closed")
	// ErrAlreadyRegistered is returned by RegisterWithID for an id that is already tracked.
	ErrAlreadyRegistered = errors.New("resource already registered")
	// ErrNotFound is returned for ids the registry does not track, including ids whose cleanup
	// already finished.
	ErrNotFound = errors.New("resource not found")
	// ErrRegistryGone is returned by a TrackedResource whose registry has been garbage collected.
	ErrRegistryGone = errors.New("registry no longer exists")
	// ErrReleased is returned when tracking a guard whose cleanup already started.
	ErrReleased = errors.New("guard already released")
	// ErrForceDropped is the cleanup result recorded for entries abandoned at a shutdown deadline.
	ErrForceDropped = errors.New("cleanup abandoned at shutdown deadline")
)

// CleanupError is returned when a cleanup action fails or panics.
type CleanupError struct {
	ID  uuid.UUID
	Err error
}

func (e *CleanupError) Error() string {
	if e.ID == uuid.Nil {
		return fmt.Sprintf("cleanup failed: %v", e.Err)
	}
	return fmt.Sprintf("cleanup of %s failed: %v", e.ID, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}

// runCleanup calls f, turning a returned error or a panic into a *CleanupError.
func runCleanup(id uuid.UUID, f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CleanupError{ID: id, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := f(); err != nil {
		var ce *CleanupError
		if errors.As(err, &ce) {
			return err
		}
		return &CleanupError{ID: id, Err: err}
	}
	return nil
}
