package resource

import (
	"context"
	"weak"
)

// TrackedResource is the owner's handle to a registry entry. It doesn't keep the registry alive;
// once the registry is collected every method returns ErrRegistryGone.
type TrackedResource struct {
	id  ResourceID
	reg weak.Pointer[Registry]
}

func (t *TrackedResource) ID() ResourceID {
	return t.id
}

func (t *TrackedResource) registry() (*Registry, error) {
	r := t.reg.Value()
	if r == nil {
		return nil, ErrRegistryGone
	}
	return r, nil
}

func (t *TrackedResource) Info() (ResourceInfo, error) {
	r, err := t.registry()
	if err != nil {
		return ResourceInfo{}, err
	}
	return r.Info(t.id)
}

// Schedule asks the registry's workers to run the cleanup.
func (t *TrackedResource) Schedule() error {
	r, err := t.registry()
	if err != nil {
		return err
	}
	return r.Schedule(t.id)
}

// Complete records a cleanup the owner ran itself.
func (t *TrackedResource) Complete(cleanupErr error) error {
	r, err := t.registry()
	if err != nil {
		return err
	}
	return r.Complete(t.id, cleanupErr)
}

func (t *TrackedResource) Unregister() error {
	r, err := t.registry()
	if err != nil {
		return err
	}
	return r.Unregister(t.id)
}

// Wait blocks until the cleanup finishes and returns its error.
func (t *TrackedResource) Wait(ctx context.Context) error {
	r, err := t.registry()
	if err != nil {
		return err
	}
	return r.Wait(ctx, t.id)
}
