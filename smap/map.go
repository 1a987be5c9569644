// Package smap provides a generic map guarded by a single RWMutex.
package smap

import (
	"maps"
	"slices"
	"sync"
)

// Map is a map[K]V safe for concurrent use.
type Map[K comparable, V any] struct {
	m    map[K]V
	lock sync.RWMutex
}

// Make returns an empty Map with room for size keys.
func Make[K comparable, V any](size int) *Map[K, V] {
	return &Map[K, V]{
		m: make(map[K]V, size),
	}
}

// Len reports the number of keys.
func (sm *Map[K, V]) Len() int {
	sm.lock.RLock()
	defer sm.lock.RUnlock()
	return len(sm.m)
}

// Set stores v under k, replacing any previous value.
func (sm *Map[K, V]) Set(k K, v V) {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	sm.m[k] = v
}

// Get looks up k. ok is false if k is absent.
func (sm *Map[K, V]) Get(k K) (v V, ok bool) {
	sm.lock.RLock()
	defer sm.lock.RUnlock()
	v, ok = sm.m[k]
	return
}

// GetAndDelete removes k and returns the value it held, if any.
func (sm *Map[K, V]) GetAndDelete(k K) (v V, ok bool) {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	v, ok = sm.m[k]
	delete(sm.m, k)
	return v, ok
}

// Range calls f for each entry under the read lock, in no particular order, until f returns false.
// f must not modify the Map.
func (sm *Map[K, V]) Range(f func(k K, v V) (cont bool)) {
	sm.lock.RLock()
	defer sm.lock.RUnlock()
	for k, v := range sm.m {
		if !f(k, v) {
			return
		}
	}
}

// Keys returns a snapshot of the keys in no particular order.
func (sm *Map[K, V]) Keys() []K {
	sm.lock.RLock()
	defer sm.lock.RUnlock()
	return slices.Collect(maps.Keys(sm.m))
}

// Compute replaces the value for k with the result of f while holding the write lock.
//
//   - f receives the current value and whether k is present.
//   - If f returns keep == false, k is removed from the map.
//
// The check, the computation and the insert happen in one critical section, so concurrent
// callers for the same key observe each other's results and f runs once per stale value.
// f must not call back into the Map.
func (sm *Map[K, V]) Compute(k K, f func(old V, ok bool) (v V, keep bool)) V {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	old, ok := sm.m[k]
	v, keep := f(old, ok)
	if keep {
		sm.m[k] = v
	} else {
		delete(sm.m, k)
	}
	return v
}

// LoadOrCompute returns the stored value for k if valid reports it usable. Otherwise compute is called
// without holding any lock and its result is stored.
//
// The lookup and the insert are two separate critical sections: concurrent callers that miss at the
// same time all run compute, and the last insert wins. Use Compute when that matters.
func (sm *Map[K, V]) LoadOrCompute(k K, valid func(V) bool, compute func() V) (v V, computed bool) {
	if v, ok := sm.Get(k); ok && valid(v) {
		return v, false
	}
	v = compute()
	sm.Set(k, v)
	return v, true
}
