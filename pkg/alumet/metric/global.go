package metric

import (
	"errors"
	"sync/atomic"
)

// AlreadyInitializedError is returned by Publish when the global registry
// has already been set. It signals a programmer error: the pipeline calls
// Publish exactly once, at the Building→Running transition.
var AlreadyInitializedError = errors.New("metric: global registry already initialized")

// NotInitializedError is returned by Global when no registry has been
// published yet — a Source, Transform, or Output queried the binding before
// pipeline start.
var NotInitializedError = errors.New("metric: global registry not initialized")

// global holds the published registry. It is set at most once, from
// Publish, and read by Global thereafter; atomic.Pointer gives every reader
// a lock-free path once published.
var global atomic.Pointer[Registry]

// Publish makes reg the process-wide, read-only metric registry. It is a
// hard error to call this twice: the second call returns
// AlreadyInitializedError and leaves the previously published registry in
// place.
//
// This is the single piece of shared mutable state in the whole system,
// and its mutation is a one-shot, init-time event.
func Publish(reg *Registry) error {
	if !global.CompareAndSwap(nil, reg) {
		return AlreadyInitializedError
	}
	return nil
}

// Global returns the published registry. It fails with
// NotInitializedError if Publish has not been called yet.
func Global() (*Registry, error) {
	r := global.Load()
	if r == nil {
		return nil, NotInitializedError
	}
	return r, nil
}

// ResetForTest clears the published registry. It exists only so that tests
// — in this package and others that build a Runtime more than once per test
// binary — can exercise Publish's one-shot behavior repeatedly; it must
// never be called from production code.
func ResetForTest() {
	global.Store(nil)
}
