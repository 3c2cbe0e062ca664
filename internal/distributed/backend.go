// Package distributed abstracts the shared store a multi-instance deployment
// uses to recompute per-instance pool allocations, per spec §4.6.
package distributed

import (
	"context"

	"ratectl/internal/domain"
)

// Backend is implemented by a shared-store adapter (Redis, etc). Acquire is
// optional: a backend that does not gate admission through the store can
// make it a local-only no-op returning true.
type Backend interface {
	Register(ctx context.Context, instanceID string) (domain.AllocationInfo, error)
	Unregister(ctx context.Context, instanceID string) error
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	Subscribe(ctx context.Context, instanceID string, onUpdate func(domain.AllocationInfo)) (unsubscribe func(), err error)
}

// UsageReporter is an optional capability a Backend may implement: it lets
// the orchestrator feed committed per-model usage into the shared store so
// the next recomputation sweep (§4.6) sees this instance's contribution.
// NullBackend and any backend that doesn't need cross-instance usage
// visibility simply don't implement it; callers type-assert for it.
type UsageReporter interface {
	ReportUsage(ctx context.Context, modelID string, tokens, requests int64) error
}

// NullBackend is the single-instance default: no shared store, unbounded
// allocation, admission gated purely by local limiters.
type NullBackend struct{}

func (NullBackend) Register(ctx context.Context, instanceID string) (domain.AllocationInfo, error) {
	return domain.AllocationInfo{}, nil
}

func (NullBackend) Unregister(ctx context.Context, instanceID string) error { return nil }

func (NullBackend) Acquire(ctx context.Context) (bool, error) { return true, nil }

func (NullBackend) Release(ctx context.Context) error { return nil }

func (NullBackend) Subscribe(ctx context.Context, instanceID string, onUpdate func(domain.AllocationInfo)) (func(), error) {
	return func() {}, nil
}
