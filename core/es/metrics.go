package es

import (
	"context"

	"github.com/liamwh/sourcerer/core/metrics"
)

// ESMetrics defines the metrics surface of the event sourcing components.
// All methods return a Timer or increment counters; implementations must
// be safe for concurrent use.
type ESMetrics interface {
	// Store operations
	StoreLoadDuration(aggType string) metrics.Timer
	StoreAppendDuration(aggType string) metrics.Timer
	EventsAppended(aggType string, count int)

	// Repository operations
	RepoLoadDuration(aggType string) metrics.Timer
	RepoSaveDuration(aggType string) metrics.Timer
	ConcurrencyConflict(aggType string)

	// Snapshots
	SnapshotLoadDuration(aggType string) metrics.Timer
	SnapshotSaveDuration(aggType string) metrics.Timer
}

// nopESMetrics is a no-op implementation of ESMetrics.
type nopESMetrics struct{}

func (nopESMetrics) StoreLoadDuration(string) metrics.Timer   { return metrics.NopTimer() }
func (nopESMetrics) StoreAppendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) EventsAppended(string, int)               {}

func (nopESMetrics) RepoLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) RepoSaveDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ConcurrencyConflict(string)            {}

func (nopESMetrics) SnapshotLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) SnapshotSaveDuration(string) metrics.Timer { return metrics.NopTimer() }

// NopESMetrics returns a no-op ESMetrics implementation.
func NopESMetrics() ESMetrics { return nopESMetrics{} }

// ESMetricsOption sets the metrics for ES components.
type ESMetricsOption struct{ m ESMetrics }

// WithMetrics sets the metrics implementation for ES components.
func WithMetrics(m ESMetrics) ESMetricsOption { return ESMetricsOption{m: m} }

func (o ESMetricsOption) applyToEnv(e *envOptions)      { e.metrics = o.m }
func (o ESMetricsOption) applyToRepository(r *repoOpts) { r.metrics = o.m }

// === Instrumented store ===

// instrumentedStore decorates an EventStore with load/append timings and an
// appended-events counter.
type instrumentedStore struct {
	store EventStore
	m     ESMetrics
}

// NewInstrumentedStore wraps store so every Load and Append is measured
// through m.
func NewInstrumentedStore(store EventStore, m ESMetrics) EventStore {
	return &instrumentedStore{store: store, m: m}
}

func (s *instrumentedStore) Load(ctx context.Context, aggType string, aggID string, opts ...StoreLoadOption) ([]Envelope, error) {
	defer s.m.StoreLoadDuration(aggType).ObserveDuration()
	return s.store.Load(ctx, aggType, aggID, opts...)
}

func (s *instrumentedStore) Append(ctx context.Context, aggType string, aggID string, expectedVersion Version, events []Envelope) (*StoreAppendResult, error) {
	defer s.m.StoreAppendDuration(aggType).ObserveDuration()
	res, err := s.store.Append(ctx, aggType, aggID, expectedVersion, events)
	if err == nil {
		s.m.EventsAppended(aggType, len(events))
	}
	return res, err
}

var _ EventStore = (*instrumentedStore)(nil)
