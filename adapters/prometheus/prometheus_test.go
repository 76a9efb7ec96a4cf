package prometheus

import (
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamwh/sourcerer/core/es"
)

func TestNewESMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg)

	require.NotNil(t, m)

	// Test store operations
	timer := m.StoreLoadDuration("user")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	timer = m.StoreAppendDuration("user")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.EventsAppended("user", 5)

	// Test repository operations
	timer = m.RepoLoadDuration("user")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	timer = m.RepoSaveDuration("user")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.ConcurrencyConflict("user")

	// Test snapshots
	timer = m.SnapshotLoadDuration("user")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	timer = m.SnapshotSaveDuration("user")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	// Verify metrics were registered
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	// Check that we have the expected metric families
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	assert.True(t, names["sourcerer_es_store_load_duration_seconds"])
	assert.True(t, names["sourcerer_es_store_append_duration_seconds"])
	assert.True(t, names["sourcerer_es_events_appended_total"])
	assert.True(t, names["sourcerer_es_repo_load_duration_seconds"])
	assert.True(t, names["sourcerer_es_repo_save_duration_seconds"])
	assert.True(t, names["sourcerer_es_concurrency_conflicts_total"])
	assert.True(t, names["sourcerer_es_snapshot_load_duration_seconds"])
	assert.True(t, names["sourcerer_es_snapshot_save_duration_seconds"])
}

func TestESMetrics_InstrumentedStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg)

	store := es.NewInstrumentedStore(es.NewInMemoryStore(), m)

	_, err := store.Append(t.Context(), "user", "u1", 0, []es.Envelope{{
		ID:            gonanoid.Must(),
		AggregateType: "user",
		AggregateID:   "u1",
		Type:          "testing.Happened",
		SchemaVersion: 1,
		Version:       1,
		Data:          []byte(`{}`),
		OccurredAt:    time.Now(),
	}})
	require.NoError(t, err)

	_, err = store.Load(t.Context(), "user", "u1")
	require.NoError(t, err)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	counts := make(map[string]float64)
	for _, mf := range mfs {
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				counts[mf.GetName()] += c.GetValue()
			}
		}
	}
	assert.Equal(t, float64(1), counts["sourcerer_es_events_appended_total"])
}
