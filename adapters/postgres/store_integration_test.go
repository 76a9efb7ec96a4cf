//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/liamwh/sourcerer/core/es"
)

func startPostgres(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	pg, err := tcpostgres.RunContainer(ctx,
		tcpostgres.WithDatabase("sourcerer"),
		tcpostgres.WithUsername("sourcerer"),
		tcpostgres.WithPassword("sourcerer"),
		tcpostgres.WithSQLDriver("pgx"),
	)
	if err != nil {
		t.Skipf("skip: cannot start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func testEnvelope(aggType, aggID string, version es.Version) es.Envelope {
	return es.Envelope{
		ID:            gonanoid.Must(),
		AggregateType: aggType,
		AggregateID:   aggID,
		Type:          "testing.Happened",
		SchemaVersion: 1,
		Version:       version,
		Data:          []byte(`{"n":1}`),
		OccurredAt:    time.Now(),
	}
}

func TestPostgres_EventStore(t *testing.T) {
	dsn := startPostgres(t)

	store, err := NewEventStore(t.Context(), EventStoreConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	t.Run("append assigns sequence", func(t *testing.T) {
		res, err := store.Append(t.Context(), "test", "123", 0, []es.Envelope{
			testEnvelope("test", "123", 1),
			testEnvelope("test", "123", 2),
		})
		require.NoError(t, err)
		require.NotNil(t, res)
		require.Equal(t, es.Version(2), res.NewVersion)
		require.EqualValues(t, 2, res.LastSeq)
	})

	t.Run("load unknown stream is empty", func(t *testing.T) {
		envs, err := store.Load(t.Context(), "test", "does-not-exist")
		require.NoError(t, err)
		require.Empty(t, envs)
	})

	t.Run("stale append conflicts", func(t *testing.T) {
		_, err := store.Append(t.Context(), "test", "123", 0, []es.Envelope{
			testEnvelope("test", "123", 1),
		})
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)

		var conflict *es.ConflictError
		require.ErrorAs(t, err, &conflict)
		require.Equal(t, es.Version(0), conflict.Expected)
		require.Equal(t, es.Version(2), conflict.Actual)

		envs, err := store.Load(t.Context(), "test", "123")
		require.NoError(t, err)
		require.Len(t, envs, 2)
	})

	t.Run("load preserves envelope fields", func(t *testing.T) {
		envs, err := store.Load(t.Context(), "test", "123")
		require.NoError(t, err)
		require.Len(t, envs, 2)

		first := envs[0]
		require.NotEmpty(t, first.ID)
		require.Equal(t, "test", first.AggregateType)
		require.Equal(t, "123", first.AggregateID)
		require.Equal(t, "testing.Happened", first.Type)
		require.EqualValues(t, 1, first.SchemaVersion)
		require.Equal(t, es.Version(1), first.Version)
		require.EqualValues(t, 1, first.Seq)
		require.JSONEq(t, `{"n":1}`, string(first.Data))
		require.False(t, first.OccurredAt.IsZero())
	})

	t.Run("load from version", func(t *testing.T) {
		_, err := store.Append(t.Context(), "test", "123", 2, []es.Envelope{
			testEnvelope("test", "123", 3),
			testEnvelope("test", "123", 4),
		})
		require.NoError(t, err)

		envs, err := store.Load(t.Context(), "test", "123", es.WithStartAtVersion(3))
		require.NoError(t, err)
		require.Len(t, envs, 2)
		require.Equal(t, es.Version(3), envs[0].Version)
		require.Equal(t, es.Version(4), envs[1].Version)
	})

	t.Run("streams are isolated", func(t *testing.T) {
		_, err := store.Append(t.Context(), "other", "123", 0, []es.Envelope{
			testEnvelope("other", "123", 1),
		})
		require.NoError(t, err)

		envs, err := store.Load(t.Context(), "other", "123")
		require.NoError(t, err)
		require.Len(t, envs, 1)

		envs, err = store.Load(t.Context(), "test", "123")
		require.NoError(t, err)
		require.Len(t, envs, 4)
	})
}

func TestPostgres_Snapshotter(t *testing.T) {
	dsn := startPostgres(t)

	snapshotter, err := NewSnapshotter(t.Context(), SnapshotterConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = snapshotter.Close() })

	_, err = snapshotter.LoadSnapshot(t.Context(), "account", "a1")
	require.ErrorIs(t, err, es.ErrSnapshotNotFound)

	first := &es.Snapshot{
		SnapshotID:    gonanoid.Must(),
		ObjType:       "account",
		ObjID:         "a1",
		ObjVersion:    3,
		StreamSeq:     7,
		SchemaVersion: 1,
		Encoding:      "json",
		CreatedAt:     time.Now(),
		Data:          []byte(`{"balance":10}`),
	}
	require.NoError(t, snapshotter.SaveSnapshot(t.Context(), first))

	loaded, err := snapshotter.LoadSnapshot(t.Context(), "account", "a1")
	require.NoError(t, err)
	require.Equal(t, first.SnapshotID, loaded.SnapshotID)
	require.Equal(t, es.Version(3), loaded.ObjVersion)
	require.EqualValues(t, 7, loaded.StreamSeq)
	require.JSONEq(t, `{"balance":10}`, string(loaded.Data))

	// a newer snapshot replaces the old one
	second := &es.Snapshot{
		SnapshotID:    gonanoid.Must(),
		ObjType:       "account",
		ObjID:         "a1",
		ObjVersion:    5,
		StreamSeq:     12,
		SchemaVersion: 1,
		Encoding:      "json",
		CreatedAt:     time.Now(),
		Data:          []byte(`{"balance":25}`),
	}
	require.NoError(t, snapshotter.SaveSnapshot(t.Context(), second))

	loaded, err = snapshotter.LoadSnapshot(t.Context(), "account", "a1")
	require.NoError(t, err)
	require.Equal(t, second.SnapshotID, loaded.SnapshotID)
	require.Equal(t, es.Version(5), loaded.ObjVersion)
	require.JSONEq(t, `{"balance":25}`, string(loaded.Data))

	_, err = snapshotter.LoadSnapshot(t.Context(), "account", "a2")
	require.ErrorIs(t, err, es.ErrSnapshotNotFound)
}
