package estests

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liamwh/sourcerer/core/es"
	"github.com/liamwh/sourcerer/core/es/estests/domain"
)

func TestRepository(t *testing.T) {
	te := es.StartTestEnv(t, es.WithAggregates(new(domain.Account)))
	a := domain.NewAccount("foobar")
	require.ErrorIs(t, te.Repository().Load(t.Context(), a), es.ErrAggregateNotFound)
}

func TestRepository_Typed_notFound(t *testing.T) {
	te := es.StartTestEnv(t, es.WithAggregates(new(domain.Account)))
	r := es.NewTypedRepositoryFrom[*domain.Account](slog.Default(), te.Repository())
	_, err := r.GetByID(t.Context(), "foobar")
	require.ErrorIs(t, err, es.ErrAggregateNotFound)
}

func TestRepository_LoadDirty(t *testing.T) {
	te := es.StartTestEnv(t, es.WithAggregates(new(domain.Account)))
	a := domain.NewAccount("dirty")
	require.NoError(t, a.Open("alice"))
	require.Error(t, te.Repository().Load(t.Context(), a))
}

func TestRepository_SaveNothing(t *testing.T) {
	te := es.StartTestEnv(t, es.WithAggregates(new(domain.Account)))
	a := domain.NewAccount("clean")
	require.NoError(t, te.Repository().Save(t.Context(), a))
	require.Equal(t, es.Version(0), a.GetVersion())
}

func TestRepository_Typed(t *testing.T) {
	var (
		e    = es.StartTestEnv(t, es.WithAggregates(new(domain.Account)))
		repo = es.NewTypedRepositoryFrom[*domain.Account](slog.Default(), e.Repository())
	)

	var (
		aggID = "my-agg-1"
	)

	require.Equal(t, "account", repo.GetAggType())

	// load fails
	_, err := repo.GetByID(t.Context(), aggID)
	require.ErrorIs(t, err, es.ErrAggregateNotFound)

	// get or create starts a fresh, unpersisted aggregate
	a, err := repo.GetOrCreate(t.Context(), aggID)
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Equal(t, aggID, a.GetID())
	require.Equal(t, es.Version(0), a.GetVersion())

	// still not persisted
	_, err = repo.GetByID(t.Context(), aggID)
	require.ErrorIs(t, err, es.ErrAggregateNotFound)

	// first save persists the opening event as version 1
	require.NoError(t, a.Open("alice"))
	require.NoError(t, repo.Save(t.Context(), a))
	require.Equal(t, es.Version(1), a.GetVersion())

	// save
	require.NoError(t, a.Deposit(7))
	require.NoError(t, repo.Save(t.Context(), a))
	require.EqualValues(t, 2, a.GetVersion())
	require.EqualValues(t, 7, a.Balance)
	require.Empty(t, a.Uncommitted())

	t.Run("load", func(t *testing.T) {
		var loaded *domain.Account
		loaded, err = repo.GetByID(t.Context(), aggID)
		require.NoError(t, err)
		require.Equal(t, aggID, loaded.GetID())
		require.EqualValues(t, 7, loaded.Balance)
		require.EqualValues(t, 2, loaded.GetVersion())
		require.Equal(t, "alice", loaded.Owner)
	})

	t.Run("get or create loads existing state", func(t *testing.T) {
		loaded, err := repo.GetOrCreate(t.Context(), aggID)
		require.NoError(t, err)
		require.EqualValues(t, 7, loaded.Balance)
		require.EqualValues(t, 2, loaded.GetVersion())
	})
}

func TestRepository_Conflict(t *testing.T) {
	var (
		te   = es.StartTestEnv(t, es.WithAggregates(new(domain.Account)))
		repo = es.NewTypedRepositoryFrom[*domain.Account](slog.Default(), te.Repository())
	)

	a, err := repo.GetOrCreate(t.Context(), "contested")
	require.NoError(t, err)
	require.NoError(t, a.Open("alice"))
	require.NoError(t, repo.Save(t.Context(), a))

	// two sessions load the same version
	s1, err := repo.GetByID(t.Context(), "contested")
	require.NoError(t, err)
	s2, err := repo.GetByID(t.Context(), "contested")
	require.NoError(t, err)

	// first writer wins
	require.NoError(t, s1.Deposit(10))
	require.NoError(t, repo.Save(t.Context(), s1))

	// second writer conflicts and nothing of it is persisted
	require.NoError(t, s2.Deposit(20))
	err = repo.Save(t.Context(), s2)
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	var conflict *es.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, es.Version(1), conflict.Expected)
	require.Equal(t, es.Version(2), conflict.Actual)

	// the conflicting events stay uncommitted, the caller decides what to do
	require.Len(t, s2.Uncommitted(), 1)

	// a manual reload and retry succeeds
	s2, err = repo.GetByID(t.Context(), "contested")
	require.NoError(t, err)
	require.EqualValues(t, 10, s2.Balance)
	require.NoError(t, s2.Deposit(20))
	require.NoError(t, repo.Save(t.Context(), s2))

	final, err := repo.GetByID(t.Context(), "contested")
	require.NoError(t, err)
	require.EqualValues(t, 30, final.Balance)
	require.Equal(t, es.Version(3), final.GetVersion())
}

func TestRepository_SnapshotEvery(t *testing.T) {
	var (
		snapshotter = es.NewInMemorySnapshotter()
		te          = es.StartTestEnv(
			t,
			es.WithAggregates(new(domain.Account)),
			es.WithSnapshotter(snapshotter),
			es.WithSnapshotEvery(5),
		)
		repo = es.NewTypedRepositoryFrom[*domain.Account](slog.Default(), te.Repository())
	)

	a, err := repo.GetOrCreate(t.Context(), "interval")
	require.NoError(t, err)
	require.NoError(t, a.Open("alice"))
	require.NoError(t, repo.Save(t.Context(), a))

	// versions 2..4: no snapshot yet
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Deposit(1))
		require.NoError(t, repo.Save(t.Context(), a))
	}
	_, err = es.LoadSnapshot(t.Context(), snapshotter, a.GetAggType(), a.GetID())
	require.ErrorIs(t, err, es.ErrSnapshotNotFound)

	// a multi-event save from version 4 to 6 crosses the interval
	require.NoError(t, a.Deposit(1))
	require.NoError(t, a.Deposit(1))
	require.NoError(t, repo.Save(t.Context(), a))
	require.Equal(t, es.Version(6), a.GetVersion())

	ss, err := es.LoadSnapshot(t.Context(), snapshotter, a.GetAggType(), a.GetID())
	require.NoError(t, err)
	require.Equal(t, es.Version(6), ss.ObjVersion)
}

// failingSnapshotter breaks every save so snapshot suppression can be observed.
type failingSnapshotter struct{}

func (failingSnapshotter) SaveSnapshot(context.Context, *es.Snapshot) error {
	return fmt.Errorf("disk full")
}

func (failingSnapshotter) LoadSnapshot(context.Context, string, string) (*es.Snapshot, error) {
	return nil, es.ErrSnapshotNotFound
}

func TestRepository_SnapshotFailureDoesNotFailSave(t *testing.T) {
	var (
		te = es.StartTestEnv(
			t,
			es.WithAggregates(new(domain.Account)),
			es.WithSnapshotter(failingSnapshotter{}),
		)
		repo = es.NewTypedRepositoryFrom[*domain.Account](slog.Default(), te.Repository())
	)

	a, err := repo.GetOrCreate(t.Context(), "snapfail")
	require.NoError(t, err)
	require.NoError(t, a.Open("alice"))
	require.NoError(t, repo.Save(t.Context(), a, es.WithSnapshot(true)))
	require.Equal(t, es.Version(1), a.GetVersion())

	// the events made it regardless
	loaded, err := repo.GetByID(t.Context(), "snapfail")
	require.NoError(t, err)
	require.Equal(t, "alice", loaded.Owner)

	// the explicit snapshot API still surfaces the error
	_, err = te.Repository().CreateSnapshot(t.Context(), loaded)
	require.Error(t, err)
	require.False(t, errors.Is(err, es.ErrSnapshotterUnconfigured))
}

func TestRepository_CreateSnapshotUnconfigured(t *testing.T) {
	registry := es.NewRegistry()
	repo := es.NewRepository(slog.Default(), es.NewInMemoryStore(), registry)
	_, err := repo.CreateSnapshot(t.Context(), domain.NewAccount("x"))
	require.ErrorIs(t, err, es.ErrSnapshotterUnconfigured)
}
