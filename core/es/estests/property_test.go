//go:build property
// +build property

package estests

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/liamwh/sourcerer/core/es"
	"github.com/liamwh/sourcerer/core/es/estests/domain"
)

func newPropRepo() (es.TypedRepository[*domain.Account], *es.InMemoryStore) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := es.NewInMemoryStore()
	registry := es.NewRegistry()
	(&domain.Account{}).Register(registry)
	return es.NewTypedRepository[*domain.Account](log, store, registry), store
}

// TestAccountReplayDeterminism verifies rehydration from the stream.
// Property: Load(id) after Save == the live aggregate, for any command mix
func TestAccountReplayDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("replaying the stream rebuilds the live state", prop.ForAll(
		func(deposits []int64, withdrawals []int64) bool {
			ctx := context.Background()
			repo, _ := newPropRepo()

			acc := domain.NewAccount("acc-replay")
			if err := acc.Open("alice"); err != nil {
				return false
			}
			for _, amount := range deposits {
				if err := acc.Deposit(amount); err != nil {
					return false
				}
			}
			for _, amount := range withdrawals {
				err := acc.Withdraw(amount)
				if acc.Balance < 0 {
					return false // overdraft must be impossible
				}
				if err != nil && amount <= acc.Balance {
					return false // rejected a covered withdrawal
				}
			}
			if err := repo.Save(ctx, acc); err != nil {
				return false
			}

			loaded, err := repo.GetByID(ctx, "acc-replay")
			if err != nil {
				return false
			}

			return loaded.Owner == acc.Owner &&
				loaded.Balance == acc.Balance &&
				loaded.NumDeposits == acc.NumDeposits &&
				loaded.NumWithdrawals == acc.NumWithdrawals &&
				loaded.GetVersion() == acc.GetVersion()
		},
		gen.SliceOf(gen.Int64Range(1, 1000)),
		gen.SliceOf(gen.Int64Range(1, 1000)),
	))

	properties.TestingRun(t)
}

// TestStaleAppendNeverMutates verifies optimistic concurrency.
// Property: an append with a wrong expected version conflicts and leaves the
// stream untouched
func TestStaleAppendNeverMutates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("stale appends always conflict and change nothing", prop.ForAll(
		func(numEvents int, staleOffset int64) bool {
			ctx := context.Background()
			repo, store := newPropRepo()

			acc := domain.NewAccount("acc-stale")
			if err := acc.Open("bob"); err != nil {
				return false
			}
			for i := 0; i < numEvents; i++ {
				if err := acc.Deposit(int64(i + 1)); err != nil {
					return false
				}
			}
			if err := repo.Save(ctx, acc); err != nil {
				return false
			}

			actual := uint64(numEvents + 1)
			stale := es.Version((int64(actual) + staleOffset) % (int64(actual) + 10))
			if stale.Uint64() == actual {
				return true // only wrong expectations are interesting
			}

			env := testEnvelope("account", "acc-stale", stale+1)
			_, err := store.Append(ctx, "account", "acc-stale", stale, []es.Envelope{env})
			if !errors.Is(err, es.ErrConcurrencyConflict) {
				return false
			}

			envs, err := store.Load(ctx, "account", "acc-stale")
			if err != nil {
				return false
			}
			return uint64(len(envs)) == actual
		},
		gen.IntRange(0, 20),
		gen.Int64Range(1, 50),
	))

	properties.TestingRun(t)
}

// TestSnapshotFidelity verifies a restore-then-replay load matches a pure
// replay for any snapshot interval.
func TestSnapshotFidelity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("snapshot restore equals full replay", prop.ForAll(
		func(deposits []int64, every uint64) bool {
			ctx := context.Background()
			log := slog.New(slog.NewTextHandler(io.Discard, nil))
			store := es.NewInMemoryStore()
			registry := es.NewRegistry()
			(&domain.Account{}).Register(registry)
			repo := es.NewTypedRepository[*domain.Account](
				log, store, registry,
				es.WithSnapshotter(es.NewInMemorySnapshotter()),
				es.WithSnapshotEvery(every),
			)

			acc := domain.NewAccount("acc-snap")
			if err := acc.Open("carol"); err != nil {
				return false
			}
			for _, amount := range deposits {
				if err := acc.Deposit(amount); err != nil {
					return false
				}
				if err := repo.Save(ctx, acc); err != nil {
					return false
				}
			}

			fromSnapshot, err := repo.GetByID(ctx, "acc-snap")
			if err != nil {
				return false
			}
			replayed, err := repo.GetByID(ctx, "acc-snap", es.WithSnapshot(false))
			if err != nil {
				return false
			}

			return fromSnapshot.Balance == replayed.Balance &&
				fromSnapshot.NumDeposits == replayed.NumDeposits &&
				fromSnapshot.GetVersion() == replayed.GetVersion()
		},
		gen.SliceOf(gen.Int64Range(1, 100)),
		gen.UInt64Range(1, 5),
	))

	properties.TestingRun(t)
}
