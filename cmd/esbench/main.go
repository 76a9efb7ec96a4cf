// Command esbench measures write-path throughput of the event sourcing
// repository against the memory, sqlite or nats backend.
//
// NOTE: for the nats backend run:
// docker run -v "/tmp/nats/jetstream:/tmp/nats/jetstream" --net=host nats:latest -js
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"

	natsadapter "github.com/liamwh/sourcerer/adapters/nats"
	"github.com/liamwh/sourcerer/adapters/sqlite"
	"github.com/liamwh/sourcerer/core/es"
)

// === Config ===

type config struct {
	N             int    `env:"ESBENCH_N"               envDefault:"50000"`
	Batch         int    `env:"ESBENCH_BATCH"           envDefault:"1000"`
	Backend       string `env:"ESBENCH_BACKEND"         envDefault:"memory"`
	DSN           string `env:"ESBENCH_DSN"             envDefault:""`
	SnapshotEvery uint64 `env:"ESBENCH_SNAPSHOT_EVERY"  envDefault:"100"`
	LoadAfterSave bool   `env:"ESBENCH_LOAD_AFTER_SAVE" envDefault:"false"`
}

// === Domain ===

type (
	User struct {
		es.BaseAggregate

		Name  string
		Email string
	}

	NameChanged  struct{ NewName string }
	EmailChanged struct{ NewEmail string }
)

func (NameChanged) EventType() string  { return "user.NameChanged" }
func (EmailChanged) EventType() string { return "user.EmailChanged" }

func (u *User) GetAggType() string { return "user" }

func (u *User) Register(r es.Registrar) {
	es.RegisterEvents(
		r,
		es.Event[NameChanged](),
		es.Event[EmailChanged](),
	)
}

func (u *User) Apply(e any) error {
	switch evt := e.(type) {
	case *NameChanged:
		u.Name = evt.NewName
		return nil
	case *EmailChanged:
		u.Email = evt.NewEmail
		return nil
	}
	return fmt.Errorf("unknown event: %T", e)
}

func (u *User) ChangeName(name string) error {
	if name == "" {
		return fmt.Errorf("name is empty")
	}
	return es.RaiseAndApply(u, &NameChanged{NewName: name})
}

func (u *User) ChangeEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email is empty")
	}
	return es.RaiseAndApply(u, &EmailChanged{NewEmail: email})
}

var _ es.Aggregate = (*User)(nil)

// === Main ===

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	var cfg config
	checkErr(env.Parse(&cfg))

	fmt.Printf("       Backend: %s\n", cfg.Backend)
	fmt.Printf("        Events: %d\n", cfg.N)
	fmt.Printf("Snapshot every: %d\n", cfg.SnapshotEvery)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	esEnv, cleanup := buildEnv(ctx, log, cfg)
	defer cleanup()
	defer esEnv.Shutdown()

	repo := es.NewTypedRepositoryFrom[*User](log, esEnv.Repository())

	// === run ===

	startAt := time.Now()

	user, err := repo.GetOrCreate(ctx, "user-1")
	checkErr(err)

	lastTime := time.Now()
	for i := 0; i < cfg.N; i++ {
		checkErr(user.ChangeEmail(fmt.Sprintf("user@host-%d.com", i)))
		checkErr(repo.Save(ctx, user))

		if cfg.LoadAfterSave {
			user, err = repo.GetByID(ctx, "user-1")
			checkErr(err)
		}

		if i == 0 {
			continue
		}
		if i%100 == 0 {
			print(".")
		}
		if i%cfg.Batch == 0 {
			mu := getMemUsage()

			n := time.Now()
			took := n.Sub(lastTime)
			fmt.Printf(" | %5d events | %6d ms | %6d events/s | (%d / %d) MiB mem (sys) |\n",
				cfg.Batch, took.Milliseconds(), int(float64(cfg.Batch)/took.Seconds()), mu.Alloc/1024/1024, mu.Sys/1024/1024)
			lastTime = n
		}
	}

	// === stats ===

	println("")
	println("==========================================")

	took := time.Since(startAt)
	runtime.GC()

	fmt.Printf("total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("      version: %d\n", user.GetVersion())
	fmt.Printf("   stream seq: %d\n", user.GetSeq())
	fmt.Printf("avg. writes/s: %d\n", int(float64(cfg.N)/took.Seconds()))
}

// === Env ===

func buildEnv(ctx context.Context, log *slog.Logger, cfg config) (*es.Env, func()) {
	opts := []es.EnvOption{
		es.WithCtx(ctx),
		es.WithLog(log),
		es.WithAggregates(new(User)),
		es.WithSnapshotEvery(cfg.SnapshotEvery),
	}
	cleanup := func() {}

	switch cfg.Backend {
	case "sqlite":
		path := cfg.DSN
		if path == "" {
			path = filepath.Join(os.TempDir(), "esbench.db")
		}
		store, err := sqlite.NewEventStore(sqlite.EventStoreConfig{Log: log, Path: path})
		checkErr(err)
		snapshotter, err := sqlite.NewSnapshotter(sqlite.SnapshotterConfig{Log: log, Path: path})
		checkErr(err)
		opts = append(opts, es.WithStore(store), es.WithSnapshotter(snapshotter))
		cleanup = func() {
			_ = snapshotter.Close()
			_ = store.Close()
		}
	case "nats":
		connect := natsadapter.ConnectDefault()
		store, err := natsadapter.NewEventStore(natsadapter.EventStoreConfig{
			Log:           log,
			Connect:       connect,
			SubjectPrefix: "sourcerer.esbench",
			StreamName:    "ESBENCH",
			StreamSubjects: []string{
				"sourcerer.esbench.>",
			},
		})
		checkErr(err)
		kvStore, err := natsadapter.NewKvStore(natsadapter.KvConfig{
			Connect: connect,
			Bucket:  "esbench_snapshots",
		})
		checkErr(err)
		opts = append(opts, es.WithStore(store), es.WithSnapshotter(es.NewKeyValueSnapshotter(kvStore)))
		cleanup = func() {
			_ = kvStore.Close()
			_ = store.Close()
		}
	default:
		opts = append(opts, es.WithInMemory())
	}

	esEnv, err := es.NewEnv(opts...)
	checkErr(err)
	return esEnv, cleanup
}

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}

func checkErr(err error) {
	if err != nil {
		panic(err)
	}
}
