// Package es provides the write side of an event-sourced application:
// aggregates, event stores, snapshots, upcasting and repositories.
//
// # Overview
//
// Event sourcing stores application state as an append-only sequence of
// events rather than as mutable rows. This package provides the core
// abstractions for building event-sourced systems in Go; durable backends
// live under adapters (SQLite, Postgres, NATS JetStream).
//
// # Core Components
//
// Aggregate: The domain object that encapsulates business logic and state
// changes. Events are raised within aggregates and applied to update
// internal state. Use [BaseAggregate] as an embeddable helper that tracks
// identity, version and uncommitted events.
//
//	type Account struct {
//	    es.BaseAggregate
//	    Owner   string
//	    Balance int64
//	}
//
//	func (a *Account) Deposit(amount int64) error {
//	    return es.RaiseAndApply(a, &Deposited{Amount: amount})
//	}
//
// EventStore: The persistence layer for events. It provides [EventStore.Load]
// to retrieve a stream's envelopes in ascending version order and
// [EventStore.Append] to persist new events with optimistic concurrency
// control. Loading an unknown stream yields no events, not an error. Use
// [NewInMemoryStore] for testing or one of the adapter stores for
// production.
//
// Repository: The application-level interface for working with aggregates.
// It handles loading aggregates by replaying events and saving new events.
// Use [NewTypedRepository] for type-safe operations with generics:
//
//	repo := es.NewTypedRepository[*Account](log, store, registry)
//	account, err := repo.GetByID(ctx, "account-123")
//	account.Deposit(100)
//	repo.Save(ctx, account)
//
// # Event Registration
//
// Events must be registered with an [EventRegistry] before they can be
// decoded:
//
//	registry := es.NewRegistry()
//	es.RegisterEvents(registry, es.Event[Deposited](), es.Event[Withdrawn]())
//
// Event type names default to the reflected package path and type name.
// An event overrides the name, schema version or source by implementing
// EventType() string, EventVersion() uint16 or EventSource() string.
//
// # Concurrency Control
//
// The package uses optimistic concurrency via the [Version] type. An
// aggregate's version counts its persisted events; a save tells the store
// which version it expects. When another writer got there first the save
// fails with [ErrConcurrencyConflict], and the [ConflictError] payload
// carries the expected and actual versions. Conflicts are never retried
// internally; the caller decides whether to reload and try again.
//
// # Snapshots
//
// For aggregates with many events, snapshots shorten loading by capturing
// state at a point in time. A snapshotter keeps at most one snapshot per
// aggregate. Implement [Snapshottable] for custom serialization, or let the
// package fall back to JSON marshalling. The repository stores snapshots on
// save per policy ([WithSnapshotEvery], [WithSnapshot]) and treats snapshot
// failures as non-fatal.
//
// # Upcasting
//
// Event schemas evolve. [Upcasters] holds single-step payload migrations
// per event type; on load, stored payloads are raised step by step to the
// highest registered version before decoding. A gap in a chain is reported
// as [ErrUpcasterMissing] rather than being skipped.
//
//	upcasters := es.NewUpcasters()
//	upcasters.Register("example.Deposited", 1, func(data json.RawMessage) (json.RawMessage, error) {
//	    // rewrite v1 payload to v2
//	    return data, nil
//	})
//
// # Environment
//
// [Env] wires store, registry, upcasters and repository together with
// shared configuration:
//
//	env, err := es.NewEnv(
//	    es.WithLog(logger),
//	    es.WithStore(store),
//	    es.WithAggregates(&Account{}),
//	)
//	repo := env.Repository()
package es
