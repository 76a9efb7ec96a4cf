package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Env wires a store, registry, upcasters and repository together from a
// single option list. It is the usual entry point for applications:
//
//	env, err := es.NewEnv(
//		es.WithLog(logger),
//		es.WithStore(store),
//		es.WithAggregates(&Account{}),
//	)
type Env struct {
	ctx          context.Context
	id           string
	done         chan struct{}
	shutdownOnce sync.Once
	cancelCtx    context.CancelFunc
	log          *slog.Logger
	store        EventStore
	snapshotter  Snapshotter
	registry     *EventRegistry
	upcasters    *Upcasters
	repo         Repository
}

func (e *Env) Repository() Repository   { return e.repo }
func (e *Env) Store() EventStore        { return e.store }
func (e *Env) Snapshotter() Snapshotter { return e.snapshotter }
func (e *Env) Registry() *EventRegistry { return e.registry }

func NewEnv(opts ...EnvOption) (e *Env, err error) {
	var (
		id      = gonanoid.Must(6)
		options = newEnvOptions(opts...)
	)

	// ctx
	ctx := options.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	// log
	log := options.log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("env", id))

	// upcaster chains are checked once here so a misconfigured chain fails
	// construction, not the first affected load
	upcasters := options.upcasters
	if upcasters == nil {
		upcasters = NewUpcasters()
	}
	if err := upcasters.Validate(); err != nil {
		return nil, fmt.Errorf("invalid upcasters: %w", err)
	}

	e = &Env{
		id:          id,
		log:         log,
		store:       options.store,
		snapshotter: options.snapshotter,
		registry:    NewRegistry(),
		upcasters:   upcasters,
		done:        make(chan struct{}),
	}
	e.ctx, e.cancelCtx = context.WithCancel(ctx)

	for _, agg := range options.aggregates {
		agg.Register(e.registry)
		e.log.Debug("registered aggregate", "type", fmt.Sprintf("%T", agg))
	}

	// register events
	for _, s := range options.events {
		e.registry.Register(s.t, s.ctor)
		e.log.Debug("registered event", "type", s.t)
	}

	// create repository
	repoOptions := []RepositoryOption{
		WithSnapshotter(e.snapshotter),
		WithUpcasters(e.upcasters),
		WithSnapshotEvery(options.snapshotEvery),
	}
	if options.metrics != nil {
		repoOptions = append(repoOptions, WithMetrics(options.metrics))
	}
	if options.idGenerator != nil {
		repoOptions = append(repoOptions, WithIDGenerator(options.idGenerator))
	}
	e.repo = NewRepository(
		e.log,
		e.store,
		e.registry,
		repoOptions...,
	)

	context.AfterFunc(e.ctx, func() {
		e.log.Debug("env shutdown")
		close(e.done)
	})

	return e, nil
}

func (e *Env) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.cancelCtx()
		<-e.done
	})
}

// Append wraps raw events in envelopes and appends them to the env's store,
// expecting the stream to be at expect.
func (e *Env) Append(ctx context.Context, aggType string, aggID string, expect Version, events ...any) error {
	_, err := e.AppendWithResult(ctx, aggType, aggID, expect, events...)
	return err
}

func (e *Env) AppendWithResult(
	ctx context.Context,
	aggType string,
	aggID string,
	expect Version,
	events ...any,
) (*StoreAppendResult, error) {
	return AppendEvents(ctx, e.store, aggType, aggID, expect, events...)
}
