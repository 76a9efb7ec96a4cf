package es

import (
	"context"
	"log/slog"
)

type (
	envOptions struct {
		ctx           context.Context
		log           *slog.Logger
		snapshotter   Snapshotter
		snapshotEvery uint64
		upcasters     *Upcasters
		store         EventStore
		events        []EventRegisterOption
		aggregates    []Aggregate
		metrics       ESMetrics
		idGenerator   IDGenerator
	}

	EnvOption interface {
		applyToEnv(*envOptions)
	}
)

func newEnvOptions(opts ...EnvOption) envOptions {
	options := envOptions{
		ctx:   context.Background(),
		store: NewInMemoryStore(),
	}
	for _, opt := range opts {
		opt.applyToEnv(&options)
	}
	return options
}
