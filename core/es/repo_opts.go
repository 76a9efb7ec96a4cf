package es

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// IDGenerator is a function that generates unique IDs for events.
type IDGenerator func() string

// DefaultIDGenerator returns the default ID generator using nanoid.
func DefaultIDGenerator() IDGenerator {
	return func() string { return gonanoid.Must() }
}

type (
	repoOpts struct {
		snapshotter   Snapshotter
		snapshotEvery uint64
		upcasters     *Upcasters
		idGenerator   IDGenerator
		metrics       ESMetrics
	}

	repoSaveOptions struct {
		snapshot bool
	}

	repoLoadOptions struct {
		snapshot bool
	}
)

type (
	RepositoryOption      interface{ applyToRepository(*repoOpts) }
	SnapshotterOption     valueOption[Snapshotter]
	SnapshotEveryOption   valueOption[uint64]
	UpcastersOption       valueOption[*Upcasters]
	RepoIDGeneratorOption valueOption[IDGenerator]
	SnapshotOption        valueOption[bool]
)

type (
	SaveOption interface{ applyToSaveOptions(*repoSaveOptions) }
	LoadOption interface{ applyToLoadOptions(*repoLoadOptions) }
)

// WithSnapshotter sets the snapshotter used to restore aggregates on load
// and to store snapshots on save.
func WithSnapshotter(s Snapshotter) SnapshotterOption { return SnapshotterOption{v: s} }

// WithSnapshotEvery makes the repository store a snapshot whenever a save
// crosses a multiple of n events. 0 disables interval snapshots.
func WithSnapshotEvery(n uint64) SnapshotEveryOption { return SnapshotEveryOption{v: n} }

// WithUpcasters sets the upcaster chains applied to stored events on load.
func WithUpcasters(u *Upcasters) UpcastersOption { return UpcastersOption{v: u} }

// WithIDGenerator sets a custom ID generator for event envelope IDs.
func WithIDGenerator(gen IDGenerator) RepoIDGeneratorOption {
	return RepoIDGeneratorOption{v: gen}
}

// WithSnapshot controls snapshots for a single call: on save, true forces a
// snapshot regardless of the interval policy; on load, false skips the
// snapshot restore and replays the full stream.
func WithSnapshot(snapshot bool) SnapshotOption { return SnapshotOption{v: snapshot} }

// === repo ==

func (o SnapshotterOption) applyToRepository(options *repoOpts)     { options.snapshotter = o.v }
func (o SnapshotEveryOption) applyToRepository(options *repoOpts)   { options.snapshotEvery = o.v }
func (o UpcastersOption) applyToRepository(options *repoOpts)       { options.upcasters = o.v }
func (o RepoIDGeneratorOption) applyToRepository(options *repoOpts) { options.idGenerator = o.v }

func newRepoOpts(opts ...RepositoryOption) repoOpts {
	var options = repoOpts{
		upcasters:   NewUpcasters(),
		idGenerator: DefaultIDGenerator(),
		metrics:     NopESMetrics(),
	}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	return options
}

// === save ==

func (o SnapshotOption) applyToSaveOptions(options *repoSaveOptions) { options.snapshot = o.v }

func newSaveOptions(opts ...SaveOption) repoSaveOptions {
	options := repoSaveOptions{}
	for _, opt := range opts {
		opt.applyToSaveOptions(&options)
	}
	return options
}

// === load ==

func (o SnapshotOption) applyToLoadOptions(options *repoLoadOptions) { options.snapshot = o.v }

func newLoadOptions(opts ...LoadOption) repoLoadOptions {
	options := repoLoadOptions{snapshot: true}
	for _, opt := range opts {
		opt.applyToLoadOptions(&options)
	}
	return options
}
