package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"
)

type Repository interface {
	Load(ctx context.Context, agg Aggregate, opts ...LoadOption) error
	Save(ctx context.Context, agg Aggregate, opts ...SaveOption) error
	CreateSnapshot(ctx context.Context, agg Aggregate) (*Snapshot, error)
}

// repository rehydrates aggregates and persists new events with optimistic concurrency.
type repository struct {
	log           *slog.Logger
	store         EventStore
	registry      *EventRegistry
	upcasters     *Upcasters
	snapshotter   Snapshotter
	snapshotEvery uint64
	idGenerator   IDGenerator
	metrics       ESMetrics
}

func NewRepository(
	log *slog.Logger,
	store EventStore,
	registry *EventRegistry,
	opts ...RepositoryOption,
) Repository {
	options := newRepoOpts(opts...)
	if options.upcasters == nil {
		options.upcasters = NewUpcasters()
	}
	if options.metrics == nil {
		options.metrics = NopESMetrics()
	}

	r := &repository{
		log:           log.With(slog.String("repo", fmt.Sprintf("%T", store))),
		store:         store,
		registry:      registry,
		upcasters:     options.upcasters,
		snapshotter:   options.snapshotter,
		snapshotEvery: options.snapshotEvery,
		idGenerator:   options.idGenerator,
		metrics:       options.metrics,
	}

	return r
}

// Load rehydrates agg from the store. When a snapshotter is configured the
// latest snapshot is restored first and only the events after it are
// replayed. Returns ErrAggregateNotFound when neither a snapshot nor any
// events exist.
func (r *repository) Load(ctx context.Context, agg Aggregate, opts ...LoadOption) (err error) {
	aggType := agg.GetAggType()
	if aggType == "" {
		return errors.New("aggregate type is empty")
	}
	aggID := agg.GetID()
	if aggID == "" {
		return errors.New("aggregate id is empty")
	}
	if len(agg.Uncommitted()) != 0 {
		return errors.New("aggregate has uncommitted events (dirty=true)")
	}

	defer r.metrics.RepoLoadDuration(aggType).ObserveDuration()

	loadOptions := newLoadOptions(opts...)

	log := r.log.With(
		slog.Group(
			"agg",
			slog.String("type", aggType),
			slog.String("id", aggID),
		),
	)

	// restore from snapshot
	if loadOptions.snapshot && r.snapshotter != nil {
		timer := r.metrics.SnapshotLoadDuration(aggType)
		err = ApplySnapshot(ctx, r.snapshotter, agg)
		timer.ObserveDuration()
		if err != nil {
			if !errors.Is(err, ErrSnapshotNotFound) {
				return fmt.Errorf("failed to apply snapshot: %w", err)
			}
		} else {
			log.Debug(
				"snapshot applied",
				slog.Uint64("seq", agg.GetSeq()),
				agg.GetVersion().SlogAttr(),
			)
		}
	}

	var (
		curVersion = agg.GetVersion()
		curSeq     = agg.GetSeq()
		minVersion = curVersion + 1
		minSeq     = curSeq + 1
	)

	log.Debug(
		"load",
		slog.Group("opts",
			slog.Uint64("min_seq", minSeq),
			minVersion.SlogAttrWithKey("min_version"),
			slog.Bool("snapshot", loadOptions.snapshot),
		),
	)

	// load events after the snapshot (or all of them)
	loaded, err := r.store.Load(
		ctx,
		aggType,
		aggID,
		WithStartAtVersion(minVersion),
		WithStartAtSeq(minSeq),
	)
	if err != nil {
		return err
	}

	// upcast, decode and apply
	for _, e := range loaded {
		expectVersion := agg.GetVersion() + 1
		if e.Version != expectVersion {
			return fmt.Errorf("expect version %d, got %d", expectVersion, e.Version)
		}

		e, err = r.upcasters.Upcast(e)
		if err != nil {
			return err
		}

		evt, err := r.registry.Decode(e)
		if err != nil {
			return err
		}
		if err := agg.Apply(evt); err != nil {
			return err
		}

		// update version & sequence
		agg.setVersion(e.Version)
		agg.setSeq(e.Seq)
		curVersion = e.Version
	}

	if curVersion == 0 {
		return ErrAggregateNotFound
	}

	return nil
}

// Save appends agg's uncommitted events, expecting the stream to be at the
// aggregate's committed version. On success the version advances, the
// uncommitted events are cleared and, depending on the snapshot policy, a
// snapshot is stored. Snapshot failures do not fail the save.
func (r *repository) Save(ctx context.Context, agg Aggregate, saveOpts ...SaveOption) error {
	uncommitted := agg.Uncommitted()
	if len(uncommitted) == 0 {
		return nil
	}
	aggType := agg.GetAggType()
	if aggType == "" {
		return errors.New("aggregate type is empty")
	}
	aggID := agg.GetID()
	if aggID == "" {
		return errors.New("aggregate id is empty")
	}

	defer r.metrics.RepoSaveDuration(aggType).ObserveDuration()

	saveOptions := newSaveOptions(saveOpts...)

	expectVersion := agg.GetVersion()
	newEnvs := make([]Envelope, 0, len(uncommitted))
	v := expectVersion

	for _, ev := range uncommitted {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}

		v++

		env := Envelope{
			ID:            r.idGenerator(),
			Type:          getEventTypeOf(ev),
			SchemaVersion: getEventVersionOf(ev),
			Source:        getEventSourceOf(ev),
			AggregateID:   aggID,
			AggregateType: aggType,
			Version:       v,
			OccurredAt:    time.Now(),
			Data:          data,
		}

		err = env.Validate()
		if err != nil {
			return err
		}

		newEnvs = append(newEnvs, env)
	}

	// append to store
	res, err := r.store.Append(
		ctx,
		aggType,
		aggID,
		expectVersion,
		newEnvs,
	)
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			r.metrics.ConcurrencyConflict(aggType)
		}
		return fmt.Errorf("failed to save agg_type=%s agg_id=%s: %w", aggType, aggID, err)
	}
	if res == nil {
		return errors.New("append returned nil result")
	}

	agg.setSeq(res.LastSeq)
	agg.setVersion(v)
	agg.ClearUncommitted()

	// snapshot per policy, best effort
	if r.shouldSnapshot(expectVersion, v, saveOptions) {
		if _, snapshotErr := r.CreateSnapshot(ctx, agg); snapshotErr != nil {
			r.log.Warn(
				"snapshot failed",
				slog.Group(
					"agg",
					slog.String("id", aggID),
					slog.String("type", aggType),
				),
				slog.Any("error", snapshotErr),
			)
		}
	}

	r.log.Debug(
		"saved",
		slog.Group(
			"agg",
			slog.String("id", aggID),
			slog.String("type", aggType),
			slog.Uint64("seq", agg.GetSeq()),
			agg.GetVersion().SlogAttr(),
		),
		slog.Int("num_events", len(newEnvs)),
	)

	return nil
}

// shouldSnapshot decides whether a save that moved the stream from pre to
// post warrants a snapshot: either forced per save option, or the save
// crossed a multiple of the configured interval.
func (r *repository) shouldSnapshot(pre, post Version, opts repoSaveOptions) bool {
	if r.snapshotter == nil {
		return false
	}
	if opts.snapshot {
		return true
	}
	if r.snapshotEvery == 0 {
		return false
	}
	return uint64(post)/r.snapshotEvery > uint64(pre)/r.snapshotEvery
}

func (r *repository) CreateSnapshot(ctx context.Context, agg Aggregate) (ss *Snapshot, err error) {
	if r.snapshotter == nil {
		return nil, ErrSnapshotterUnconfigured
	}
	defer r.metrics.SnapshotSaveDuration(agg.GetAggType()).ObserveDuration()
	ss, err = CreateSnapshot(agg)
	if err != nil {
		return nil, err
	}
	err = r.snapshotter.SaveSnapshot(ctx, ss)
	if err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}
	r.log.Debug("snapshot saved", ss.logAttrs())
	return
}

var _ Repository = &repository{}

// === TypedRepository ===

type (
	TypedRepository[T Aggregate] interface {
		GetAggType() string
		New() T
		NewWithID(id string) T
		Load(ctx context.Context, a T, opts ...LoadOption) error
		GetOrCreate(ctx context.Context, aggID string, opts ...LoadOption) (T, error)
		GetByID(ctx context.Context, aggID string, opts ...LoadOption) (T, error)
		Save(ctx context.Context, agg T, opts ...SaveOption) error
	}
)

type typedRepo[T Aggregate] struct {
	r   Repository
	log *slog.Logger
}

func (t *typedRepo[T]) New() T { return t.NewWithID("") }

func (t *typedRepo[T]) NewWithID(id string) T {
	var a T
	if c, ok := any(a).(interface{ Create() T }); ok {
		a = c.Create()
	} else {
		rt := reflect.TypeOf((*T)(nil)).Elem()
		if rt.Kind() == reflect.Pointer {
			a = reflect.New(rt.Elem()).Interface().(T)
		} else {
			a = *new(T)
		}
	}
	a.SetID(id)
	return a
}

func (t *typedRepo[T]) Load(ctx context.Context, a T, opts ...LoadOption) error {
	return t.r.Load(ctx, a, opts...)
}

// GetOrCreate loads the aggregate or, when it does not exist yet, returns a
// fresh zero-version instance with the ID set. Nothing is persisted until
// the first Save.
func (t *typedRepo[T]) GetOrCreate(ctx context.Context, aggID string, opts ...LoadOption) (a T, err error) {
	if aggID == "" {
		return a, errors.New("aggregate id is empty")
	}
	a = t.NewWithID(aggID)
	err = t.r.Load(ctx, a, opts...)
	if err != nil {
		if errors.Is(err, ErrAggregateNotFound) {
			t.log.Debug("not found, starting fresh", slog.String("id", aggID))
			return a, nil
		}
		return a, err
	}
	return a, nil
}

func (t *typedRepo[T]) GetByID(ctx context.Context, aggID string, opts ...LoadOption) (a T, err error) {
	if aggID == "" {
		return a, errors.New("aggregate id is empty")
	}
	a = t.NewWithID(aggID)
	err = t.r.Load(ctx, a, opts...)
	if err != nil {
		return
	}
	return a, nil
}

func (t *typedRepo[T]) Save(ctx context.Context, agg T, opts ...SaveOption) error {
	return t.r.Save(ctx, agg, opts...)
}

func (t *typedRepo[T]) GetAggType() string {
	a := t.New()
	return a.GetAggType()
}

func NewTypedRepository[T Aggregate](
	log *slog.Logger,
	s EventStore,
	reg *EventRegistry,
	opts ...RepositoryOption,
) TypedRepository[T] {
	return NewTypedRepositoryFrom[T](log, NewRepository(log, s, reg, opts...))
}

func NewTypedRepositoryFrom[T Aggregate](log *slog.Logger, r Repository) TypedRepository[T] {
	return &typedRepo[T]{r: r, log: log.With(slog.String("repo", fmt.Sprintf("%T", *new(T))))}
}
