package es

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/liamwh/sourcerer/ports/kv"
)

type (
	keyValueSnapshotterOpts struct {
		ttl time.Duration
	}

	KeyValueSnapshotterOption interface {
		applyToKeyValueSnapshotter(*keyValueSnapshotterOpts)
	}

	SnapshotTTLOption valueOption[time.Duration]
)

// WithSnapshotTTL expires stored snapshots after d. Backends that do not
// support TTLs ignore it.
func WithSnapshotTTL(d time.Duration) SnapshotTTLOption { return SnapshotTTLOption{v: d} }

func (o SnapshotTTLOption) applyToKeyValueSnapshotter(opts *keyValueSnapshotterOpts) {
	opts.ttl = o.v
}

// KeyValueSnapshotter stores one snapshot per aggregate in a kv.Store,
// keyed by "{aggType}/{aggID}". Saving replaces the previous snapshot.
type KeyValueSnapshotter struct {
	store kv.Store
	ttl   time.Duration
}

func NewKeyValueSnapshotter(store kv.Store, opts ...KeyValueSnapshotterOption) *KeyValueSnapshotter {
	options := keyValueSnapshotterOpts{}
	for _, opt := range opts {
		opt.applyToKeyValueSnapshotter(&options)
	}
	return &KeyValueSnapshotter{store: store, ttl: options.ttl}
}

func snapshotKey(objType, objID string) string {
	return fmt.Sprintf("%s/%s", objType, objID)
}

func (s *KeyValueSnapshotter) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	return kv.Put(ctx, s.store, snapshotKey(snapshot.ObjType, snapshot.ObjID), snapshot, kv.PutOptions{TTL: s.ttl})
}

func (s *KeyValueSnapshotter) LoadSnapshot(ctx context.Context, objType, objID string) (*Snapshot, error) {
	out, err := kv.Get[Snapshot](ctx, s.store, snapshotKey(objType, objID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return &out, nil
}

var _ Snapshotter = (*KeyValueSnapshotter)(nil)
