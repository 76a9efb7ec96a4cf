package nats

import (
	"github.com/liamwh/sourcerer/core/es"
)

// NewSnapshotter creates a jetstream key-value-store based snapshotter.
func NewSnapshotter(cfg KvConfig) (*es.KeyValueSnapshotter, error) {
	store, err := NewKvStore(cfg)
	if err != nil {
		return nil, err
	}
	return es.NewKeyValueSnapshotter(store), nil
}
