package es

import (
	"errors"
	"fmt"
)

var (
	// ErrAggregateNotFound is returned by repository loads when neither a
	// snapshot nor any events exist for the aggregate.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrConcurrencyConflict is returned when an append expects a version
	// the stream has already moved past. Match with errors.Is and inspect
	// the ConflictError payload via errors.As.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrUnknownEventType is returned when an envelope names an event type
	// the registry cannot construct.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrUpcasterMissing is returned when an event's schema version cannot
	// be brought up to the registered maximum because the chain has a gap.
	ErrUpcasterMissing = errors.New("upcaster missing")

	ErrSnapshotterUnconfigured = errors.New("no snapshotter configured")
	ErrSnapshotNotFound        = errors.New("snapshot not found")

	ErrStoreNoEvents = errors.New("no events to store")
)

// ConflictError reports an optimistic concurrency failure. Expected is the
// version the writer assumed, Actual the version the stream was at.
type ConflictError struct {
	Expected Version
	Actual   Version
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict: expected version %d, stream at %d", e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrConcurrencyConflict) match.
func (e *ConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

// UpcastError reports a gap in an upcaster chain: an event of EventType at
// schema version FromVersion has no registered upcaster to FromVersion+1.
type UpcastError struct {
	EventType   string
	FromVersion uint16
}

func (e *UpcastError) Error() string {
	return fmt.Sprintf("no upcaster registered for %s v%d", e.EventType, e.FromVersion)
}

// Is makes errors.Is(err, ErrUpcasterMissing) match.
func (e *UpcastError) Is(target error) bool { return target == ErrUpcasterMissing }
