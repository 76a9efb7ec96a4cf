// Package sqlite implements the event store and snapshotter on a local
// SQLite database. Streams live in a single events table with a global
// AUTOINCREMENT sequence, appends are transactional and guarded by a unique
// (aggregate_type, aggregate_id, version) index.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/liamwh/sourcerer/core/es"
)

type storeLoadOptions struct {
	startVersion es.Version
	startSeq     uint64
}

func (l *storeLoadOptions) SetStartVersion(i es.Version) { l.startVersion = i }
func (l *storeLoadOptions) SetStartSeq(i uint64)         { l.startSeq = i }

type EventStoreConfig struct {
	Log  *slog.Logger // Log for diagnostics (optional)
	Path string       // Path to the database file
}

type EventStore struct {
	db  *sql.DB
	log *slog.Logger
}

func NewEventStore(cfg EventStoreConfig) (*EventStore, error) {
	db, log, err := open(cfg.Path, cfg.Log)
	if err != nil {
		return nil, err
	}

	s := &EventStore{
		db:  db,
		log: log.With(slog.String("store", "sqlite")),
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate events schema: %w", err)
	}
	return s, nil
}

func (s *EventStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		id             TEXT NOT NULL UNIQUE,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		version        INTEGER NOT NULL,
		type           TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		source         TEXT NOT NULL DEFAULT '',
		occurred_at    INTEGER NOT NULL,
		data           BLOB,
		UNIQUE (aggregate_type, aggregate_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_events_stream ON events (aggregate_type, aggregate_id, seq);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *EventStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *EventStore) Load(
	ctx context.Context,
	aggType string,
	aggID string,
	opts ...es.StoreLoadOption,
) ([]es.Envelope, error) {
	if aggType == "" {
		return nil, errors.New("aggregate type is empty")
	}
	if aggID == "" {
		return nil, errors.New("aggregate id is empty")
	}

	loadOpts := &storeLoadOptions{}
	for _, opt := range opts {
		opt.ApplyToStoreLoadOptions(loadOpts)
	}

	query := `
        SELECT seq, id, aggregate_type, aggregate_id, version, type, schema_version, source, occurred_at, data
        FROM events
        WHERE aggregate_type = ? AND aggregate_id = ? AND version >= ? AND seq >= ?
        ORDER BY version ASC`
	rows, err := s.db.QueryContext(ctx, query, aggType, aggID, uint64(loadOpts.startVersion), loadOpts.startSeq)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	envs := []es.Envelope{}
	for rows.Next() {
		var (
			env        es.Envelope
			occurredAt int64
		)
		if err := rows.Scan(
			&env.Seq,
			&env.ID,
			&env.AggregateType,
			&env.AggregateID,
			&env.Version,
			&env.Type,
			&env.SchemaVersion,
			&env.Source,
			&occurredAt,
			&env.Data,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		env.OccurredAt = fromMillis(occurredAt)
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return envs, nil
}

func (s *EventStore) Append(
	ctx context.Context,
	aggType string,
	aggID string,
	expectedVersion es.Version,
	events []es.Envelope,
) (*es.StoreAppendResult, error) {
	if len(events) == 0 {
		return nil, es.ErrStoreNoEvents
	}
	if aggType == "" {
		return nil, errors.New("aggregate type is empty")
	}
	if aggID == "" {
		return nil, errors.New("aggregate id is empty")
	}
	for i, env := range events {
		if err := env.Validate(); err != nil {
			return nil, fmt.Errorf("failed to validate event: %w", err)
		}
		if want := expectedVersion + es.Version(i+1); env.Version != want {
			return nil, fmt.Errorf("envelope version %d, want %d", env.Version, want)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current uint64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_type = ? AND aggregate_id = ?",
		aggType, aggID,
	).Scan(&current)
	if err != nil {
		return nil, fmt.Errorf("read stream version: %w", err)
	}
	if es.Version(current) != expectedVersion {
		return nil, &es.ConflictError{Expected: expectedVersion, Actual: es.Version(current)}
	}

	var lastSeq int64
	for _, env := range events {
		res, err := tx.ExecContext(ctx, `
            INSERT INTO events (id, aggregate_type, aggregate_id, version, type, schema_version, source, occurred_at, data)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			env.ID,
			aggType,
			aggID,
			uint64(env.Version),
			env.Type,
			env.SchemaVersion,
			env.Source,
			toMillis(env.OccurredAt),
			[]byte(env.Data),
		)
		if err != nil {
			// a writer on another connection got there first
			if isConstraintError(err) {
				return nil, s.conflict(ctx, aggType, aggID, expectedVersion)
			}
			return nil, fmt.Errorf("append event version %d: %w", env.Version, err)
		}
		lastSeq, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("read event seq: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isConstraintError(err) {
			return nil, s.conflict(ctx, aggType, aggID, expectedVersion)
		}
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &es.StoreAppendResult{
		NewVersion: events[len(events)-1].Version,
		LastSeq:    uint64(lastSeq),
	}, nil
}

// conflict re-reads the stream version outside the failed transaction so the
// returned error carries the winner's version.
func (s *EventStore) conflict(ctx context.Context, aggType, aggID string, expected es.Version) error {
	var actual uint64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_type = ? AND aggregate_id = ?",
		aggType, aggID,
	).Scan(&actual)
	if err != nil {
		return fmt.Errorf("%w: lost append race on %s/%s", es.ErrConcurrencyConflict, aggType, aggID)
	}
	return &es.ConflictError{Expected: expected, Actual: es.Version(actual)}
}

var _ es.EventStore = (*EventStore)(nil)

func open(path string, log *slog.Logger) (*sql.DB, *slog.Logger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, errors.New("database path is required")
	}
	if log == nil {
		log = slog.Default()
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	return db, log.With(slog.String("path", cleanPath)), nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT ||
		code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
