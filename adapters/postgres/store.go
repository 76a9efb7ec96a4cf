// Package postgres implements the event store and snapshotter on PostgreSQL.
// Streams share one events table with a BIGSERIAL global sequence, appends
// are transactional and the (aggregate_type, aggregate_id, version) primary
// key turns lost races into conflicts.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/liamwh/sourcerer/core/es"
)

type storeLoadOptions struct {
	startVersion es.Version
	startSeq     uint64
}

func (l *storeLoadOptions) SetStartVersion(i es.Version) { l.startVersion = i }
func (l *storeLoadOptions) SetStartSeq(i uint64)         { l.startSeq = i }

type EventStoreConfig struct {
	Log *slog.Logger // Log for diagnostics (optional)
	DSN string       // DSN is a postgres://... or keyword-style connection string
}

type EventStore struct {
	db  *sql.DB
	log *slog.Logger
}

func NewEventStore(ctx context.Context, cfg EventStoreConfig) (*EventStore, error) {
	db, log, err := open(ctx, cfg.DSN, cfg.Log)
	if err != nil {
		return nil, err
	}

	s := &EventStore{
		db:  db,
		log: log.With(slog.String("store", "postgres")),
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate events schema: %w", err)
	}
	return s, nil
}

func (s *EventStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		seq            BIGSERIAL UNIQUE,
		id             TEXT NOT NULL UNIQUE,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		version        BIGINT NOT NULL,
		type           TEXT NOT NULL,
		schema_version INT NOT NULL,
		source         TEXT NOT NULL DEFAULT '',
		occurred_at    TIMESTAMPTZ NOT NULL,
		data           JSONB,
		PRIMARY KEY (aggregate_type, aggregate_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_events_stream ON events (aggregate_type, aggregate_id, seq);`
	_, err := s.db.ExecContext(ctx, query)
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
        WHERE aggregate_type = $1 AND aggregate_id = $2 AND version >= $3 AND seq >= $4
        ORDER BY version ASC`
	rows, err := s.db.QueryContext(ctx, query, aggType, aggID, uint64(loadOpts.startVersion), loadOpts.startSeq)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	envs := []es.Envelope{}
	for rows.Next() {
		var env es.Envelope
		if err := rows.Scan(
			&env.Seq,
			&env.ID,
			&env.AggregateType,
			&env.AggregateID,
			&env.Version,
			&env.Type,
			&env.SchemaVersion,
			&env.Source,
			&env.OccurredAt,
			&env.Data,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
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
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_type = $1 AND aggregate_id = $2",
		aggType, aggID,
	).Scan(&current)
	if err != nil {
		return nil, fmt.Errorf("read stream version: %w", err)
	}
	if es.Version(current) != expectedVersion {
		return nil, &es.ConflictError{Expected: expectedVersion, Actual: es.Version(current)}
	}

	var lastSeq uint64
	for _, env := range events {
		err := tx.QueryRowContext(ctx, `
            INSERT INTO events (id, aggregate_type, aggregate_id, version, type, schema_version, source, occurred_at, data)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
            RETURNING seq`,
			env.ID,
			aggType,
			aggID,
			uint64(env.Version),
			env.Type,
			env.SchemaVersion,
			env.Source,
			env.OccurredAt,
			[]byte(env.Data),
		).Scan(&lastSeq)
		if err != nil {
			// a writer in a concurrent transaction got there first
			if isUniqueViolation(err) {
				return nil, s.conflict(ctx, aggType, aggID, expectedVersion)
			}
			return nil, fmt.Errorf("append event version %d: %w", env.Version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, s.conflict(ctx, aggType, aggID, expectedVersion)
		}
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &es.StoreAppendResult{
		NewVersion: events[len(events)-1].Version,
		LastSeq:    lastSeq,
	}, nil
}

// conflict re-reads the stream version outside the failed transaction so the
// returned error carries the winner's version.
func (s *EventStore) conflict(ctx context.Context, aggType, aggID string, expected es.Version) error {
	var actual uint64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_type = $1 AND aggregate_id = $2",
		aggType, aggID,
	).Scan(&actual)
	if err != nil {
		return fmt.Errorf("%w: lost append race on %s/%s", es.ErrConcurrencyConflict, aggType, aggID)
	}
	return &es.ConflictError{Expected: expected, Actual: es.Version(actual)}
}

var _ es.EventStore = (*EventStore)(nil)

func open(ctx context.Context, dsn string, log *slog.Logger) (*sql.DB, *slog.Logger, error) {
	if dsn == "" {
		return nil, nil, errors.New("dsn is required")
	}
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping postgres db: %w", err)
	}

	return db, log, nil
}

// isUniqueViolation reports SQLSTATE 23505 (unique_violation).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
