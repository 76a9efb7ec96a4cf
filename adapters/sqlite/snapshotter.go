package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/liamwh/sourcerer/core/es"
)

type SnapshotterConfig struct {
	Log  *slog.Logger // Log for diagnostics (optional)
	Path string       // Path to the database file
}

// Snapshotter keeps one snapshot row per aggregate, a newer snapshot
// replaces the old one.
type Snapshotter struct {
	db  *sql.DB
	log *slog.Logger
}

func NewSnapshotter(cfg SnapshotterConfig) (*Snapshotter, error) {
	db, log, err := open(cfg.Path, cfg.Log)
	if err != nil {
		return nil, err
	}

	s := &Snapshotter{
		db:  db,
		log: log.With(slog.String("snapshotter", "sqlite")),
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate snapshots schema: %w", err)
	}
	return s, nil
}

func (s *Snapshotter) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS snapshots (
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		snapshot_id    TEXT NOT NULL,
		obj_version    INTEGER NOT NULL,
		stream_seq     INTEGER NOT NULL,
		schema_version INTEGER NOT NULL,
		encoding       TEXT NOT NULL,
		created_at     INTEGER NOT NULL,
		data           BLOB,
		PRIMARY KEY (aggregate_type, aggregate_id)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *Snapshotter) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Snapshotter) SaveSnapshot(ctx context.Context, snapshot *es.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO snapshots (aggregate_type, aggregate_id, snapshot_id, obj_version, stream_seq, schema_version, encoding, created_at, data)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (aggregate_type, aggregate_id) DO UPDATE SET
            snapshot_id    = excluded.snapshot_id,
            obj_version    = excluded.obj_version,
            stream_seq     = excluded.stream_seq,
            schema_version = excluded.schema_version,
            encoding       = excluded.encoding,
            created_at     = excluded.created_at,
            data           = excluded.data`,
		snapshot.ObjType,
		snapshot.ObjID,
		snapshot.SnapshotID,
		snapshot.ObjVersion.Uint64(),
		snapshot.StreamSeq,
		snapshot.SchemaVersion,
		snapshot.Encoding,
		toMillis(snapshot.CreatedAt),
		snapshot.Data,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s/%s: %w", snapshot.ObjType, snapshot.ObjID, err)
	}
	return nil
}

func (s *Snapshotter) LoadSnapshot(ctx context.Context, objType, objID string) (*es.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT snapshot_id, obj_version, stream_seq, schema_version, encoding, created_at, data
        FROM snapshots
        WHERE aggregate_type = ? AND aggregate_id = ?`,
		objType, objID,
	)

	var (
		snapshot  = es.Snapshot{ObjType: objType, ObjID: objID}
		createdAt int64
	)
	err := row.Scan(
		&snapshot.SnapshotID,
		&snapshot.ObjVersion,
		&snapshot.StreamSeq,
		&snapshot.SchemaVersion,
		&snapshot.Encoding,
		&createdAt,
		&snapshot.Data,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, es.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("load snapshot %s/%s: %w", objType, objID, err)
	}
	snapshot.CreatedAt = fromMillis(createdAt)

	return &snapshot, nil
}

var _ es.Snapshotter = (*Snapshotter)(nil)
