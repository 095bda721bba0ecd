// Package snapshotstore is the sqlite-backed sagaapi.SnapshotStore: a
// durable table of persisted process_state rows, keyed by
// "{process_manager_name}-{process_uuid}" as domain.SnapshotData.Key
// documents.
package snapshotstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"procman/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	process_manager_name TEXT NOT NULL,
	process_uuid TEXT NOT NULL,
	source_version INTEGER NOT NULL,
	data BLOB NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (process_manager_name, process_uuid)
);
`

// Store is a sagaapi.SnapshotStore backed by a single sqlite database.
type Store struct {
	db *sql.DB
}

// Open creates (if absent) and opens the sqlite database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir snapshot store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Load returns the persisted snapshot for processUUID under
// processManagerName, if any.
func (s *Store) Load(ctx context.Context, processManagerName, processUUID string) (domain.SnapshotData, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT source_version, data FROM snapshots
WHERE process_manager_name = ? AND process_uuid = ?`, processManagerName, processUUID)

	var snap domain.SnapshotData
	err := row.Scan(&snap.SourceVersion, &snap.Data)
	if err == sql.ErrNoRows {
		return domain.SnapshotData{}, false, nil
	}
	if err != nil {
		return domain.SnapshotData{}, false, err
	}
	snap.SourceUUID = processUUID
	snap.SourceType = processManagerName
	return snap, true, nil
}

// Save upserts one snapshot row.
func (s *Store) Save(ctx context.Context, snap domain.SnapshotData) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO snapshots(process_manager_name, process_uuid, source_version, data, updated_at_utc_ns)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(process_manager_name, process_uuid)
DO UPDATE SET source_version=excluded.source_version, data=excluded.data, updated_at_utc_ns=excluded.updated_at_utc_ns`,
		snap.SourceType, snap.SourceUUID, snap.SourceVersion, snap.Data, time.Now().UTC().UnixNano())
	return err
}

// Delete removes a persisted snapshot, as done when an instance stops
// deliberately.
func (s *Store) Delete(ctx context.Context, processManagerName, processUUID string) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM snapshots WHERE process_manager_name = ? AND process_uuid = ?`, processManagerName, processUUID)
	return err
}
