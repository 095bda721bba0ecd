// Package registrystore durably checkpoints the subscriptions
// registry so a restarted node doesn't lose the per-handler progress
// behind the read-your-writes guarantee it offers to command
// dispatchers: once restored, WaitFor reports satisfied for versions a
// handler had already acknowledged before the crash.
package registrystore

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
CREATE TABLE IF NOT EXISTS handlers (
	handler_name TEXT NOT NULL,
	consistency TEXT NOT NULL,
	holder TEXT NOT NULL,
	global_event_number INTEGER NOT NULL DEFAULT 0,
	updated_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (handler_name, consistency)
);

CREATE TABLE IF NOT EXISTS handler_streams (
	handler_name TEXT NOT NULL,
	consistency TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	stream_version INTEGER NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (handler_name, consistency, stream_id)
);
`

// Store durably checkpoints and restores domain.SubscriptionEntry rows.
type Store struct {
	db *sql.DB
}

// Open creates (if absent) and opens the sqlite database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir registry store dir: %w", err)
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

// Checkpoint upserts one handler row and its per-stream progress.
func (s *Store) Checkpoint(ctx context.Context, entry domain.SubscriptionEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixNano()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO handlers(handler_name, consistency, holder, global_event_number, updated_at_utc_ns)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(handler_name, consistency)
DO UPDATE SET holder=excluded.holder, global_event_number=excluded.global_event_number, updated_at_utc_ns=excluded.updated_at_utc_ns`,
		entry.HandlerName, string(entry.Consistency), entry.Holder, entry.GlobalEventNumber, now); err != nil {
		return err
	}

	for stream, version := range entry.StreamVersions {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO handler_streams(handler_name, consistency, stream_id, stream_version, updated_at_utc_ns)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(handler_name, consistency, stream_id)
DO UPDATE SET stream_version=excluded.stream_version, updated_at_utc_ns=excluded.updated_at_utc_ns`,
			entry.HandlerName, string(entry.Consistency), stream, version, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadAll restores every checkpointed handler row, used to rehydrate
// the in-memory Subscriptions Registry on startup.
func (s *Store) LoadAll(ctx context.Context) ([]domain.SubscriptionEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT handler_name, consistency, holder, global_event_number FROM handlers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := map[[2]string]*domain.SubscriptionEntry{}
	for rows.Next() {
		var handler, consistency, holder string
		var global uint64
		if err := rows.Scan(&handler, &consistency, &holder, &global); err != nil {
			return nil, err
		}
		entries[[2]string{handler, consistency}] = &domain.SubscriptionEntry{
			HandlerName:       handler,
			Consistency:       domain.Consistency(consistency),
			Holder:            holder,
			GlobalEventNumber: global,
			StreamVersions:    map[string]uint64{},
			StreamUpdatedAt:   map[string]time.Time{},
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	streamRows, err := s.db.QueryContext(ctx, `
SELECT handler_name, consistency, stream_id, stream_version FROM handler_streams`)
	if err != nil {
		return nil, err
	}
	defer streamRows.Close()
	for streamRows.Next() {
		var handler, consistency, stream string
		var version uint64
		if err := streamRows.Scan(&handler, &consistency, &stream, &version); err != nil {
			return nil, err
		}
		if e, ok := entries[[2]string{handler, consistency}]; ok {
			e.StreamVersions[stream] = version
		}
	}
	if err := streamRows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.SubscriptionEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	return out, nil
}
