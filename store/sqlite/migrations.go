package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// migration is one schema step. Versions are applied in order and recorded
// in quorum_migrations.
type migration struct {
	Version string
	Name    string
	Up      string
}

var migrations = []migration{
	{
		Version: "20240101120000",
		Name:    "create_archived_tasks_table",
		Up: `
			CREATE TABLE IF NOT EXISTS quorum_archived_tasks (
				id            TEXT PRIMARY KEY,
				type          TEXT NOT NULL,
				payload       BLOB,
				priority      INTEGER NOT NULL,
				status        TEXT NOT NULL,
				retry_count   INTEGER NOT NULL DEFAULT 0,
				max_retries   INTEGER NOT NULL DEFAULT 0,
				timeout_ns    INTEGER NOT NULL DEFAULT 0,
				dependencies  TEXT,
				result        BLOB,
				last_error    TEXT,
				worker_id     TEXT,
				created_at    TEXT NOT NULL,
				updated_at    TEXT NOT NULL,
				started_at    TEXT,
				completed_at  TEXT,
				archived_at   TEXT NOT NULL
			)`,
	},
	{
		Version: "20240101120100",
		Name:    "index_archived_tasks",
		Up: `
			CREATE INDEX IF NOT EXISTS idx_quorum_archived_tasks_status
				ON quorum_archived_tasks (status, completed_at)`,
	},
	{
		Version: "20240101120200",
		Name:    "index_archived_tasks_type",
		Up: `
			CREATE INDEX IF NOT EXISTS idx_quorum_archived_tasks_type
				ON quorum_archived_tasks (type)`,
	},
}

// Migrate applies every migration not yet recorded.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS quorum_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)`); err != nil {
		return fmt.Errorf("quorum/sqlite: create migrations table: %w", err)
	}

	for _, m := range migrations {
		var applied string
		err := s.db.QueryRowContext(ctx,
			`SELECT version FROM quorum_migrations WHERE version = ?`, m.Version).Scan(&applied)
		switch {
		case err == nil:
			continue
		case !isNoRows(err):
			return fmt.Errorf("quorum/sqlite: check migration %s: %w", m.Version, err)
		}

		if err := s.apply(ctx, m); err != nil {
			return err
		}
		s.logger.Debug("sqlite migration applied",
			slog.String("version", m.Version),
			slog.String("name", m.Name),
		)
	}
	return nil
}

func (s *Store) apply(ctx context.Context, m migration) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("quorum/sqlite: begin migration %s: %w", m.Version, err)
	}
	defer rollback(tx, &err)

	if _, err = tx.ExecContext(ctx, m.Up); err != nil {
		return fmt.Errorf("quorum/sqlite: migration %s (%s): %w", m.Version, m.Name, err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO quorum_migrations (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
		return fmt.Errorf("quorum/sqlite: record migration %s: %w", m.Version, err)
	}
	return tx.Commit()
}

// rollback aborts tx if *err is set.
func rollback(tx *sql.Tx, err *error) {
	if *err != nil {
		_ = tx.Rollback()
	}
}
