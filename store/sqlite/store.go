package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/broker"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/task"
)

var _ broker.Archive = (*Store)(nil)

// Store is an archive of compacted tasks.
type Store struct {
	db     *sql.DB
	owned  bool
	logger *slog.Logger
	now    func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New wraps an open database. The caller owns the db lifecycle and must
// call Migrate before use.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens or creates the database file at path and migrates it. Close
// releases the database.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("quorum/sqlite: open %s: %w", path, err)
	}
	// SQLite allows a single writer; one connection avoids busy errors.
	db.SetMaxOpenConns(1)

	s := New(db, opts...)
	s.owned = true
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database if Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// Put archives tasks in one transaction. Archiving a task again replaces
// the earlier row.
func (s *Store) Put(ctx context.Context, tasks ...*task.Task) (err error) {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("quorum/sqlite: begin archive: %w", err)
	}
	defer rollback(tx, &err)

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO quorum_archived_tasks (`+taskColumns+`, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			result = excluded.result,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at,
			archived_at = excluded.archived_at`)
	if err != nil {
		return fmt.Errorf("quorum/sqlite: prepare archive: %w", err)
	}
	defer stmt.Close()

	archivedAt := formatTime(s.now())
	for _, t := range tasks {
		m, merr := toTaskModel(t)
		if merr != nil {
			err = fmt.Errorf("quorum/sqlite: archive %s: %w", t.ID, merr)
			return err
		}
		if _, err = stmt.ExecContext(ctx,
			m.ID, m.Type, m.Payload, m.Priority, m.Status, m.RetryCount, m.MaxRetries, m.TimeoutNS,
			m.Dependencies, m.Result, m.LastError, m.WorkerID, m.CreatedAt, m.UpdatedAt,
			m.StartedAt, m.CompletedAt, archivedAt,
		); err != nil {
			return fmt.Errorf("quorum/sqlite: archive %s: %w", t.ID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("quorum/sqlite: commit archive: %w", err)
	}
	s.logger.Debug("tasks archived", slog.Int("count", len(tasks)))
	return nil
}

// Get returns an archived task. It returns quorum.ErrTaskNotFound if the
// task was never archived.
func (s *Store) Get(ctx context.Context, tid id.TaskID) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM quorum_archived_tasks WHERE id = ?`, tid.String())
	t, err := scanTask(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %s", quorum.ErrTaskNotFound, tid)
	}
	if err != nil {
		return nil, fmt.Errorf("quorum/sqlite: get %s: %w", tid, err)
	}
	return t, nil
}

// Filter selects archived tasks. Zero fields match everything.
type Filter struct {
	Status task.Status
	Type   string
	Limit  int
	Offset int
}

// List returns archived tasks matching f, most recently completed first.
func (s *Store) List(ctx context.Context, f Filter) ([]*task.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}

	q := `SELECT ` + taskColumns + ` FROM quorum_archived_tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY completed_at DESC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("quorum/sqlite: list: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("quorum/sqlite: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Count returns the number of archived tasks.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quorum_archived_tasks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("quorum/sqlite: count: %w", err)
	}
	return n, nil
}

// DeleteBefore removes tasks archived before t and returns how many were
// removed.
func (s *Store) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM quorum_archived_tasks WHERE archived_at < ?`, formatTime(t))
	if err != nil {
		return 0, fmt.Errorf("quorum/sqlite: delete: %w", err)
	}
	return res.RowsAffected()
}

// ── helpers ──────────────────────────────────────────────────────

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
