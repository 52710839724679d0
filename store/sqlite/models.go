package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/xraph/quorum/codec"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/task"
)

const taskColumns = `id, type, payload, priority, status, retry_count, max_retries, timeout_ns,
	dependencies, result, last_error, worker_id, created_at, updated_at, started_at, completed_at`

// ── Task model ────────────────────────────────────────────────────

// taskModel is the row form of an archived task. Times are UTC text;
// dependencies are a JSON array so operators can read them with sqlite3.
type taskModel struct {
	ID           string
	Type         string
	Payload      []byte
	Priority     int
	Status       string
	RetryCount   int
	MaxRetries   int
	TimeoutNS    int64
	Dependencies sql.NullString
	Result       []byte
	LastError    sql.NullString
	WorkerID     sql.NullString
	CreatedAt    string
	UpdatedAt    string
	StartedAt    sql.NullString
	CompletedAt  sql.NullString
}

func toTaskModel(t *task.Task) (*taskModel, error) {
	m := &taskModel{
		ID:          t.ID.String(),
		Type:        t.Type,
		Payload:     t.Payload,
		Priority:    int(t.Priority),
		Status:      string(t.Status),
		RetryCount:  t.RetryCount,
		MaxRetries:  t.MaxRetries,
		TimeoutNS:   int64(t.Timeout),
		Result:      t.Result,
		LastError:   nullString(t.LastError),
		WorkerID:    nullString(t.WorkerID.String()),
		CreatedAt:   formatTime(t.CreatedAt),
		UpdatedAt:   formatTime(t.UpdatedAt),
		StartedAt:   nullTime(t.StartedAt),
		CompletedAt: nullTime(t.CompletedAt),
	}
	if len(t.Dependencies) > 0 {
		b, err := codec.JSON{}.Marshal(t.Dependencies)
		if err != nil {
			return nil, fmt.Errorf("encode dependencies: %w", err)
		}
		m.Dependencies = sql.NullString{String: string(b), Valid: true}
	}
	return m, nil
}

func fromTaskModel(m *taskModel) (*task.Task, error) {
	t := &task.Task{
		ID:         id.TaskID(m.ID),
		Type:       m.Type,
		Payload:    m.Payload,
		Priority:   task.Priority(m.Priority), //nolint:gosec // written from a valid Priority
		Status:     task.Status(m.Status),
		RetryCount: m.RetryCount,
		MaxRetries: m.MaxRetries,
		Timeout:    time.Duration(m.TimeoutNS),
		Result:     m.Result,
		LastError:  m.LastError.String,
		WorkerID:   id.WorkerID(m.WorkerID.String),
	}
	if m.Dependencies.Valid {
		if err := (codec.JSON{}).Unmarshal([]byte(m.Dependencies.String), &t.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies: %w", err)
		}
	}
	var err error
	if t.CreatedAt, err = parseTime(m.CreatedAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(m.UpdatedAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseTime(m.StartedAt.String); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseTime(m.CompletedAt.String); err != nil {
		return nil, err
	}
	return t, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*task.Task, error) {
	var m taskModel
	if err := s.Scan(
		&m.ID, &m.Type, &m.Payload, &m.Priority, &m.Status, &m.RetryCount, &m.MaxRetries, &m.TimeoutNS,
		&m.Dependencies, &m.Result, &m.LastError, &m.WorkerID, &m.CreatedAt, &m.UpdatedAt,
		&m.StartedAt, &m.CompletedAt,
	); err != nil {
		return nil, err
	}
	return fromTaskModel(&m)
}

// ── helpers ──────────────────────────────────────────────────────

// timeLayout is fixed width so text comparison orders times.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullString {
	return nullString(formatTime(t))
}
