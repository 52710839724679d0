package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/id"
	"github.com/xraph/quorum/store/sqlite"
	"github.com/xraph/quorum/task"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func completedTask(tid id.TaskID, typ string) *task.Task {
	now := time.Now().UTC().Truncate(time.Millisecond)
	t := task.New(typ, []byte(`{"n":1}`), task.WithID(tid), task.WithPriority(task.PriorityHigh))
	t.Status = task.StatusCompleted
	t.Result = []byte("ok")
	t.WorkerID = "w-1"
	t.CreatedAt = now.Add(-time.Minute)
	t.UpdatedAt = now
	t.StartedAt = now.Add(-time.Second)
	t.CompletedAt = now
	return t
}

func TestPutAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	in := completedTask("t-1", "email")
	in.Dependencies = []id.TaskID{"t-0"}
	if err := s.Put(ctx, in); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "t-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Type != "email" || got.Status != task.StatusCompleted || got.Priority != task.PriorityHigh {
		t.Fatalf("got %+v", got)
	}
	if string(got.Result) != "ok" || string(got.Payload) != `{"n":1}` {
		t.Fatalf("result=%q payload=%q", got.Result, got.Payload)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != "t-0" {
		t.Fatalf("dependencies = %v", got.Dependencies)
	}
	if !got.CompletedAt.Equal(in.CompletedAt) || got.Timeout != in.Timeout {
		t.Fatalf("completed_at=%v timeout=%v", got.CompletedAt, got.Timeout)
	}
	if got.WorkerID != "w-1" {
		t.Fatalf("worker = %q", got.WorkerID)
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, quorum.ErrTaskNotFound) {
		t.Fatalf("Get: got %v, want ErrTaskNotFound", err)
	}
}

func TestPutReplaces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	first := completedTask("t-1", "email")
	first.Status = task.StatusDeadLetter
	first.LastError = "boom"
	if err := s.Put(ctx, first); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, completedTask("t-1", "email")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	got, err := s.Get(ctx, "t-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusCompleted || got.LastError != "" {
		t.Fatalf("status=%s last_error=%q", got.Status, got.LastError)
	}
}

func TestListFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	dead := completedTask("t-3", "sms")
	dead.Status = task.StatusDeadLetter
	if err := s.Put(ctx, completedTask("t-1", "email"), completedTask("t-2", "email"), dead); err != nil {
		t.Fatalf("Put: %v", err)
	}

	all, err := s.List(ctx, sqlite.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}

	emails, err := s.List(ctx, sqlite.Filter{Type: "email"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(emails) != 2 {
		t.Fatalf("email len = %d, want 2", len(emails))
	}

	dl, err := s.List(ctx, sqlite.Filter{Status: task.StatusDeadLetter})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(dl) != 1 || dl[0].ID != "t-3" {
		t.Fatalf("dead letters = %v", dl)
	}

	page, err := s.List(ctx, sqlite.Filter{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page len = %d, want 2", len(page))
	}
}

func TestReopenKeepsArchive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "archive.db")

	s, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put(ctx, completedTask("t-1", "email")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.Get(ctx, "t-1"); err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
}

func TestDeleteBefore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	if err := s.Put(ctx, completedTask("t-1", "email")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	n, err := s.DeleteBefore(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
}
