package task_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/xraph/quorum"
	"github.com/xraph/quorum/task"
)

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	tk := task.New("resize", []byte("img"))
	if tk.Priority != task.PriorityNormal {
		t.Errorf("Priority = %v, want normal", tk.Priority)
	}
	if tk.MaxRetries != task.DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", tk.MaxRetries, task.DefaultMaxRetries)
	}
	if tk.Timeout != task.DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", tk.Timeout, task.DefaultTimeout)
	}
	if tk.Status != task.StatusPending {
		t.Errorf("Status = %q, want pending", tk.Status)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		task *task.Task
		want error
	}{
		{"ok", task.New("a", []byte("x")), nil},
		{"nil", nil, quorum.ErrInvalidTask},
		{"empty type", task.New("", nil), quorum.ErrInvalidTask},
		{"oversized", task.New("a", make([]byte, task.MaxPayloadSize+1)), quorum.ErrPayloadTooLarge},
		{"max payload", task.New("a", make([]byte, task.MaxPayloadSize)), nil},
		{"bad priority", task.New("a", nil, task.WithPriority(9)), quorum.ErrInvalidPriority},
		{"negative retries", task.New("a", nil, task.WithMaxRetries(-1)), quorum.ErrInvalidTask},
		{"bad id", task.New("a", nil, task.WithID("has space")), quorum.ErrInvalidID},
		{"self dependency", task.New("a", nil, task.WithID("t1"), task.WithDependencies("t1")), quorum.ErrInvalidTask},
		{"duplicate dependency", task.New("a", nil, task.WithDependencies("d", "d")), quorum.ErrInvalidTask},
		{"negative timeout", task.New("a", nil, task.WithTimeout(-time.Second)), quorum.ErrInvalidTask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := task.Validate(tt.task)
			if tt.want == nil {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to task.Status
		want     bool
	}{
		{task.StatusPending, task.StatusRunning, true},
		{task.StatusRunning, task.StatusCompleted, true},
		{task.StatusRunning, task.StatusFailed, true},
		{task.StatusFailed, task.StatusRetrying, true},
		{task.StatusRetrying, task.StatusPending, true},
		{task.StatusFailed, task.StatusDeadLetter, true},
		{task.StatusPending, task.StatusCancelled, true},
		{task.StatusCompleted, task.StatusPending, false},
		{task.StatusCompleted, task.StatusCancelled, false},
		{task.StatusPending, task.StatusCompleted, false},
		{task.StatusDeadLetter, task.StatusPending, true},
		{task.StatusCancelled, task.StatusRunning, false},
	}
	for _, tt := range tests {
		if got := task.CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	terminal := map[task.Status]bool{
		task.StatusCompleted:  true,
		task.StatusDeadLetter: true,
		task.StatusCancelled:  true,
	}
	for _, s := range task.Statuses {
		if got := s.IsTerminal(); got != terminal[s] {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    task.Priority
		wantErr bool
	}{
		{"low", task.PriorityLow, false},
		{"High", task.PriorityHigh, false},
		{"3", task.PriorityCritical, false},
		{"", task.PriorityNormal, false},
		{"urgent", 0, true},
	}
	for _, tt := range tests {
		got, err := task.ParsePriority(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePriority(%q) error = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if task.PriorityCritical <= task.PriorityHigh || task.PriorityNormal <= task.PriorityLow {
		t.Error("priority tiers must be ordered Low < Normal < High < Critical")
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := task.New("a", []byte("payload"), task.WithDependencies("d1"))
	c := orig.Clone()
	c.Payload[0] = 'X'
	c.Dependencies[0] = "other"
	if !bytes.Equal(orig.Payload, []byte("payload")) {
		t.Error("Clone shares payload")
	}
	if orig.Dependencies[0] != "d1" {
		t.Error("Clone shares dependencies")
	}
}

func TestHasLease(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	tk := &task.Task{WorkerID: "w1", LeaseExpiry: now.Add(time.Second)}
	if !tk.HasLease(now) {
		t.Error("expected active lease")
	}
	if tk.HasLease(now.Add(time.Second)) {
		t.Error("lease should expire at LeaseExpiry")
	}
	tk.WorkerID = ""
	if tk.HasLease(now) {
		t.Error("no holder means no lease")
	}
}
