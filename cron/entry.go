package cron

import (
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Entry is a registered definition with its runtime state.
type Entry struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	NextRunAt time.Time `json:"next_run_at"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int       `json:"runs"`

	run   Func
	sched cronlib.Schedule
}
