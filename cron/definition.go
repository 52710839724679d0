package cron

import "context"

// Func is the work a schedule performs.
type Func func(ctx context.Context) error

// Definition describes a recurring job.
type Definition struct {
	// Name is the unique identifier for this entry.
	Name string

	// Schedule is a cron expression (e.g., "*/5 * * * *" or "@every 30s").
	Schedule string

	// Run is called each time the schedule is due.
	Run Func
}
