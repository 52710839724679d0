// Package cron runs the broker's recurring maintenance on the Raft leader.
//
// Entries are registered at startup and evaluated on every tick. Only the
// replica that currently leads fires them, so each schedule runs once per
// cluster. A replica that gains leadership recomputes every entry's next
// run from its own clock; schedules are not replicated.
//
// # Entry
//
// An [Entry] pairs a schedule with a function:
//   - Schedule: standard 5-field cron expression or a descriptor such as
//     "@every 1h" or "@daily"
//   - Run: the work to do, typically proposing a command
//   - LastRunAt / NextRunAt / LastError: runtime state, reported by [Scheduler.Entries]
//
// # Registering
//
//	s := cron.NewScheduler(node.IsLeader, registry, logger)
//	s.Register(cron.Definition{
//	    Name:     "compaction",
//	    Schedule: "@every 1h",
//	    Run:      b.Compact,
//	})
//
// The [ext.CronFired] extension hook fires after each run.
package cron
