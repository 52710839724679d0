// Package sqlite archives compacted tasks in a SQLite database using the
// pure Go modernc.org/sqlite driver.
//
// Compaction removes terminal tasks from the replicated store once they
// pass the retention window. Each replica hands the purged tasks to its
// archive so Status keeps answering for them:
//
//	a, err := sqlite.Open(ctx, "/var/lib/quorum/archive.db")
//	sm := broker.NewStateMachine(st, extensions, a, logger)
//	b := broker.New(node, st, broker.WithArchive(a))
//
// The archive is local to each replica and is not replicated.
package sqlite
