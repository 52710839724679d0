package broker

import (
	"log/slog"
	"time"

	"github.com/xraph/quorum/backoff"
	"github.com/xraph/quorum/ext"
)

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithClock replaces time.Now as the source of command timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithBackoff sets the retry delay policy. If not set,
// backoff.DefaultStrategy() is used.
func WithBackoff(s backoff.Strategy) Option {
	return func(b *Broker) { b.backoff = s }
}

// WithLeaseTTL sets how long a claim or heartbeat keeps a task leased.
func WithLeaseTTL(d time.Duration) Option {
	return func(b *Broker) { b.leaseTTL = d }
}

// WithProposalTimeout bounds how long a write waits for commit when the
// caller's context has no earlier deadline.
func WithProposalTimeout(d time.Duration) Option {
	return func(b *Broker) { b.proposalTimeout = d }
}

// WithMaintenanceInterval sets how often the leader scans for expired
// leases, due retries and absent workers.
func WithMaintenanceInterval(d time.Duration) Option {
	return func(b *Broker) { b.maintenanceInterval = d }
}

// WithAbsenceTimeout sets how long an idle worker may go unseen before it
// is removed.
func WithAbsenceTimeout(d time.Duration) Option {
	return func(b *Broker) { b.absenceTimeout = d }
}

// WithRetention sets how long terminal tasks are kept before Compact
// removes them.
func WithRetention(d time.Duration) Option {
	return func(b *Broker) { b.retention = d }
}

// WithExtensions sets the registry notified of leadership changes and
// shutdown. Pass the same registry to NewStateMachine for task events.
func WithExtensions(r *ext.Registry) Option {
	return func(b *Broker) { b.extensions = r }
}

// WithArchive sets where Status looks for compacted tasks.
func WithArchive(a Archive) Option {
	return func(b *Broker) { b.archive = a }
}

// WithStaleReads allows queries after this replica's storage has failed.
func WithStaleReads(ok bool) Option {
	return func(b *Broker) { b.staleReads = ok }
}
