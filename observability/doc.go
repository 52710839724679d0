// Package observability exports broker metrics.
//
// [MetricsExtension] is an ext extension that counts task and worker
// lifecycle events through OpenTelemetry. Because hooks run on every
// replica as committed commands are applied, each replica reports the
// same counts.
//
// [Collector] is a Prometheus collector sampled at scrape time. It reports
// queue depth per priority tier, task counts per status, worker counts and
// the replica's raft position.
//
// For per-execution tracing and metrics on workers, see the middleware
// package: middleware.Tracing() and middleware.Metrics().
package observability
