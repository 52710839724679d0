package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/quorum/raft"
	"github.com/xraph/quorum/store"
	"github.com/xraph/quorum/task"
)

// Source is what the collector samples. *broker.Broker satisfies it.
type Source interface {
	Stats(ctx context.Context) (store.Stats, error)
	ClusterStatus(ctx context.Context) raft.Status
}

// Collector reports broker state to Prometheus at scrape time.
type Collector struct {
	src     Source
	logger  *slog.Logger
	timeout time.Duration

	queueDepth   *prometheus.Desc
	tasks        *prometheus.Desc
	workers      *prometheus.Desc
	term         *prometheus.Desc
	commitIndex  *prometheus.Desc
	appliedIndex *prometheus.Desc
	lastIndex    *prometheus.Desc
	isLeader     *prometheus.Desc
	halted       *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a Collector over src. constLabels are attached to
// every metric, typically {"node": id}.
func NewCollector(src Source, logger *slog.Logger, constLabels prometheus.Labels) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("quorum_"+name, help, labels, constLabels)
	}
	return &Collector{
		src:          src,
		logger:       logger,
		timeout:      time.Second,
		queueDepth:   desc("queue_depth", "Ready tasks waiting in each priority tier.", "priority"),
		tasks:        desc("tasks", "Tasks held in the store by status.", "status"),
		workers:      desc("workers", "Registered workers by state.", "state"),
		term:         desc("raft_term", "Current raft term."),
		commitIndex:  desc("raft_commit_index", "Highest log index known to be committed."),
		appliedIndex: desc("raft_applied_index", "Highest log index applied to the task store."),
		lastIndex:    desc("raft_last_index", "Last index in the local log."),
		isLeader:     desc("raft_is_leader", "1 if this replica is the leader."),
		halted:       desc("raft_halted", "1 if this replica stopped after a storage failure."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.queueDepth, c.tasks, c.workers, c.term, c.commitIndex,
		c.appliedIndex, c.lastIndex, c.isLeader, c.halted,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	st := c.src.ClusterStatus(ctx)
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	gauge(c.term, float64(st.Term))
	gauge(c.commitIndex, float64(st.CommitIndex))
	gauge(c.appliedIndex, float64(st.AppliedIndex))
	gauge(c.lastIndex, float64(st.LastIndex))
	gauge(c.isLeader, boolFloat(st.Role == "leader"))
	gauge(c.halted, boolFloat(st.Halted != ""))

	stats, err := c.src.Stats(ctx)
	if err != nil {
		c.logger.Warn("metrics: stats unavailable", slog.String("error", err.Error()))
		return
	}
	for p := task.PriorityLow; p <= task.PriorityCritical; p++ {
		gauge(c.queueDepth, float64(stats.QueueDepth[p]), p.String())
	}
	for _, s := range task.Statuses {
		gauge(c.tasks, float64(stats.Tasks[s]), string(s))
	}
	gauge(c.workers, float64(stats.ActiveWorkers), "active")
	gauge(c.workers, float64(stats.DeadWorkers), "dead")
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
