package cluster_test

import (
	"testing"
	"time"

	"github.com/xraph/quorum/cluster"
	"github.com/xraph/quorum/id"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRegister(t *testing.T) {
	t.Parallel()

	r := cluster.NewRegistry()
	w, created := r.Register(cluster.Worker{ID: "w1", Address: "10.0.0.1", Capabilities: []string{"resize"}}, t0)
	if !created {
		t.Fatal("first Register should create")
	}
	if w.State != cluster.WorkerActive || !w.RegisteredAt.Equal(t0) {
		t.Errorf("worker = %+v", w)
	}

	r.Assign("w1", "t1", t0.Add(time.Minute))
	w, created = r.Register(cluster.Worker{ID: "w1", Address: "10.0.0.2"}, t0.Add(time.Second))
	if created {
		t.Error("re-register should not create")
	}
	if w.Address != "10.0.0.2" || w.CurrentTask != "t1" || !w.RegisteredAt.Equal(t0) {
		t.Errorf("re-registered worker = %+v", w)
	}
	if !w.Accepts("anything") {
		t.Error("empty capabilities should accept any type")
	}
}

func TestAccepts(t *testing.T) {
	t.Parallel()

	w := &cluster.Worker{Capabilities: []string{"email", "resize"}}
	if !w.Accepts("resize") || w.Accepts("transcode") {
		t.Errorf("Accepts mismatch for %v", w.Capabilities)
	}
}

func TestHeartbeatExtendsTaskLease(t *testing.T) {
	t.Parallel()

	r := cluster.NewRegistry()
	r.Register(cluster.Worker{ID: "w1"}, t0)

	exp, ok := r.Heartbeat("w1", t0.Add(time.Second), 30*time.Second, cluster.Stats{CPUUsage: 0.5})
	if !ok || !exp.IsZero() {
		t.Errorf("idle heartbeat = %v, %v; want zero expiry", exp, ok)
	}

	r.Assign("w1", "t1", t0.Add(30*time.Second))
	exp, ok = r.Heartbeat("w1", t0.Add(20*time.Second), 30*time.Second, cluster.Stats{MemoryUsage: 1 << 20})
	if !ok || !exp.Equal(t0.Add(50*time.Second)) {
		t.Errorf("busy heartbeat expiry = %v, want %v", exp, t0.Add(50*time.Second))
	}
	w, _ := r.Get("w1")
	if w.MemoryUsage != 1<<20 || !w.LastSeen.Equal(t0.Add(20*time.Second)) {
		t.Errorf("worker = %+v", w)
	}

	if _, ok := r.Heartbeat("ghost", t0, time.Second, cluster.Stats{}); ok {
		t.Error("heartbeat for unknown worker should fail")
	}
}

func TestExpireStale(t *testing.T) {
	t.Parallel()

	r := cluster.NewRegistry()
	for _, wid := range []id.WorkerID{"w3", "w1", "w2"} {
		r.Register(cluster.Worker{ID: wid}, t0)
	}
	r.Assign("w1", "t1", t0.Add(10*time.Second))
	r.Assign("w3", "t3", t0.Add(5*time.Second))
	r.Assign("w2", "t2", t0.Add(time.Minute))

	got := r.ExpireStale(t0.Add(10 * time.Second))
	if len(got) != 2 || got[0].WorkerID != "w1" || got[1].WorkerID != "w3" || got[1].TaskID != "t3" {
		t.Errorf("ExpireStale = %+v, want w1/t1 and w3/t3", got)
	}
	// The scan itself never mutates the registry.
	if w, _ := r.Get("w1"); w.CurrentTask != "t1" {
		t.Error("ExpireStale released a task")
	}
}

func TestReleaseOnlyMatchingTask(t *testing.T) {
	t.Parallel()

	r := cluster.NewRegistry()
	r.Register(cluster.Worker{ID: "w1"}, t0)
	r.Assign("w1", "t1", t0.Add(time.Minute))
	r.Release("w1", "other")
	if w, _ := r.Get("w1"); w.CurrentTask != "t1" {
		t.Error("Release with a different task id cleared the lease")
	}
	r.Release("w1", "t1")
	if w, _ := r.Get("w1"); w.Busy() || !w.LeaseExpiry.IsZero() {
		t.Errorf("Release left %+v", w)
	}
}

func TestAbsentAndCounts(t *testing.T) {
	t.Parallel()

	r := cluster.NewRegistry()
	r.Register(cluster.Worker{ID: "idle"}, t0)
	r.Register(cluster.Worker{ID: "busy"}, t0)
	r.Register(cluster.Worker{ID: "fresh"}, t0.Add(90*time.Second))
	r.Assign("busy", "t1", t0.Add(time.Hour))
	r.MarkDead("idle")

	got := r.Absent(t0.Add(2*time.Minute), time.Minute)
	if len(got) != 1 || got[0] != "idle" {
		t.Errorf("Absent = %v, want [idle]", got)
	}
	active, dead := r.Counts()
	if active != 2 || dead != 1 {
		t.Errorf("Counts = %d active, %d dead; want 2, 1", active, dead)
	}
	if !r.Remove("idle") || r.Remove("idle") {
		t.Error("Remove should succeed once")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestListIsSortedCopy(t *testing.T) {
	t.Parallel()

	r := cluster.NewRegistry()
	r.Register(cluster.Worker{ID: "b", Capabilities: []string{"x"}}, t0)
	r.Register(cluster.Worker{ID: "a"}, t0)
	list := r.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("List = %v", list)
	}
	list[1].Capabilities[0] = "mutated"
	if w, _ := r.Get("b"); w.Capabilities[0] != "x" {
		t.Error("List returned shared slices")
	}
}
