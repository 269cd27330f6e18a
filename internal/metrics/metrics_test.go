package metrics

import (
	"testing"
	"time"
)

func TestProm_CountersAccumulate(t *testing.T) {
	p := NewProm("run-test")
	p.TaskSubmitted()
	p.TaskSubmitted()
	p.TaskDone(5 * time.Millisecond)
	p.ReadyDepth(3)
	p.CopyDone("in", 4096)
	p.CopyDone("out", 1024)
	p.Eviction()
	p.OOMHeld()

	fams, err := p.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	got := make(map[string]float64)
	for _, f := range fams {
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				got[f.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				got[f.GetName()] += m.GetGauge().GetValue()
			}
		}
	}
	checks := map[string]float64{
		"taskrt_tasks_submitted_total": 2,
		"taskrt_tasks_done_total":      1,
		"taskrt_ready_queue_depth":     3,
		"taskrt_copies_total":          2,
		"taskrt_copy_bytes_total":      5120,
		"taskrt_evictions_total":       1,
		"taskrt_oom_held_total":        1,
	}
	for name, want := range checks {
		if got[name] != want {
			t.Fatalf("%s: got %v want %v", name, got[name], want)
		}
	}
}

func TestProm_TwoInstancesDoNotCollide(t *testing.T) {
	a := NewProm("run-a")
	b := NewProm("run-b")
	a.TaskSubmitted()
	b.TaskSubmitted()
	if _, err := a.Registry().Gather(); err != nil {
		t.Fatalf("gather a: %v", err)
	}
	if _, err := b.Registry().Gather(); err != nil {
		t.Fatalf("gather b: %v", err)
	}
}
