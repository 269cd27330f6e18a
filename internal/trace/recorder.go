package trace

import (
	"sync"
	"time"

	"taskrt/internal/core"
)

// Recorder is a concurrency-safe in-memory collector.
//
// Concurrency note: recording uses a single mutex. This may add contention,
// but ordering questions are answered from event timestamps after collection,
// not from append order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Snapshot returns a point-in-time copy of all recorded events.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// TaskSpan returns the first ExecuteStart and last ExecuteEnd timestamps
// recorded for a task. ok is false if either endpoint is missing.
func (r *Recorder) TaskSpan(id core.TaskID) (start, end time.Time, ok bool) {
	var haveStart, haveEnd bool
	for _, e := range r.Snapshot() {
		if e.Task != id {
			continue
		}
		switch e.Kind {
		case EventExecuteStart:
			if !haveStart {
				start = e.At
				haveStart = true
			}
		case EventExecuteEnd:
			end = e.At
			haveEnd = true
		}
	}
	return start, end, haveStart && haveEnd
}

// CountKind reports how many events of the given kind were recorded for a
// task (any task if id is zero).
func (r *Recorder) CountKind(kind EventKind, id core.TaskID) int {
	n := 0
	for _, e := range r.Snapshot() {
		if e.Kind == kind && (id == 0 || e.Task == id) {
			n++
		}
	}
	return n
}
