package rt

import (
	"errors"
	"runtime"
	"time"

	"taskrt/internal/core"
	"taskrt/internal/memory"
	"taskrt/internal/sched"
)

// worker owns one processing element. Synchronous workers (host) run one
// task at a time through fetch, prepare, execute, complete. Asynchronous
// workers (accelerator or remote spaces) drive a small state machine per
// in-flight task instead of blocking: suspension is returning to the loop,
// resumption is the next turn inspecting the transfer counters. No stacks
// are parked.
type worker struct {
	id    core.WorkerID
	rt    *Runtime
	team  *Team
	space memory.AddressSpace
	kind  memory.DeviceKind

	async         bool
	prefetchLimit int

	mc       memController
	held     []*Task
	inFlight []*Task

	wake chan struct{}
}

func newWorker(id core.WorkerID, rt *Runtime, team *Team, space memory.AddressSpace) *worker {
	w := &worker{
		id:            id,
		rt:            rt,
		team:          team,
		space:         space,
		kind:          space.Kind(),
		async:         space.ID() != memory.HostID,
		prefetchLimit: int(rt.cfg.NumPrefetch),
		wake:          make(chan struct{}, 1),
	}
	w.mc = memController{rt: rt, w: w}
	return w
}

func (w *worker) info() sched.WorkerInfo {
	return sched.WorkerInfo{ID: w.id, Kind: w.kind}
}

func (w *worker) run() {
	defer w.team.wg.Done()
	if w.rt.cfg.Binding {
		// Approximate CPU pinning: the goroutine keeps its OS thread, which
		// the OS scheduler then keeps cache-warm.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	if w.async {
		w.runAsync()
		return
	}
	w.runSync()
}

// runSync is the synchronous worker loop: wait for ready work, prepare its
// regions, execute, complete.
func (w *worker) runSync() {
	for {
		if w.team.shouldExit() {
			return
		}
		if w.retryHeld() {
			continue
		}
		t := w.team.policy.OnRequest(w.info())
		if t == nil {
			w.idle()
			continue
		}
		w.runTask(t.(*Task), false)
	}
}

// runAsync is the cooperative accelerator loop. Each turn: drain
// completions, advance transferred tasks to execution, retry held
// allocations, refill the pipeline up to the prefetch limit, and yield only
// when no rule made progress.
func (w *worker) runAsync() {
	for {
		progressed := false
		w.rt.pollSpaces()

		// (a)+(b) advance every in-flight task whose transfers drained.
		for i := 0; i < len(w.inFlight); {
			t := w.inFlight[i]
			if !t.mem.ops.Done() {
				i++
				continue
			}
			w.inFlight = append(w.inFlight[:i], w.inFlight[i+1:]...)
			w.mc.execute(t)
			w.mc.complete(t)
			progressed = true
		}

		// (c) retry a held allocation.
		if w.retryHeld() {
			progressed = true
		}

		// (d) refill the pipeline.
		if len(w.held) == 0 && len(w.inFlight) < w.prefetchLimit {
			var next sched.Runnable
			if len(w.inFlight) > 0 {
				next = w.team.policy.OnPrefetch(w.info(), w.inFlight[0])
			} else {
				next = w.team.policy.OnRequest(w.info())
			}
			if next != nil {
				t := next.(*Task)
				w.admit(t)
				t.mu.Lock()
				t.prefetchedBy = w.id
				t.mu.Unlock()
				if err := w.mc.prepare(t, false); err != nil {
					if !errors.Is(err, errHold) {
						w.rt.fatal(err)
					}
					w.held = append(w.held, t)
				} else {
					w.inFlight = append(w.inFlight, t)
				}
				progressed = true
			}
		}

		// (e) nothing progressed: park briefly.
		if !progressed {
			if len(w.inFlight) == 0 && len(w.held) == 0 && w.team.shouldExit() {
				return
			}
			w.idle()
		}
	}
}

// retryHeld re-attempts the oldest held allocation. Reports whether a task
// moved forward.
func (w *worker) retryHeld() bool {
	if len(w.held) == 0 {
		return false
	}
	t := w.held[0]
	w.held = w.held[1:]
	if err := w.mc.prepare(t, true); err != nil {
		if !errors.Is(err, errHold) {
			w.rt.fatal(err)
		}
		w.held = append(w.held, t)
		w.idle()
		return false
	}
	if w.async {
		w.inFlight = append(w.inFlight, t)
	} else {
		w.mc.execute(t)
		w.mc.complete(t)
	}
	return true
}

// runTask drives one task through its whole lifecycle on this worker.
func (w *worker) runTask(t *Task, retry bool) {
	w.admit(t)
	if err := w.mc.prepare(t, retry); err != nil {
		if errors.Is(err, errHold) {
			w.held = append(w.held, t)
			return
		}
		w.rt.fatal(err)
	}
	w.mc.execute(t)
	w.mc.complete(t)
}

// admit ties the task to this worker: once taken it never migrates.
func (w *worker) admit(t *Task) {
	t.mu.Lock()
	if t.tied == core.NoWorker {
		t.tied = w.id
	}
	t.mu.Unlock()
}

// tryRunOne runs a single ready task if the policy has one, used while a
// task blocks in a hierarchical wait. Reports whether anything ran.
func (w *worker) tryRunOne() bool {
	t := w.team.policy.OnRequest(w.info())
	if t == nil {
		return false
	}
	w.runTask(t.(*Task), false)
	return true
}

// idle parks until woken or a short timeout elapses, polling completions so
// cross-space transfers keep progressing while this worker has no task.
func (w *worker) idle() {
	select {
	case <-w.wake:
	case <-time.After(200 * time.Microsecond):
	}
	w.rt.pollSpaces()
	if w.rt.cfg.Yield {
		runtime.Gosched()
	}
}

// relax is the in-task yield used by wait loops.
func (w *worker) relax() {
	if w.rt.cfg.Yield {
		runtime.Gosched()
	} else {
		time.Sleep(5 * time.Microsecond)
	}
}
