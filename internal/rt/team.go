package rt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"taskrt/internal/core"
	"taskrt/internal/memory"
	"taskrt/internal/sched"
)

// Team is a fixed-size group of workers sharing one schedule policy
// instance and one barrier. Worker ids are team-local; a tied task is tied
// within its team.
type Team struct {
	rt      *Runtime
	policy  sched.Policy
	workers []*worker
	barrier *Barrier
	wg      sync.WaitGroup

	live    atomic.Int64 // submitted, not yet retired tasks of this team
	stopped atomic.Bool
}

func newTeam(rt *Runtime, spaces []memory.AddressSpace, policyName string) (*Team, error) {
	policy, err := sched.New(policyName, len(spaces))
	if err != nil {
		return nil, err
	}
	tm := &Team{rt: rt, policy: policy, barrier: NewBarrier(len(spaces))}
	for i, sp := range spaces {
		tm.workers = append(tm.workers, newWorker(core.WorkerID(i), rt, tm, sp))
	}
	return tm, nil
}

func (tm *Team) start() {
	for _, w := range tm.workers {
		tm.wg.Add(1)
		go w.run()
	}
}

// Size reports the team's worker count.
func (tm *Team) Size() int { return len(tm.workers) }

// Barrier returns the team barrier.
func (tm *Team) Barrier() *Barrier { return tm.barrier }

// CreateTask builds a task that will run on this team.
func (tm *Team) CreateTask(spec TaskSpec) *Task {
	t := tm.rt.CreateTask(spec)
	t.team = tm
	return t
}

// Submit submits a parentless task to this team.
func (tm *Team) Submit(t *Task) error {
	t.team = tm
	return tm.rt.submit(t, nil, nil)
}

// shouldExit reports whether a worker may leave its loop: the team (or the
// whole runtime) is stopping and no team task is still live.
func (tm *Team) shouldExit() bool {
	if !tm.stopped.Load() && !tm.rt.draining.Load() {
		return false
	}
	return tm.live.Load() == 0
}

// wakeAll nudges every parked worker.
func (tm *Team) wakeAll() {
	for _, w := range tm.workers {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// End stops a nested team. Ending is only legal once the team has drained:
// all submitted team tasks retired and the policy queue empty (all workers
// but the leader parked).
func (tm *Team) End() error {
	if tm == tm.rt.root {
		return fmt.Errorf("cannot end the root team; use Runtime.Shutdown")
	}
	if tm.live.Load() != 0 || tm.policy.Len() != 0 {
		return fmt.Errorf("team still has %d live tasks and %d queued", tm.live.Load(), tm.policy.Len())
	}
	tm.stopped.Store(true)
	tm.wakeAll()
	tm.wg.Wait()
	tm.rt.removeTeam(tm)
	return nil
}

// Barrier is a cyclic barrier: Await blocks until Size participants arrive,
// then releases the generation together.
type Barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	arrived int
	gen     uint64
}

// NewBarrier creates a barrier for n participants.
func NewBarrier(n int) *Barrier {
	b := &Barrier{size: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Await blocks until all participants of the current generation arrive.
func (b *Barrier) Await() {
	b.mu.Lock()
	gen := b.gen
	b.arrived++
	if b.arrived == b.size {
		b.arrived = 0
		b.gen++
		b.cond.Broadcast()
		b.mu.Unlock()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
	b.mu.Unlock()
}
