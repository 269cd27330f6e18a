package rt

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskrt/internal/config"
	"taskrt/internal/core"
	"taskrt/internal/deps"
	"taskrt/internal/directory"
	"taskrt/internal/memory"
	"taskrt/internal/trace"
)

// Observer receives the runtime's operational counters. The Prometheus
// implementation lives in internal/metrics; the core depends only on this
// method set.
type Observer interface {
	TaskSubmitted()
	TaskDone(d time.Duration)
	ReadyDepth(n int)
	CopyDone(dir string, bytes uint64)
	Eviction()
	OOMHeld()
}

type nopObserver struct{}

func (nopObserver) TaskSubmitted()           {}
func (nopObserver) TaskDone(time.Duration)   {}
func (nopObserver) ReadyDepth(int)           {}
func (nopObserver) CopyDone(string, uint64)  {}
func (nopObserver) Eviction()                {}
func (nopObserver) OOMHeld()                 {}

// Options carries the optional collaborators a Runtime consumes as typed
// interfaces: separate address spaces, the trace sink, the metrics observer.
type Options struct {
	Spaces   []memory.AddressSpace
	Sink     trace.Sink
	Observer Observer
	// RunID overrides the generated instance id so external sinks created
	// before the runtime can share it.
	RunID string
}

// Runtime is the process-wide scheduler handle. Initialize exactly once
// before any submission, tear down exactly once with Shutdown; re-
// initialization within a process is out of scope.
type Runtime struct {
	cfg   config.Config
	runID string

	host   *memory.HostSpace
	spaces map[memory.SpaceID]memory.AddressSpace
	caches map[memory.SpaceID]*resCache
	pack   *memory.PackPool

	dir *directory.Directory
	dom *deps.Domain

	root    *Team
	teamsMu sync.Mutex
	teams   []*Team

	tasksMu sync.Mutex
	tasks   map[core.TaskID]*Task

	nextID    atomic.Uint64
	live      atomic.Int64
	accepting atomic.Bool
	draining  atomic.Bool

	obs  Observer
	sink trace.Sink

	fatalMu  sync.Mutex
	fatalErr error
}

// New builds and starts a runtime: the host slab, the supplied separate
// spaces, the coherence directory, the dependency domain, and the root team
// (one synchronous worker per configured CPU thread plus one asynchronous
// worker per separate space).
func New(cfg config.Config, opts Options) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	r := &Runtime{
		cfg:    cfg,
		runID:  runID,
		host:   memory.NewHostSpace(cfg.HostMem),
		spaces: make(map[memory.SpaceID]memory.AddressSpace),
		caches: make(map[memory.SpaceID]*resCache),
		pack:   memory.NewPackPool(cfg.PackMem),
		dir:    directory.New(),
		tasks:  make(map[core.TaskID]*Task),
		obs:    opts.Observer,
		sink:   opts.Sink,
	}
	if r.obs == nil {
		r.obs = nopObserver{}
	}
	if r.sink == nil {
		r.sink = trace.NopSink{}
	}
	r.spaces[memory.HostID] = r.host
	for _, sp := range opts.Spaces {
		id := sp.ID()
		if id == memory.HostID {
			return nil, fmt.Errorf("space %d collides with the host id", id)
		}
		if _, dup := r.spaces[id]; dup {
			return nil, fmt.Errorf("duplicate address space id %d", id)
		}
		r.spaces[id] = sp
		r.caches[id] = newResCache(sp)
	}
	r.dom = deps.NewDomain(r.onReady)

	// Root team: CPU workers first, then one cooperative worker per
	// separate space.
	var workerSpaces []memory.AddressSpace
	for i := 0; i < cfg.CPUWorkers(); i++ {
		workerSpaces = append(workerSpaces, r.host)
	}
	for _, sp := range opts.Spaces {
		workerSpaces = append(workerSpaces, sp)
	}
	root, err := newTeam(r, workerSpaces, cfg.Schedule)
	if err != nil {
		return nil, err
	}
	r.root = root
	r.teams = []*Team{root}
	r.accepting.Store(true)
	root.start()
	return r, nil
}

// RunID identifies this runtime instance in traces and metrics.
func (r *Runtime) RunID() string { return r.runID }

// Host exposes the host space (user data lives in its slab).
func (r *Runtime) Host() *memory.HostSpace { return r.host }

// Alloc reserves user data bytes from the host slab and returns their base
// address for use in copy descriptors.
func (r *Runtime) Alloc(n uint64) (uint64, error) {
	p, err := r.host.Allocate(n)
	if err != nil {
		return 0, fmt.Errorf("%w: %d bytes", ErrOutOfHostMemory, n)
	}
	return uint64(p), nil
}

// Free returns user data bytes to the host slab.
func (r *Runtime) Free(base uint64) { r.host.Free(memory.DevPtr(base)) }

// CreateTask allocates a task with its embedded argument blob and
// per-device data blocks. Attach copies, then submit.
func (r *Runtime) CreateTask(spec TaskSpec) *Task {
	t := newTask(r, core.TaskID(r.nextID.Add(1)), spec, int(r.cfg.StackSize))
	t.team = r.root
	return t
}

// AttachCopies sets the task's declared data accesses. Every region must be
// well formed.
func (r *Runtime) AttachCopies(t *Task, descs []core.CopyDescriptor) error {
	for _, d := range descs {
		if !d.Region.Valid() {
			return fmt.Errorf("attach copies to %v: invalid region %v", t.id, d.Region)
		}
	}
	t.copies = descs
	return nil
}

// Submit installs the task in the dependency domain and returns
// immediately. The task runs once its predecessors complete.
func (r *Runtime) Submit(t *Task) error { return r.submit(t, nil, nil) }

// SubmitWithDeps is Submit with additional explicit point dependencies
// beyond the declared data accesses.
func (r *Runtime) SubmitWithDeps(t *Task, explicit []core.TaskID) error {
	return r.submit(t, nil, explicit)
}

func (r *Runtime) submit(t *Task, parent *Task, explicit []core.TaskID) error {
	if !r.accepting.Load() {
		return ErrSubmissionRejected
	}
	if err := t.transition(StateSubmitted, StateWaiting); err != nil {
		return err
	}
	if parent != nil {
		t.parent = parent
		t.team = parent.team
		parent.children.Add(1)
	}

	r.tasksMu.Lock()
	r.tasks[t.id] = t
	r.tasksMu.Unlock()
	r.live.Add(1)
	t.team.live.Add(1)

	accesses := make([]deps.Access, 0, len(t.copies))
	for _, cd := range t.copies {
		if cd.Private {
			continue
		}
		accesses = append(accesses, deps.Access{Region: cd.Region, Mode: cd.Mode})
	}

	r.obs.TaskSubmitted()
	r.record(trace.Event{Kind: trace.EventSubmitted, Task: t.id, Worker: core.NoWorker, At: time.Now()})

	if err := r.dom.Submit(t.id, accesses, explicit); err != nil {
		r.tasksMu.Lock()
		delete(r.tasks, t.id)
		r.tasksMu.Unlock()
		r.live.Add(-1)
		t.team.live.Add(-1)
		if parent != nil {
			parent.children.Add(-1)
		}
		return fmt.Errorf("submit %v: %w", t.id, err)
	}
	return nil
}

// onReady moves a task from Waiting to Ready and offers it to its team's
// policy. Called by the dependency domain outside its lock.
func (r *Runtime) onReady(id core.TaskID) {
	r.tasksMu.Lock()
	t, ok := r.tasks[id]
	r.tasksMu.Unlock()
	if !ok {
		return
	}
	if err := t.transition(StateWaiting, StateReady); err != nil {
		r.fatal(err)
	}
	r.record(trace.Event{Kind: trace.EventReady, Task: t.id, Worker: core.NoWorker, At: time.Now()})
	t.team.policy.OnReady(t)
	r.obs.ReadyDepth(t.team.policy.Len())
	t.team.wakeAll()
}

// Wait blocks the caller until the task and all its transitively spawned
// children are done. Workers never call this; a task function waits through
// its Invocation so the worker can keep executing team work.
func (r *Runtime) Wait(t *Task) {
	<-t.retired
}

// retireTask finishes a task's lifetime once it is Done with no live
// children, propagating the completion up the parent chain.
// The once-guard matters: the last child's retirement and the parent's own
// completion can observe the retire condition concurrently.
func (r *Runtime) retireTask(t *Task) {
	t.retire.Do(func() {
		close(t.retired)
		r.tasksMu.Lock()
		delete(r.tasks, t.id)
		r.tasksMu.Unlock()
		r.live.Add(-1)
		t.team.live.Add(-1)
		t.team.wakeAll()
		if p := t.parent; p != nil {
			if p.children.Add(-1) == 0 && p.State() == StateDone {
				r.retireTask(p)
			}
		}
	})
}

// CreateTeam starts a nested team of cpuWorkers synchronous workers sharing
// a fresh policy instance and barrier.
func (r *Runtime) CreateTeam(cpuWorkers int) (*Team, error) {
	if cpuWorkers < 1 {
		return nil, fmt.Errorf("team needs at least one worker")
	}
	var spaces []memory.AddressSpace
	for i := 0; i < cpuWorkers; i++ {
		spaces = append(spaces, r.host)
	}
	tm, err := newTeam(r, spaces, r.cfg.Schedule)
	if err != nil {
		return nil, err
	}
	r.teamsMu.Lock()
	r.teams = append(r.teams, tm)
	r.teamsMu.Unlock()
	tm.start()
	return tm, nil
}

func (r *Runtime) removeTeam(tm *Team) {
	r.teamsMu.Lock()
	for i, x := range r.teams {
		if x == tm {
			r.teams = append(r.teams[:i], r.teams[i+1:]...)
			break
		}
	}
	r.teamsMu.Unlock()
}

// Shutdown stops accepting submissions, drains every submitted task, joins
// all workers, flushes the trace sink, and releases device memory. It
// returns the first fatal error, if any, plus a final directory invariant
// check.
func (r *Runtime) Shutdown() error {
	r.accepting.Store(false)
	for r.live.Load() > 0 {
		r.pollSpaces()
		time.Sleep(200 * time.Microsecond)
	}
	r.draining.Store(true)

	r.teamsMu.Lock()
	teams := make([]*Team, len(r.teams))
	copy(teams, r.teams)
	r.teamsMu.Unlock()
	for _, tm := range teams {
		tm.wakeAll()
	}
	for _, tm := range teams {
		tm.wg.Wait()
	}

	for _, c := range r.caches {
		c.releaseAll()
	}
	if f, ok := r.sink.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	if err := r.dir.Check(); err != nil {
		return err
	}
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	return r.fatalErr
}

// record forwards a lifecycle event to the trace sink.
func (r *Runtime) record(e trace.Event) { trace.SafeRecord(r.sink, e) }

// pollSpaces drains completions on every address space so in-flight copies
// progress regardless of which worker is waiting on them.
func (r *Runtime) pollSpaces() {
	for _, sp := range r.spaces {
		sp.PollCompletions()
	}
}

// fatal records the terminating error, flushes instrumentation best effort,
// and panics with a FatalError. Worker goroutines do not recover it: a
// fatal error ends the process, which is the contract for unrecoverable
// kinds.
func (r *Runtime) fatal(err error) {
	r.fatalMu.Lock()
	if r.fatalErr == nil {
		r.fatalErr = err
	}
	r.fatalMu.Unlock()
	r.record(trace.Event{Kind: trace.EventFatal, Worker: core.NoWorker, Detail: err.Error(), At: time.Now()})
	if f, ok := r.sink.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	panic(&FatalError{Err: err})
}

// LiveTasks reports submitted, not yet retired tasks.
func (r *Runtime) LiveTasks() int64 { return r.live.Load() }

// DeviceAllocations reports outstanding cached allocations across separate
// spaces, for leak checks.
func (r *Runtime) DeviceAllocations() int {
	n := 0
	for _, c := range r.caches {
		n += c.len()
	}
	return n
}

// Directory exposes the coherence directory for invariant checks.
func (r *Runtime) Directory() *directory.Directory { return r.dir }

// PredecessorsPending reports a task's outstanding predecessor count.
func (r *Runtime) PredecessorsPending(id core.TaskID) (int, bool) {
	return r.dom.Pending(id)
}

// RootTeam returns the team created at initialization.
func (r *Runtime) RootTeam() *Team { return r.root }
