package rt

import (
	"sync"
	"sync/atomic"
	"time"

	"taskrt/internal/core"
	"taskrt/internal/memory"
	"taskrt/internal/region"
)

// TaskFunc is the user function. It receives device-local views of the
// task's declared regions through the Invocation; pointers outside those
// views carry no coherence guarantee.
type TaskFunc func(*Invocation)

// TaskSpec describes a task at creation time. Copies attach separately (see
// Runtime.AttachCopies) so glue code can build the descriptor vector after
// the blob is laid out, mirroring the submission API split.
type TaskSpec struct {
	Fn       TaskFunc
	ArgSize  int
	ArgAlign int // natural alignment of the argument blob; 0 means 8
	Devices  []memory.DeviceKind
	// PolicySize reserves an opaque per-task blob for the schedule policy.
	PolicySize int
}

// Task is the unit of work: user function, argument blob, declared copies,
// device affinity, and lifecycle state. The backing storage is one
// contiguous allocation laid out as [args][device data...][policy data],
// each sub-block aligned to its natural alignment.
//
// Ownership: a task is uniquely owned by its current lifecycle holder
// (submission, waiting map, ready queue, or running worker). The directory
// and dependency trackers hold only the id.
type Task struct {
	id  core.TaskID
	fn  TaskFunc
	rt  *Runtime

	blob      []byte
	argOff    int
	argLen    int
	devOffs   []int
	devLen    int
	polOff    int
	polLen    int

	copies  []core.CopyDescriptor
	devices []memory.DeviceKind

	team     *Team
	parent   *Task
	children atomic.Int32

	mu           sync.Mutex
	state        State
	tied         core.WorkerID
	prefetchedBy core.WorkerID

	execStart time.Time
	retired   chan struct{}
	retire    sync.Once

	mem taskMem
}

// taskMem is the memory controller's per-execution scratch: the transfer
// unit, the execution space, and any staging the views need.
type taskMem struct {
	ops           *memory.CopyOps
	space         memory.AddressSpace
	views         [][]byte
	stagers       []stager
	release       [][]byte
	pendingValid  []region.Region
	pinned        []region.Region
	privateAllocs []memory.DevPtr
	holdTries     int
}

// stager defers a view writeback: host strided views scatter back into the
// slab, remote views copy back into the store.
type stager struct {
	copyIdx int
	buf     []byte
}

const defaultArgAlign = 8

// alignUp rounds n up to the next multiple of a (a must be a power of two).
func alignUp(n, a int) int { return (n + a - 1) &^ (a - 1) }

func newTask(rt *Runtime, id core.TaskID, spec TaskSpec, stackSize int) *Task {
	argAlign := spec.ArgAlign
	if argAlign <= 0 {
		argAlign = defaultArgAlign
	}
	devices := spec.Devices

	// Contiguous blob: args first, one scratch block per device, then the
	// policy blob, each aligned.
	off := alignUp(0, argAlign)
	argOff := off
	off += spec.ArgSize
	devOffs := make([]int, len(devices))
	for i := range devices {
		off = alignUp(off, 64)
		devOffs[i] = off
		off += stackSize
	}
	off = alignUp(off, defaultArgAlign)
	polOff := off
	off += spec.PolicySize

	return &Task{
		id:      id,
		fn:      spec.Fn,
		rt:      rt,
		blob:    make([]byte, off),
		argOff:  argOff,
		argLen:  spec.ArgSize,
		devOffs: devOffs,
		devLen:  stackSize,
		polOff:  polOff,
		polLen:  spec.PolicySize,
		devices: devices,
		tied:    core.NoWorker,
		prefetchedBy: core.NoWorker,
		state:   StateSubmitted,
		retired: make(chan struct{}),
	}
}

// ID returns the process-unique task id.
func (t *Task) ID() core.TaskID { return t.id }

// Args returns the task's argument blob for the caller to fill before
// submission and the task function to read during execution.
func (t *Task) Args() []byte { return t.blob[t.argOff : t.argOff+t.argLen] }

// DeviceData returns the i-th per-device scratch block.
func (t *Task) DeviceData(i int) []byte {
	off := t.devOffs[i]
	return t.blob[off : off+t.devLen]
}

// PolicyData returns the opaque policy blob.
func (t *Task) PolicyData() []byte { return t.blob[t.polOff : t.polOff+t.polLen] }

// Copies returns the attached copy descriptors.
func (t *Task) Copies() []core.CopyDescriptor { return t.copies }

// TieTo pins the task to a worker. A tied task never migrates; tie before
// submission.
func (t *Task) TieTo(w core.WorkerID) {
	t.mu.Lock()
	t.tied = w
	t.mu.Unlock()
}

// TaskID implements sched.Runnable.
func (t *Task) TaskID() core.TaskID { return t.id }

// TiedWorker implements sched.Runnable.
func (t *Task) TiedWorker() core.WorkerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tied
}

// DeviceCandidates implements sched.Runnable.
func (t *Task) DeviceCandidates() []memory.DeviceKind { return t.devices }

// Invocation is the execution context handed to the task function: views of
// the declared regions in the executing space, plus child submission and
// hierarchical wait.
type Invocation struct {
	task   *Task
	worker *worker
}

// Args returns the argument blob.
func (inv *Invocation) Args() []byte { return inv.task.Args() }

// Data returns the device-local bytes of the i-th declared copy. For
// strided regions the view is the packed payload (Count*Len bytes).
func (inv *Invocation) Data(i int) []byte { return inv.task.mem.views[i] }

// Worker reports the executing worker's id.
func (inv *Invocation) Worker() core.WorkerID { return inv.worker.id }

// Space reports the address space the task is executing against.
func (inv *Invocation) Space() memory.SpaceID { return inv.task.mem.space.ID() }

// Submit submits a child task: the child joins the parent's dependency
// domain and keeps the parent alive until the child itself retires.
func (inv *Invocation) Submit(t *Task) error {
	return inv.task.rt.submit(t, inv.task, nil)
}

// SubmitWithDeps is Submit with additional explicit point dependencies.
func (inv *Invocation) SubmitWithDeps(t *Task, deps []core.TaskID) error {
	return inv.task.rt.submit(t, inv.task, deps)
}

// Wait blocks until every child submitted by this task has retired. While
// blocked, the worker executes other ready team work instead of spinning.
func (inv *Invocation) Wait() {
	w := inv.worker
	for inv.task.children.Load() > 0 {
		if !w.tryRunOne() {
			w.rt.pollSpaces()
			w.relax()
		}
	}
}
