package rt

import (
	"fmt"
	"time"

	"taskrt/internal/core"
	"taskrt/internal/directory"
	"taskrt/internal/memory"
	"taskrt/internal/region"
	"taskrt/internal/trace"
)

// memController is the per-worker data-movement planner: it resolves input
// locations through the directory, schedules copies into the worker's
// space, allocates outputs, and publishes new versions on completion.
//
// Lock discipline: the controller consults the directory and releases every
// directory lock before issuing any copy.
type memController struct {
	rt *Runtime
	w  *worker
}

// prepare runs Plan + Allocate + Transfer for t in the worker's space.
//
// errHold is returned when device memory is exhausted and nothing is
// evictable right now; the worker parks the task and retries. retry marks a
// Held task re-entering allocation.
func (mc *memController) prepare(t *Task, retry bool) error {
	from := StateReady
	if retry {
		from = StateHeld
	}
	if err := t.transition(from, StateAllocating); err != nil {
		return err
	}

	space := mc.w.space
	t.mem = taskMem{
		ops:       new(memory.CopyOps),
		space:     space,
		views:     make([][]byte, len(t.copies)),
		holdTries: t.mem.holdTries,
	}

	// Allocate first: every region needs a resident footprint before any
	// transfer can target it. A failed allocation parks the whole task:
	// region allocations stay in the per-space cache and are reused on
	// retry, while pins and private scratch allocations are released.
	type pendingAlloc struct {
		copyIdx int
		ptr     memory.DevPtr
	}
	var allocs []pendingAlloc
	if space.ID() != memory.HostID {
		cache := mc.rt.caches[space.ID()]
		for i, cd := range t.copies {
			if cd.Private {
				// Private scratch never enters the shared residency cache
				// or the directory; it is allocated raw and freed at
				// completion.
				ptr, err := mc.allocateRaw(cache, allocBytes(cd.Region))
				if err != nil {
					return mc.hold(t)
				}
				t.mem.privateAllocs = append(t.mem.privateAllocs, ptr)
				allocs = append(allocs, pendingAlloc{copyIdx: i, ptr: ptr})
				continue
			}
			ptr, err := mc.acquireRegion(t, cache, cd.Region)
			if err != nil {
				return mc.hold(t)
			}
			cache.pin(cd.Region)
			t.mem.pinned = append(t.mem.pinned, cd.Region)
			allocs = append(allocs, pendingAlloc{copyIdx: i, ptr: ptr})
		}
	} else {
		// Host execution: tracked regions live in the slab already; only
		// private scratch needs an allocation.
		for i, cd := range t.copies {
			if !cd.Private {
				continue
			}
			ptr, err := mc.rt.host.Allocate(allocBytes(cd.Region))
			if err != nil {
				// The host heap cannot be evicted; exhaustion is fatal.
				mc.rt.fatal(fmt.Errorf("%w: %d bytes for %v", ErrOutOfHostMemory, allocBytes(cd.Region), t.id))
			}
			t.mem.privateAllocs = append(t.mem.privateAllocs, ptr)
			allocs = append(allocs, pendingAlloc{copyIdx: i, ptr: ptr})
		}
	}
	t.mem.holdTries = 0
	mc.rt.record(trace.Event{Kind: trace.EventAllocated, Task: t.id, Worker: mc.w.id, Space: space.ID(), At: time.Now()})

	if err := t.transition(StateAllocating, StateTransferring); err != nil {
		return err
	}
	mc.rt.record(trace.Event{Kind: trace.EventTransferStart, Task: t.id, Worker: mc.w.id, Space: space.ID(), At: time.Now()})

	// Plan and issue the read-side transfers. Output-only regions need no
	// copy, only the allocation above and a version bump at completion.
	ptrOf := func(i int) memory.DevPtr {
		for _, a := range allocs {
			if a.copyIdx == i {
				return a.ptr
			}
		}
		return memory.InvalidPtr
	}
	for i, cd := range t.copies {
		if cd.Private {
			mc.stagePrivateView(t, i, ptrOf(i))
			continue
		}
		if !cd.Mode.Reads() {
			continue
		}
		if err := mc.issueReads(t, cd, ptrOf(i)); err != nil {
			mc.rt.fatal(err)
		}
	}
	return nil
}

// acquireRegion returns a device pointer for r in this worker's space,
// allocating fresh storage if needed. Overlapping older allocations go back
// to the host first, keeping per-space allocations disjoint. On pressure it
// evicts unpinned allocations, cheapest first: copies another space already
// holds are dropped outright, last copies are written back to the host and
// then dropped. memory.ErrOutOfMemory means nothing more can give.
func (mc *memController) acquireRegion(t *Task, cache *resCache, r region.Region) (memory.DevPtr, error) {
	if p, ok := cache.lookup(r); ok {
		return p, nil
	}
	if err := mc.retireOverlapping(cache, r); err != nil {
		return memory.InvalidPtr, err
	}
	for {
		p, err := cache.allocate(r)
		if err == nil {
			return p, nil
		}
		if !mc.evictSomething(cache, t) {
			return memory.InvalidPtr, err
		}
	}
}

// allocateRaw allocates outside the residency cache (private scratch),
// evicting cached regions under pressure.
func (mc *memController) allocateRaw(cache *resCache, n uint64) (memory.DevPtr, error) {
	for {
		p, err := mc.w.space.Allocate(n)
		if err == nil {
			return p, nil
		}
		if !mc.evictSomething(cache, nil) {
			return memory.InvalidPtr, err
		}
	}
}

// evictSomething frees one allocation from the space. It prefers regions
// another space already holds; failing that it writes the least recently
// used last copy back to the host and drops it.
func (mc *memController) evictSomething(cache *resCache, t *Task) bool {
	onEvict := func(r region.Region) {
		mc.rt.obs.Eviction()
		var id core.TaskID
		if t != nil {
			id = t.id
		}
		mc.rt.record(trace.Event{Kind: trace.EventEvicted, Task: id, Worker: mc.w.id, Space: mc.w.space.ID(), Detail: r.String(), At: time.Now()})
	}
	if cache.evictOne(mc.rt.dir, onEvict) {
		return true
	}
	for _, e := range cache.lruEntries() {
		if mc.rt.dir.HasReaders(e.region) {
			continue
		}
		if err := mc.ensureHostCurrent(e.region); err != nil {
			mc.rt.fatal(err)
		}
		if err := mc.rt.dir.TryEvict(e.region, mc.w.space.ID()); err != nil {
			continue
		}
		cache.drop(e)
		onEvict(e.region)
		return true
	}
	return false
}

func (mc *memController) hold(t *Task) error {
	mc.unpinAll(t)
	for _, ptr := range t.mem.privateAllocs {
		mc.w.space.Free(ptr)
	}
	t.mem.privateAllocs = nil
	t.mem.holdTries++
	if t.mem.holdTries > maxHoldTries {
		mc.rt.fatal(fmt.Errorf("%w: task %v after %d attempts", ErrMemoryExhausted, t.id, t.mem.holdTries))
	}
	if err := t.transition(StateAllocating, StateHeld); err != nil {
		return err
	}
	mc.rt.obs.OOMHeld()
	mc.rt.record(trace.Event{Kind: trace.EventHeld, Task: t.id, Worker: mc.w.id, Space: mc.w.space.ID(), At: time.Now()})
	return errHold
}

const maxHoldTries = 1 << 14

// retireOverlapping pushes the current contents of allocations overlapping
// r back to the host, invalidates them for this space, and frees them. A
// pinned or actively read allocation parks the requester instead.
func (mc *memController) retireOverlapping(cache *resCache, r region.Region) error {
	overlaps := cache.overlapping(r)
	if len(overlaps) == 0 {
		return nil
	}
	space := mc.w.space
	for _, e := range overlaps {
		if e.pins > 0 || mc.rt.dir.HasReaders(e.region) {
			return memory.ErrOutOfMemory
		}
		if err := mc.ensureHostCurrent(e.region); err != nil {
			mc.rt.fatal(err)
		}
		if err := mc.rt.dir.Invalidate(e.region, space.ID()); err != nil {
			mc.rt.fatal(fmt.Errorf("retiring overlap %v from space %d: %w", e.region, space.ID(), err))
		}
		cache.drop(e)
	}
	return nil
}

// unpinAll releases the eviction pins a task holds.
func (mc *memController) unpinAll(t *Task) {
	if t.mem.space == nil || t.mem.space.ID() == memory.HostID {
		return
	}
	cache := mc.rt.caches[t.mem.space.ID()]
	for _, r := range t.mem.pinned {
		cache.unpin(r)
	}
	t.mem.pinned = nil
}

// ensureHostCurrent synchronously brings every fragment of r the host is
// missing down from its holder and marks the host valid. Strided regions
// move whole (their packed device image has no per-fragment addressing).
func (mc *memController) ensureHostCurrent(r region.Region) error {
	plan, err := mc.rt.dir.Locate(r, memory.HostID)
	if err != nil {
		return err
	}
	if len(plan) == 0 {
		return nil
	}
	var ops memory.CopyOps
	if !r.Contiguous() {
		src := plan[0].Src
		for _, p := range plan {
			if p.Src != src {
				return fmt.Errorf("strided region %v has fragmented sources (%d and %d); strided regions must stay whole", r, src, p.Src)
			}
		}
		srcPtr, ok := mc.srcPtr(src, r)
		if !ok {
			return fmt.Errorf("%w: strided region %v claimed valid in space %d but not resident", directory.ErrInvariant, r, src)
		}
		mc.rt.spaces[src].CopyOutStrided(mc.rt.host.View(r.Base, r.Span()), srcPtr, r.Len, r.Count, r.Stride, &ops)
		mc.rt.obs.CopyDone("out", r.Bytes())
	} else {
		for _, p := range plan {
			frag := p.Region
			srcPtr, ok := mc.srcPtr(p.Src, frag)
			if !ok {
				return fmt.Errorf("%w: fragment %v claimed valid in space %d but not resident", directory.ErrInvariant, frag, p.Src)
			}
			mc.rt.spaces[p.Src].CopyOut(mc.rt.host.View(frag.Base, frag.Len), srcPtr, &ops)
			mc.rt.obs.CopyDone("out", frag.Len)
		}
	}
	for !ops.Done() {
		mc.rt.pollSpaces()
		mc.w.relax()
	}
	mc.rt.dir.MarkValid(r, memory.HostID)
	return nil
}

// issueReads plans and launches the copies that make a copy's region valid
// in the execution space.
func (mc *memController) issueReads(t *Task, cd core.CopyDescriptor, dst memory.DevPtr) error {
	space := t.mem.space
	target := space.ID()
	r := cd.Region

	plan, err := mc.rt.dir.Locate(r, target)
	if err != nil {
		return err
	}
	if len(plan) == 0 {
		return nil
	}
	if !r.Contiguous() {
		return mc.issueStrided(t, cd, dst, plan)
	}

	for _, p := range plan {
		frag := p.Region
		switch {
		case target == memory.HostID:
			// Pull the fragment down from whichever space holds it.
			src := mc.rt.spaces[p.Src]
			srcPtr, ok := mc.srcPtr(p.Src, frag)
			if !ok {
				return fmt.Errorf("%w: fragment %v claimed valid in space %d but not resident", directory.ErrInvariant, frag, p.Src)
			}
			src.CopyOut(mc.rt.host.View(frag.Base, frag.Len), srcPtr, t.mem.ops)
			mc.rt.obs.CopyDone("out", frag.Len)

		case p.Src == memory.HostID:
			space.CopyIn(dst+memory.DevPtr(frag.Base-r.Base), mc.rt.host.View(frag.Base, frag.Len), t.mem.ops)
			mc.rt.obs.CopyDone("in", frag.Len)

		default:
			// Peer transfer from another space holding the current
			// version (Locate never plans the target as a source).
			src := mc.rt.spaces[p.Src]
			srcPtr, ok := mc.srcPtr(p.Src, frag)
			if !ok {
				return fmt.Errorf("%w: fragment %v claimed valid in space %d but not resident", directory.ErrInvariant, frag, p.Src)
			}
			src.CopyPeer(space, dst+memory.DevPtr(frag.Base-r.Base), srcPtr, frag.Len, t.mem.ops)
			mc.rt.obs.CopyDone("peer", frag.Len)
		}
	}
	mc.noteValid(t, plan)
	return nil
}

// issueStrided moves a whole strided region. Strided transfers route
// between a separate space's packed image and the host's strided image; the
// plan must therefore name a single logical source.
func (mc *memController) issueStrided(t *Task, cd core.CopyDescriptor, dst memory.DevPtr, plan []directory.CopyPlan) error {
	space := t.mem.space
	r := cd.Region
	src := plan[0].Src
	for _, p := range plan {
		if p.Src != src {
			return fmt.Errorf("strided region %v has fragmented sources (%d and %d); strided regions must stay whole", r, src, p.Src)
		}
	}

	switch {
	case space.ID() != memory.HostID && src == memory.HostID:
		space.CopyInStrided(dst, mc.rt.host.View(r.Base, r.Span()), r.Len, r.Count, r.Stride, t.mem.ops)
		mc.rt.obs.CopyDone("in", r.Bytes())
	case space.ID() == memory.HostID:
		srcSpace := mc.rt.spaces[src]
		srcPtr, ok := mc.srcPtr(src, r)
		if !ok {
			return fmt.Errorf("%w: strided region %v claimed valid in space %d but not resident", directory.ErrInvariant, r, src)
		}
		srcSpace.CopyOutStrided(mc.rt.host.View(r.Base, r.Span()), srcPtr, r.Len, r.Count, r.Stride, t.mem.ops)
		mc.rt.obs.CopyDone("out", r.Bytes())
	default:
		// Device to device: stage through the host, then ship the strided
		// image in. The synchronous host refresh keeps this one logical
		// transfer from the task's point of view.
		if err := mc.ensureHostCurrent(r); err != nil {
			return err
		}
		space.CopyInStrided(dst, mc.rt.host.View(r.Base, r.Span()), r.Len, r.Count, r.Stride, t.mem.ops)
		mc.rt.obs.CopyDone("in", r.Bytes())
	}
	mc.noteValid(t, plan)
	return nil
}

// srcPtr resolves a fragment to its device pointer in a source space.
func (mc *memController) srcPtr(s memory.SpaceID, frag region.Region) (memory.DevPtr, bool) {
	cache, ok := mc.rt.caches[s]
	if !ok {
		return memory.InvalidPtr, false
	}
	return cache.lookup(frag)
}

// noteValid remembers fragments to mark valid in the directory once the
// transfer unit drains.
func (mc *memController) noteValid(t *Task, plan []directory.CopyPlan) {
	for _, p := range plan {
		t.mem.pendingValid = append(t.mem.pendingValid, p.Region)
	}
}

// execute waits for the transfer unit to drain, builds the device-local
// views, registers the task as a reader of its inputs, and invokes the user
// function.
func (mc *memController) execute(t *Task) {
	for !t.mem.ops.Done() {
		mc.rt.pollSpaces()
		mc.w.relax()
	}
	for _, r := range t.mem.pendingValid {
		mc.rt.dir.MarkValid(r, t.mem.space.ID())
	}
	t.mem.pendingValid = nil
	mc.rt.record(trace.Event{Kind: trace.EventTransferDone, Task: t.id, Worker: mc.w.id, Space: t.mem.space.ID(), At: time.Now()})

	mc.buildViews(t)
	for _, cd := range t.copies {
		if cd.Private || cd.Mode != core.In {
			continue
		}
		if err := mc.rt.dir.RegisterReader(cd.Region, t.id, t.mem.space.ID()); err != nil {
			mc.rt.fatal(err)
		}
	}

	if err := t.transition(StateTransferring, StateExecuting); err != nil {
		mc.rt.fatal(err)
	}
	t.execStart = time.Now()
	mc.rt.record(trace.Event{Kind: trace.EventExecuteStart, Task: t.id, Worker: mc.w.id, Space: t.mem.space.ID(), At: t.execStart})

	if t.fn != nil {
		t.fn(&Invocation{task: t, worker: mc.w})
	}

	mc.rt.record(trace.Event{Kind: trace.EventExecuteEnd, Task: t.id, Worker: mc.w.id, Space: t.mem.space.ID(), At: time.Now()})
	if err := t.transition(StateExecuting, StateCompleting); err != nil {
		mc.rt.fatal(err)
	}
}

// buildViews materializes the per-copy byte views the task function sees.
func (mc *memController) buildViews(t *Task) {
	space := t.mem.space
	for i, cd := range t.copies {
		if t.mem.views[i] != nil {
			continue // private views staged during prepare
		}
		r := cd.Region
		switch s := space.(type) {
		case *memory.HostSpace:
			if r.Contiguous() {
				t.mem.views[i] = s.View(r.Base, r.Len)
				continue
			}
			// Strided host view: gather the blocks into a pack buffer so
			// the function sees the payload contiguously, scatter back on
			// completion for written regions.
			buf := mc.rt.pack.Acquire(r.Bytes())
			var ops memory.CopyOps
			s.CopyOutStrided(buf, memory.DevPtr(r.Base), r.Len, r.Count, r.Stride, &ops)
			t.mem.views[i] = buf
			if cd.Mode.Writes() {
				t.mem.stagers = append(t.mem.stagers, stager{copyIdx: i, buf: buf})
			} else {
				t.mem.release = append(t.mem.release, buf)
			}

		case *memory.SimSpace:
			ptr, _ := mc.rt.caches[space.ID()].lookup(r)
			t.mem.views[i] = s.View(ptr, allocBytes(r))

		default:
			// Remote execution model: the function runs against a local
			// staging image of the remote allocation.
			buf := make([]byte, allocBytes(r))
			if cd.Mode.Reads() {
				var ops memory.CopyOps
				ptr, _ := mc.rt.caches[space.ID()].lookup(r)
				space.CopyOut(buf, ptr, &ops)
				for !ops.Done() {
					space.PollCompletions()
					mc.w.relax()
				}
			}
			t.mem.views[i] = buf
			if cd.Mode.Writes() {
				t.mem.stagers = append(t.mem.stagers, stager{copyIdx: i, buf: buf})
			}
		}
	}
}

// stagePrivateView allocates scratch for a private copy during prepare.
func (mc *memController) stagePrivateView(t *Task, i int, ptr memory.DevPtr) {
	r := t.copies[i].Region
	switch s := t.mem.space.(type) {
	case *memory.HostSpace:
		t.mem.views[i] = s.View(uint64(ptr), allocBytes(r))
	case *memory.SimSpace:
		t.mem.views[i] = s.View(ptr, allocBytes(r))
	default:
		t.mem.views[i] = make([]byte, allocBytes(r))
	}
}

// complete publishes outputs, releases reader registrations, completes the
// task in the dependency domain (releasing successors), and retires the
// task if it has no live children.
func (mc *memController) complete(t *Task) {
	space := t.mem.space

	// Write-backs first: staged views must land before the new version is
	// published.
	for _, st := range t.mem.stagers {
		r := t.copies[st.copyIdx].Region
		switch s := space.(type) {
		case *memory.HostSpace:
			var ops memory.CopyOps
			s.CopyInStrided(memory.DevPtr(r.Base), st.buf, r.Len, r.Count, r.Stride, &ops)
			mc.rt.pack.Release(st.buf)
		default:
			ptr, _ := mc.rt.caches[space.ID()].lookup(r)
			var ops memory.CopyOps
			space.CopyIn(ptr, st.buf, &ops)
			for !ops.Done() {
				space.PollCompletions()
				mc.w.relax()
			}
		}
	}
	for _, buf := range t.mem.release {
		mc.rt.pack.Release(buf)
	}
	t.mem.stagers = nil
	t.mem.release = nil

	for _, cd := range t.copies {
		if cd.Private {
			continue
		}
		if cd.Mode.Writes() {
			mc.rt.dir.Publish(cd.Region, t.id, space.ID())
			mc.rt.record(trace.Event{Kind: trace.EventPublished, Task: t.id, Worker: mc.w.id, Space: space.ID(), At: time.Now()})
		} else {
			mc.rt.dir.UnregisterReader(cd.Region, t.id)
		}
	}
	for _, ptr := range t.mem.privateAllocs {
		space.Free(ptr)
	}
	t.mem.privateAllocs = nil
	mc.unpinAll(t)

	if err := t.transition(StateCompleting, StateDone); err != nil {
		mc.rt.fatal(err)
	}
	mc.rt.obs.TaskDone(time.Since(t.execStart))
	mc.rt.record(trace.Event{Kind: trace.EventDone, Task: t.id, Worker: mc.w.id, Space: space.ID(), At: time.Now()})

	if err := mc.rt.dom.Complete(t.id); err != nil {
		mc.rt.fatal(err)
	}
	if t.children.Load() == 0 {
		mc.rt.retireTask(t)
	}
}
