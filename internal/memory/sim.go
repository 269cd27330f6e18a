package memory

import "sync"

// SimOptions carries the accelerator tuning flags a simulated space observes.
// Overlap flags control whether queued input/output copies complete in one
// poll turn (overlapped) or one per turn (serialized), which is what the real
// accelerator option toggles amount to from the scheduler's point of view.
type SimOptions struct {
	OverlapInputs  bool
	OverlapOutputs bool
}

// SimSpace is a capacity-limited separate address space backed by an
// in-process arena. Copies are asynchronous: each primitive enqueues a
// completion that PollCompletions later applies, which models an accelerator
// DMA engine without hardware. The resident image of a strided region is
// packed contiguously.
type SimSpace struct {
	id   SpaceID
	kind DeviceKind
	mem  *arena
	opts SimOptions

	mu      sync.Mutex
	pending []pendingCopy

	log transferLog
}

type pendingCopy struct {
	dir   TransferDir
	apply func()
}

// NewSimSpace creates a simulated device space with the given id and
// capacity. id must not be HostID.
func NewSimSpace(id SpaceID, kind DeviceKind, capacity uint64, opts SimOptions) *SimSpace {
	if id == HostID {
		panic("memory: SimSpace cannot use the host id")
	}
	return &SimSpace{id: id, kind: kind, mem: newArena(capacity), opts: opts}
}

func (s *SimSpace) ID() SpaceID      { return s.id }
func (s *SimSpace) Kind() DeviceKind { return s.kind }
func (s *SimSpace) Capacity() uint64 { return s.mem.capacity() }

func (s *SimSpace) Allocate(n uint64) (DevPtr, error) { return s.mem.allocate(n) }
func (s *SimSpace) Free(p DevPtr)                     { s.mem.release(p) }

// View returns the resident device bytes at [p, p+n). Task invocations use
// it to hand device-local views to user functions.
func (s *SimSpace) View(p DevPtr, n uint64) []byte {
	return s.mem.buf[p : uint64(p)+n : uint64(p)+n]
}

// LiveAllocations reports outstanding device allocations, used by shutdown
// checks.
func (s *SimSpace) LiveAllocations() int { return s.mem.live() }

func (s *SimSpace) enqueue(dir TransferDir, apply func()) {
	s.mu.Lock()
	s.pending = append(s.pending, pendingCopy{dir: dir, apply: apply})
	s.mu.Unlock()
}

func (s *SimSpace) CopyIn(dst DevPtr, src []byte, ops *CopyOps) {
	ops.AddOp()
	s.enqueue(DirIn, func() {
		copy(s.mem.buf[dst:], src)
		s.log.add(Transfer{Dir: DirIn, Peer: HostID, Bytes: uint64(len(src))})
		ops.CompleteOp()
	})
}

func (s *SimSpace) CopyOut(dst []byte, src DevPtr, ops *CopyOps) {
	ops.AddOp()
	s.enqueue(DirOut, func() {
		copy(dst, s.mem.buf[src:uint64(src)+uint64(len(dst))])
		s.log.add(Transfer{Dir: DirOut, Peer: HostID, Bytes: uint64(len(dst))})
		ops.CompleteOp()
	})
}

// CopyInStrided gathers a strided host image into the packed device
// allocation at dst.
func (s *SimSpace) CopyInStrided(dst DevPtr, src []byte, blockLen, count, stride uint64, ops *CopyOps) {
	ops.AddOp()
	s.enqueue(DirIn, func() {
		gather(s.mem.buf[dst:], src, blockLen, count, stride)
		s.log.add(Transfer{Dir: DirIn, Peer: HostID, Bytes: blockLen * count})
		ops.CompleteOp()
	})
}

// CopyOutStrided scatters the packed device allocation at src back into a
// strided host image.
func (s *SimSpace) CopyOutStrided(dst []byte, src DevPtr, blockLen, count, stride uint64, ops *CopyOps) {
	ops.AddOp()
	s.enqueue(DirOut, func() {
		scatter(dst, s.mem.buf[src:], blockLen, count, stride)
		s.log.add(Transfer{Dir: DirOut, Peer: HostID, Bytes: blockLen * count})
		ops.CompleteOp()
	})
}

// CopyPeer moves bytes to another space. Two simulated spaces have a direct
// peer path; any other destination is staged through a transient host buffer.
// Either way the transfer is one logical operation on ops: the caller issues
// one call and observes completions, not legs.
func (s *SimSpace) CopyPeer(dst AddressSpace, dstPtr, srcPtr DevPtr, n uint64, ops *CopyOps) {
	ops.AddOp()
	s.enqueue(DirPeer, func() {
		if peer, ok := dst.(*SimSpace); ok {
			copy(peer.mem.buf[dstPtr:], s.mem.buf[srcPtr:uint64(srcPtr)+n])
			s.log.add(Transfer{Dir: DirPeer, Peer: dst.ID(), Bytes: n})
			ops.CompleteOp()
			return
		}
		stage := make([]byte, n)
		copy(stage, s.mem.buf[srcPtr:uint64(srcPtr)+n])
		s.log.add(Transfer{Dir: DirPeer, Peer: dst.ID(), Bytes: n})
		dst.CopyIn(dstPtr, stage, ops)
		ops.CompleteOp()
	})
}

// PollCompletions applies queued completions. With overlap disabled for a
// direction, at most one queued copy of that direction completes per turn.
func (s *SimSpace) PollCompletions() int {
	s.mu.Lock()
	queue := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(queue) == 0 {
		return 0
	}

	done := 0
	var requeue []pendingCopy
	inDone, outDone := false, false
	for _, pc := range queue {
		serializeIn := pc.dir == DirIn && !s.opts.OverlapInputs && inDone
		serializeOut := pc.dir == DirOut && !s.opts.OverlapOutputs && outDone
		if serializeIn || serializeOut {
			requeue = append(requeue, pc)
			continue
		}
		pc.apply()
		done++
		switch pc.dir {
		case DirIn:
			inDone = true
		case DirOut:
			outDone = true
		}
	}
	if len(requeue) > 0 {
		s.mu.Lock()
		s.pending = append(requeue, s.pending...)
		s.mu.Unlock()
	}
	return done
}

// Transfers drains and returns the recorded transfer log.
func (s *SimSpace) Transfers() []Transfer { return s.log.drain() }
