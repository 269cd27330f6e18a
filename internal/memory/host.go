package memory

// HostSpace is the host heap: one pre-allocated slab addressed directly by
// task copy descriptors. A DevPtr in the host space is simply the offset of
// the byte range; no residency table is needed because every tracked region
// is permanently backed by the slab.
//
// The slab doubles as the user-facing allocator: the runtime hands out
// regions from it with Allocate/Free so workloads can build argument data
// without touching process memory addresses.
type HostSpace struct {
	mem *arena
	log transferLog
}

// NewHostSpace creates the host space with an n-byte slab.
func NewHostSpace(n uint64) *HostSpace {
	return &HostSpace{mem: newArena(n)}
}

func (h *HostSpace) ID() SpaceID      { return HostID }
func (h *HostSpace) Kind() DeviceKind { return KindCPU }
func (h *HostSpace) Capacity() uint64 { return h.mem.capacity() }

// Allocate reserves n bytes from the slab.
func (h *HostSpace) Allocate(n uint64) (DevPtr, error) { return h.mem.allocate(n) }

// Free returns an allocation to the slab.
func (h *HostSpace) Free(p DevPtr) { h.mem.release(p) }

// View returns the live slab bytes at [off, off+n). The caller must respect
// the coherence protocol; View performs no synchronization of its own.
func (h *HostSpace) View(off, n uint64) []byte {
	return h.mem.buf[off : off+n : off+n]
}

// CopyIn on the host is a plain memmove: the "device" is the slab itself.
// The completion still flows through ops so callers observe one protocol.
func (h *HostSpace) CopyIn(dst DevPtr, src []byte, ops *CopyOps) {
	ops.AddOp()
	copy(h.mem.buf[dst:], src)
	h.log.add(Transfer{Dir: DirIn, Peer: HostID, Bytes: uint64(len(src))})
	ops.CompleteOp()
}

func (h *HostSpace) CopyOut(dst []byte, src DevPtr, ops *CopyOps) {
	ops.AddOp()
	copy(dst, h.mem.buf[src:uint64(src)+uint64(len(dst))])
	h.log.add(Transfer{Dir: DirOut, Peer: HostID, Bytes: uint64(len(dst))})
	ops.CompleteOp()
}

func (h *HostSpace) CopyInStrided(dst DevPtr, src []byte, blockLen, count, stride uint64, ops *CopyOps) {
	ops.AddOp()
	scatter(h.mem.buf[dst:], src, blockLen, count, stride)
	h.log.add(Transfer{Dir: DirIn, Peer: HostID, Bytes: blockLen * count})
	ops.CompleteOp()
}

func (h *HostSpace) CopyOutStrided(dst []byte, src DevPtr, blockLen, count, stride uint64, ops *CopyOps) {
	ops.AddOp()
	gather(dst, h.mem.buf[src:], blockLen, count, stride)
	h.log.add(Transfer{Dir: DirOut, Peer: HostID, Bytes: blockLen * count})
	ops.CompleteOp()
}

// CopyPeer pushes host bytes into the destination space.
func (h *HostSpace) CopyPeer(dst AddressSpace, dstPtr, srcPtr DevPtr, n uint64, ops *CopyOps) {
	dst.CopyIn(dstPtr, h.View(uint64(srcPtr), n), ops)
}

// PollCompletions is a no-op for the host: host copies complete inline.
func (h *HostSpace) PollCompletions() int { return 0 }

// Transfers drains and returns the recorded transfer log.
func (h *HostSpace) Transfers() []Transfer { return h.log.drain() }

// LiveAllocations reports outstanding slab allocations, used by shutdown
// checks.
func (h *HostSpace) LiveAllocations() int { return h.mem.live() }
