package rt

import (
	"sync"
	"sync/atomic"

	"taskrt/internal/directory"
	"taskrt/internal/memory"
	"taskrt/internal/region"
)

// resCache tracks which declared regions are resident in one separate
// address space and where. Allocation granularity is the declared region:
// a contiguous region occupies its span, a strided region its packed
// payload. Lookups resolve sub-ranges of contiguous allocations; strided
// allocations match exactly (packed offsets do not map to span offsets).
//
// Entries pinned by an in-flight task are never eviction candidates; the
// directory's reader set protects completed copies, the pin protects copies
// a task is about to write.
type resCache struct {
	space memory.AddressSpace

	mu      sync.Mutex
	entries []*resEntry
	clock   atomic.Uint64
}

type resEntry struct {
	region  region.Region
	ptr     memory.DevPtr
	lastUse uint64
	pins    int
}

func newResCache(space memory.AddressSpace) *resCache {
	return &resCache{space: space}
}

// lookup resolves r to a device pointer inside an existing allocation.
//
// Allocations within a space never overlap (the controller stages
// overlapping predecessors back to the host first), so a covering entry is
// unique.
func (c *resCache) lookup(r region.Region) (memory.DevPtr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tick := c.clock.Add(1)
	for _, e := range c.entries {
		if e.region == r {
			e.lastUse = tick
			return e.ptr, true
		}
		if e.region.Contiguous() && r.Contiguous() && e.region.Contains(r) {
			e.lastUse = tick
			return e.ptr + memory.DevPtr(r.Base-e.region.Base), true
		}
	}
	return memory.InvalidPtr, false
}

// allocate reserves device memory for r and records the entry. It does not
// evict; the memory controller owns eviction policy.
func (c *resCache) allocate(r region.Region) (memory.DevPtr, error) {
	p, err := c.space.Allocate(allocBytes(r))
	if err != nil {
		return memory.InvalidPtr, err
	}
	c.mu.Lock()
	c.entries = append(c.entries, &resEntry{region: r, ptr: p, lastUse: c.clock.Add(1)})
	c.mu.Unlock()
	return p, nil
}

// allocBytes is the device footprint of a region: packed payload for
// strided shapes, span for contiguous ones.
func allocBytes(r region.Region) uint64 {
	if r.Contiguous() {
		return r.Span()
	}
	return r.Bytes()
}

// pin protects the covering allocation of r from eviction.
func (c *resCache) pin(r region.Region) {
	c.mu.Lock()
	if e := c.coveringLocked(r); e != nil {
		e.pins++
	}
	c.mu.Unlock()
}

// unpin releases one pin of r's covering allocation.
func (c *resCache) unpin(r region.Region) {
	c.mu.Lock()
	if e := c.coveringLocked(r); e != nil && e.pins > 0 {
		e.pins--
	}
	c.mu.Unlock()
}

func (c *resCache) coveringLocked(r region.Region) *resEntry {
	for _, e := range c.entries {
		if e.region == r {
			return e
		}
		if e.region.Contiguous() && r.Contiguous() && e.region.Contains(r) {
			return e
		}
	}
	return nil
}

// overlapping returns the entries whose regions overlap r. The memory
// controller must retire them before allocating r fresh.
func (c *resCache) overlapping(r region.Region) []*resEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*resEntry
	for _, e := range c.entries {
		if e.region.Overlaps(r) {
			out = append(out, e)
		}
	}
	return out
}

// lruEntries returns the unpinned entries ordered least recently used
// first.
func (c *resCache) lruEntries() []*resEntry {
	c.mu.Lock()
	out := make([]*resEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.pins == 0 {
			out = append(out, e)
		}
	}
	c.mu.Unlock()
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].lastUse < out[i].lastUse {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// evictOne frees the least recently used unpinned allocation whose region
// the directory already allows dropping (another space holds the data).
// Reports false when nothing qualifies.
func (c *resCache) evictOne(dir *directory.Directory, evicted func(region.Region)) bool {
	for _, e := range c.lruEntries() {
		if err := dir.TryEvict(e.region, c.space.ID()); err != nil {
			continue
		}
		c.drop(e)
		if evicted != nil {
			evicted(e.region)
		}
		return true
	}
	return false
}

// drop removes an entry and frees its device memory. The caller is
// responsible for directory bookkeeping.
func (c *resCache) drop(e *resEntry) {
	c.remove(e)
	c.space.Free(e.ptr)
}

func (c *resCache) remove(target *resEntry) {
	c.mu.Lock()
	for i, e := range c.entries {
		if e == target {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// releaseAll frees every allocation, for shutdown.
func (c *resCache) releaseAll() {
	c.mu.Lock()
	entries := c.entries
	c.entries = nil
	c.mu.Unlock()
	for _, e := range entries {
		c.space.Free(e.ptr)
	}
}

// len reports live allocations.
func (c *resCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
