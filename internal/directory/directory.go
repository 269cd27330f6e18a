// Package directory implements the multi-address-space coherence database:
// for every tracked region it records which address spaces hold which
// version, decides the source for any needed copy, and drives eviction
// decisions.
//
// The directory is keyed by region with a fragmenting interval tree:
// touching a sub-range of an existing entry splits the entry, so every byte
// has exactly one authoritative record. Structural operations (split,
// insert) run under the tree's write lock; field updates run under per-entry
// mutexes. No directory lock is ever held across a copy.
package directory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"taskrt/internal/core"
	"taskrt/internal/memory"
	"taskrt/internal/region"
)

// ErrInvariant reports a state in which no address space holds the current
// version of an entry. It indicates a bug and is fatal.
var ErrInvariant = errors.New("directory invariant violation")

// ErrStaleCopy is returned when a reader registers against a space that does
// not hold the current version.
var ErrStaleCopy = errors.New("space does not hold the current version")

// ErrLastCopy is returned when an invalidation would drop the only valid
// copy of an entry.
var ErrLastCopy = errors.New("cannot invalidate the last valid copy")

// CopyPlan is one transfer the memory controller must issue to make a
// fragment valid in a target space.
type CopyPlan struct {
	Region  region.Region
	Src     memory.SpaceID
	Version uint64
}

// entry is the authoritative coherence record for one contiguous fragment.
//
// Invariant: while the entry exists, at least one space holds version.
type entry struct {
	mu sync.Mutex

	region    region.Region // contiguous; spans never overlap across entries
	version   uint64
	locations map[memory.SpaceID]uint64
	writer    core.TaskID
	hasWriter bool
	readers   map[core.TaskID]struct{}

	lastUse uint64 // LRU tick, for eviction ordering
}

func (e *entry) validIn(s memory.SpaceID) bool {
	v, ok := e.locations[s]
	return ok && v == e.version
}

// Directory is the coherence database. The zero value is not usable; call
// New.
type Directory struct {
	mu      sync.RWMutex
	entries []*entry // sorted by region.Base, spans disjoint
	clock   atomic.Uint64
}

// New creates an empty directory.
func New() *Directory { return &Directory{} }

func (d *Directory) tick() uint64 { return d.clock.Add(1) }

// ensure makes the tree cover r's span with entries whose bounds nest inside
// r or lie entirely outside it, splitting and creating as needed. New
// fragments start at version zero with the host as the only holder: the host
// slab backs every tracked byte from the start.
//
// Caller must hold d.mu for writing.
func (d *Directory) ensureLocked(r region.Region) {
	span := region.New(r.Base, r.Span())
	// Split existing entries crossing the bounds of span.
	d.splitAtLocked(span.Base)
	d.splitAtLocked(span.End())
	// Fill gaps inside span with fresh host-resident entries.
	var fresh []*entry
	cursor := span.Base
	for _, e := range d.entries {
		if e.region.End() <= span.Base || e.region.Base >= span.End() {
			continue
		}
		if e.region.Base > cursor {
			fresh = append(fresh, newEntry(region.New(cursor, e.region.Base-cursor)))
		}
		cursor = e.region.End()
	}
	if cursor < span.End() {
		fresh = append(fresh, newEntry(region.New(cursor, span.End()-cursor)))
	}
	if len(fresh) > 0 {
		d.entries = append(d.entries, fresh...)
		sort.Slice(d.entries, func(i, j int) bool { return d.entries[i].region.Base < d.entries[j].region.Base })
	}
}

func newEntry(r region.Region) *entry {
	return &entry{
		region:    r,
		locations: map[memory.SpaceID]uint64{memory.HostID: 0},
		readers:   make(map[core.TaskID]struct{}),
	}
}

// splitAtLocked splits the entry containing byte addr (if any) so that addr
// becomes an entry boundary. Both halves inherit the coherence state.
func (d *Directory) splitAtLocked(addr uint64) {
	for i, e := range d.entries {
		if e.region.Base < addr && addr < e.region.End() {
			left := e.region.Base
			right := e.region.End()
			e.mu.Lock()
			tail := &entry{
				region:    region.New(addr, right-addr),
				version:   e.version,
				locations: make(map[memory.SpaceID]uint64, len(e.locations)),
				writer:    e.writer,
				hasWriter: e.hasWriter,
				readers:   make(map[core.TaskID]struct{}, len(e.readers)),
				lastUse:   e.lastUse,
			}
			for s, v := range e.locations {
				tail.locations[s] = v
			}
			for t := range e.readers {
				tail.readers[t] = struct{}{}
			}
			e.region = region.New(left, addr-left)
			e.mu.Unlock()
			d.entries = append(d.entries, nil)
			copy(d.entries[i+2:], d.entries[i+1:])
			d.entries[i+1] = tail
			return
		}
	}
}

// covering returns the entries whose spans intersect r, ensuring coverage
// first.
func (d *Directory) covering(r region.Region) []*entry {
	d.mu.Lock()
	d.ensureLocked(r)
	span := region.New(r.Base, r.Span())
	var out []*entry
	for _, e := range d.entries {
		if e.region.Overlaps(span) {
			out = append(out, e)
		}
	}
	d.mu.Unlock()
	return out
}

// Locate returns the copy plan needed to make r valid in target. An empty
// plan means every covering fragment is already resident at its current
// version.
//
// Source preference per fragment: the host if it holds the current version,
// otherwise any peer holding it. A fragment with no holder of the current
// version violates the directory invariant and fails.
func (d *Directory) Locate(r region.Region, target memory.SpaceID) ([]CopyPlan, error) {
	tick := d.tick()
	var plan []CopyPlan
	for _, e := range d.covering(r) {
		e.mu.Lock()
		e.lastUse = tick
		if e.validIn(target) {
			e.mu.Unlock()
			continue
		}
		src, ok := e.pickSourceLocked(target)
		if !ok {
			v := e.version
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: no space holds version %d of %v", ErrInvariant, v, e.region)
		}
		plan = append(plan, CopyPlan{Region: e.region, Src: src, Version: e.version})
		e.mu.Unlock()
	}
	return plan, nil
}

// LocateAll is Locate for a target with no resident allocation: it plans a
// copy for every covering fragment, preferring the target itself when it
// already holds the current version (a partial local copy beats any
// transfer), then the host, then any peer.
func (d *Directory) LocateAll(r region.Region, target memory.SpaceID) ([]CopyPlan, error) {
	tick := d.tick()
	var plan []CopyPlan
	for _, e := range d.covering(r) {
		e.mu.Lock()
		e.lastUse = tick
		if e.validIn(target) {
			plan = append(plan, CopyPlan{Region: e.region, Src: target, Version: e.version})
			e.mu.Unlock()
			continue
		}
		src, ok := e.pickSourceLocked(target)
		if !ok {
			v := e.version
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: no space holds version %d of %v", ErrInvariant, v, e.region)
		}
		plan = append(plan, CopyPlan{Region: e.region, Src: src, Version: e.version})
		e.mu.Unlock()
	}
	return plan, nil
}

func (e *entry) pickSourceLocked(target memory.SpaceID) (memory.SpaceID, bool) {
	if e.validIn(memory.HostID) {
		return memory.HostID, true
	}
	var best memory.SpaceID
	found := false
	for s, v := range e.locations {
		if v != e.version || s == target {
			continue
		}
		if !found || s < best {
			best = s
			found = true
		}
	}
	return best, found
}

// Publish atomically records that writer produced the next version of r in
// space: each covering fragment's version is bumped, its location set
// collapses to the completing space, and its reader set is cleared (live
// readers of the previous version are already ordered before the writer by
// the dependency domain).
func (d *Directory) Publish(r region.Region, writer core.TaskID, space memory.SpaceID) {
	tick := d.tick()
	for _, e := range d.covering(r) {
		e.mu.Lock()
		e.version++
		e.locations = map[memory.SpaceID]uint64{space: e.version}
		e.writer = writer
		e.hasWriter = true
		e.readers = make(map[core.TaskID]struct{})
		e.lastUse = tick
		e.mu.Unlock()
	}
}

// MarkValid records that space now holds the current version of r (a
// completed read-side transfer). It does not bump the version.
func (d *Directory) MarkValid(r region.Region, space memory.SpaceID) {
	for _, e := range d.covering(r) {
		e.mu.Lock()
		e.locations[space] = e.version
		e.mu.Unlock()
	}
}

// RegisterReader records task as an active reader of r resident in space.
// The space must hold the current version of every covering fragment.
// The reader set is consulted only for eviction decisions.
func (d *Directory) RegisterReader(r region.Region, task core.TaskID, space memory.SpaceID) error {
	tick := d.tick()
	for _, e := range d.covering(r) {
		e.mu.Lock()
		if !e.validIn(space) {
			e.mu.Unlock()
			return fmt.Errorf("%w: space %d, fragment %v", ErrStaleCopy, space, e.region)
		}
		e.readers[task] = struct{}{}
		e.lastUse = tick
		e.mu.Unlock()
	}
	return nil
}

// UnregisterReader removes task from the reader sets of r.
func (d *Directory) UnregisterReader(r region.Region, task core.TaskID) {
	for _, e := range d.covering(r) {
		e.mu.Lock()
		delete(e.readers, task)
		e.mu.Unlock()
	}
}

// Invalidate removes space from r's location sets. Dropping the last valid
// copy of any fragment is refused.
func (d *Directory) Invalidate(r region.Region, space memory.SpaceID) error {
	for _, e := range d.covering(r) {
		e.mu.Lock()
		if e.validIn(space) {
			holders := 0
			for _, v := range e.locations {
				if v == e.version {
					holders++
				}
			}
			if holders <= 1 {
				e.mu.Unlock()
				return fmt.Errorf("%w: space %d, fragment %v", ErrLastCopy, space, e.region)
			}
		}
		delete(e.locations, space)
		e.mu.Unlock()
	}
	return nil
}

// HasReaders reports whether any covering fragment of r has active readers.
func (d *Directory) HasReaders(r region.Region) bool {
	for _, e := range d.covering(r) {
		e.mu.Lock()
		n := len(e.readers)
		e.mu.Unlock()
		if n > 0 {
			return true
		}
	}
	return false
}

// TryEvict drops space from r's location sets if every covering fragment is
// evictable: no active readers, and either the space's copy is stale or at
// least one other space holds the current version. Nothing is modified on
// failure.
func (d *Directory) TryEvict(r region.Region, space memory.SpaceID) error {
	entries := d.covering(r)
	for _, e := range entries {
		e.mu.Lock()
	}
	defer func() {
		for _, e := range entries {
			e.mu.Unlock()
		}
	}()

	for _, e := range entries {
		if len(e.readers) > 0 {
			return fmt.Errorf("fragment %v has %d active readers", e.region, len(e.readers))
		}
		if e.validIn(space) {
			holders := 0
			for _, v := range e.locations {
				if v == e.version {
					holders++
				}
			}
			if holders <= 1 {
				return fmt.Errorf("%w: fragment %v", ErrLastCopy, e.region)
			}
		}
	}
	for _, e := range entries {
		delete(e.locations, space)
	}
	return nil
}

// Candidate is an eviction candidate in a given space.
type Candidate struct {
	Region  region.Region
	LastUse uint64
}

// EvictionCandidates returns the fragments resident in space that may be
// dropped: no active readers, and either the resident copy is stale or the
// current version is held by at least two spaces, so invalidating one never
// strands the data. Candidates come back least-recently-used first.
func (d *Directory) EvictionCandidates(space memory.SpaceID) []Candidate {
	d.mu.RLock()
	snapshot := make([]*entry, len(d.entries))
	copy(snapshot, d.entries)
	d.mu.RUnlock()

	var out []Candidate
	for _, e := range snapshot {
		e.mu.Lock()
		if _, resident := e.locations[space]; resident && len(e.readers) == 0 {
			holders := 0
			for _, v := range e.locations {
				if v == e.version {
					holders++
				}
			}
			if holders >= 2 || !e.validIn(space) {
				out = append(out, Candidate{Region: e.region, LastUse: e.lastUse})
			}
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUse < out[j].LastUse })
	return out
}

// Version reports the current version of r. When fragmentation has produced
// different versions across r's span, the minimum is returned.
func (d *Directory) Version(r region.Region) uint64 {
	first := true
	var min uint64
	for _, e := range d.covering(r) {
		e.mu.Lock()
		if first || e.version < min {
			min = e.version
			first = false
		}
		e.mu.Unlock()
	}
	return min
}

// Locations reports the spaces holding the current version across all of
// r's fragments (the intersection of per-fragment holder sets).
func (d *Directory) Locations(r region.Region) []memory.SpaceID {
	counts := make(map[memory.SpaceID]int)
	entries := d.covering(r)
	for _, e := range entries {
		e.mu.Lock()
		for s, v := range e.locations {
			if v == e.version {
				counts[s]++
			}
		}
		e.mu.Unlock()
	}
	var out []memory.SpaceID
	for s, n := range counts {
		if n == len(entries) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Check verifies invariant P1 over the whole tree: every entry has at least
// one holder of its current version.
func (d *Directory) Check() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.entries {
		e.mu.Lock()
		ok := false
		for _, v := range e.locations {
			if v == e.version {
				ok = true
				break
			}
		}
		e.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: fragment %v version %d has no holder", ErrInvariant, e.region, e.version)
		}
	}
	return nil
}
