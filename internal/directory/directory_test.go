package directory

import (
	"errors"
	"reflect"
	"testing"

	"taskrt/internal/core"
	"taskrt/internal/memory"
	"taskrt/internal/region"
)

const (
	spaceA = memory.SpaceID(1)
	spaceB = memory.SpaceID(2)
)

func TestDirectory_FreshRegionIsHostResident(t *testing.T) {
	d := New()
	r := region.New(0x1000, 4096)

	plan, err := d.Locate(r, memory.HostID)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if len(plan) != 0 {
		t.Fatalf("fresh region must be host resident, got plan %v", plan)
	}
	if v := d.Version(r); v != 0 {
		t.Fatalf("fresh version: got %d want 0", v)
	}
	if locs := d.Locations(r); !reflect.DeepEqual(locs, []memory.SpaceID{memory.HostID}) {
		t.Fatalf("fresh locations: got %v", locs)
	}
}

func TestDirectory_LocatePlansCopyFromHost(t *testing.T) {
	d := New()
	r := region.New(0x1000, 4096)

	plan, err := d.Locate(r, spaceA)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if len(plan) != 1 {
		t.Fatalf("plan length: got %d want 1", len(plan))
	}
	if plan[0].Src != memory.HostID || plan[0].Region != r || plan[0].Version != 0 {
		t.Fatalf("plan: got %+v", plan[0])
	}
}

func TestDirectory_PublishMovesOwnership(t *testing.T) {
	d := New()
	r := region.New(0x1000, 4096)

	d.Publish(r, core.TaskID(1), spaceA)
	if v := d.Version(r); v != 1 {
		t.Fatalf("version after publish: got %d want 1", v)
	}
	if locs := d.Locations(r); !reflect.DeepEqual(locs, []memory.SpaceID{spaceA}) {
		t.Fatalf("locations after publish: got %v", locs)
	}

	// The host is now stale: locating for the host plans a copy from A.
	plan, err := d.Locate(r, memory.HostID)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if len(plan) != 1 || plan[0].Src != spaceA {
		t.Fatalf("plan after publish: got %+v", plan)
	}

	// A completed transfer makes both spaces valid holders.
	d.MarkValid(r, memory.HostID)
	if locs := d.Locations(r); !reflect.DeepEqual(locs, []memory.SpaceID{memory.HostID, spaceA}) {
		t.Fatalf("locations after mark valid: got %v", locs)
	}
}

func TestDirectory_SourcePreferenceHostFirst(t *testing.T) {
	d := New()
	r := region.New(0x1000, 4096)

	d.Publish(r, core.TaskID(1), spaceA)
	d.MarkValid(r, memory.HostID)
	d.MarkValid(r, spaceB)

	plan, err := d.Locate(r, memory.SpaceID(7))
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if len(plan) != 1 || plan[0].Src != memory.HostID {
		t.Fatalf("host must be preferred as source, got %+v", plan)
	}
}

func TestDirectory_SubRangeSplitsEntry(t *testing.T) {
	d := New()
	whole := region.New(0x1000, 0x1000)
	sub := region.New(0x1400, 0x200)

	d.Publish(whole, core.TaskID(1), spaceA)
	d.Publish(sub, core.TaskID(2), spaceB)

	// The sub-range advanced independently of the remainder.
	if v := d.Version(sub); v != 2 {
		t.Fatalf("sub version: got %d want 2", v)
	}
	if v := d.Version(whole); v != 1 {
		t.Fatalf("whole min version: got %d want 1", v)
	}
	if locs := d.Locations(sub); !reflect.DeepEqual(locs, []memory.SpaceID{spaceB}) {
		t.Fatalf("sub locations: got %v", locs)
	}

	// Locating the whole range for the host needs copies from both writers.
	plan, err := d.Locate(whole, memory.HostID)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	srcs := make(map[memory.SpaceID]bool)
	var n uint64
	for _, p := range plan {
		srcs[p.Src] = true
		n += p.Region.Len
	}
	if !srcs[spaceA] || !srcs[spaceB] {
		t.Fatalf("plan must draw from both writers: %+v", plan)
	}
	if n != whole.Span() {
		t.Fatalf("plan covers %d bytes, span is %d", n, whole.Span())
	}
}

func TestDirectory_RegisterReaderRequiresValidCopy(t *testing.T) {
	d := New()
	r := region.New(0x1000, 4096)

	d.Publish(r, core.TaskID(1), spaceA)
	if err := d.RegisterReader(r, core.TaskID(2), spaceB); !errors.Is(err, ErrStaleCopy) {
		t.Fatalf("stale registration: got %v want ErrStaleCopy", err)
	}
	if err := d.RegisterReader(r, core.TaskID(2), spaceA); err != nil {
		t.Fatalf("valid registration: %v", err)
	}
}

func TestDirectory_InvalidateRefusesLastCopy(t *testing.T) {
	d := New()
	r := region.New(0x1000, 4096)

	d.Publish(r, core.TaskID(1), spaceA)
	if err := d.Invalidate(r, spaceA); !errors.Is(err, ErrLastCopy) {
		t.Fatalf("last copy invalidation: got %v want ErrLastCopy", err)
	}

	d.MarkValid(r, memory.HostID)
	if err := d.Invalidate(r, spaceA); err != nil {
		t.Fatalf("invalidate with second holder: %v", err)
	}
	if locs := d.Locations(r); !reflect.DeepEqual(locs, []memory.SpaceID{memory.HostID}) {
		t.Fatalf("locations after invalidate: got %v", locs)
	}
	if err := d.Check(); err != nil {
		t.Fatalf("invariant check: %v", err)
	}
}

func TestDirectory_EvictionCandidates(t *testing.T) {
	d := New()
	rOld := region.New(0x1000, 0x100)
	rNew := region.New(0x3000, 0x100)
	rRead := region.New(0x5000, 0x100)
	rOnly := region.New(0x7000, 0x100)

	// rOld, rNew: valid in A and host, no readers. rOld touched first.
	d.Publish(rOld, core.TaskID(1), spaceA)
	d.MarkValid(rOld, memory.HostID)
	d.Publish(rNew, core.TaskID(2), spaceA)
	d.MarkValid(rNew, memory.HostID)
	// Refresh rNew's LRU position.
	if _, err := d.Locate(rNew, spaceA); err != nil {
		t.Fatalf("locate: %v", err)
	}

	// rRead: valid in two spaces but actively read.
	d.Publish(rRead, core.TaskID(3), spaceA)
	d.MarkValid(rRead, memory.HostID)
	if err := d.RegisterReader(rRead, core.TaskID(4), spaceA); err != nil {
		t.Fatalf("register reader: %v", err)
	}

	// rOnly: A is the last holder.
	d.Publish(rOnly, core.TaskID(5), spaceA)

	got := d.EvictionCandidates(spaceA)
	if len(got) != 2 {
		t.Fatalf("candidates: got %d want 2 (%+v)", len(got), got)
	}
	if got[0].Region != rOld || got[1].Region != rNew {
		t.Fatalf("LRU order: got %+v", got)
	}
}

func TestDirectory_TryEvict(t *testing.T) {
	d := New()
	r := region.New(0x1000, 0x100)
	d.Publish(r, core.TaskID(1), spaceA)

	// Last copy: refused.
	if err := d.TryEvict(r, spaceA); err == nil {
		t.Fatal("evicting the last copy must fail")
	}
	d.MarkValid(r, memory.HostID)

	// Active reader: refused, nothing modified.
	if err := d.RegisterReader(r, core.TaskID(2), spaceA); err != nil {
		t.Fatalf("register reader: %v", err)
	}
	if err := d.TryEvict(r, spaceA); err == nil {
		t.Fatal("evicting under an active reader must fail")
	}
	if locs := d.Locations(r); len(locs) != 2 {
		t.Fatalf("failed evict must not modify locations: %v", locs)
	}

	d.UnregisterReader(r, core.TaskID(2))
	if err := d.TryEvict(r, spaceA); err != nil {
		t.Fatalf("evict with second holder: %v", err)
	}
	if locs := d.Locations(r); !reflect.DeepEqual(locs, []memory.SpaceID{memory.HostID}) {
		t.Fatalf("locations after evict: got %v", locs)
	}
}

func TestDirectory_HasReaders(t *testing.T) {
	d := New()
	r := region.New(0x1000, 0x100)
	if d.HasReaders(r) {
		t.Fatal("fresh region has no readers")
	}
	if err := d.RegisterReader(r, core.TaskID(1), memory.HostID); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !d.HasReaders(region.New(0x1040, 0x10)) {
		t.Fatal("sub-range must report the reader")
	}
	d.UnregisterReader(r, core.TaskID(1))
	if d.HasReaders(r) {
		t.Fatal("reader not cleared")
	}
}

func TestDirectory_LocateAllIncludesTargetFragments(t *testing.T) {
	d := New()
	whole := region.New(0x1000, 0x1000)
	sub := region.New(0x1400, 0x200)

	d.Publish(whole, core.TaskID(1), spaceA)
	d.Publish(sub, core.TaskID(2), memory.HostID)

	plan, err := d.LocateAll(whole, spaceA)
	if err != nil {
		t.Fatalf("locate all: %v", err)
	}
	var fromSelf, fromHost int
	for _, p := range plan {
		switch p.Src {
		case spaceA:
			fromSelf++
		case memory.HostID:
			fromHost++
		}
	}
	if fromSelf != 2 || fromHost != 1 {
		t.Fatalf("plan split: self=%d host=%d (%+v)", fromSelf, fromHost, plan)
	}
}

func TestDirectory_CheckDetectsStrandedEntry(t *testing.T) {
	d := New()
	r := region.New(0x1000, 0x100)
	d.Publish(r, core.TaskID(1), spaceA)

	// Corrupt the entry directly to simulate a bug.
	d.mu.Lock()
	for _, e := range d.entries {
		e.locations = map[memory.SpaceID]uint64{}
	}
	d.mu.Unlock()

	if err := d.Check(); !errors.Is(err, ErrInvariant) {
		t.Fatalf("check: got %v want ErrInvariant", err)
	}
}
