// Package region models the byte ranges that participate in dependency and
// coherence tracking.
//
// A Region is a half-open byte range [Base, Base+Len) over the runtime's
// logical address space, optionally repeated Count times at Stride-byte
// intervals (a strided shape). Regions may overlap and may be contained in
// one another; both the coherence directory and the dependency domain split
// overlapping regions into fragments so that every byte belongs to exactly
// one tracking record.
package region

import "fmt"

// Region is a half-open byte range with an optional strided shape.
//
// Count <= 1 describes a plain contiguous range. For Count > 1, the region
// covers Count blocks of Len bytes each, the i-th block starting at
// Base + i*Stride. Stride must be >= Len for a well-formed strided region.
//
// Equality is by (Base, Len, Stride, Count); two regions describing the same
// bytes through different shapes are distinct identities.
type Region struct {
	Base   uint64
	Len    uint64
	Count  uint64
	Stride uint64
}

// New returns a contiguous region covering [base, base+n).
func New(base, n uint64) Region {
	return Region{Base: base, Len: n}
}

// NewStrided returns a strided region of count blocks of n bytes spaced
// stride bytes apart.
func NewStrided(base, n, count, stride uint64) Region {
	return Region{Base: base, Len: n, Count: count, Stride: stride}
}

// Contiguous reports whether the region is a plain byte range.
func (r Region) Contiguous() bool { return r.Count <= 1 }

// Bytes returns the number of payload bytes the region addresses, excluding
// stride gaps.
func (r Region) Bytes() uint64 {
	if r.Contiguous() {
		return r.Len
	}
	return r.Len * r.Count
}

// Span returns the full byte extent [Base, Base+Span()) that the region
// touches, including stride gaps. Fragmentation and overlap checks operate on
// spans; a strided region is treated conservatively as covering its span.
func (r Region) Span() uint64 {
	if r.Contiguous() {
		return r.Len
	}
	return r.Stride*(r.Count-1) + r.Len
}

// End returns the exclusive upper bound of the region's span.
func (r Region) End() uint64 { return r.Base + r.Span() }

// Valid reports whether the region is well formed: nonzero length and, for
// strided shapes, a stride no smaller than the block length.
func (r Region) Valid() bool {
	if r.Len == 0 {
		return false
	}
	if r.Count > 1 && r.Stride < r.Len {
		return false
	}
	return true
}

// Overlaps reports whether the spans of r and o share at least one byte.
func (r Region) Overlaps(o Region) bool {
	return r.Base < o.End() && o.Base < r.End()
}

// Contains reports whether r's span fully covers o's span.
func (r Region) Contains(o Region) bool {
	return r.Base <= o.Base && o.End() <= r.End()
}

// Intersect returns the contiguous region covering the bytes common to both
// spans. ok is false when the spans are disjoint.
func (r Region) Intersect(o Region) (Region, bool) {
	lo := max64(r.Base, o.Base)
	hi := min64(r.End(), o.End())
	if lo >= hi {
		return Region{}, false
	}
	return Region{Base: lo, Len: hi - lo}, true
}

// Split fragments r's span against o's span.
//
// The result is a list of contiguous regions that exactly tile r's span, each
// either disjoint from o or fully contained in o. Fragments are returned in
// ascending base order. If r and o do not overlap, the result is r's span as
// a single fragment.
func (r Region) Split(o Region) []Region {
	if !r.Overlaps(o) {
		return []Region{{Base: r.Base, Len: r.Span()}}
	}
	var out []Region
	lo := max64(r.Base, o.Base)
	hi := min64(r.End(), o.End())
	if r.Base < lo {
		out = append(out, Region{Base: r.Base, Len: lo - r.Base})
	}
	out = append(out, Region{Base: lo, Len: hi - lo})
	if hi < r.End() {
		out = append(out, Region{Base: hi, Len: r.End() - hi})
	}
	return out
}

// String renders the region for logs and errors.
func (r Region) String() string {
	if r.Contiguous() {
		return fmt.Sprintf("[%#x,%#x)", r.Base, r.Base+r.Len)
	}
	return fmt.Sprintf("[%#x,%#x) %dx%d/%d", r.Base, r.End(), r.Count, r.Len, r.Stride)
}

// BlockOffsets returns the span-relative start offset of every block in the
// region, in ascending order. A contiguous region has a single block at
// offset zero. Copy code uses this to drive gather/scatter through a pack
// buffer.
func (r Region) BlockOffsets() []uint64 {
	if r.Contiguous() {
		return []uint64{0}
	}
	offs := make([]uint64, r.Count)
	for i := uint64(0); i < r.Count; i++ {
		offs[i] = i * r.Stride
	}
	return offs
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
