package region

import (
	"reflect"
	"testing"
)

func TestRegion_SpanAndBytes(t *testing.T) {
	cases := []struct {
		name  string
		r     Region
		span  uint64
		bytes uint64
	}{
		{"contiguous", New(0x1000, 4096), 4096, 4096},
		{"single block strided", NewStrided(0, 64, 1, 256), 64, 64},
		{"strided", NewStrided(0x2000, 64, 4, 256), 256*3 + 64, 64 * 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.r.Span(); got != tc.span {
				t.Fatalf("span: got %d want %d", got, tc.span)
			}
			if got := tc.r.Bytes(); got != tc.bytes {
				t.Fatalf("bytes: got %d want %d", got, tc.bytes)
			}
		})
	}
}

func TestRegion_Valid(t *testing.T) {
	if New(0, 0).Valid() {
		t.Fatal("zero-length region must be invalid")
	}
	if NewStrided(0, 128, 4, 64).Valid() {
		t.Fatal("stride smaller than block length must be invalid")
	}
	if !New(0x1000, 1).Valid() {
		t.Fatal("one-byte region must be valid")
	}
}

func TestRegion_OverlapContain(t *testing.T) {
	a := New(0x1000, 0x1000)
	b := New(0x1800, 0x1000)
	c := New(0x3000, 0x100)
	inner := New(0x1100, 0x200)

	if !a.Overlaps(b) || !b.Overlaps(a) {
		t.Fatal("a and b must overlap")
	}
	if a.Overlaps(c) {
		t.Fatal("a and c are disjoint")
	}
	if !a.Contains(inner) {
		t.Fatal("a must contain inner")
	}
	if a.Contains(b) {
		t.Fatal("a must not contain b")
	}
}

func TestRegion_Intersect(t *testing.T) {
	a := New(0x1000, 0x1000)
	b := New(0x1800, 0x1000)
	got, ok := a.Intersect(b)
	if !ok {
		t.Fatal("expected intersection")
	}
	want := New(0x1800, 0x800)
	if got != want {
		t.Fatalf("intersection: got %v want %v", got, want)
	}
	if _, ok := a.Intersect(New(0x5000, 1)); ok {
		t.Fatal("disjoint regions must not intersect")
	}
}

func TestRegion_Split(t *testing.T) {
	cases := []struct {
		name string
		r, o Region
		want []Region
	}{
		{
			name: "disjoint keeps whole span",
			r:    New(0x1000, 0x100),
			o:    New(0x9000, 0x100),
			want: []Region{New(0x1000, 0x100)},
		},
		{
			name: "sub-range splits into three",
			r:    New(0x1000, 0x1000),
			o:    New(0x1400, 0x200),
			want: []Region{New(0x1000, 0x400), New(0x1400, 0x200), New(0x1600, 0xa00)},
		},
		{
			name: "left overlap splits into two",
			r:    New(0x1000, 0x1000),
			o:    New(0x800, 0xa00),
			want: []Region{New(0x1000, 0x200), New(0x1200, 0xe00)},
		},
		{
			name: "containing region yields one fragment",
			r:    New(0x1400, 0x200),
			o:    New(0x1000, 0x1000),
			want: []Region{New(0x1400, 0x200)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.r.Split(tc.o)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("split: got %v want %v", got, tc.want)
			}
			var n uint64
			for _, f := range got {
				n += f.Len
			}
			if n != tc.r.Span() {
				t.Fatalf("fragments cover %d bytes, span is %d", n, tc.r.Span())
			}
		})
	}
}

func TestRegion_BlockOffsets(t *testing.T) {
	r := NewStrided(0, 64, 3, 256)
	want := []uint64{0, 256, 512}
	if got := r.BlockOffsets(); !reflect.DeepEqual(got, want) {
		t.Fatalf("offsets: got %v want %v", got, want)
	}
	if got := New(0, 64).BlockOffsets(); !reflect.DeepEqual(got, []uint64{0}) {
		t.Fatalf("contiguous offsets: got %v", got)
	}
}
