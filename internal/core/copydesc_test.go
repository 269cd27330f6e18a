package core

import (
	"testing"

	"taskrt/internal/region"
)

func TestCopyDescriptor_WireShape(t *testing.T) {
	cases := []struct {
		name string
		d    CopyDescriptor
	}{
		{"contiguous in", CopyDescriptor{Region: region.New(0x1000, 4096), Mode: In}},
		{"strided inout private", CopyDescriptor{Region: region.NewStrided(0x2000, 64, 8, 256), Mode: InOut, Private: true}},
		{"commutative", CopyDescriptor{Region: region.New(0, 4), Mode: Commutative}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := tc.d.MarshalBinary()
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var got CopyDescriptor
			if err := got.UnmarshalBinary(buf); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got != tc.d {
				t.Fatalf("round trip: got %+v want %+v", got, tc.d)
			}
		})
	}
}

func TestCopyDescriptor_RejectsInvalid(t *testing.T) {
	d := CopyDescriptor{Region: region.New(0, 0), Mode: In}
	if _, err := d.MarshalBinary(); err == nil {
		t.Fatal("zero-length region must not marshal")
	}
	var got CopyDescriptor
	if err := got.UnmarshalBinary(make([]byte, 4)); err == nil {
		t.Fatal("short buffer must not unmarshal")
	}
}

func TestAccessMode_ReadWriteSets(t *testing.T) {
	cases := []struct {
		mode   AccessMode
		reads  bool
		writes bool
	}{
		{In, true, false},
		{Out, false, true},
		{InOut, true, true},
		{Commutative, true, true},
		{Concurrent, true, true},
	}
	for _, tc := range cases {
		if tc.mode.Reads() != tc.reads || tc.mode.Writes() != tc.writes {
			t.Fatalf("%v: reads=%v writes=%v, want reads=%v writes=%v",
				tc.mode, tc.mode.Reads(), tc.mode.Writes(), tc.reads, tc.writes)
		}
	}
}
