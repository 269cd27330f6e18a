package core

import (
	"encoding/binary"
	"fmt"

	"taskrt/internal/region"
)

// CopyDescriptor is one declared data access of a task: the region touched,
// the access mode, and whether the data is private to the task (private
// regions get a local allocation but never enter dependency tracking).
type CopyDescriptor struct {
	Region  region.Region
	Mode    AccessMode
	Private bool
}

// Wire shape of a persisted copy descriptor:
//
//	address u64 | size u64 | dims u16 | mode u8 | sharing u8 | (len u64, stride u64)[dims]
//
// dims is 1 for contiguous regions and 2 for strided ones. The first pair is
// (block length, block length); a strided region adds a second pair (block
// count, stride). sharing bit 0 is the private flag. All integers are little
// endian.
const (
	wireFixedLen = 8 + 8 + 2 + 1 + 1
	sharingPriv  = 0x01
)

// MarshalBinary encodes the descriptor in its persistent wire shape.
func (d CopyDescriptor) MarshalBinary() ([]byte, error) {
	if !d.Region.Valid() {
		return nil, fmt.Errorf("copy descriptor: invalid region %v", d.Region)
	}
	dims := uint16(1)
	if !d.Region.Contiguous() {
		dims = 2
	}
	buf := make([]byte, wireFixedLen+int(dims)*16)
	binary.LittleEndian.PutUint64(buf[0:], d.Region.Base)
	binary.LittleEndian.PutUint64(buf[8:], d.Region.Bytes())
	binary.LittleEndian.PutUint16(buf[16:], dims)
	buf[18] = byte(d.Mode)
	if d.Private {
		buf[19] = sharingPriv
	}
	off := wireFixedLen
	putDim := func(length, stride uint64) {
		binary.LittleEndian.PutUint64(buf[off:], length)
		binary.LittleEndian.PutUint64(buf[off+8:], stride)
		off += 16
	}
	putDim(d.Region.Len, d.Region.Len)
	if dims == 2 {
		putDim(d.Region.Count, d.Region.Stride)
	}
	return buf, nil
}

// UnmarshalBinary decodes the persistent wire shape.
func (d *CopyDescriptor) UnmarshalBinary(buf []byte) error {
	if len(buf) < wireFixedLen {
		return fmt.Errorf("copy descriptor: short buffer (%d bytes)", len(buf))
	}
	dims := binary.LittleEndian.Uint16(buf[16:])
	if dims != 1 && dims != 2 {
		return fmt.Errorf("copy descriptor: unsupported dims %d", dims)
	}
	if len(buf) < wireFixedLen+int(dims)*16 {
		return fmt.Errorf("copy descriptor: short buffer for %d dims", dims)
	}
	r := region.Region{
		Base: binary.LittleEndian.Uint64(buf[0:]),
		Len:  binary.LittleEndian.Uint64(buf[wireFixedLen:]),
	}
	if dims == 2 {
		r.Count = binary.LittleEndian.Uint64(buf[wireFixedLen+16:])
		r.Stride = binary.LittleEndian.Uint64(buf[wireFixedLen+24:])
	}
	if !r.Valid() {
		return fmt.Errorf("copy descriptor: invalid region %v", r)
	}
	d.Region = r
	d.Mode = AccessMode(buf[18])
	d.Private = buf[19]&sharingPriv != 0
	return nil
}
