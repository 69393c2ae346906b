package frame

import (
	"encoding/binary"
	"fmt"
	"time"
)

// WireHeaderSize is the size of the binary frame header:
// uint32 width | uint32 height | int64 capture time (unix nanos), big-endian.
const WireHeaderSize = 16

// DecodeWire parses a binary frame message. The returned frame aliases b.
func DecodeWire(b []byte) (*Frame, error) {
	if len(b) < WireHeaderSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrMalformedFrame, len(b))
	}
	w := binary.BigEndian.Uint32(b[0:4])
	h := binary.BigEndian.Uint32(b[4:8])
	ns := int64(binary.BigEndian.Uint64(b[8:16]))

	if w == 0 || h == 0 || w > MaxDimension || h > MaxDimension {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrMalformedFrame, w, h)
	}

	f := &Frame{
		Width:     int(w),
		Height:    int(h),
		Pix:       b[WireHeaderSize:],
		Timestamp: time.Unix(0, ns),
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// EncodeWire serializes a frame into the binary message format.
func EncodeWire(f *Frame) []byte {
	out := make([]byte, WireHeaderSize+len(f.Pix))
	binary.BigEndian.PutUint32(out[0:4], uint32(f.Width))
	binary.BigEndian.PutUint32(out[4:8], uint32(f.Height))
	binary.BigEndian.PutUint64(out[8:16], uint64(f.Timestamp.UnixNano()))
	copy(out[WireHeaderSize:], f.Pix)
	return out
}
