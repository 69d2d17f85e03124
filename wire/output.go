package wire

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Marker bytes shared by both pipelines.
const (
	markFalse   = 0
	markTrue    = 1
	markNull    = 2
	markNotNull = 3
)

// Output is the invocation write pipeline over a channel. Primitives are
// big-endian; strings use the unshared encoding; object graphs go through
// the tagged object codec with remote substitution.
type Output struct {
	w io.Writer

	// ReplaceRemote substitutes a remote value with its marshalled form.
	// Returning false passes the value to the regular codec arms.
	ReplaceRemote func(any) (*MarshalledRemote, bool)

	// LocalAddr and RemoteAddr stamp transported throwables.
	LocalAddr  string
	RemoteAddr string

	// PruneStackTraces truncates transported stack traces at the skeleton
	// dispatch frame. Snapshotted from the process-wide flag at session
	// construction.
	PruneStackTraces bool

	handles      map[any]uint32
	resetPending bool
	scratch      [9]byte
}

// NewOutput creates an invocation output over w.
func NewOutput(w io.Writer) *Output {
	return &Output{
		w:       w,
		handles: map[any]uint32{},
	}
}

// Reset drops the back-reference table so values written before do not leak
// into the next call on a reused channel. The reset travels in-band: a
// marker ahead of the next written object makes the reader drop its table
// at the same point in the stream.
func (o *Output) Reset() {
	o.handles = map[any]uint32{}
	o.resetPending = true
}

func (o *Output) write(p []byte) error {
	_, err := o.w.Write(p)
	return errors.WithStack(err)
}

// WriteByte writes a single byte.
func (o *Output) WriteByte(b byte) error {
	o.scratch[0] = b
	return o.write(o.scratch[:1])
}

// WriteBool writes a boolean marker byte.
func (o *Output) WriteBool(v bool) error {
	if v {
		return o.WriteByte(markTrue)
	}
	return o.WriteByte(markFalse)
}

// WriteUint16 writes a big-endian 16-bit value.
func (o *Output) WriteUint16(v uint16) error {
	binary.BigEndian.PutUint16(o.scratch[:2], v)
	return o.write(o.scratch[:2])
}

// WriteUint32 writes a big-endian 32-bit value.
func (o *Output) WriteUint32(v uint32) error {
	binary.BigEndian.PutUint32(o.scratch[:4], v)
	return o.write(o.scratch[:4])
}

// WriteUint64 writes a big-endian 64-bit value.
func (o *Output) WriteUint64(v uint64) error {
	binary.BigEndian.PutUint64(o.scratch[:8], v)
	return o.write(o.scratch[:8])
}

// WriteInt64 writes a big-endian 64-bit two's complement value.
func (o *Output) WriteInt64(v int64) error {
	return o.WriteUint64(uint64(v))
}

// WriteFloat64 writes an IEEE-754 64-bit value.
func (o *Output) WriteFloat64(v float64) error {
	return o.WriteUint64(math.Float64bits(v))
}

// WriteFloat32 writes an IEEE-754 32-bit value.
func (o *Output) WriteFloat32(v float32) error {
	return o.WriteUint32(math.Float32bits(v))
}

// WriteVarUint writes v in one to five bytes. The number of leading one
// bits of the first byte selects the width: prefixes 0, 10, 110, 1110 and
// 11110 gate 7, 14, 21, 28 and 32 payload bits.
func (o *Output) WriteVarUint(v uint32) error {
	b := o.scratch[:0]
	switch {
	case v < 1<<7:
		b = append(b, byte(v))
	case v < 1<<14:
		b = append(b, byte(v>>8)|0x80, byte(v))
	case v < 1<<21:
		b = append(b, byte(v>>16)|0xc0, byte(v>>8), byte(v))
	case v < 1<<28:
		b = append(b, byte(v>>24)|0xe0, byte(v>>16), byte(v>>8), byte(v))
	default:
		b = append(b, 0xf0, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	return o.write(b)
}

// WriteString writes a string in the unshared encoding: varuint(len+1) with
// zero reserved for the empty sentinel, then one byte per code point up to
// 0x7F, two bytes with prefix 10 up to 0x3FFF, three bytes with prefix 110
// otherwise. The length counts UTF-16 units, so a code point above 0xFFFF
// counts twice.
func (o *Output) WriteString(s string) error {
	length := 0
	for _, r := range s {
		if r > 0xffff {
			length += 2
		} else {
			length++
		}
	}
	if err := o.WriteVarUint(uint32(length) + 1); err != nil {
		return err
	}

	buf := make([]byte, 0, len(s))
	for _, r := range s {
		c := uint32(r)
		switch {
		case c <= 0x7f:
			buf = append(buf, byte(c))
		case c <= 0x3fff:
			buf = append(buf, byte(c>>8)|0x80, byte(c))
		default:
			buf = append(buf, byte(c>>16)|0xc0, byte(c>>8), byte(c))
		}
	}
	return o.write(buf)
}

// WriteIdentifier writes the 16 identifier bytes.
func (o *Output) WriteIdentifier(id Identifier) error {
	return o.write(id[:])
}

// WriteVersionedIdentifier writes the identifier followed by both version
// counters.
func (o *Output) WriteVersionedIdentifier(id VersionedIdentifier) error {
	if err := o.WriteIdentifier(id.ID); err != nil {
		return err
	}
	if err := o.WriteUint32(id.LocalVersion); err != nil {
		return err
	}
	return o.WriteUint32(id.RemoteVersion)
}
