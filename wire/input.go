package wire

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Input is the invocation read pipeline matching Output.
type Input struct {
	r io.Reader

	// ResolveRemote turns a marshalled remote back into a usable value:
	// the local original if the identifier denotes a skeleton on this
	// side, or a stub otherwise.
	ResolveRemote func(*MarshalledRemote) (any, error)

	handles []any
	scratch [16]byte
}

// NewInput creates an invocation input over r.
func NewInput(r io.Reader) *Input {
	return &Input{r: r}
}

// Reset drops the back-reference table.
func (i *Input) Reset() {
	i.handles = nil
}

func (i *Input) read(p []byte) error {
	_, err := io.ReadFull(i.r, p)
	return errors.WithStack(err)
}

// ReadByte reads a single byte.
func (i *Input) ReadByte() (byte, error) {
	if err := i.read(i.scratch[:1]); err != nil {
		return 0, err
	}
	return i.scratch[0], nil
}

// ReadBool reads a boolean marker byte.
func (i *Input) ReadBool() (bool, error) {
	b, err := i.ReadByte()
	if err != nil {
		return false, err
	}
	switch b {
	case markFalse:
		return false, nil
	case markTrue:
		return true, nil
	default:
		return false, errors.Errorf("invalid boolean marker 0x%02x", b)
	}
}

// ReadUint16 reads a big-endian 16-bit value.
func (i *Input) ReadUint16() (uint16, error) {
	if err := i.read(i.scratch[:2]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(i.scratch[:2]), nil
}

// ReadUint32 reads a big-endian 32-bit value.
func (i *Input) ReadUint32() (uint32, error) {
	if err := i.read(i.scratch[:4]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(i.scratch[:4]), nil
}

// ReadUint64 reads a big-endian 64-bit value.
func (i *Input) ReadUint64() (uint64, error) {
	if err := i.read(i.scratch[:8]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(i.scratch[:8]), nil
}

// ReadInt64 reads a big-endian 64-bit two's complement value.
func (i *Input) ReadInt64() (int64, error) {
	v, err := i.ReadUint64()
	return int64(v), err
}

// ReadFloat64 reads an IEEE-754 64-bit value.
func (i *Input) ReadFloat64() (float64, error) {
	v, err := i.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadFloat32 reads an IEEE-754 32-bit value.
func (i *Input) ReadFloat32() (float32, error) {
	v, err := i.ReadUint32()
	return math.Float32frombits(v), err
}

// ReadVarUint reads a one to five byte unsigned value written by
// Output.WriteVarUint.
func (i *Input) ReadVarUint() (uint32, error) {
	b, err := i.ReadByte()
	if err != nil {
		return 0, err
	}

	var v uint32
	var rest int
	switch {
	case b < 0x80:
		return uint32(b), nil
	case b < 0xc0:
		v = uint32(b & 0x3f)
		rest = 1
	case b < 0xe0:
		v = uint32(b & 0x1f)
		rest = 2
	case b < 0xf0:
		v = uint32(b & 0x0f)
		rest = 3
	default:
		rest = 4
	}

	if err := i.read(i.scratch[:rest]); err != nil {
		return 0, err
	}
	for _, b := range i.scratch[:rest] {
		v = v<<8 | uint32(b)
	}
	return v, nil
}

// ReadString reads a string in the unshared encoding.
func (i *Input) ReadString() (string, error) {
	length, err := i.ReadVarUint()
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	length--

	runes := make([]rune, 0, length)
	for units := uint32(0); units < length; {
		b, err := i.ReadByte()
		if err != nil {
			return "", err
		}

		var c uint32
		switch {
		case b < 0x80:
			c = uint32(b)
		case b < 0xc0:
			b2, err := i.ReadByte()
			if err != nil {
				return "", err
			}
			c = uint32(b&0x3f)<<8 | uint32(b2)
		default:
			b2, err := i.ReadByte()
			if err != nil {
				return "", err
			}
			b3, err := i.ReadByte()
			if err != nil {
				return "", err
			}
			c = uint32(b&0x1f)<<16 | uint32(b2)<<8 | uint32(b3)
		}

		r := rune(c)
		if r > 0xffff {
			units += 2
		} else {
			units++
		}
		runes = append(runes, r)
	}

	return string(runes), nil
}

// ReadIdentifier reads the 16 identifier bytes.
func (i *Input) ReadIdentifier() (Identifier, error) {
	var id Identifier
	if err := i.read(id[:]); err != nil {
		return Identifier{}, err
	}
	return id, nil
}

// ReadVersionedIdentifier reads an identifier and both version counters.
func (i *Input) ReadVersionedIdentifier() (VersionedIdentifier, error) {
	id, err := i.ReadIdentifier()
	if err != nil {
		return VersionedIdentifier{}, err
	}
	local, err := i.ReadUint32()
	if err != nil {
		return VersionedIdentifier{}, err
	}
	remote, err := i.ReadUint32()
	if err != nil {
		return VersionedIdentifier{}, err
	}
	return VersionedIdentifier{ID: id, LocalVersion: local, RemoteVersion: remote}, nil
}
