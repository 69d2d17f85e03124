package wire

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/pkg/errors"
)

// Object codec tags. Common types are encoded directly; everything else
// falls back to gob with registered type names.
const (
	tagNull byte = iota
	tagRef
	tagFalse
	tagTrue
	tagInt
	tagUint
	tagFloat32
	tagFloat64
	tagString
	tagBytes
	tagSlice
	tagMap
	tagTime
	tagDuration
	tagIdentifier
	tagRemoteInfo
	tagRemote
	tagThrowable
	tagGob
	tagReset
)

// RegisterType makes a concrete type available to the gob fallback arm on
// both peers. The analogue of the source's class resolver contract.
func RegisterType(v any) {
	gob.Register(v)
}

// MarshalledRemote is the wire substitute of a remote value: the object
// identifier with the minter's binding version, the type identifier, and
// the type description on the first cross-wire transmission of the type.
type MarshalledRemote struct {
	ObjID   Identifier
	Version uint32
	TypeID  Identifier
	Info    *RemoteInfo
}

// WriteObject writes an arbitrary value through the tagged codec. Remote
// values are substituted via ReplaceRemote; remotes and type descriptions
// written before on this stream are emitted as back-references until Reset.
func (o *Output) WriteObject(v any) error {
	if o.resetPending {
		o.resetPending = false
		if err := o.WriteByte(tagReset); err != nil {
			return err
		}
	}

	if v == nil {
		return o.WriteByte(tagNull)
	}

	if o.ReplaceRemote != nil {
		if mr, ok := o.ReplaceRemote(v); ok {
			if handle, ok := o.handles[v]; ok {
				if err := o.WriteByte(tagRef); err != nil {
					return err
				}
				return o.WriteVarUint(handle)
			}
			o.handles[v] = uint32(len(o.handles))
			return o.writeMarshalledRemote(mr)
		}
	}

	switch v2 := v.(type) {
	case bool:
		if v2 {
			return o.WriteByte(tagTrue)
		}
		return o.WriteByte(tagFalse)
	case int:
		return o.writeTagged(tagInt, int64(v2))
	case int8:
		return o.writeTagged(tagInt, int64(v2))
	case int16:
		return o.writeTagged(tagInt, int64(v2))
	case int32:
		return o.writeTagged(tagInt, int64(v2))
	case int64:
		return o.writeTagged(tagInt, v2)
	case uint8:
		return o.writeTaggedUint(uint64(v2))
	case uint16:
		return o.writeTaggedUint(uint64(v2))
	case uint32:
		return o.writeTaggedUint(uint64(v2))
	case uint64:
		return o.writeTaggedUint(v2)
	case uint:
		return o.writeTaggedUint(uint64(v2))
	case float32:
		if err := o.WriteByte(tagFloat32); err != nil {
			return err
		}
		return o.WriteFloat32(v2)
	case float64:
		if err := o.WriteByte(tagFloat64); err != nil {
			return err
		}
		return o.WriteFloat64(v2)
	case string:
		if err := o.WriteByte(tagString); err != nil {
			return err
		}
		return o.WriteString(v2)
	case []byte:
		if err := o.WriteByte(tagBytes); err != nil {
			return err
		}
		if err := o.WriteVarUint(uint32(len(v2))); err != nil {
			return err
		}
		return o.write(v2)
	case []any:
		if err := o.WriteByte(tagSlice); err != nil {
			return err
		}
		if err := o.WriteVarUint(uint32(len(v2))); err != nil {
			return err
		}
		for _, e := range v2 {
			if err := o.WriteObject(e); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		if err := o.WriteByte(tagMap); err != nil {
			return err
		}
		if err := o.WriteVarUint(uint32(len(v2))); err != nil {
			return err
		}
		for k, e := range v2 {
			if err := o.WriteString(k); err != nil {
				return err
			}
			if err := o.WriteObject(e); err != nil {
				return err
			}
		}
		return nil
	case time.Time:
		if err := o.WriteByte(tagTime); err != nil {
			return err
		}
		return o.WriteInt64(v2.UnixNano())
	case time.Duration:
		if err := o.WriteByte(tagDuration); err != nil {
			return err
		}
		return o.WriteInt64(int64(v2))
	case Identifier:
		if err := o.WriteByte(tagIdentifier); err != nil {
			return err
		}
		return o.WriteIdentifier(v2)
	case *RemoteInfo:
		if handle, ok := o.handles[v]; ok {
			if err := o.WriteByte(tagRef); err != nil {
				return err
			}
			return o.WriteVarUint(handle)
		}
		o.handles[v] = uint32(len(o.handles))
		if err := o.WriteByte(tagRemoteInfo); err != nil {
			return err
		}
		return o.writeRemoteInfoBody(v2)
	case error:
		if err := o.WriteByte(tagThrowable); err != nil {
			return err
		}
		return o.WriteThrowable(v2)
	default:
		return o.writeGob(v)
	}
}

func (o *Output) writeTagged(tag byte, v int64) error {
	if err := o.WriteByte(tag); err != nil {
		return err
	}
	return o.WriteInt64(v)
}

func (o *Output) writeTaggedUint(v uint64) error {
	if err := o.WriteByte(tagUint); err != nil {
		return err
	}
	return o.WriteUint64(v)
}

func (o *Output) writeMarshalledRemote(mr *MarshalledRemote) error {
	if err := o.WriteByte(tagRemote); err != nil {
		return err
	}
	if err := o.WriteIdentifier(mr.ObjID); err != nil {
		return err
	}
	if err := o.WriteUint32(mr.Version); err != nil {
		return err
	}
	if err := o.WriteIdentifier(mr.TypeID); err != nil {
		return err
	}
	if mr.Info == nil {
		return o.WriteByte(markNull)
	}
	if err := o.WriteByte(markNotNull); err != nil {
		return err
	}
	return o.writeRemoteInfoBody(mr.Info)
}

func (o *Output) writeGob(v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return errors.Wrapf(err, "value of type %T is not marshallable", v)
	}
	if err := o.WriteByte(tagGob); err != nil {
		return err
	}
	if err := o.WriteVarUint(uint32(buf.Len())); err != nil {
		return err
	}
	return o.write(buf.Bytes())
}

// ReadObject reads a value written by WriteObject.
func (i *Input) ReadObject() (any, error) {
	tag, err := i.ReadByte()
	if err != nil {
		return nil, err
	}

	switch tag {
	case tagNull:
		return nil, nil
	case tagRef:
		handle, err := i.ReadVarUint()
		if err != nil {
			return nil, err
		}
		if int(handle) >= len(i.handles) {
			return nil, errors.Errorf("unknown back-reference %d", handle)
		}
		return i.handles[handle], nil
	case tagFalse:
		return false, nil
	case tagTrue:
		return true, nil
	case tagInt:
		v, err := i.ReadInt64()
		return v, err
	case tagUint:
		v, err := i.ReadUint64()
		return v, err
	case tagFloat32:
		v, err := i.ReadFloat32()
		return v, err
	case tagFloat64:
		v, err := i.ReadFloat64()
		return v, err
	case tagString:
		v, err := i.ReadString()
		return v, err
	case tagBytes:
		n, err := i.ReadVarUint()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, n)
		if err := i.read(buf); err != nil {
			return nil, err
		}
		return buf, nil
	case tagSlice:
		n, err := i.ReadVarUint()
		if err != nil {
			return nil, err
		}
		s := make([]any, n)
		for idx := range s {
			if s[idx], err = i.ReadObject(); err != nil {
				return nil, err
			}
		}
		return s, nil
	case tagMap:
		n, err := i.ReadVarUint()
		if err != nil {
			return nil, err
		}
		m := make(map[string]any, n)
		for range n {
			k, err := i.ReadString()
			if err != nil {
				return nil, err
			}
			if m[k], err = i.ReadObject(); err != nil {
				return nil, err
			}
		}
		return m, nil
	case tagTime:
		v, err := i.ReadInt64()
		if err != nil {
			return nil, err
		}
		return time.Unix(0, v).UTC(), nil
	case tagDuration:
		v, err := i.ReadInt64()
		return time.Duration(v), err
	case tagIdentifier:
		return i.ReadIdentifier()
	case tagRemoteInfo:
		info, err := i.readRemoteInfoBody()
		if err != nil {
			return nil, err
		}
		i.handles = append(i.handles, info)
		return info, nil
	case tagRemote:
		return i.readMarshalledRemote()
	case tagThrowable:
		return i.ReadThrowable()
	case tagReset:
		i.handles = nil
		return i.ReadObject()
	case tagGob:
		n, err := i.ReadVarUint()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, n)
		if err := i.read(buf); err != nil {
			return nil, err
		}
		var v any
		if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&v); err != nil {
			return nil, errors.Wrap(err, "unmarshalling failed")
		}
		return v, nil
	default:
		return nil, errors.Errorf("unknown object tag 0x%02x", tag)
	}
}

func (i *Input) readMarshalledRemote() (any, error) {
	mr := &MarshalledRemote{}

	var err error
	if mr.ObjID, err = i.ReadIdentifier(); err != nil {
		return nil, err
	}
	if mr.Version, err = i.ReadUint32(); err != nil {
		return nil, err
	}
	if mr.TypeID, err = i.ReadIdentifier(); err != nil {
		return nil, err
	}

	mark, err := i.ReadByte()
	if err != nil {
		return nil, err
	}
	if mark == markNotNull {
		if mr.Info, err = i.readRemoteInfoBody(); err != nil {
			return nil, err
		}
	}

	if i.ResolveRemote == nil {
		i.handles = append(i.handles, mr)
		return mr, nil
	}

	v, err := i.ResolveRemote(mr)
	if err != nil {
		return nil, err
	}
	i.handles = append(i.handles, v)
	return v, nil
}
