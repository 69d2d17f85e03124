package wire

import (
	"bytes"
	"crypto/sha256"
	"time"
)

// MethodFlags carry the per-method metadata of a remote interface.
type MethodFlags uint8

const (
	// FlagAsynchronous methods return the channel to the pool before the
	// method body executes.
	FlagAsynchronous MethodFlags = 1 << iota
	// FlagBatched methods buffer the request until the next non-batched
	// call on the same batch sequence.
	FlagBatched
	// FlagDisposer methods unexport the receiver's skeleton after a
	// successful return.
	FlagDisposer
	// FlagOrdered is carried for interfaces which request ordering beyond
	// single-channel FIFO.
	FlagOrdered
	// FlagCompletion marks asynchronous methods which deliver their result
	// through a completion callback.
	FlagCompletion
	// FlagPipe methods hand the raw channel to both ends as a duplex pipe
	// after the request is written.
	FlagPipe
)

// InfiniteTimeout disables the per-call timeout. Zero means expired
// immediately, still allowing one best-effort attempt.
const InfiniteTimeout = time.Duration(-1)

// MethodInfo describes one method of a remote interface. The selector of a
// method is its index in RemoteInfo.Methods.
type MethodInfo struct {
	Name       string
	ParamTypes []string
	ReturnType string
	Throwables []string
	Flags      MethodFlags
	Timeout    time.Duration
}

// RemoteInfo is the serializable description of a remote interface. It is
// deterministic for a given interface, so both peers derive the same type
// identifier independently.
type RemoteInfo struct {
	Name       string
	Interfaces []string
	Methods    []MethodInfo
	Timeout    time.Duration
}

// TypeID derives the identifier of the described type from a stable hash of
// the canonical encoding.
func (info *RemoteInfo) TypeID() Identifier {
	var buf bytes.Buffer
	out := NewOutput(&buf)
	_ = out.writeRemoteInfoBody(info)

	sum := sha256.Sum256(buf.Bytes())
	var id Identifier
	copy(id[:], sum[:16])
	return id
}

// Method returns the method info for a selector, or nil if out of range.
func (info *RemoteInfo) Method(selector uint32) *MethodInfo {
	if int(selector) >= len(info.Methods) {
		return nil
	}
	return &info.Methods[selector]
}

// MethodTimeout resolves the effective default timeout of a method: the
// method default wins over the interface default; zero means no default and
// resolves to infinite. An immediate timeout is expressed per call.
func (info *RemoteInfo) MethodTimeout(selector uint32) time.Duration {
	m := info.Method(selector)
	if m != nil && m.Timeout != 0 {
		return m.Timeout
	}
	if info.Timeout != 0 {
		return info.Timeout
	}
	return InfiniteTimeout
}

func (o *Output) writeRemoteInfoBody(info *RemoteInfo) error {
	if err := o.WriteString(info.Name); err != nil {
		return err
	}
	if err := o.WriteVarUint(uint32(len(info.Interfaces))); err != nil {
		return err
	}
	for _, name := range info.Interfaces {
		if err := o.WriteString(name); err != nil {
			return err
		}
	}
	if err := o.WriteInt64(int64(info.Timeout)); err != nil {
		return err
	}
	if err := o.WriteVarUint(uint32(len(info.Methods))); err != nil {
		return err
	}
	for idx := range info.Methods {
		m := &info.Methods[idx]
		if err := o.WriteString(m.Name); err != nil {
			return err
		}
		if err := o.WriteVarUint(uint32(len(m.ParamTypes))); err != nil {
			return err
		}
		for _, p := range m.ParamTypes {
			if err := o.WriteString(p); err != nil {
				return err
			}
		}
		if err := o.WriteString(m.ReturnType); err != nil {
			return err
		}
		if err := o.WriteVarUint(uint32(len(m.Throwables))); err != nil {
			return err
		}
		for _, t := range m.Throwables {
			if err := o.WriteString(t); err != nil {
				return err
			}
		}
		if err := o.WriteByte(byte(m.Flags)); err != nil {
			return err
		}
		if err := o.WriteInt64(int64(m.Timeout)); err != nil {
			return err
		}
	}
	return nil
}

func (i *Input) readRemoteInfoBody() (*RemoteInfo, error) {
	info := &RemoteInfo{}

	var err error
	if info.Name, err = i.ReadString(); err != nil {
		return nil, err
	}

	n, err := i.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > 0 {
		info.Interfaces = make([]string, n)
	}
	for idx := range info.Interfaces {
		if info.Interfaces[idx], err = i.ReadString(); err != nil {
			return nil, err
		}
	}

	timeout, err := i.ReadInt64()
	if err != nil {
		return nil, err
	}
	info.Timeout = time.Duration(timeout)

	n, err = i.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > 0 {
		info.Methods = make([]MethodInfo, n)
	}
	for idx := range info.Methods {
		m := &info.Methods[idx]
		if m.Name, err = i.ReadString(); err != nil {
			return nil, err
		}

		pn, err := i.ReadVarUint()
		if err != nil {
			return nil, err
		}
		if pn > 0 {
			m.ParamTypes = make([]string, pn)
		}
		for pi := range m.ParamTypes {
			if m.ParamTypes[pi], err = i.ReadString(); err != nil {
				return nil, err
			}
		}

		if m.ReturnType, err = i.ReadString(); err != nil {
			return nil, err
		}

		tn, err := i.ReadVarUint()
		if err != nil {
			return nil, err
		}
		if tn > 0 {
			m.Throwables = make([]string, tn)
		}
		for ti := range m.Throwables {
			if m.Throwables[ti], err = i.ReadString(); err != nil {
				return nil, err
			}
		}

		flags, err := i.ReadByte()
		if err != nil {
			return nil, err
		}
		m.Flags = MethodFlags(flags)

		mt, err := i.ReadInt64()
		if err != nil {
			return nil, err
		}
		m.Timeout = time.Duration(mt)
	}

	return info, nil
}
