package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"path"
	"runtime"

	"github.com/pkg/errors"
)

// skeletonMarker is the file name of the skeleton dispatch code. Transported
// stack traces are truncated at the first frame below it so internal
// dispatch frames do not leak to the caller.
const skeletonMarker = "skeleton.go"

const maxChainLength = 32

// Frame is one transported stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// RemoteError is a throwable transported from the peer. It preserves the
// cause chain with per-level type names, messages and pruned stack traces,
// stamped with the addresses of the channel it crossed.
type RemoteError struct {
	ClassName  string
	Message    string
	Frames     []Frame
	LocalAddr  string
	RemoteAddr string

	cause      error
	serialized error
}

func (e *RemoteError) Error() string {
	if e.ClassName == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.ClassName, e.Message)
}

// Unwrap returns the transported cause.
func (e *RemoteError) Unwrap() error {
	return e.cause
}

// Serialized returns the full-fidelity reconstruction of the head
// throwable, if the peer's value survived the object codec.
func (e *RemoteError) Serialized() error {
	return e.serialized
}

// WriteThrowable transports a throwable: address stamps, the cause chain
// from root to head as (type name, message, pruned stack trace) entries,
// then a best-effort full serialization of the head value.
func (o *Output) WriteThrowable(t error) error {
	if t == nil {
		return o.WriteByte(markNull)
	}
	if err := o.WriteByte(markNotNull); err != nil {
		return err
	}

	if err := o.WriteString(o.LocalAddr); err != nil {
		return err
	}
	if err := o.WriteString(o.RemoteAddr); err != nil {
		return err
	}

	chain := collectChain(t)
	if err := o.WriteVarUint(uint32(len(chain))); err != nil {
		return err
	}
	for _, sub := range chain {
		if err := o.WriteString(fmt.Sprintf("%T", sub)); err != nil {
			return err
		}
		if err := o.WriteString(sub.Error()); err != nil {
			return err
		}

		frames := stackFrames(sub)
		if o.PruneStackTraces {
			frames = pruneFrames(frames)
		}
		if err := o.WriteVarUint(uint32(len(frames))); err != nil {
			return err
		}
		for _, f := range frames {
			if err := o.WriteString(f.Function); err != nil {
				return err
			}
			if err := o.WriteString(f.File); err != nil {
				return err
			}
			if err := o.WriteVarUint(uint32(f.Line)); err != nil {
				return err
			}
		}
	}

	// The peer may not be able to decode the full value. It already has
	// the chain above, so this part is best-effort.
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&t); err != nil {
		return o.WriteByte(markNull)
	}
	if err := o.WriteByte(markNotNull); err != nil {
		return err
	}
	if err := o.WriteVarUint(uint32(buf.Len())); err != nil {
		return err
	}
	return o.write(buf.Bytes())
}

// ReadThrowable reads a throwable written by WriteThrowable. The result is
// nil if the peer wrote a nil throwable.
func (i *Input) ReadThrowable() (error, error) {
	mark, err := i.ReadByte()
	if err != nil {
		return nil, err
	}
	if mark == markNull {
		return nil, nil
	}

	localAddr, err := i.ReadString()
	if err != nil {
		return nil, err
	}
	remoteAddr, err := i.ReadString()
	if err != nil {
		return nil, err
	}

	n, err := i.ReadVarUint()
	if err != nil {
		return nil, err
	}

	// Entries arrive root first; each one wraps the previous.
	var head *RemoteError
	for range n {
		re := &RemoteError{
			LocalAddr:  localAddr,
			RemoteAddr: remoteAddr,
		}
		if re.ClassName, err = i.ReadString(); err != nil {
			return nil, err
		}
		if re.Message, err = i.ReadString(); err != nil {
			return nil, err
		}

		fn, err := i.ReadVarUint()
		if err != nil {
			return nil, err
		}
		re.Frames = make([]Frame, fn)
		for fi := range re.Frames {
			f := &re.Frames[fi]
			if f.Function, err = i.ReadString(); err != nil {
				return nil, err
			}
			if f.File, err = i.ReadString(); err != nil {
				return nil, err
			}
			line, err := i.ReadVarUint()
			if err != nil {
				return nil, err
			}
			f.Line = int(line)
		}

		if head != nil {
			re.cause = head
		}
		head = re
	}

	mark, err = i.ReadByte()
	if err != nil {
		return nil, err
	}
	if mark == markNotNull {
		size, err := i.ReadVarUint()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size)
		if err := i.read(buf); err != nil {
			return nil, err
		}
		var serialized error
		if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&serialized); err == nil && head != nil {
			head.serialized = serialized
		}
	}

	if head == nil {
		head = &RemoteError{
			Message:    "remote throwable with empty chain",
			LocalAddr:  localAddr,
			RemoteAddr: remoteAddr,
		}
	}
	return head, nil
}

// collectChain returns the cause chain, root cause first.
func collectChain(t error) []error {
	var chain []error
	for t != nil && len(chain) < maxChainLength {
		chain = append(chain, t)
		t = errors.Unwrap(t)
	}
	for l, r := 0, len(chain)-1; l < r; l, r = l+1, r-1 {
		chain[l], chain[r] = chain[r], chain[l]
	}
	return chain
}

// stackFrames extracts the recorded stack of an error carrying one.
func stackFrames(err error) []Frame {
	st, ok := err.(interface{ StackTrace() errors.StackTrace })
	if !ok {
		return nil
	}

	trace := st.StackTrace()
	frames := make([]Frame, 0, len(trace))
	for _, f := range trace {
		pc := uintptr(f) - 1
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		file, line := fn.FileLine(pc)
		frames = append(frames, Frame{Function: fn.Name(), File: file, Line: line})
	}
	return frames
}

// pruneFrames truncates the trace at the first skeleton dispatch frame, so
// the transported trace ends with the user code the skeleton invoked.
func pruneFrames(frames []Frame) []Frame {
	for idx, f := range frames {
		if path.Base(f.File) == skeletonMarker {
			return frames[:idx]
		}
	}
	return frames
}
