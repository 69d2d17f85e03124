package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestVarUintRoundTrip(t *testing.T) {
	requireT := require.New(t)

	values := []struct {
		v    uint32
		size int
	}{
		{0, 1},
		{1, 1},
		{127, 1},
		{128, 2},
		{1<<14 - 1, 2},
		{1 << 14, 3},
		{1<<21 - 1, 3},
		{1 << 21, 4},
		{1<<28 - 1, 4},
		{1 << 28, 5},
		{1<<32 - 1, 5},
	}

	for _, tc := range values {
		var buf bytes.Buffer
		out := NewOutput(&buf)
		requireT.NoError(out.WriteVarUint(tc.v))
		requireT.Equal(tc.size, buf.Len(), "value %d", tc.v)

		in := NewInput(&buf)
		got, err := in.ReadVarUint()
		requireT.NoError(err)
		requireT.Equal(tc.v, got)
	}
}

func TestStringEncoding(t *testing.T) {
	requireT := require.New(t)

	cases := []struct {
		s    string
		size int // payload bytes, excluding the length prefix
	}{
		{"", 0},
		{"a", 1},
		{"hello", 5},
		{"\x7f", 1},
		{"\u0080", 2},
		{"㿿", 2},
		{"䀀", 3},
		{"￿", 3},
		{"\U0001f600", 3}, // one code point above the BMP, counted as two units
		{"héllo wörld", 13},
	}

	for _, tc := range cases {
		var buf bytes.Buffer
		out := NewOutput(&buf)
		requireT.NoError(out.WriteString(tc.s))

		prefix := 1
		units := 0
		for _, r := range tc.s {
			if r > 0xffff {
				units += 2
			} else {
				units++
			}
		}
		if units+1 >= 1<<7 {
			prefix = 2
		}
		requireT.Equal(prefix+tc.size, buf.Len(), "string %q", tc.s)

		in := NewInput(&buf)
		got, err := in.ReadString()
		requireT.NoError(err)
		requireT.Equal(tc.s, got)
	}
}

func TestLongStringRoundTrip(t *testing.T) {
	requireT := require.New(t)

	s := ""
	for range 1000 {
		s += "abcé䀀\U0001f600"
	}

	var buf bytes.Buffer
	out := NewOutput(&buf)
	requireT.NoError(out.WriteString(s))

	in := NewInput(&buf)
	got, err := in.ReadString()
	requireT.NoError(err)
	requireT.Equal(s, got)
}

func TestIdentifierRoundTrip(t *testing.T) {
	requireT := require.New(t)

	id := NewIdentifier()
	requireT.False(id.IsZero())
	requireT.NotEqual(id, NewIdentifier())

	vid := VersionedIdentifier{ID: id, LocalVersion: 3, RemoteVersion: 7}

	var buf bytes.Buffer
	out := NewOutput(&buf)
	requireT.NoError(out.WriteVersionedIdentifier(vid))

	in := NewInput(&buf)
	got, err := in.ReadVersionedIdentifier()
	requireT.NoError(err)
	requireT.Equal(vid, got)
}

func TestObjectRoundTrip(t *testing.T) {
	requireT := require.New(t)

	id := NewIdentifier()
	values := []any{
		nil,
		true,
		false,
		int64(-42),
		uint64(42),
		float32(1.5),
		3.25,
		"text",
		[]byte{1, 2, 3},
		[]any{int64(1), "two", nil},
		map[string]any{"a": int64(1), "b": "two"},
		time.Unix(0, 1234567890).UTC(),
		42 * time.Second,
		id,
	}

	var buf bytes.Buffer
	out := NewOutput(&buf)
	for _, v := range values {
		requireT.NoError(out.WriteObject(v))
	}

	in := NewInput(&buf)
	for _, v := range values {
		got, err := in.ReadObject()
		requireT.NoError(err)
		requireT.Equal(v, got)
	}
}

func TestObjectIntWidening(t *testing.T) {
	requireT := require.New(t)

	var buf bytes.Buffer
	out := NewOutput(&buf)
	requireT.NoError(out.WriteObject(7))
	requireT.NoError(out.WriteObject(int32(-7)))

	in := NewInput(&buf)
	got, err := in.ReadObject()
	requireT.NoError(err)
	requireT.Equal(int64(7), got)
	got, err = in.ReadObject()
	requireT.NoError(err)
	requireT.Equal(int64(-7), got)
}

type gobValue struct {
	A int
	B string
}

func TestObjectGobFallback(t *testing.T) {
	requireT := require.New(t)
	RegisterType(gobValue{})

	var buf bytes.Buffer
	out := NewOutput(&buf)
	requireT.NoError(out.WriteObject(gobValue{A: 1, B: "x"}))

	in := NewInput(&buf)
	got, err := in.ReadObject()
	requireT.NoError(err)
	requireT.Equal(gobValue{A: 1, B: "x"}, got)
}

func TestRemoteInfoRoundTripAndStableID(t *testing.T) {
	requireT := require.New(t)

	info := &RemoteInfo{
		Name:       "test.Echo",
		Interfaces: []string{"test.Base"},
		Timeout:    time.Second,
		Methods: []MethodInfo{
			{
				Name:       "Echo",
				ParamTypes: []string{"string"},
				ReturnType: "string",
				Throwables: []string{"RemoteError"},
				Flags:      FlagAsynchronous | FlagBatched,
				Timeout:    100 * time.Millisecond,
			},
		},
	}

	requireT.Equal(info.TypeID(), info.TypeID())

	other := *info
	other.Name = "test.Echo2"
	requireT.NotEqual(info.TypeID(), other.TypeID())

	var buf bytes.Buffer
	out := NewOutput(&buf)
	requireT.NoError(out.WriteObject(info))

	in := NewInput(&buf)
	got, err := in.ReadObject()
	requireT.NoError(err)
	requireT.Equal(info, got)
	requireT.Equal(info.TypeID(), got.(*RemoteInfo).TypeID())
}

func TestRemoteInfoBackReference(t *testing.T) {
	requireT := require.New(t)

	info := &RemoteInfo{Name: "test.Echo"}

	var buf bytes.Buffer
	out := NewOutput(&buf)
	requireT.NoError(out.WriteObject(info))
	requireT.NoError(out.WriteObject(info))

	in := NewInput(&buf)
	first, err := in.ReadObject()
	requireT.NoError(err)
	second, err := in.ReadObject()
	requireT.NoError(err)
	requireT.Same(first.(*RemoteInfo), second.(*RemoteInfo))

	// After a reset the marker travels in-band and the full description is
	// written again.
	out.Reset()
	requireT.NoError(out.WriteObject(info))
	third, err := in.ReadObject()
	requireT.NoError(err)
	requireT.Equal(info, third)
	requireT.NotSame(first.(*RemoteInfo), third.(*RemoteInfo))
}

type fakeRemote struct {
	id Identifier
}

func TestRemoteSubstitution(t *testing.T) {
	requireT := require.New(t)

	remote := &fakeRemote{id: NewIdentifier()}
	typeID := NewIdentifier()
	info := &RemoteInfo{Name: "test.Remote"}

	var buf bytes.Buffer
	out := NewOutput(&buf)
	sent := 0
	out.ReplaceRemote = func(v any) (*MarshalledRemote, bool) {
		r, ok := v.(*fakeRemote)
		if !ok {
			return nil, false
		}
		mr := &MarshalledRemote{ObjID: r.id, TypeID: typeID}
		if sent == 0 {
			mr.Info = info
		}
		sent++
		return mr, true
	}

	requireT.NoError(out.WriteObject(remote))
	requireT.NoError(out.WriteObject(remote))
	requireT.NoError(out.WriteObject("plain"))

	in := NewInput(&buf)
	resolved := 0
	in.ResolveRemote = func(mr *MarshalledRemote) (any, error) {
		resolved++
		requireT.Equal(remote.id, mr.ObjID)
		requireT.Equal(typeID, mr.TypeID)
		requireT.NotNil(mr.Info)
		return &fakeRemote{id: mr.ObjID}, nil
	}

	first, err := in.ReadObject()
	requireT.NoError(err)
	second, err := in.ReadObject()
	requireT.NoError(err)
	// The second write was a back-reference, resolved exactly once.
	requireT.Equal(1, resolved)
	requireT.Same(first.(*fakeRemote), second.(*fakeRemote))

	plain, err := in.ReadObject()
	requireT.NoError(err)
	requireT.Equal("plain", plain)
}

type chainError struct {
	msg   string
	cause error
}

func (e chainError) Error() string { return e.msg }
func (e chainError) Unwrap() error { return e.cause }

func TestThrowableChain(t *testing.T) {
	requireT := require.New(t)

	root := errors.New("C")
	mid := chainError{msg: "B", cause: root}
	head := chainError{msg: "A", cause: mid}

	var buf bytes.Buffer
	out := NewOutput(&buf)
	out.LocalAddr = "local:1"
	out.RemoteAddr = "remote:2"
	out.PruneStackTraces = true
	requireT.NoError(out.WriteThrowable(head))

	in := NewInput(&buf)
	got, err := in.ReadThrowable()
	requireT.NoError(err)
	requireT.NotNil(got)

	var re *RemoteError
	requireT.ErrorAs(got, &re)
	requireT.Equal("local:1", re.LocalAddr)
	requireT.Equal("remote:2", re.RemoteAddr)
	requireT.Contains(re.Message, "A")

	var chain []*RemoteError
	for e := got; e != nil; e = errors.Unwrap(e) {
		re, ok := e.(*RemoteError)
		requireT.True(ok)
		chain = append(chain, re)
	}
	requireT.Len(chain, 3)
	requireT.Contains(chain[2].Message, "C")

	for _, re := range chain {
		for _, f := range re.Frames {
			requireT.NotEqual(skeletonMarker, f.File)
		}
	}
}

func TestThrowableNil(t *testing.T) {
	requireT := require.New(t)

	var buf bytes.Buffer
	out := NewOutput(&buf)
	requireT.NoError(out.WriteThrowable(nil))

	in := NewInput(&buf)
	got, err := in.ReadThrowable()
	requireT.NoError(err)
	requireT.Nil(got)
}

func TestPruneFrames(t *testing.T) {
	requireT := require.New(t)

	frames := []Frame{
		{Function: "user.Method", File: "/src/user/code.go", Line: 10},
		{Function: "beam.dispatch", File: "/src/beam/skeleton.go", Line: 20},
		{Function: "beam.accept", File: "/src/beam/session.go", Line: 30},
	}

	pruned := pruneFrames(frames)
	requireT.Len(pruned, 1)
	requireT.Equal("user.Method", pruned[0].Function)

	clean := []Frame{{Function: "a", File: "a.go", Line: 1}}
	requireT.Equal(clean, pruneFrames(clean))
}
