package beam

import (
	"context"

	"github.com/outofforest/beam/wire"
)

// DispatchFunc invokes the method with the given selector on the target.
// It is the server half of a remote interface: a plain switch over
// selectors replacing the source's generated skeleton classes.
type DispatchFunc func(ctx context.Context, target any, selector uint32, args []any) (any, error)

// Type pairs the serializable description of a remote interface with its
// dispatch function. A Type received from the peer before the local side
// registered it has no dispatch function and backs stubs only.
type Type struct {
	Info     *wire.RemoteInfo
	Dispatch DispatchFunc

	id wire.Identifier
}

// NewType creates a type descriptor. The type identifier is derived from
// the description, so both peers agree on it without a round trip.
func NewType(info *wire.RemoteInfo, dispatch DispatchFunc) *Type {
	return &Type{
		Info:     info,
		Dispatch: dispatch,
		id:       info.TypeID(),
	}
}

// ID returns the type identifier.
func (t *Type) ID() wire.Identifier {
	if t.id.IsZero() {
		t.id = t.Info.TypeID()
	}
	return t.id
}

// Remote marks a value as remotely invocable. A Remote written to the peer
// is substituted by a reference; the peer receives a stub. The first write
// exports the object, binding a skeleton to it.
type Remote interface {
	RemoteType() *Type
}
