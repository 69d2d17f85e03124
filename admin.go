package beam

import (
	"context"

	"github.com/pkg/errors"

	"github.com/outofforest/beam/wire"
)

// Admin selectors. The admin interface is the hidden remote interface each
// peer exposes to the other to negotiate lifecycle.
const (
	adminSetRemoteServer = 0
	adminGetRemoteInfo   = 1
	adminLookupExport    = 2
	adminDisposed        = 3
	adminDisposedBatch   = 4
	adminHeartbeat       = 5
	adminClosed          = 6
)

var adminType = NewType(&wire.RemoteInfo{
	Name: "beam.Admin",
	Methods: []wire.MethodInfo{
		{Name: "SetRemoteServer", ParamTypes: []string{"any"}, Flags: wire.FlagAsynchronous},
		{Name: "GetRemoteInfo", ParamTypes: []string{"identifier"}, ReturnType: "info"},
		{Name: "LookupExport", ParamTypes: []string{"string"}, ReturnType: "any"},
		{Name: "Disposed", ParamTypes: []string{"identifier"}, Flags: wire.FlagBatched},
		{Name: "DisposedBatch", ParamTypes: []string{"identifiers"}, Flags: wire.FlagBatched},
		{Name: "Heartbeat", Flags: wire.FlagAsynchronous},
		{Name: "Closed", Flags: wire.FlagAsynchronous},
	},
}, adminDispatch)

func adminDispatch(ctx context.Context, target any, selector uint32, args []any) (any, error) {
	s := target.(*Session)

	switch selector {
	case adminSetRemoteServer:
		s.depositRemoteServer(args[0])
		return nil, nil

	case adminGetRemoteInfo:
		id, ok := args[0].(wire.Identifier)
		if !ok {
			return nil, errors.New("identifier expected")
		}
		typ := s.registry.typeFor(id)
		if typ == nil {
			return nil, errors.WithStack(&NoSuchObjectError{ID: id})
		}
		return typ.Info, nil

	case adminLookupExport:
		name, ok := args[0].(string)
		if !ok {
			return nil, errors.New("export name expected")
		}
		obj := s.export(name)
		if obj == nil {
			return nil, errors.Errorf("no export named %q", name)
		}
		return obj, nil

	case adminDisposed:
		id, ok := args[0].(wire.Identifier)
		if !ok {
			return nil, errors.New("identifier expected")
		}
		s.handleDisposed([]wire.Identifier{id})
		return nil, nil

	case adminDisposedBatch:
		list, ok := args[0].([]any)
		if !ok {
			return nil, errors.New("identifier list expected")
		}
		ids := make([]wire.Identifier, 0, len(list))
		for _, v := range list {
			id, ok := v.(wire.Identifier)
			if !ok {
				return nil, errors.New("identifier expected")
			}
			ids = append(ids, id)
		}
		s.handleDisposed(ids)
		return nil, nil

	case adminHeartbeat:
		// Receipt alone refreshes the liveness window.
		return nil, nil

	case adminClosed:
		s.peerClosed()
		return nil, nil

	default:
		return nil, errors.WithStack(&NoSuchMethodError{Type: "beam.Admin", Selector: selector})
	}
}

// admin wraps the peer's admin stub with typed calls.
type admin struct {
	stub *Stub
}

func (a admin) SetRemoteServer(ctx context.Context, obj any) error {
	_, err := a.stub.Invoke(ctx, adminSetRemoteServer, obj)
	return err
}

func (a admin) GetRemoteInfo(ctx context.Context, id wire.Identifier) (*wire.RemoteInfo, error) {
	res, err := a.stub.Invoke(ctx, adminGetRemoteInfo, id)
	if err != nil {
		return nil, err
	}
	info, ok := res.(*wire.RemoteInfo)
	if !ok {
		return nil, errors.Errorf("remote info expected, got %T", res)
	}
	return info, nil
}

func (a admin) LookupExport(ctx context.Context, name string) (any, error) {
	return a.stub.Invoke(ctx, adminLookupExport, name)
}

// DisposedBatch notifies the peer about collected stubs. Batched: the
// request travels with the closing flush.
func (a admin) DisposedBatch(ctx context.Context, ids []wire.Identifier) error {
	list := make([]any, 0, len(ids))
	for _, id := range ids {
		list = append(list, id)
	}
	_, err := a.stub.Invoke(ctx, adminDisposedBatch, list)
	return err
}

func (a admin) Heartbeat(ctx context.Context) error {
	_, err := a.stub.Invoke(ctx, adminHeartbeat)
	return err
}

func (a admin) Closed(ctx context.Context) error {
	_, err := a.stub.Invoke(ctx, adminClosed)
	return err
}
