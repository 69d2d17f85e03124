package beam

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"

	"github.com/outofforest/beam/sched"
	"github.com/outofforest/beam/transport"
	"github.com/outofforest/beam/wire"
)

// Session connects two peers over a transport: it owns the channel pool,
// both identifier registries, the peer admin proxy, the heartbeat clock
// and the accept loop.
type Session struct {
	config    Config
	transport transport.Transport
	sched     *sched.Pool
	registry  *registry
	pool      *channelPool

	pruneStackTraces bool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closing  bool
	channels map[*channel]struct{}
	exports  map[string]Remote

	serverMu    sync.Mutex
	serverValue any
	serverSet   bool
	serverCh    chan struct{}

	adminSkeleton *skeleton
	peerAdmin     *Stub
	admin         admin

	// nextExpectedHeartbeat is the unix-nano instant the peer must have
	// spoken by; heartbeatTask drives our own sends.
	nextExpectedHeartbeat int64
	heartbeatTask         *sched.Task
	checkTask             *sched.Task
	reapTask              *sched.Task

	reapMu  sync.Mutex
	reapBuf []wire.Identifier

	closeOnce sync.Once
	closedCh  chan struct{}
}

// Connect establishes a session over the transport. Both handshake halves
// run concurrently: one channel is opened carrying the local admin
// reference while another is accepted carrying the peer's, so neither side
// blocks on a peer which has not sent yet.
func Connect(ctx context.Context, tr transport.Transport, config Config) (*Session, error) {
	config = config.withDefaults()
	f := processFlags()

	s := &Session{
		config:           config,
		transport:        tr,
		registry:         newRegistry(),
		pruneStackTraces: f.PruneServerStackTraces,
		channels:         map[*channel]struct{}{},
		exports:          map[string]Remote{},
		serverCh:         make(chan struct{}),
		closedCh:         make(chan struct{}),
	}
	s.pool = newChannelPool(s)
	s.sched = sched.NewPool(sched.Config{
		MaxWorkers:     config.MaxWorkers,
		SaturationDump: f.LimitReachedThreadDump,
		SaturationExit: f.LimitReachedSystemExit,
	}, logger.Get(ctx))

	s.registry.registerType(adminType)
	s.registry.registerType(completionType)
	s.adminSkeleton = s.registry.identifySkeleton(s, s, adminType)

	for name, obj := range config.Exports {
		s.exports[name] = obj
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	serveCh, err := s.handshake(ctx)
	if err != nil {
		s.cancel()
		s.sched.Shutdown()
		return nil, err
	}

	s.refreshHeartbeat()
	if err := s.startClock(); err != nil {
		s.cancel()
		s.sched.Shutdown()
		return nil, err
	}

	go func() {
		err := parallel.Run(s.ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
			spawn("accept", parallel.Fail, s.acceptLoop)
			spawn("serve", parallel.Continue, func(ctx context.Context) error {
				return s.serveChannel(ctx, serveCh)
			})
			return nil
		})
		if err != nil && !s.isClosing() && !errors.Is(err, context.Canceled) {
			logger.Get(s.ctx).Error("Session failed", zap.Error(err))
		}
		_ = s.Close()
	}()

	return s, nil
}

// RemoteType exposes the session itself as the admin remote.
func (s *Session) RemoteType() *Type {
	return adminType
}

// handshake exchanges admin references. The two halves proceed in separate
// tasks; doing them sequentially deadlocks when the peer has not written
// its reference yet.
func (s *Session) handshake(ctx context.Context) (*channel, error) {
	var serveCh *channel

	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("open", parallel.Fail, func(ctx context.Context) error {
			conn, err := s.transport.Open(ctx)
			if err != nil {
				return err
			}
			ch := newChannel(conn, s)
			if err := ch.out.WriteObject(s); err != nil {
				return err
			}
			if err := ch.flush(); err != nil {
				return err
			}
			s.pool.release(ch, true)
			return nil
		})
		spawn("accept", parallel.Fail, func(ctx context.Context) error {
			conn, err := s.transport.Accept(ctx)
			if err != nil {
				return err
			}
			ch := newChannel(conn, s)
			v, err := ch.in.ReadObject()
			if err != nil {
				return err
			}
			stub, ok := v.(*Stub)
			if !ok {
				return errors.Errorf("admin reference expected, got %T", v)
			}
			s.peerAdmin = stub
			s.admin = admin{stub: stub}
			serveCh = ch
			return nil
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return serveCh, nil
}

// startClock schedules heartbeats, the liveness check and the periodic
// reclamation flush.
func (s *Session) startClock() error {
	h := s.config.HeartbeatInterval

	var err error
	s.heartbeatTask, err = s.sched.ScheduleAtFixedRate(func() {
		if err := s.admin.Heartbeat(s.ctx); err != nil && !s.isClosing() {
			logger.Get(s.ctx).Warn("Heartbeat failed", zap.Error(err))
		}
	}, h/2, h/2)
	if err != nil {
		return err
	}

	s.checkTask, err = s.sched.ScheduleAtFixedRate(func() {
		if time.Now().UnixNano() > s.expectedHeartbeat() {
			logger.Get(s.ctx).Error("Peer heartbeat expired, closing session")
			_ = s.Close()
		}
	}, h/2, h/2)
	if err != nil {
		return err
	}

	s.reapTask, err = s.sched.ScheduleAtFixedRate(func() {
		s.flushDisposals(s.ctx)
	}, h, h)
	return err
}

// acceptLoop accepts incoming channels. Service of an accepted channel is
// scheduled on the worker pool, so the accepter is back on the transport
// before the first request dispatches; a long call never blocks accepts.
func (s *Session) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.transport.Accept(ctx)
		if err != nil {
			if s.isClosing() || ctx.Err() != nil {
				return nil
			}
			return err
		}

		ch := newChannel(conn, s)
		if err := s.sched.Execute(func() {
			_ = s.serveChannel(s.ctx, ch)
		}); err != nil {
			// Saturated or shutting down; the channel cannot be served.
			ch.close()
		}
	}
}

func (s *Session) track(ch *channel) {
	s.mu.Lock()
	s.channels[ch] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) forget(ch *channel) {
	s.mu.Lock()
	delete(s.channels, ch)
	s.mu.Unlock()
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Export offers an object to the peer under a name.
func (s *Session) Export(name string, obj Remote) {
	s.mu.Lock()
	s.exports[name] = obj
	s.mu.Unlock()
}

func (s *Session) export(name string) Remote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exports[name]
}

// Lookup resolves a named export of the peer to a stub.
func (s *Session) Lookup(ctx context.Context, name string) (*Stub, error) {
	if s.isClosing() {
		return nil, errors.WithStack(ErrSessionClosed)
	}
	v, err := s.admin.LookupExport(ctx, name)
	if err != nil {
		return nil, err
	}
	stub, ok := v.(*Stub)
	if !ok {
		return nil, errors.Errorf("stub expected, got %T", v)
	}
	return stub, nil
}

// RegisterType makes a dispatchable type known before any object of it
// crosses the wire.
func (s *Session) RegisterType(typ *Type) {
	s.registry.registerType(typ)
}

// Send deposits the shared server object on the peer.
func (s *Session) Send(ctx context.Context, obj any) error {
	if s.isClosing() {
		return errors.WithStack(ErrSessionClosed)
	}
	return s.admin.SetRemoteServer(ctx, obj)
}

// Receive waits for the shared server object deposited by the peer. A nil
// deposit is distinguished from "not yet arrived" by the slot's set flag.
func (s *Session) Receive(ctx context.Context) (any, error) {
	s.serverMu.Lock()
	if s.serverSet {
		v := s.serverValue
		s.serverMu.Unlock()
		return v, nil
	}
	wait := s.serverCh
	s.serverMu.Unlock()

	select {
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	case <-s.closedCh:
		return nil, errors.WithStack(ErrSessionClosed)
	case <-wait:
		s.serverMu.Lock()
		defer s.serverMu.Unlock()
		return s.serverValue, nil
	}
}

func (s *Session) depositRemoteServer(v any) {
	s.serverMu.Lock()
	defer s.serverMu.Unlock()
	s.serverValue = v
	if !s.serverSet {
		s.serverSet = true
		close(s.serverCh)
	}
}

// Dispose proactively releases a stub: every further call on it fails with
// NoSuchObjectError and the peer unexports the skeleton.
func (s *Session) Dispose(ctx context.Context, stub *Stub) error {
	stub.support.Load().dispose(stub)
	s.registry.removeStubEntry(stub.id)

	if s.isClosing() {
		return nil
	}
	batchCtx := s.Batch(ctx)
	if _, err := s.peerAdmin.Invoke(batchCtx, adminDisposed, stub.id); err != nil {
		return err
	}
	return s.Flush(batchCtx)
}

// SkeletonCount reports the number of exported skeletons, admin included.
func (s *Session) SkeletonCount() int {
	return s.registry.skeletonCount()
}

// PoolSize reports the number of idle pooled channels.
func (s *Session) PoolSize() int {
	return s.pool.size()
}

// Done is closed when the session has fully closed.
func (s *Session) Done() <-chan struct{} {
	return s.closedCh
}

// Close shuts the session down in order: the peer is notified, new
// invocations are refused, scheduled tasks are cancelled, skeletons are
// dropped and the transport is closed. In-flight calls observe closed
// channels and fail with the session-closed throwable.
func (s *Session) Close() error {
	s.close(true)
	return nil
}

func (s *Session) peerClosed() {
	s.close(false)
}

func (s *Session) close(notifyPeer bool) {
	s.closeOnce.Do(func() {
		if notifyPeer && s.peerAdmin != nil {
			_ = s.admin.Closed(s.ctx)
		}

		s.mu.Lock()
		s.closing = true
		channels := make([]*channel, 0, len(s.channels))
		for ch := range s.channels {
			channels = append(channels, ch)
		}
		s.channels = map[*channel]struct{}{}
		s.mu.Unlock()

		if s.heartbeatTask != nil {
			s.heartbeatTask.Cancel()
		}
		if s.checkTask != nil {
			s.checkTask.Cancel()
		}
		if s.reapTask != nil {
			s.reapTask.Cancel()
		}
		s.sched.Shutdown()

		s.registry.allSkeletons()
		s.pool.close()
		for _, ch := range channels {
			ch.disconnect()
		}

		s.cancel()
		_ = s.transport.Close()
		close(s.closedCh)
	})
}

func (s *Session) refreshHeartbeat() {
	s.mu.Lock()
	s.nextExpectedHeartbeat = time.Now().Add(s.config.HeartbeatInterval).UnixNano()
	s.mu.Unlock()
}

func (s *Session) expectedHeartbeat() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextExpectedHeartbeat
}

// replaceRemote substitutes remote values on the write side: stubs keep
// their identity; exported objects gain a skeleton on first serialization.
// The type description rides along on its first transmission only.
func (s *Session) replaceRemote(v any) (*wire.MarshalledRemote, bool) {
	switch r := v.(type) {
	case *Stub:
		mr := &wire.MarshalledRemote{ObjID: r.id, Version: r.version, TypeID: r.typ.ID()}
		if s.registry.shouldSendInfo(r.typ) {
			mr.Info = r.typ.Info
		}
		return mr, true

	case Remote:
		sk := s.registry.identifySkeleton(s, r, r.RemoteType())
		mr := &wire.MarshalledRemote{ObjID: sk.id, Version: sk.version, TypeID: sk.typ.ID()}
		if s.registry.shouldSendInfo(sk.typ) {
			mr.Info = sk.typ.Info
		}
		return mr, true

	default:
		return nil, false
	}
}

// resolveRemote resolves a marshalled remote on the read side: the local
// original when the identifier denotes a skeleton here, an existing stub,
// or a fresh stub from the type descriptor. Unknown descriptors are
// requested through the peer admin.
func (s *Session) resolveRemote(mr *wire.MarshalledRemote) (any, error) {
	if sk := s.registry.skeletonFor(mr.ObjID); sk != nil {
		return sk.target, nil
	}

	if !s.registry.updateRemoteVersion(mr.ObjID, mr.Version) {
		if stub := s.registry.stubFor(mr.ObjID); stub != nil {
			return stub, nil
		}
	}

	typ := s.registry.typeFor(mr.TypeID)
	if typ == nil {
		if mr.Info != nil {
			typ = NewType(mr.Info, nil)
			s.registry.registerType(typ)
		} else {
			var err error
			typ, err = s.fetchType(mr.TypeID)
			if err != nil {
				return nil, err
			}
		}
	}

	stub := newStub(s, mr.ObjID, mr.Version, typ)
	return s.registry.registerStub(s, mr.ObjID, mr.Version, stub), nil
}

// fetchType requests an unknown type descriptor from the peer admin. The
// nested call detaches from any pending batch of the calling context.
func (s *Session) fetchType(id wire.Identifier) (*Type, error) {
	if s.peerAdmin == nil {
		return nil, errors.Errorf("unknown remote type %s", id)
	}

	ctx := s.ctx
	pin := unbatch(ctx)
	defer rebatch(ctx, pin)

	info, err := s.admin.GetRemoteInfo(ctx, id)
	if err != nil {
		return nil, err
	}
	typ := NewType(info, nil)
	s.registry.registerType(typ)
	return typ, nil
}
