package beam

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/beam/sched"
	"github.com/outofforest/beam/wire"
)

// Response status tags.
const (
	statusOK        = 0
	statusThrowable = 1
	statusBatchAck  = 2
)

// selectorFlush closes a pending batch without invoking anything. It is
// addressed to the zero identifier and handled before skeleton lookup.
const selectorFlush = 0

// Timeout passed as the last argument of Invoke overrides the method's
// default timeout for this call only. It is consumed by the runtime, not
// transmitted. Zero expires immediately, negative values disable the
// timeout.
type Timeout time.Duration

// Stub is the client-side proxy of one remote object. Method calls go
// through Invoke with the method's selector; typed wrappers around Invoke
// play the role of the source's generated proxy classes.
type Stub struct {
	id      wire.Identifier
	version uint32
	typ     *Type

	support atomic.Pointer[stubSupport]
}

func newStub(s *Session, id wire.Identifier, version uint32, typ *Type) *Stub {
	stub := &Stub{
		id:      id,
		version: version,
		typ:     typ,
	}
	stub.support.Store(&stubSupport{s: s})
	return stub
}

// ID returns the identifier binding this stub to the peer's skeleton.
func (s *Stub) ID() wire.Identifier {
	return s.id
}

// Info returns the description of the remote interface.
func (s *Stub) Info() *wire.RemoteInfo {
	return s.typ.Info
}

// Invoke calls the method with the given selector. The call mode follows
// the method's flags: synchronous, asynchronous (acknowledged before the
// body runs), or batched (buffered until the batch closes; the result is
// nil, or a tentative stub when the method returns a remote).
func (s *Stub) Invoke(ctx context.Context, selector uint32, args ...any) (any, error) {
	m := s.typ.Info.Method(selector)
	if m == nil {
		return nil, errors.WithStack(&NoSuchMethodError{Type: s.typ.Info.Name, Selector: selector})
	}
	args, explicit := splitTimeout(args)
	sup := s.support.Load()

	var res any
	var err error
	switch {
	case m.Flags&wire.FlagBatched != 0:
		return sup.invokeBatched(ctx, s, selector, m, args)
	case m.Flags&wire.FlagCompletion != 0:
		return sup.invokeCompletion(ctx, s, selector, m, args)
	case m.Flags&wire.FlagAsynchronous != 0:
		err = sup.invokeAsync(ctx, s, selector, m, args, explicit)
	default:
		res, err = sup.invokeSync(ctx, s, selector, m, args, explicit)
	}

	// A successful disposer call tombstones the stub; the peer already
	// unexported the skeleton.
	if err == nil && m.Flags&wire.FlagDisposer != 0 {
		sup.dispose(s)
		sup.s.registry.removeStubEntry(s.id)
	}
	return res, err
}

// InvokeCompletion calls an asynchronous method whose result arrives
// through a completion callback.
func (s *Stub) InvokeCompletion(ctx context.Context, selector uint32, args ...any) (*Completion, error) {
	m := s.typ.Info.Method(selector)
	if m == nil {
		return nil, errors.WithStack(&NoSuchMethodError{Type: s.typ.Info.Name, Selector: selector})
	}
	args, _ = splitTimeout(args)
	res, err := s.support.Load().invokeCompletion(ctx, s, selector, m, args)
	if err != nil {
		return nil, err
	}
	return res.(*Completion), nil
}

// InvokePipe calls a pipe-mode method: after the request is written the
// raw channel is handed to the caller as a duplex byte pipe.
func (s *Stub) InvokePipe(ctx context.Context, selector uint32, args ...any) (*Pipe, error) {
	m := s.typ.Info.Method(selector)
	if m == nil {
		return nil, errors.WithStack(&NoSuchMethodError{Type: s.typ.Info.Name, Selector: selector})
	}
	args, _ = splitTimeout(args)
	return s.support.Load().invokePipe(ctx, s, selector, m, args)
}

// splitTimeout strips a trailing Timeout argument from the call.
func splitTimeout(args []any) ([]any, *time.Duration) {
	if n := len(args); n > 0 {
		if t, ok := args[n-1].(Timeout); ok {
			d := time.Duration(t)
			return args[:n-1], &d
		}
	}
	return args, nil
}

// stubSupport is the session-backed runtime behind every stub. Disposal
// atomically swaps it for a tombstone which fails every operation with
// NoSuchObjectError.
type stubSupport struct {
	s        *Session
	disposed bool
}

func (sup *stubSupport) check(stub *Stub) error {
	if sup.disposed {
		return errors.WithStack(&NoSuchObjectError{ID: stub.id})
	}
	if sup.s.isClosing() {
		return errors.WithStack(ErrSessionClosed)
	}
	return nil
}

// invoke acquires a channel and writes the request header. The caller
// writes arguments, flushes and reads the response.
func (sup *stubSupport) invoke(ctx context.Context, stub *Stub, selector uint32) (*channel, error) {
	ch, err := sup.s.pool.acquire(ctx)
	if err != nil {
		return nil, err
	}
	if err := writeRequestHeader(ch, stub.id, selector); err != nil {
		sup.s.pool.discard(ch)
		return nil, err
	}
	return ch, nil
}

// invokeTimed additionally schedules the cancel-on-timeout task bound to
// the channel. Immediate removal on cancellation keeps the scheduled set
// from accumulating one entry per call.
func (sup *stubSupport) invokeTimed(ctx context.Context, stub *Stub, selector uint32, timeout time.Duration) (*channel, *sched.Task, error) {
	ch, err := sup.invoke(ctx, stub, selector)
	if err != nil {
		return nil, nil, err
	}

	task, err := sup.s.sched.Schedule(func() {
		ch.disconnect()
	}, timeout)
	if err != nil {
		sup.s.pool.discard(ch)
		return nil, nil, err
	}
	ch.timeout = task
	return ch, task, nil
}

// finished returns the channel to the pool after a normal completion.
func (sup *stubSupport) finished(ch *channel, reset bool) {
	ch.timeout = nil
	sup.s.pool.release(ch, reset)
}

// finishedAndCancelTimeout also cancels the timeout task.
func (sup *stubSupport) finishedAndCancelTimeout(ch *channel, task *sched.Task, reset bool) {
	task.Cancel()
	sup.finished(ch, reset)
}

// failed closes the broken channel and wraps the cause for the caller.
func (sup *stubSupport) failed(method string, ch *channel, cause error) error {
	sup.s.pool.discard(ch)
	if sup.s.isClosing() {
		return errors.WithStack(newCallError(method, ErrSessionClosed))
	}
	return errors.WithStack(newCallError(method, cause))
}

// failedAndCancelTimeout maps the failure to a timeout throwable when the
// cancellation token reports that the timer fired. While the session is
// closing the failure is reported as session-closed instead, since the
// shutdown cancels the timer as well.
func (sup *stubSupport) failedAndCancelTimeout(method string, ch *channel, task *sched.Task, timeout time.Duration, cause error) error {
	if !task.Cancel() && !sup.s.isClosing() {
		sup.s.pool.discard(ch)
		return errors.WithStack(&TimeoutError{Method: method, Timeout: timeout})
	}
	return sup.failed(method, ch, cause)
}

func (sup *stubSupport) invokeSync(ctx context.Context, stub *Stub, selector uint32, m *wire.MethodInfo, args []any, explicit *time.Duration) (any, error) {
	if err := sup.check(stub); err != nil {
		return nil, err
	}

	bs := batchFrom(ctx)
	if bs != nil && bs.ch != nil {
		return sup.closeBatch(ctx, bs, stub.id, selector, m, args)
	}

	timeout := resolveTimeout(ctx, stub.typ.Info, selector, explicit)
	if timeout < 0 {
		ch, err := sup.invoke(ctx, stub, selector)
		if err != nil {
			return nil, errors.WithStack(newCallError(m.Name, err))
		}
		return sup.finishCall(ch, nil, m, 0, args)
	}

	ch, task, err := sup.invokeTimed(ctx, stub, selector, timeout)
	if err != nil {
		return nil, errors.WithStack(newCallError(m.Name, err))
	}
	return sup.finishCall(ch, task, m, timeout, args)
}

// finishCall writes the arguments of a request whose header is already on
// the channel, flushes, and decodes the response.
func (sup *stubSupport) finishCall(ch *channel, task *sched.Task, m *wire.MethodInfo, timeout time.Duration, args []any) (any, error) {
	err := writeArgs(ch, args, wire.Identifier{})
	if err == nil {
		err = ch.flush()
	}
	var res response
	if err == nil {
		res, err = readResponse(ch)
	}
	if err != nil {
		if task != nil {
			return nil, sup.failedAndCancelTimeout(m.Name, ch, task, timeout, err)
		}
		return nil, sup.failed(m.Name, ch, err)
	}

	if task != nil {
		sup.finishedAndCancelTimeout(ch, task, true)
	} else {
		sup.finished(ch, true)
	}
	return res.value, res.err
}

func (sup *stubSupport) invokeAsync(ctx context.Context, stub *Stub, selector uint32, m *wire.MethodInfo, args []any, explicit *time.Duration) error {
	_, err := sup.invokeSync(ctx, stub, selector, m, args, explicit)
	return err
}

func (sup *stubSupport) invokeCompletion(ctx context.Context, stub *Stub, selector uint32, m *wire.MethodInfo, args []any) (any, error) {
	if err := sup.check(stub); err != nil {
		return nil, err
	}

	completion, anchor := sup.createCompletion()
	args = append(args, anchor)

	if _, err := sup.invokeSync(ctx, stub, selector, m, args, nil); err != nil {
		completion.cancel(err)
		return nil, err
	}
	return completion, nil
}

// createCompletion allocates the completion and its callback target. The
// target is exported on first serialization; the peer invokes it exactly
// once and the disposer flag unexports it afterwards.
func (sup *stubSupport) createCompletion() (*Completion, *completionTarget) {
	completion := newCompletion()
	return completion, &completionTarget{completion: completion}
}

func (sup *stubSupport) invokeBatched(ctx context.Context, stub *Stub, selector uint32, m *wire.MethodInfo, args []any) (any, error) {
	if err := sup.check(stub); err != nil {
		return nil, err
	}

	bs := batchFrom(ctx)
	if bs == nil {
		// Without a batch group the call forms a batch of one, closed
		// right away.
		bs = newBatchState()
		if _, err := sup.appendBatched(ctx, bs, stub, selector, m, args); err != nil {
			return nil, err
		}
		return sup.closeBatch(ctx, bs, wire.Identifier{}, selectorFlush, &flushMethod, nil)
	}
	return sup.appendBatched(ctx, bs, stub, selector, m, args)
}

func (sup *stubSupport) appendBatched(ctx context.Context, bs *batchState, stub *Stub, selector uint32, m *wire.MethodInfo, args []any) (any, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.ch == nil {
		ch, err := sup.s.pool.acquire(ctx)
		if err != nil {
			return nil, errors.WithStack(newCallError(m.Name, err))
		}
		sup.batched(ch, bs)
	}

	// Batched calls which nominally return a remote get their identifier
	// now; the peer binds its result to it when the batch executes.
	var result any
	tentative := wire.Identifier{}
	if returnType := sup.s.registry.typeByName(m.ReturnType); returnType != nil {
		tentativeStub, id := sup.createBatchedRemote(returnType)
		result = tentativeStub
		tentative = id
	}

	ch := bs.ch
	if err := writeRequestHeader(ch, stub.id, selector); err != nil {
		return nil, sup.abortBatch(bs, m.Name, err)
	}
	if err := writeArgs(ch, args, tentative); err != nil {
		return nil, sup.abortBatch(bs, m.Name, err)
	}
	bs.pending++
	return result, nil
}

// batched pins the channel to the batch group; other callers cannot
// acquire it until the batch is flushed or aborted.
func (sup *stubSupport) batched(ch *channel, bs *batchState) {
	ch.setState(stateBatched)
	bs.ch = ch
}

// createBatchedRemote allocates the tentative stub for a batched call
// returning a remote.
func (sup *stubSupport) createBatchedRemote(typ *Type) (*Stub, wire.Identifier) {
	id := wire.NewIdentifier()
	stub := newStub(sup.s, id, 0, typ)
	return sup.s.registry.registerStub(sup.s, id, 0, stub), id
}

// closeBatch writes the closing call, flushes the whole sequence and reads
// one acknowledgement per batched call before the closing call's own
// response. A throwable acknowledgement aborts the sequence: the peer
// skipped the remaining batched calls and the closing call.
func (sup *stubSupport) closeBatch(ctx context.Context, bs *batchState, objID wire.Identifier, selector uint32, m *wire.MethodInfo, args []any) (any, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.ch == nil {
		// Nothing batched; run as a plain call.
		ch, err := sup.s.pool.acquire(ctx)
		if err != nil {
			return nil, errors.WithStack(newCallError(m.Name, err))
		}
		sup.batched(ch, bs)
	}
	ch := bs.ch

	if err := writeRequestHeader(ch, objID, selector); err != nil {
		return nil, sup.abortBatch(bs, m.Name, err)
	}
	if err := writeArgs(ch, args, wire.Identifier{}); err != nil {
		return nil, sup.abortBatch(bs, m.Name, err)
	}
	if err := ch.flush(); err != nil {
		return nil, sup.abortBatch(bs, m.Name, err)
	}

	pending := bs.pending
	for range pending {
		status, err := ch.in.ReadByte()
		if err != nil {
			return nil, sup.abortBatch(bs, m.Name, err)
		}
		switch status {
		case statusBatchAck:
		case statusThrowable:
			t, err := ch.in.ReadThrowable()
			if err != nil {
				return nil, sup.abortBatch(bs, m.Name, err)
			}
			sup.releaseBatch(bs)
			return nil, t
		default:
			return nil, sup.abortBatch(bs, m.Name, errors.Errorf("unexpected batch status %d", status))
		}
	}

	res, err := readResponse(ch)
	if err != nil {
		return nil, sup.abortBatch(bs, m.Name, err)
	}
	sup.releaseBatch(bs)
	return res.value, res.err
}

// releaseBatch unpins the channel and returns it to the pool.
func (sup *stubSupport) releaseBatch(bs *batchState) {
	ch := bs.ch
	bs.ch = nil
	bs.pending = 0
	ch.setState(stateLent)
	sup.s.pool.release(ch, true)
}

func (sup *stubSupport) abortBatch(bs *batchState, method string, cause error) error {
	ch := bs.ch
	bs.ch = nil
	bs.pending = 0
	if ch != nil {
		sup.s.pool.discard(ch)
	}
	if sup.s.isClosing() {
		return errors.WithStack(newCallError(method, ErrSessionClosed))
	}
	return errors.WithStack(newCallError(method, cause))
}

func (sup *stubSupport) invokePipe(ctx context.Context, stub *Stub, selector uint32, m *wire.MethodInfo, args []any) (*Pipe, error) {
	if err := sup.check(stub); err != nil {
		return nil, err
	}

	ch, err := sup.invoke(ctx, stub, selector)
	if err != nil {
		return nil, errors.WithStack(newCallError(m.Name, err))
	}
	if err := writeArgs(ch, args, wire.Identifier{}); err != nil {
		return nil, sup.failed(m.Name, ch, err)
	}
	if err := ch.flush(); err != nil {
		return nil, sup.failed(m.Name, ch, err)
	}
	return sup.requestReply(ch), nil
}

// requestReply hands the raw channel to the caller as a user-level pipe.
func (sup *stubSupport) requestReply(ch *channel) *Pipe {
	ch.setState(stateSuspended)
	return &Pipe{
		ch: ch,
		onClose: func(broken bool) {
			if broken {
				sup.s.pool.discard(ch)
				return
			}
			ch.setState(stateLent)
			sup.finished(ch, true)
		},
	}
}

// release hands the raw channel back without pooling it.
func (sup *stubSupport) release(ch *channel) {
	ch.setState(stateSuspended)
}

// dispose swaps this support for a tombstone: every further operation on
// the stub fails with NoSuchObjectError.
func (sup *stubSupport) dispose(stub *Stub) {
	stub.support.Store(&stubSupport{s: sup.s, disposed: true})
}

// flushMethod is the pseudo-method descriptor of the batch-closing flush.
var flushMethod = wire.MethodInfo{Name: "<flush>"}

// resolveTimeout sources the per-call timeout: explicit call parameter,
// method default, interface default. The context deadline wins when it is
// earlier. Negative means no timeout.
func resolveTimeout(ctx context.Context, info *wire.RemoteInfo, selector uint32, explicit *time.Duration) time.Duration {
	timeout := info.MethodTimeout(selector)
	if explicit != nil {
		timeout = *explicit
	}

	if deadline, ok := ctx.Deadline(); ok {
		d := max(time.Until(deadline), 0)
		if timeout < 0 || d < timeout {
			timeout = d
		}
	}
	return timeout
}

type response struct {
	value any
	err   error
}

// readResponse decodes a status-tagged response.
func readResponse(ch *channel) (response, error) {
	status, err := ch.in.ReadByte()
	if err != nil {
		return response{}, err
	}

	switch status {
	case statusOK:
		value, err := ch.in.ReadObject()
		if err != nil {
			return response{}, err
		}
		return response{value: value}, nil
	case statusThrowable:
		t, err := ch.in.ReadThrowable()
		if err != nil {
			return response{}, err
		}
		return response{err: t}, nil
	default:
		return response{}, errors.Errorf("unexpected response status %d", status)
	}
}

func writeRequestHeader(ch *channel, objID wire.Identifier, selector uint32) error {
	if err := ch.out.WriteIdentifier(objID); err != nil {
		return err
	}
	return ch.out.WriteVarUint(selector)
}

func writeArgs(ch *channel, args []any, tentative wire.Identifier) error {
	if err := ch.out.WriteVarUint(uint32(len(args))); err != nil {
		return err
	}
	for _, arg := range args {
		if err := ch.out.WriteObject(arg); err != nil {
			return err
		}
	}
	if tentative.IsZero() {
		return ch.out.WriteByte(markNull)
	}
	if err := ch.out.WriteByte(markNotNull); err != nil {
		return err
	}
	return ch.out.WriteIdentifier(tentative)
}

// Marker bytes mirrored from the wire package for request framing.
const (
	markNull    = 2
	markNotNull = 3
)

// Pipe is a user-visible duplex byte stream carved out of a channel. Close
// recycles the channel: a suspend marker is exchanged in both directions
// and the byte stream rejoins normal framing.
type Pipe struct {
	ch      *channel
	closed  bool
	onClose func(broken bool)
}

func (p *Pipe) Read(b []byte) (int, error) {
	return p.ch.cr.Read(b)
}

func (p *Pipe) Write(b []byte) (int, error) {
	return p.ch.cw.Write(b)
}

// Flush pushes buffered bytes to the peer.
func (p *Pipe) Flush() error {
	return p.ch.flush()
}

// Close recycles the underlying channel back to its owner.
func (p *Pipe) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	// Both sides emit their suspend marker and drain the peer's; writing
	// concurrently with the drain keeps two simultaneous closers from
	// blocking each other on an unbuffered transport.
	wrote := make(chan error, 1)
	go func() {
		wrote <- p.ch.writeSuspend()
	}()

	buf := make([]byte, 1024)
	for {
		_, err := p.ch.cr.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			<-wrote
			p.onClose(true)
			return err
		}
	}
	if err := <-wrote; err != nil {
		p.onClose(true)
		return err
	}
	p.ch.inputResume()
	p.onClose(false)
	return nil
}
