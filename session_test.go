package beam_test

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/qa"

	"github.com/outofforest/beam"
	"github.com/outofforest/beam/transport"
	"github.com/outofforest/beam/wire"
)

const (
	echoSelEcho = iota
	echoSelSleep
	echoSelFail
	echoSelNewChild
	echoSelAdd
	echoSelNotify
	echoSelStream
	echoSelDismiss
	echoSelChild
)

var echoType = beam.NewType(&wire.RemoteInfo{
	Name: "test.Echo",
	Methods: []wire.MethodInfo{
		{Name: "Echo", ParamTypes: []string{"string"}, ReturnType: "string"},
		{Name: "Sleep", ParamTypes: []string{"duration"}},
		{Name: "Fail"},
		{Name: "NewChild", ReturnType: "test.Echo", Flags: wire.FlagBatched},
		{Name: "Add", ParamTypes: []string{"int", "int"}, ReturnType: "int", Flags: wire.FlagAsynchronous | wire.FlagCompletion},
		{Name: "Notify", ParamTypes: []string{"string"}, Flags: wire.FlagAsynchronous},
		{Name: "Stream", Flags: wire.FlagPipe},
		{Name: "Dismiss", Flags: wire.FlagDisposer},
		{Name: "Child", ReturnType: "test.Echo"},
	},
}, echoDispatch)

type failureB struct {
	cause error
}

func (e failureB) Error() string { return "B failed" }
func (e failureB) Unwrap() error { return e.cause }

type failureA struct {
	cause error
}

func (e failureA) Error() string { return "A failed" }
func (e failureA) Unwrap() error { return e.cause }

type echoServer struct {
	mu       sync.Mutex
	child    *echoServer
	notified chan string
}

func newEchoServer() *echoServer {
	return &echoServer{notified: make(chan string, 10)}
}

func (e *echoServer) RemoteType() *beam.Type {
	return echoType
}

func echoDispatch(ctx context.Context, target any, selector uint32, args []any) (any, error) {
	e := target.(*echoServer)

	switch selector {
	case echoSelEcho:
		return args[0], nil
	case echoSelSleep:
		time.Sleep(args[0].(time.Duration))
		return nil, nil
	case echoSelFail:
		return nil, failureA{cause: failureB{cause: errors.New("C failed")}}
	case echoSelNewChild, echoSelChild:
		e.mu.Lock()
		defer e.mu.Unlock()
		if selector == echoSelNewChild || e.child == nil {
			child := newEchoServer()
			if selector == echoSelNewChild {
				return child, nil
			}
			e.child = child
		}
		return e.child, nil
	case echoSelAdd:
		return args[0].(int64) + args[1].(int64), nil
	case echoSelNotify:
		e.notified <- args[0].(string)
		return nil, nil
	case echoSelStream:
		pipe := args[len(args)-1].(*beam.Pipe)
		buf := make([]byte, 4)
		if _, err := io.ReadFull(pipe, buf); err != nil {
			return nil, err
		}
		if _, err := pipe.Write(buf); err != nil {
			return nil, err
		}
		return nil, pipe.Flush()
	case echoSelDismiss:
		return nil, nil
	default:
		return nil, errors.Errorf("unknown selector %d", selector)
	}
}

func testConfig() beam.Config {
	return beam.Config{
		HeartbeatInterval: 500 * time.Millisecond,
	}
}

func newSessionPair(t *testing.T, configA, configB beam.Config) (*beam.Session, *beam.Session) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	ta, tb := transport.Pair()

	type result struct {
		s   *beam.Session
		err error
	}
	resA := make(chan result, 1)
	resB := make(chan result, 1)
	go func() {
		s, err := beam.Connect(ctx, ta, configA)
		resA <- result{s: s, err: err}
	}()
	go func() {
		s, err := beam.Connect(ctx, tb, configB)
		resB <- result{s: s, err: err}
	}()

	ra := <-resA
	rb := <-resB
	requireT.NoError(ra.err)
	requireT.NoError(rb.err)

	t.Cleanup(func() {
		_ = ra.s.Close()
		_ = rb.s.Close()
	})
	return ra.s, rb.s
}

func TestEcho(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	server := newEchoServer()
	configB := testConfig()
	configB.Exports = map[string]beam.Remote{"echo": server}
	sa, _ := newSessionPair(t, testConfig(), configB)

	stub, err := sa.Lookup(ctx, "echo")
	requireT.NoError(err)

	res, err := stub.Invoke(ctx, echoSelEcho, "hello")
	requireT.NoError(err)
	requireT.Equal("hello", res)
}

func TestLookupUnknownExport(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	sa, _ := newSessionPair(t, testConfig(), testConfig())

	_, err := sa.Lookup(ctx, "missing")
	requireT.Error(err)
	requireT.Contains(err.Error(), "missing")
}

func TestSendReceive(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	sa, sb := newSessionPair(t, testConfig(), testConfig())

	requireT.NoError(sa.Send(ctx, "shared"))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	v, err := sb.Receive(waitCtx)
	requireT.NoError(err)
	requireT.Equal("shared", v)
}

func TestRemoteObjectRoundTrip(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	server := newEchoServer()
	configB := testConfig()
	configB.Exports = map[string]beam.Remote{"echo": server}
	sa, _ := newSessionPair(t, testConfig(), configB)

	stub, err := sa.Lookup(ctx, "echo")
	requireT.NoError(err)

	// A plain value round-trips first; then a remote object returned by the
	// server arrives as a stub that serves calls.
	res, err := stub.Invoke(ctx, echoSelEcho, "ping")
	requireT.NoError(err)
	requireT.Equal("ping", res)

	child, err := stub.Invoke(ctx, echoSelChild)
	requireT.NoError(err)
	childStub, ok := child.(*beam.Stub)
	requireT.True(ok)

	res, err = childStub.Invoke(ctx, echoSelEcho, "child")
	requireT.NoError(err)
	requireT.Equal("child", res)
}

func TestConcurrentDeserializationConverges(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	server := newEchoServer()
	configB := testConfig()
	configB.Exports = map[string]beam.Remote{"echo": server}
	sa, _ := newSessionPair(t, testConfig(), configB)

	stub, err := sa.Lookup(ctx, "echo")
	requireT.NoError(err)

	results := make(chan *beam.Stub, 2)
	for range 2 {
		go func() {
			res, err := stub.Invoke(ctx, echoSelChild)
			if err != nil {
				results <- nil
				return
			}
			results <- res.(*beam.Stub)
		}()
	}

	first := <-results
	second := <-results
	requireT.NotNil(first)
	requireT.NotNil(second)
	requireT.Same(first, second)
}

func TestAsynchronousNotify(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	server := newEchoServer()
	configB := testConfig()
	configB.Exports = map[string]beam.Remote{"echo": server}
	sa, _ := newSessionPair(t, testConfig(), configB)

	stub, err := sa.Lookup(ctx, "echo")
	requireT.NoError(err)

	_, err = stub.Invoke(ctx, echoSelNotify, "event")
	requireT.NoError(err)

	select {
	case msg := <-server.notified:
		requireT.Equal("event", msg)
	case <-time.After(5 * time.Second):
		requireT.Fail("notification did not arrive")
	}
}

func TestCompletion(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	server := newEchoServer()
	configB := testConfig()
	configB.Exports = map[string]beam.Remote{"echo": server}
	sa, _ := newSessionPair(t, testConfig(), configB)

	stub, err := sa.Lookup(ctx, "echo")
	requireT.NoError(err)

	completion, err := stub.InvokeCompletion(ctx, echoSelAdd, int64(2), int64(3))
	requireT.NoError(err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := completion.Wait(waitCtx)
	requireT.NoError(err)
	requireT.Equal(int64(5), res)
}

func TestBatchedCreation(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	server := newEchoServer()
	configB := testConfig()
	configB.Exports = map[string]beam.Remote{"echo": server}
	sa, _ := newSessionPair(t, testConfig(), configB)

	stub, err := sa.Lookup(ctx, "echo")
	requireT.NoError(err)

	batchCtx := sa.Batch(ctx)
	children := make([]*beam.Stub, 0, 4)
	for range 4 {
		res, err := stub.Invoke(batchCtx, echoSelNewChild)
		requireT.NoError(err)
		child, ok := res.(*beam.Stub)
		requireT.True(ok)
		children = append(children, child)
	}
	requireT.NoError(sa.Flush(batchCtx))

	// All four stubs are usable, backed by identifiers assigned at call
	// time.
	seen := map[wire.Identifier]bool{}
	for idx, child := range children {
		res, err := child.Invoke(ctx, echoSelEcho, fmt.Sprintf("child-%d", idx))
		requireT.NoError(err)
		requireT.Equal(fmt.Sprintf("child-%d", idx), res)
		requireT.False(seen[child.ID()])
		seen[child.ID()] = true
	}
}

func TestBatchClosedByNonBatchedCall(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	server := newEchoServer()
	configB := testConfig()
	configB.Exports = map[string]beam.Remote{"echo": server}
	sa, _ := newSessionPair(t, testConfig(), configB)

	stub, err := sa.Lookup(ctx, "echo")
	requireT.NoError(err)

	batchCtx := sa.Batch(ctx)
	res, err := stub.Invoke(batchCtx, echoSelNewChild)
	requireT.NoError(err)
	child := res.(*beam.Stub)

	// The non-batched call transmits the batch and returns its own result.
	res, err = stub.Invoke(batchCtx, echoSelEcho, "closing")
	requireT.NoError(err)
	requireT.Equal("closing", res)

	res, err = child.Invoke(ctx, echoSelEcho, "after")
	requireT.NoError(err)
	requireT.Equal("after", res)
}

func TestFailureChain(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	server := newEchoServer()
	configB := testConfig()
	configB.Exports = map[string]beam.Remote{"echo": server}
	sa, _ := newSessionPair(t, testConfig(), configB)

	stub, err := sa.Lookup(ctx, "echo")
	requireT.NoError(err)

	_, err = stub.Invoke(ctx, echoSelFail)
	requireT.Error(err)

	var re *wire.RemoteError
	requireT.ErrorAs(err, &re)
	requireT.Contains(re.ClassName, "failureA")
	requireT.Contains(re.Message, "A failed")

	var chain []*wire.RemoteError
	for e := err; e != nil; e = errors.Unwrap(e) {
		if cur, ok := e.(*wire.RemoteError); ok {
			chain = append(chain, cur)
		}
	}
	requireT.Len(chain, 3)
	requireT.Contains(chain[1].Message, "B failed")
	requireT.Contains(chain[2].Message, "C failed")

	for _, entry := range chain {
		for _, frame := range entry.Frames {
			requireT.NotContains(frame.File, "skeleton.go")
		}
	}
}

func TestTimeout(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	server := newEchoServer()
	configB := testConfig()
	configB.Exports = map[string]beam.Remote{"echo": server}
	sa, _ := newSessionPair(t, testConfig(), configB)

	stub, err := sa.Lookup(ctx, "echo")
	requireT.NoError(err)

	// Warm the pool so the baseline is stable.
	_, err = stub.Invoke(ctx, echoSelEcho, "warm")
	requireT.NoError(err)
	baseline := sa.PoolSize()

	start := time.Now()
	_, err = stub.Invoke(ctx, echoSelSleep, 5*time.Second, beam.Timeout(100*time.Millisecond))
	elapsed := time.Since(start)

	var te *beam.TimeoutError
	requireT.ErrorAs(err, &te)
	requireT.GreaterOrEqual(elapsed, 100*time.Millisecond)
	requireT.Less(elapsed, 2*time.Second)

	// The broken channel was discarded, not pooled; the next call restores
	// the baseline.
	res, err := stub.Invoke(ctx, echoSelEcho, "again")
	requireT.NoError(err)
	requireT.Equal("again", res)
	requireT.Equal(baseline, sa.PoolSize())
}

func TestPipe(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	server := newEchoServer()
	configB := testConfig()
	configB.Exports = map[string]beam.Remote{"echo": server}
	sa, _ := newSessionPair(t, testConfig(), configB)

	stub, err := sa.Lookup(ctx, "echo")
	requireT.NoError(err)

	pipe, err := stub.InvokePipe(ctx, echoSelStream)
	requireT.NoError(err)

	_, err = pipe.Write([]byte("ping"))
	requireT.NoError(err)
	requireT.NoError(pipe.Flush())

	buf := make([]byte, 4)
	_, err = io.ReadFull(pipe, buf)
	requireT.NoError(err)
	requireT.Equal("ping", string(buf))

	requireT.NoError(pipe.Close())

	// The channel rejoined the pool and serves regular calls again.
	res, err := stub.Invoke(ctx, echoSelEcho, "after pipe")
	requireT.NoError(err)
	requireT.Equal("after pipe", res)
}

func TestDisposerMethod(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	server := newEchoServer()
	configB := testConfig()
	configB.Exports = map[string]beam.Remote{"echo": server}
	sa, sb := newSessionPair(t, testConfig(), configB)

	stub, err := sa.Lookup(ctx, "echo")
	requireT.NoError(err)
	baseline := sb.SkeletonCount()

	_, err = stub.Invoke(ctx, echoSelDismiss)
	requireT.NoError(err)

	requireT.Equal(baseline-1, sb.SkeletonCount())

	var nso *beam.NoSuchObjectError
	_, err = stub.Invoke(ctx, echoSelEcho, "dead")
	requireT.ErrorAs(err, &nso)
}

func TestProactiveDispose(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	server := newEchoServer()
	configB := testConfig()
	configB.Exports = map[string]beam.Remote{"echo": server}
	sa, sb := newSessionPair(t, testConfig(), configB)

	stub, err := sa.Lookup(ctx, "echo")
	requireT.NoError(err)
	baseline := sb.SkeletonCount()

	requireT.NoError(sa.Dispose(ctx, stub))

	var nso *beam.NoSuchObjectError
	_, err = stub.Invoke(ctx, echoSelEcho, "dead")
	requireT.ErrorAs(err, &nso)

	requireT.Eventually(func() bool {
		return sb.SkeletonCount() == baseline-1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDistributedReclamation(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	server := newEchoServer()
	configB := testConfig()
	configB.Exports = map[string]beam.Remote{"echo": server}
	sa, sb := newSessionPair(t, testConfig(), configB)

	baseline := sb.SkeletonCount()

	stub, err := sa.Lookup(ctx, "echo")
	requireT.NoError(err)
	requireT.Equal(baseline+1, sb.SkeletonCount())

	// One more call; the server's reset clears the stub from the response
	// tables, so dropping the reference below makes it collectable.
	_, err = stub.Invoke(ctx, echoSelEcho, "bye")
	requireT.NoError(err)

	stub = nil
	_ = stub

	requireT.Eventually(func() bool {
		runtime.GC()
		return sb.SkeletonCount() == baseline
	}, 10*time.Second, 100*time.Millisecond)
}

func TestHeartbeatLiveness(t *testing.T) {
	requireT := require.New(t)

	// B sends heartbeats far too rarely for A's window, so A closes.
	configA := testConfig()
	configA.HeartbeatInterval = 400 * time.Millisecond
	configB := testConfig()
	configB.HeartbeatInterval = time.Hour

	sa, _ := newSessionPair(t, configA, configB)

	select {
	case <-sa.Done():
	case <-time.After(5 * time.Second):
		requireT.Fail("session did not close on missing heartbeats")
	}
}

func TestCloseCascade(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	server := newEchoServer()
	configB := testConfig()
	configB.Exports = map[string]beam.Remote{"echo": server}
	sa, sb := newSessionPair(t, testConfig(), configB)

	stub, err := sa.Lookup(ctx, "echo")
	requireT.NoError(err)

	inFlight := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		_, err := stub.Invoke(ctx, echoSelSleep, 10*time.Second)
		inFlight <- err
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	requireT.NoError(sa.Close())

	select {
	case err := <-inFlight:
		requireT.Error(err)
		requireT.ErrorIs(err, beam.ErrSessionClosed)
	case <-time.After(5 * time.Second):
		requireT.Fail("in-flight call did not fail after close")
	}

	// The peer observes the closure exactly once through the admin call.
	select {
	case <-sb.Done():
	case <-time.After(5 * time.Second):
		requireT.Fail("peer did not observe close")
	}

	_, err = stub.Invoke(ctx, echoSelEcho, "late")
	requireT.Error(err)

	_, err = sa.Lookup(ctx, "echo")
	requireT.ErrorIs(err, beam.ErrSessionClosed)
}

func TestSessionOverTCP(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	ls, err := transport.Listen("localhost:0")
	requireT.NoError(err)
	t.Cleanup(func() {
		_ = ls.Close()
	})

	server := newEchoServer()
	configB := testConfig()
	configB.Exports = map[string]beam.Remote{"echo": server}

	type result struct {
		s   *beam.Session
		err error
	}
	resB := make(chan result, 1)
	go func() {
		tb, err := ls.Accept(ctx)
		if err != nil {
			resB <- result{err: err}
			return
		}
		s, err := beam.Connect(ctx, tb, configB)
		resB <- result{s: s, err: err}
	}()

	ta, err := transport.Dial(ctx, ls.Addr())
	requireT.NoError(err)
	sa, err := beam.Connect(ctx, ta, testConfig())
	requireT.NoError(err)

	rb := <-resB
	requireT.NoError(rb.err)
	t.Cleanup(func() {
		_ = sa.Close()
		_ = rb.s.Close()
	})

	stub, err := sa.Lookup(ctx, "echo")
	requireT.NoError(err)

	res, err := stub.Invoke(ctx, echoSelEcho, "over tcp")
	requireT.NoError(err)
	requireT.Equal("over tcp", res)

	// Server-initiated traffic crosses the reverse path.
	completion, err := stub.InvokeCompletion(ctx, echoSelAdd, int64(20), int64(22))
	requireT.NoError(err)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	sum, err := completion.Wait(waitCtx)
	requireT.NoError(err)
	requireT.Equal(int64(42), sum)
}
