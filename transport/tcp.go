package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrClosed is returned by transport operations after the transport or its
// listener has been closed.
var ErrClosed = errors.New("transport is closed")

const (
	// kindControl starts a new session. The listener answers with the
	// session token used by all further connections of that session.
	kindControl = 0
	// kindChannel is a channel initiated by the dialer side.
	kindChannel = 1
	// kindReverse is a channel dialed by the dialer on behalf of the
	// listener side, in response to an open request on the control
	// connection.
	kindReverse = 2

	handshakeTimeout = 5 * time.Second
	dialTimeout      = 5 * time.Second
)

type token [16]byte

// streamConn is a buffered Conn over a TCP connection.
type streamConn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func newStreamConn(conn net.Conn) *streamConn {
	return &streamConn{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

func (c *streamConn) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	return n, errors.WithStack(err)
}

func (c *streamConn) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	return n, errors.WithStack(err)
}

func (c *streamConn) Flush() error {
	return errors.WithStack(c.w.Flush())
}

func (c *streamConn) Close() error {
	_ = c.w.Flush()
	return errors.WithStack(c.conn.Close())
}

func (c *streamConn) Disconnect() {
	_ = c.conn.Close()
}

func (c *streamConn) LocalAddr() string {
	return c.conn.LocalAddr().String()
}

func (c *streamConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Listener accepts session transports on a TCP address. Every physical
// connection identifies its session with a 16-byte token; connections of one
// session are routed to that session's transport.
type Listener struct {
	ls net.Listener

	mu       sync.Mutex
	sessions map[token]*tcpTransport
	pending  chan *tcpTransport
	done     chan struct{}
	closed   bool
}

// Listen starts a session listener on the given TCP address.
func Listen(addr string) (*Listener, error) {
	ls, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	l := &Listener{
		ls:       ls,
		sessions: map[token]*tcpTransport{},
		pending:  make(chan *tcpTransport),
		done:     make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

// Addr returns the address the listener is bound to.
func (l *Listener) Addr() string {
	return l.ls.Addr().String()
}

// Accept returns the transport of the next incoming session.
func (l *Listener) Accept(ctx context.Context) (Transport, error) {
	select {
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	case <-l.done:
		return nil, errors.WithStack(ErrClosed)
	case t := <-l.pending:
		return t, nil
	}
}

// Close stops the listener and closes all session transports created by it.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	sessions := l.sessions
	l.sessions = map[token]*tcpTransport{}
	l.mu.Unlock()

	err := l.ls.Close()
	for _, t := range sessions {
		_ = t.Close()
	}
	return errors.WithStack(err)
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ls.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			continue
		}
		go l.handleConn(conn)
	}
}

// handleConn performs the per-connection handshake and routes the channel
// to its session. A polled connection is either delivered or the connection
// is dropped with an error on its own side; it is never silently lost.
func (l *Listener) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	var buf [17]byte
	if _, err := readFull(conn, buf[:]); err != nil {
		_ = conn.Close()
		return
	}

	var tok token
	copy(tok[:], buf[:16])
	kind := buf[16]

	switch kind {
	case kindControl:
		if tok != (token{}) {
			_ = conn.Close()
			return
		}
		tok = token(uuid.New())
		if _, err := conn.Write(tok[:]); err != nil {
			_ = conn.Close()
			return
		}
		_ = conn.SetDeadline(time.Time{})

		t := newTCPTransport(tok, "", newStreamConn(conn))
		t.listener = l

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			_ = conn.Close()
			return
		}
		l.sessions[tok] = t
		l.mu.Unlock()

		select {
		case l.pending <- t:
		case <-l.done:
			_ = t.Close()
		case <-t.done:
			_ = conn.Close()
		}

	case kindChannel, kindReverse:
		l.mu.Lock()
		t := l.sessions[tok]
		l.mu.Unlock()
		if t == nil {
			_ = conn.Close()
			return
		}
		_ = conn.SetDeadline(time.Time{})
		t.deliver(newStreamConn(conn), kind)

	default:
		_ = conn.Close()
	}
}

func (l *Listener) remove(tok token) {
	l.mu.Lock()
	delete(l.sessions, tok)
	l.mu.Unlock()
}

// Dial establishes a new session to a listener and returns its transport.
func Dial(ctx context.Context, addr string) (Transport, error) {
	conn, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	var req [17]byte
	req[16] = kindControl
	if _, err := conn.Write(req[:]); err != nil {
		_ = conn.Close()
		return nil, errors.WithStack(err)
	}

	var tok token
	if _, err := readFull(conn, tok[:]); err != nil {
		_ = conn.Close()
		return nil, errors.WithStack(err)
	}
	_ = conn.SetDeadline(time.Time{})

	t := newTCPTransport(tok, addr, newStreamConn(conn))
	go t.controlLoop()
	return t, nil
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return conn, nil
}

// tcpTransport is one side of an established session. On the dialer side
// Open dials a new connection; on the listener side Open writes a request
// byte on the control connection and the dialer connects back.
type tcpTransport struct {
	tok     token
	addr    string // empty on the listener side
	control *streamConn

	listener *Listener // set on the listener side

	controlMu sync.Mutex

	acceptCh chan Conn
	openCh   chan Conn

	closeOnce sync.Once
	done      chan struct{}
}

func newTCPTransport(tok token, addr string, control *streamConn) *tcpTransport {
	return &tcpTransport{
		tok:      tok,
		addr:     addr,
		control:  control,
		acceptCh: make(chan Conn),
		openCh:   make(chan Conn),
		done:     make(chan struct{}),
	}
}

func (t *tcpTransport) Open(ctx context.Context) (Conn, error) {
	if t.addr != "" {
		return t.dialChannel(ctx, kindChannel)
	}

	// Listener side: ask the dialer to connect back.
	t.controlMu.Lock()
	_, err := t.control.Write([]byte{1})
	if err == nil {
		err = t.control.Flush()
	}
	t.controlMu.Unlock()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	select {
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	case <-t.done:
		return nil, errors.WithStack(ErrClosed)
	case conn := <-t.openCh:
		return conn, nil
	}
}

func (t *tcpTransport) Accept(ctx context.Context) (Conn, error) {
	select {
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	case <-t.done:
		return nil, errors.WithStack(ErrClosed)
	case conn := <-t.acceptCh:
		return conn, nil
	}
}

func (t *tcpTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.control.conn.Close()
		if t.listener != nil {
			t.listener.remove(t.tok)
		}
	})
	return nil
}

func (t *tcpTransport) LocalAddr() string {
	return t.control.LocalAddr()
}

func (t *tcpTransport) RemoteAddr() string {
	return t.control.RemoteAddr()
}

func (t *tcpTransport) dialChannel(ctx context.Context, kind byte) (Conn, error) {
	conn, err := dial(ctx, t.addr)
	if err != nil {
		return nil, err
	}

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	var req [17]byte
	copy(req[:16], t.tok[:])
	req[16] = kind
	if _, err := conn.Write(req[:]); err != nil {
		_ = conn.Close()
		return nil, errors.WithStack(err)
	}
	_ = conn.SetDeadline(time.Time{})

	return newStreamConn(conn), nil
}

// controlLoop serves reverse-open requests on the dialer side. Each request
// byte results in one connection dialed back and surfaced on this side as
// an accepted channel.
func (t *tcpTransport) controlLoop() {
	var buf [1]byte
	for {
		if _, err := readFull(t.control.conn, buf[:]); err != nil {
			_ = t.Close()
			return
		}

		conn, err := t.dialChannel(context.Background(), kindReverse)
		if err != nil {
			_ = t.Close()
			return
		}

		select {
		case t.acceptCh <- conn:
		case <-t.done:
			_ = conn.Close()
			return
		}
	}
}

// deliver hands a routed channel to Accept or Open on the listener side.
func (t *tcpTransport) deliver(conn Conn, kind byte) {
	ch := t.acceptCh
	if kind == kindReverse {
		ch = t.openCh
	}
	select {
	case ch <- conn:
	case <-t.done:
		_ = conn.Close()
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		read += n
		if err != nil {
			return read, errors.WithStack(err)
		}
	}
	return read, nil
}
