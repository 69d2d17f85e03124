package transport

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Pair returns two in-memory transports connected to each other. Channels
// are synchronous pipes; useful in tests and in-process sessions.
func Pair() (Transport, Transport) {
	a := &pipeTransport{
		local:    "pipe:a",
		remote:   "pipe:b",
		acceptCh: make(chan Conn),
		done:     make(chan struct{}),
	}
	b := &pipeTransport{
		local:    "pipe:b",
		remote:   "pipe:a",
		acceptCh: make(chan Conn),
		done:     make(chan struct{}),
	}
	a.peer = b
	b.peer = a
	return a, b
}

type pipeTransport struct {
	local, remote string
	peer          *pipeTransport
	acceptCh      chan Conn

	closeOnce sync.Once
	done      chan struct{}
}

func (t *pipeTransport) Open(ctx context.Context) (Conn, error) {
	near, far := net.Pipe()
	farConn := newPipeConn(far, t.remote, t.local)

	select {
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	case <-t.done:
		return nil, errors.WithStack(ErrClosed)
	case <-t.peer.done:
		return nil, errors.WithStack(ErrClosed)
	case t.peer.acceptCh <- farConn:
		return newPipeConn(near, t.local, t.remote), nil
	}
}

func (t *pipeTransport) Accept(ctx context.Context) (Conn, error) {
	select {
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	case <-t.done:
		return nil, errors.WithStack(ErrClosed)
	case conn := <-t.acceptCh:
		return conn, nil
	}
}

func (t *pipeTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}

func (t *pipeTransport) LocalAddr() string {
	return t.local
}

func (t *pipeTransport) RemoteAddr() string {
	return t.remote
}

type pipeConn struct {
	conn          net.Conn
	r             *bufio.Reader
	w             *bufio.Writer
	local, remote string
}

func newPipeConn(conn net.Conn, local, remote string) *pipeConn {
	return &pipeConn{
		conn:   conn,
		r:      bufio.NewReader(conn),
		w:      bufio.NewWriter(conn),
		local:  local,
		remote: remote,
	}
}

func (c *pipeConn) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	return n, errors.WithStack(err)
}

func (c *pipeConn) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	return n, errors.WithStack(err)
}

func (c *pipeConn) Flush() error {
	return errors.WithStack(c.w.Flush())
}

func (c *pipeConn) Close() error {
	_ = c.w.Flush()
	return errors.WithStack(c.conn.Close())
}

func (c *pipeConn) Disconnect() {
	_ = c.conn.Close()
}

func (c *pipeConn) LocalAddr() string {
	return c.local
}

func (c *pipeConn) RemoteAddr() string {
	return c.remote
}
