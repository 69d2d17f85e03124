package transport

import (
	"context"
	"io"
)

// Conn is one duplex, in-order byte channel between the peers. Writes are
// buffered until Flush. Close performs an orderly shutdown of the channel,
// Disconnect drops it without flushing.
type Conn interface {
	io.Reader
	io.Writer
	Flush() error
	Close() error
	Disconnect()
	LocalAddr() string
	RemoteAddr() string
}

// Transport provides duplex byte channels between two connected peers. Both
// peers may open channels; a channel opened on one side is accepted on the
// other. The session core treats addresses as opaque strings.
//
// The source's asynchronous readiness callbacks map to blocking Open/Accept
// calls running under goroutine groups.
type Transport interface {
	Open(ctx context.Context) (Conn, error)
	Accept(ctx context.Context) (Conn, error)
	Close() error
	LocalAddr() string
	RemoteAddr() string
}
