package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, opener, accepter Transport) {
	requireT := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan Conn, 1)
	go func() {
		conn, err := accepter.Accept(ctx)
		if err == nil {
			accepted <- conn
		}
	}()

	near, err := opener.Open(ctx)
	requireT.NoError(err)

	var far Conn
	select {
	case far = <-accepted:
	case <-ctx.Done():
		requireT.Fail("accept timed out")
	}

	_, err = near.Write([]byte("ping"))
	requireT.NoError(err)
	requireT.NoError(near.Flush())

	buf := make([]byte, 4)
	for read := 0; read < 4; {
		n, err := far.Read(buf[read:])
		requireT.NoError(err)
		read += n
	}
	requireT.Equal("ping", string(buf))

	_, err = far.Write([]byte("pong"))
	requireT.NoError(err)
	requireT.NoError(far.Flush())

	for read := 0; read < 4; {
		n, err := near.Read(buf[read:])
		requireT.NoError(err)
		read += n
	}
	requireT.Equal("pong", string(buf))

	requireT.NoError(near.Close())
	_ = far.Close()
}

func TestPipePair(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	defer b.Close()

	roundTrip(t, a, b)
	roundTrip(t, b, a)
}

func TestTCPSession(t *testing.T) {
	requireT := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ls, err := Listen("localhost:0")
	requireT.NoError(err)
	defer ls.Close()

	serverCh := make(chan Transport, 1)
	go func() {
		t, err := ls.Accept(ctx)
		if err == nil {
			serverCh <- t
		}
	}()

	client, err := Dial(ctx, ls.Addr())
	requireT.NoError(err)
	defer client.Close()

	var server Transport
	select {
	case server = <-serverCh:
	case <-ctx.Done():
		requireT.Fail("no session accepted")
	}
	defer server.Close()

	// Channels opened by the dialer.
	roundTrip(t, client, server)
	// Channels opened by the listener side travel through the reverse path.
	roundTrip(t, server, client)
}

func TestTCPTwoSessions(t *testing.T) {
	requireT := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ls, err := Listen("localhost:0")
	requireT.NoError(err)
	defer ls.Close()

	serverCh := make(chan Transport, 2)
	go func() {
		for range 2 {
			t, err := ls.Accept(ctx)
			if err != nil {
				return
			}
			serverCh <- t
		}
	}()

	client1, err := Dial(ctx, ls.Addr())
	requireT.NoError(err)
	defer client1.Close()
	server1 := <-serverCh

	client2, err := Dial(ctx, ls.Addr())
	requireT.NoError(err)
	defer client2.Close()
	server2 := <-serverCh

	roundTrip(t, client1, server1)
	roundTrip(t, client2, server2)
}

func TestAcceptAfterClose(t *testing.T) {
	requireT := require.New(t)

	a, b := Pair()
	requireT.NoError(a.Close())
	_ = b

	_, err := a.Accept(context.Background())
	requireT.ErrorIs(err, ErrClosed)
	_, err = a.Open(context.Background())
	requireT.ErrorIs(err, ErrClosed)
}
