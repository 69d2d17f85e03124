package beam

import (
	"context"

	"github.com/pkg/errors"
)

// channelPool lends live channels to callers for the duration of a call.
// The monitor is held only for bookkeeping, never across I/O.
type channelPool struct {
	s *Session

	idle   []*channel // LIFO
	closed bool
}

func newChannelPool(s *Session) *channelPool {
	return &channelPool{s: s}
}

// acquire returns an idle channel or opens a new one through the transport.
func (p *channelPool) acquire(ctx context.Context) (*channel, error) {
	p.s.mu.Lock()
	if p.closed {
		p.s.mu.Unlock()
		return nil, errors.WithStack(ErrSessionClosed)
	}
	if n := len(p.idle); n > 0 {
		ch := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.s.mu.Unlock()
		ch.setState(stateLent)
		return ch, nil
	}
	p.s.mu.Unlock()

	conn, err := p.s.transport.Open(ctx)
	if err != nil {
		return nil, err
	}

	ch := newChannel(conn, p.s)
	ch.setState(stateLent)

	p.s.mu.Lock()
	if p.closed {
		p.s.mu.Unlock()
		ch.close()
		return nil, errors.WithStack(ErrSessionClosed)
	}
	p.s.mu.Unlock()
	return ch, nil
}

// release returns a channel for reuse. With reset the object stream tables
// are dropped first, so stale back-references cannot leak into the next
// call.
func (p *channelPool) release(ch *channel, reset bool) {
	if reset {
		ch.reset()
	}

	if ch.getState() == stateClosed {
		return
	}
	ch.setState(stateIdle)

	p.s.mu.Lock()
	if p.closed || len(p.idle) >= p.s.config.MaxIdleChannels {
		p.s.mu.Unlock()
		ch.close()
		return
	}
	p.idle = append(p.idle, ch)
	p.s.mu.Unlock()
}

// discard drops a broken channel.
func (p *channelPool) discard(ch *channel) {
	ch.disconnect()
}

// size returns the number of idle channels.
func (p *channelPool) size() int {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return len(p.idle)
}

// close closes all idle channels and refuses further acquisition.
func (p *channelPool) close() {
	p.s.mu.Lock()
	if p.closed {
		p.s.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.s.mu.Unlock()

	for _, ch := range idle {
		ch.close()
	}
}
