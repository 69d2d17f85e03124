package beam

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/beam/sched"
	"github.com/outofforest/beam/transport"
	"github.com/outofforest/beam/wire"
)

// Channel states. A channel has one owner at a time; the pool enforces it
// through the lent state.
const (
	stateIdle = iota
	stateLent
	stateBatched
	stateSuspended
	stateClosed
)

// channel is one invocation channel multiplexed from the transport. Bytes
// written between flushes travel as length-prefixed chunks; a zero-length
// chunk is the suspend marker, observed by the reader as EOF until resumed.
type channel struct {
	s    *Session
	conn transport.Conn
	cw   *chunkWriter
	cr   *chunkReader
	out  *wire.Output
	in   *wire.Input

	mu    sync.Mutex
	state int

	// timeout is the cancel-on-timeout task of the call in flight.
	timeout *sched.Task

	// batch holds the calls queued on this channel on the serving side.
	batch []queuedCall
}

func newChannel(conn transport.Conn, s *Session) *channel {
	ch := &channel{
		s:    s,
		conn: conn,
		cw:   newChunkWriter(conn),
		cr:   newChunkReader(conn),
	}
	ch.out = wire.NewOutput(ch.cw)
	ch.in = wire.NewInput(ch.cr)

	ch.out.LocalAddr = conn.LocalAddr()
	ch.out.RemoteAddr = conn.RemoteAddr()
	ch.out.PruneStackTraces = s.pruneStackTraces
	ch.out.ReplaceRemote = s.replaceRemote
	ch.in.ResolveRemote = s.resolveRemote
	s.track(ch)
	return ch
}

func (ch *channel) setState(state int) {
	ch.mu.Lock()
	ch.state = state
	ch.mu.Unlock()
}

func (ch *channel) getState() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// flush writes the pending chunk and flushes the transport.
func (ch *channel) flush() error {
	if err := ch.cw.Flush(); err != nil {
		return err
	}
	return ch.conn.Flush()
}

// writeSuspend emits the suspend marker and flushes. The peer's reader
// observes EOF until it resumes.
func (ch *channel) writeSuspend() error {
	if err := ch.cw.Flush(); err != nil {
		return err
	}
	if err := ch.cw.WriteSuspend(); err != nil {
		return err
	}
	return ch.conn.Flush()
}

// inputResume rejoins normal framing after the peer's suspend marker.
func (ch *channel) inputResume() {
	ch.cr.Resume()
}

// reset drops the output back-reference table. The reader side resets when
// the in-band marker arrives, keeping both tables in lockstep.
func (ch *channel) reset() {
	ch.out.Reset()
}

func (ch *channel) close() {
	ch.setState(stateClosed)
	ch.s.forget(ch)
	_ = ch.conn.Close()
}

func (ch *channel) disconnect() {
	ch.setState(stateClosed)
	ch.s.forget(ch)
	ch.conn.Disconnect()
}

// queuedCall is a batched invocation recorded on the serving side until the
// closing non-batched call applies the batch.
type queuedCall struct {
	sk        *skeleton
	selector  uint32
	args      []any
	tentative wire.Identifier
}

const maxChunk = 32 * 1024

// chunkWriter frames written bytes into length-prefixed chunks, one chunk
// per flush, auto-flushing when the pending chunk reaches maxChunk.
type chunkWriter struct {
	w   io.Writer
	buf []byte
}

func newChunkWriter(w io.Writer) *chunkWriter {
	return &chunkWriter{w: w, buf: make([]byte, 0, 4096)}
}

func (cw *chunkWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if len(cw.buf) >= maxChunk {
			if err := cw.Flush(); err != nil {
				return written, err
			}
		}
		n := min(len(p), maxChunk-len(cw.buf))
		cw.buf = append(cw.buf, p[:n]...)
		p = p[n:]
		written += n
	}
	return written, nil
}

// Flush writes the pending chunk. An empty chunk is not written, so a flush
// with no pending bytes cannot be mistaken for the suspend marker.
func (cw *chunkWriter) Flush() error {
	if len(cw.buf) == 0 {
		return nil
	}
	if err := writeChunkHeader(cw.w, uint32(len(cw.buf))); err != nil {
		return err
	}
	if _, err := cw.w.Write(cw.buf); err != nil {
		return errors.WithStack(err)
	}
	cw.buf = cw.buf[:0]
	return nil
}

// WriteSuspend writes the zero-length suspend chunk.
func (cw *chunkWriter) WriteSuspend() error {
	return writeChunkHeader(cw.w, 0)
}

func writeChunkHeader(w io.Writer, v uint32) error {
	var b [5]byte
	n := 0
	switch {
	case v < 1<<7:
		b[0] = byte(v)
		n = 1
	case v < 1<<14:
		b[0], b[1] = byte(v>>8)|0x80, byte(v)
		n = 2
	case v < 1<<21:
		b[0], b[1], b[2] = byte(v>>16)|0xc0, byte(v>>8), byte(v)
		n = 3
	case v < 1<<28:
		b[0], b[1], b[2], b[3] = byte(v>>24)|0xe0, byte(v>>16), byte(v>>8), byte(v)
		n = 4
	default:
		b[0], b[1], b[2], b[3], b[4] = 0xf0, byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
		n = 5
	}
	_, err := w.Write(b[:n])
	return errors.WithStack(err)
}

// chunkReader streams bytes across chunks transparently, reporting io.EOF
// when the suspend marker arrives until Resume is called.
type chunkReader struct {
	r         io.Reader
	remaining uint32
	suspended bool
}

func newChunkReader(r io.Reader) *chunkReader {
	return &chunkReader{r: r}
}

func (cr *chunkReader) Read(p []byte) (int, error) {
	if cr.suspended {
		return 0, io.EOF
	}

	for cr.remaining == 0 {
		size, err := readChunkHeader(cr.r)
		if err != nil {
			return 0, err
		}
		if size == 0 {
			cr.suspended = true
			return 0, io.EOF
		}
		cr.remaining = size
	}

	if uint32(len(p)) > cr.remaining {
		p = p[:cr.remaining]
	}
	n, err := cr.r.Read(p)
	cr.remaining -= uint32(n)
	return n, errors.WithStack(err)
}

// Resume rejoins normal framing after a suspend marker.
func (cr *chunkReader) Resume() {
	cr.suspended = false
}

func readChunkHeader(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:1]); err != nil {
		return 0, errors.WithStack(err)
	}

	first := b[0]
	var v uint32
	var rest int
	switch {
	case first < 0x80:
		return uint32(first), nil
	case first < 0xc0:
		v = uint32(first & 0x3f)
		rest = 1
	case first < 0xe0:
		v = uint32(first & 0x1f)
		rest = 2
	case first < 0xf0:
		v = uint32(first & 0x0f)
		rest = 3
	default:
		rest = 4
	}

	if _, err := io.ReadFull(r, b[:rest]); err != nil {
		return 0, errors.WithStack(err)
	}
	for _, bb := range b[:rest] {
		v = v<<8 | uint32(bb)
	}
	return v, nil
}
