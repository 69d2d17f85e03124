package beam

import (
	"context"
	"sync"

	"github.com/outofforest/beam/wire"
)

// batchState is one batch group: the pinned channel and the count of
// batched calls awaiting acknowledgement. The source pins the batched
// channel to the calling thread; here the pin travels on the context.
type batchState struct {
	mu      sync.Mutex
	ch      *channel
	pending int
}

func newBatchState() *batchState {
	return &batchState{}
}

type batchKey struct{}

// Batch returns a context carrying a fresh batch group. Batched calls made
// with the returned context share one channel and are transmitted together
// with the next non-batched call on the same context, or with Flush.
func (s *Session) Batch(ctx context.Context) context.Context {
	return context.WithValue(ctx, batchKey{}, newBatchState())
}

// Flush transmits the pending batched calls of the context's batch group
// and waits for their acknowledgements. A throwable raised by any batched
// call is returned here and the calls queued after it were skipped.
func (s *Session) Flush(ctx context.Context) error {
	bs := batchFrom(ctx)
	if bs == nil {
		return nil
	}
	bs.mu.Lock()
	pinned := bs.ch != nil
	bs.mu.Unlock()
	if !pinned {
		return nil
	}

	sup := &stubSupport{s: s}
	_, err := sup.closeBatch(ctx, bs, wire.Identifier{}, selectorFlush, &flushMethod, nil)
	return err
}

func batchFrom(ctx context.Context) *batchState {
	bs, _ := ctx.Value(batchKey{}).(*batchState)
	return bs
}

// batchPin is the detached state of a batch group between unbatch and
// rebatch.
type batchPin struct {
	ch      *channel
	pending int
}

// unbatch temporarily detaches the pinned batched channel so a nested
// non-batched call does not close the caller's batch. rebatch restores the
// pin; the pair must match exactly.
func unbatch(ctx context.Context) *batchPin {
	bs := batchFrom(ctx)
	if bs == nil {
		return nil
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.ch == nil {
		return nil
	}
	pin := &batchPin{ch: bs.ch, pending: bs.pending}
	bs.ch = nil
	bs.pending = 0
	return pin
}

func rebatch(ctx context.Context, pin *batchPin) {
	if pin == nil {
		return
	}
	bs := batchFrom(ctx)
	if bs == nil {
		return
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.ch = pin.ch
	bs.pending = pin.pending
}
