package beam

import (
	"context"

	"go.uber.org/zap"

	"github.com/outofforest/logger"

	"github.com/outofforest/beam/wire"
)

// stubCollected is the cleanup hook of the weak stub table: the garbage
// collector reports a dropped stub and its identifier lands in the
// disposal buffer. The buffer is sent as one batched disposal when it
// reaches its size bound; the periodic reclamation task drains leftovers
// every heartbeat interval.
func (s *Session) stubCollected(id wire.Identifier) {
	s.reapMu.Lock()
	s.reapBuf = append(s.reapBuf, id)
	full := len(s.reapBuf) >= disposalBatchSize
	s.reapMu.Unlock()

	if full {
		// Cleanup hooks must not block; the flush runs on the pool.
		_ = s.sched.Execute(func() {
			s.flushDisposals(s.ctx)
		})
	}
}

// enqueueDisposal records a proactively disposed stub.
func (s *Session) enqueueDisposal(id wire.Identifier) {
	s.reapMu.Lock()
	s.reapBuf = append(s.reapBuf, id)
	s.reapMu.Unlock()
}

// flushDisposals notifies the peer about collected stubs in one batched
// call. Identifiers re-bound to a live stub in the meantime are skipped.
func (s *Session) flushDisposals(ctx context.Context) {
	s.reapMu.Lock()
	buf := s.reapBuf
	s.reapBuf = nil
	s.reapMu.Unlock()

	if len(buf) == 0 || s.isClosing() {
		return
	}

	ids := make([]wire.Identifier, 0, len(buf))
	for _, id := range buf {
		if s.registry.dropStub(id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}

	batchCtx := s.Batch(ctx)
	err := s.admin.DisposedBatch(batchCtx, ids)
	if err == nil {
		err = s.Flush(batchCtx)
	}
	if err != nil && !s.isClosing() {
		logger.Get(ctx).Warn("Disposal notification failed",
			zap.Int("count", len(ids)), zap.Error(err))
	}
}

// handleDisposed is the receiving side: the peer dropped its stubs, so the
// skeletons are unexported. Type counting inside skeleton removal evicts
// the type mapping when its last binding goes away, making the next
// first-use of the type send its description again.
func (s *Session) handleDisposed(ids []wire.Identifier) {
	for _, id := range ids {
		s.registry.removeSkeleton(id)
	}
}
