package beam

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"

	"github.com/outofforest/beam/wire"
)

// skeleton binds an identifier to a local object and dispatches incoming
// selectors to it.
type skeleton struct {
	id      wire.Identifier
	version uint32
	typ     *Type
	target  any
	s       *Session
}

func newSkeleton(s *Session, id wire.Identifier, typ *Type, target any) *skeleton {
	return &skeleton{
		id:     id,
		typ:    typ,
		target: target,
		s:      s,
	}
}

// invoke runs the target method. Transported stack traces of throwables
// raised below are truncated at frames of this file.
func (sk *skeleton) invoke(ctx context.Context, selector uint32, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("remote method panicked: %v", r)
		}
	}()

	if sk.typ.Dispatch == nil {
		return nil, errors.WithStack(&NoSuchMethodError{Type: sk.typ.Info.Name, Selector: selector})
	}
	return sk.typ.Dispatch(ctx, sk.target, selector, args)
}

// serveChannel reads and dispatches invocations on one accepted channel
// until the peer drops it. Batched calls queue on the channel and are
// applied when the closing non-batched call arrives.
func (s *Session) serveChannel(ctx context.Context, ch *channel) error {
	log := logger.Get(ctx)
	defer ch.close()

	for {
		objID, err := ch.in.ReadIdentifier()
		if err != nil {
			// The peer dropped or recycled the channel.
			return nil
		}
		selector, err := ch.in.ReadVarUint()
		if err != nil {
			return nil
		}
		args, tentative, err := readArgs(ch)
		if err != nil {
			log.Debug("Dropping channel after undecodable request", zap.Error(err))
			return nil
		}

		if objID.IsZero() {
			// Pseudo operation closing a batch explicitly.
			if selector != selectorFlush {
				return nil
			}
			if !s.applyBatch(ctx, ch) {
				if err := ch.flush(); err != nil {
					return nil
				}
				continue
			}
			if err := writeResult(ch, nil); err != nil {
				return nil
			}
			if err := ch.flush(); err != nil {
				return nil
			}
			ch.out.Reset()
			continue
		}

		sk := s.registry.skeletonFor(objID)
		if sk == nil {
			// The skeleton is gone; the call arrived after removal.
			_ = writeThrowable(ch, &NoSuchObjectError{ID: objID})
			_ = ch.flush()
			return nil
		}
		if sk == s.adminSkeleton {
			s.refreshHeartbeat()
		}

		m := sk.typ.Info.Method(selector)
		if m == nil {
			if err := writeThrowable(ch, &NoSuchMethodError{Type: sk.typ.Info.Name, Selector: selector}); err != nil {
				return nil
			}
			if err := ch.flush(); err != nil {
				return nil
			}
			continue
		}

		if m.Flags&wire.FlagBatched != 0 {
			ch.batch = append(ch.batch, queuedCall{sk: sk, selector: selector, args: args, tentative: tentative})
			continue
		}

		if len(ch.batch) > 0 && !s.applyBatch(ctx, ch) {
			// A batched call threw; the closing call is skipped and the
			// caller observes the throwable instead of its result.
			if err := ch.flush(); err != nil {
				return nil
			}
			continue
		}

		switch {
		case m.Flags&wire.FlagPipe != 0:
			s.dispatchPipe(ctx, ch, sk, selector, args)
		case m.Flags&(wire.FlagAsynchronous|wire.FlagCompletion) != 0:
			if err := s.dispatchAsync(ctx, ch, sk, m, selector, args); err != nil {
				return nil
			}
		default:
			if err := s.dispatchSync(ctx, ch, sk, m, selector, args); err != nil {
				return nil
			}
		}

		// Mirror of the lending side's reset: values resolved for this
		// call must not pin objects beyond it.
		ch.out.Reset()
	}
}

// applyBatch executes the queued batched calls in order, writing one
// acknowledgement each. The first throwable stops the batch: the failing
// call's throwable is written and the rest of the queue is skipped.
// Acknowledgements stay buffered until the closing response flushes.
func (s *Session) applyBatch(ctx context.Context, ch *channel) bool {
	batch := ch.batch
	ch.batch = nil

	for _, qc := range batch {
		res, err := qc.sk.invoke(ctx, qc.selector, qc.args)
		if err == nil && !qc.tentative.IsZero() {
			err = s.bindTentative(qc.tentative, res)
		}
		if err != nil {
			_ = writeThrowable(ch, err)
			return false
		}
		if err := ch.out.WriteByte(statusBatchAck); err != nil {
			return false
		}
		if qc.sk.typ.Info.Methods[qc.selector].Flags&wire.FlagDisposer != 0 {
			s.registry.removeSkeleton(qc.sk.id)
		}
	}
	return true
}

// bindTentative binds the result of a batched call to the identifier the
// caller assigned optimistically.
func (s *Session) bindTentative(id wire.Identifier, result any) error {
	r, ok := result.(Remote)
	if !ok {
		return errors.Errorf("batched result %T is not remote", result)
	}
	s.registry.registerSkeleton(newSkeleton(s, id, r.RemoteType(), r))
	return nil
}

func (s *Session) dispatchSync(ctx context.Context, ch *channel, sk *skeleton, m *wire.MethodInfo, selector uint32, args []any) error {
	res, err := sk.invoke(ctx, selector, args)
	if err != nil {
		if err := writeThrowable(ch, err); err != nil {
			return err
		}
		return ch.flush()
	}

	if m.Flags&wire.FlagDisposer != 0 {
		s.registry.removeSkeleton(sk.id)
	}
	if err := writeResult(ch, res); err != nil {
		return err
	}
	return ch.flush()
}

// dispatchAsync acknowledges before the method body executes, so the
// caller is not blocked on local work. Completion methods deliver their
// result through the callback stub decoded as the last argument.
func (s *Session) dispatchAsync(ctx context.Context, ch *channel, sk *skeleton, m *wire.MethodInfo, selector uint32, args []any) error {
	if err := writeResult(ch, nil); err != nil {
		return err
	}
	if err := ch.flush(); err != nil {
		return err
	}

	run := func() {
		if m.Flags&wire.FlagCompletion != 0 {
			s.runCompletion(ctx, sk, m, selector, args)
			return
		}
		_, err := sk.invoke(ctx, selector, args)
		if err != nil {
			logger.Get(ctx).Warn("Asynchronous method failed",
				zap.String("method", m.Name), zap.Error(err))
			return
		}
		if m.Flags&wire.FlagDisposer != 0 {
			s.registry.removeSkeleton(sk.id)
		}
	}

	if err := s.sched.Execute(run); err != nil {
		// Saturated; run inline since the caller was already acknowledged.
		run()
	}
	return nil
}

// runCompletion executes the body and invokes the one-shot callback. The
// callback's disposer flag releases both ends afterwards.
func (s *Session) runCompletion(ctx context.Context, sk *skeleton, m *wire.MethodInfo, selector uint32, args []any) {
	log := logger.Get(ctx)

	if len(args) == 0 {
		log.Warn("Completion call without callback", zap.String("method", m.Name))
		return
	}
	cb, ok := args[len(args)-1].(*Stub)
	if !ok {
		log.Warn("Completion callback is not a stub", zap.String("method", m.Name))
		return
	}

	res, err := sk.invoke(ctx, selector, args[:len(args)-1])
	if _, cbErr := cb.Invoke(ctx, completionSelectorComplete, res, err); cbErr != nil {
		log.Warn("Completion callback failed", zap.String("method", m.Name), zap.Error(cbErr))
	}
}

// dispatchPipe hands the raw channel to the target as a duplex pipe. The
// pipe is recycled before the channel serves the next request.
func (s *Session) dispatchPipe(ctx context.Context, ch *channel, sk *skeleton, selector uint32, args []any) {
	pipe := &Pipe{
		ch:      ch,
		onClose: func(bool) {},
	}
	args = append(args, pipe)

	if _, err := sk.invoke(ctx, selector, args); err != nil {
		logger.Get(ctx).Warn("Pipe method failed", zap.Error(err))
	}
	_ = pipe.Close()
}

func writeResult(ch *channel, res any) error {
	if err := ch.out.WriteByte(statusOK); err != nil {
		return err
	}
	return ch.out.WriteObject(res)
}

func writeThrowable(ch *channel, t error) error {
	if err := ch.out.WriteByte(statusThrowable); err != nil {
		return err
	}
	return ch.out.WriteThrowable(t)
}

func readArgs(ch *channel) ([]any, wire.Identifier, error) {
	n, err := ch.in.ReadVarUint()
	if err != nil {
		return nil, wire.Identifier{}, err
	}
	args := make([]any, n)
	for idx := range args {
		if args[idx], err = ch.in.ReadObject(); err != nil {
			return nil, wire.Identifier{}, err
		}
	}

	mark, err := ch.in.ReadByte()
	if err != nil {
		return nil, wire.Identifier{}, err
	}
	if mark == markNull {
		return args, wire.Identifier{}, nil
	}
	tentative, err := ch.in.ReadIdentifier()
	if err != nil {
		return nil, wire.Identifier{}, err
	}
	return args, tentative, nil
}
