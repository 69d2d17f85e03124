package beam

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/beam/wire"
)

// Completion is a one-shot future carrying the result of an asynchronous
// remote call. It transitions to completed exactly once; waiters are
// released on completion and on cancellation.
type Completion struct {
	mu        sync.Mutex
	done      chan struct{}
	value     any
	err       error
	completed bool
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Done is closed when the result is available.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the result arrives or ctx is cancelled.
func (c *Completion) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.value, c.err
	}
}

// complete delivers the result. Later calls are ignored.
func (c *Completion) complete(value any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return
	}
	c.completed = true
	c.value = value
	c.err = err
	close(c.done)
}

// cancel completes the future exceptionally if still pending.
func (c *Completion) cancel(err error) {
	c.complete(nil, err)
}

// completionSelectorComplete is the single method of the callback
// interface behind asynchronous completions.
const completionSelectorComplete = 0

// completionTarget anchors a completion on the calling side. It is
// exported when the call's arguments are written; the peer invokes the
// callback exactly once and the disposer flag unexports it again.
type completionTarget struct {
	completion *Completion
}

var completionType = NewType(&wire.RemoteInfo{
	Name: "beam.Completion",
	Methods: []wire.MethodInfo{
		{
			Name:       "Complete",
			ParamTypes: []string{"any", "throwable"},
			Flags:      wire.FlagAsynchronous | wire.FlagDisposer,
		},
	},
}, func(ctx context.Context, target any, selector uint32, args []any) (any, error) {
	t, ok := target.(*completionTarget)
	if !ok || selector != completionSelectorComplete || len(args) != 2 {
		return nil, errors.New("malformed completion callback")
	}
	var err error
	if args[1] != nil {
		var ok bool
		if err, ok = args[1].(error); !ok {
			err = errors.Errorf("remote completion failed: %v", args[1])
		}
	}
	t.completion.complete(args[0], err)
	return nil, nil
})

func (t *completionTarget) RemoteType() *Type {
	return completionType
}
