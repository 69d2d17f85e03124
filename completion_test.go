package beam

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCompletionDeliversValue(t *testing.T) {
	requireT := require.New(t)

	c := newCompletion()
	go c.complete("value", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := c.Wait(ctx)
	requireT.NoError(err)
	requireT.Equal("value", v)
}

func TestCompletionDeliversError(t *testing.T) {
	requireT := require.New(t)

	c := newCompletion()
	boom := errors.New("boom")
	c.complete(nil, boom)

	v, err := c.Wait(context.Background())
	requireT.Nil(v)
	requireT.ErrorIs(err, boom)
}

func TestCompletionTransitionsOnce(t *testing.T) {
	requireT := require.New(t)

	c := newCompletion()
	c.complete("first", nil)
	c.complete("second", nil)
	c.cancel(errors.New("late"))

	v, err := c.Wait(context.Background())
	requireT.NoError(err)
	requireT.Equal("first", v)
}

func TestCompletionReleasesAllWaiters(t *testing.T) {
	requireT := require.New(t)

	c := newCompletion()

	var wg sync.WaitGroup
	results := make([]any, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _ := c.Wait(context.Background())
			results[i] = v
		}(i)
	}

	c.complete(42, nil)
	wg.Wait()
	for _, v := range results {
		requireT.Equal(42, v)
	}
}

func TestCompletionWaitHonoursContext(t *testing.T) {
	requireT := require.New(t)

	c := newCompletion()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Wait(ctx)
	requireT.ErrorIs(err, context.Canceled)
}
