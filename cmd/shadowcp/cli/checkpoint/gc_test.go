package checkpoint

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

type blockingCompactor struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingCompactor) Compact(context.Context, CompactOptions) error {
	if b.calls.Add(1) == 1 {
		close(b.started)
	}
	<-b.release
	return nil
}

type failingCompactor struct{}

func (failingCompactor) Compact(context.Context, CompactOptions) error {
	return errors.New("disk full")
}

func TestGCRunner_CollapsesConcurrentRuns(t *testing.T) {
	t.Parallel()

	c := &blockingCompactor{started: make(chan struct{}), release: make(chan struct{})}
	rec := &lineRecorder{}
	key := t.Name()

	var runner gcRunner
	runner.runAsync(context.Background(), key, c, CompactOptions{}, rec.printf)
	<-c.started

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var joiner gcRunner
			joiner.run(context.Background(), key, c, CompactOptions{}, rec.printf)
		}()
	}
	// Joiners may still be entering Do; releasing now lets late arrivals
	// start a second flight, so only an upper bound is asserted.
	close(c.release)
	wg.Wait()
	runner.wait()

	assert.LessOrEqual(t, c.calls.Load(), int32(4))
	assert.GreaterOrEqual(t, c.calls.Load(), int32(1))
}

func TestGCRunner_PruneUsesSeparateFlight(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "k", flightKey("k", CompactOptions{}))
	assert.Equal(t, "k#prune", flightKey("k", CompactOptions{PruneNow: true}))
}

func TestGCRunner_FailureIsLogged(t *testing.T) {
	t.Parallel()

	rec := &lineRecorder{}
	var runner gcRunner
	runner.runAsync(context.Background(), t.Name(), failingCompactor{}, CompactOptions{}, rec.printf)
	runner.wait()

	assert.True(t, rec.contains("garbage collection failed: disk full"))
}

func TestGCRunner_DetachedFromCallerCancellation(t *testing.T) {
	t.Parallel()

	var seen error
	c := compactorFunc(func(ctx context.Context, _ CompactOptions) error {
		seen = ctx.Err()
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var runner gcRunner
	runner.runAsync(ctx, t.Name(), c, CompactOptions{}, func(string, ...any) {})
	runner.wait()
	assert.NoError(t, seen)
}

type compactorFunc func(context.Context, CompactOptions) error

func (f compactorFunc) Compact(ctx context.Context, opts CompactOptions) error {
	return f(ctx, opts)
}
