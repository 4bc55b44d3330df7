package checkpoint

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/gitcli"
)

// DefaultGCThreshold is the number of saves between background compactions.
const DefaultGCThreshold = 20

// CompactOptions controls a compaction run.
type CompactOptions struct {
	// PruneNow drops unreachable objects immediately instead of after
	// git's default grace period.
	PruneNow bool
}

// Compactor compacts a shadow repository's object store.
type Compactor interface {
	Compact(ctx context.Context, opts CompactOptions) error
}

// gitCompactor runs `git gc` in the shadow repository.
type gitCompactor struct {
	git *gitcli.Repo
}

func (c gitCompactor) Compact(ctx context.Context, opts CompactOptions) error {
	return c.git.GC(ctx, opts.PruneNow)
}

// gcFlights collapses concurrent compactions of the same repository and
// mode into a single run, across every Service in the process.
var gcFlights singleflight.Group

// gcRunner schedules compactions and tracks the background ones so they
// can be awaited. Failures are logged and never returned to callers.
type gcRunner struct {
	wg sync.WaitGroup
}

// run compacts synchronously.
func (g *gcRunner) run(ctx context.Context, key string, c Compactor, opts CompactOptions, logf func(string, ...any)) {
	start := time.Now()
	_, err, shared := gcFlights.Do(flightKey(key, opts), func() (any, error) {
		return nil, c.Compact(ctx, opts)
	})
	switch {
	case err != nil:
		logf("garbage collection failed: %v", err)
	case shared:
		logf("garbage collection joined an in-flight run")
	default:
		logf("garbage collection completed in %s", time.Since(start).Round(time.Millisecond))
	}
}

// runAsync compacts on a background goroutine. The run is detached from
// the caller's cancellation.
func (g *gcRunner) runAsync(ctx context.Context, key string, c Compactor, opts CompactOptions, logf func(string, ...any)) {
	bg := context.WithoutCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.run(bg, key, c, opts, logf)
	}()
}

// wait blocks until every background compaction has finished.
func (g *gcRunner) wait() {
	g.wg.Wait()
}

func flightKey(key string, opts CompactOptions) string {
	if opts.PruneNow {
		return key + "#prune"
	}
	return key
}
