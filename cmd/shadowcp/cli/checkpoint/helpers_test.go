package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/testutil"
)

// lineRecorder is a LogSink that keeps every line.
type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) sink() LogSink {
	return func(line string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.lines = append(r.lines, line)
	}
}

func (r *lineRecorder) contains(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func (r *lineRecorder) printf(format string, args ...any) {
	r.sink()(fmt.Sprintf(format, args...))
}

// fakeCompactor records compaction requests.
type fakeCompactor struct {
	mu    sync.Mutex
	calls []CompactOptions
	err   error
}

func (f *fakeCompactor) Compact(_ context.Context, opts CompactOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	return f.err
}

func (f *fakeCompactor) Calls() []CompactOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CompactOptions(nil), f.calls...)
}

type fixture struct {
	workspace string
	storage   string
	log       *lineRecorder
	gc        *fakeCompactor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ws, storage := testutil.NewWorkspace(t)
	return &fixture{workspace: ws, storage: storage, log: &lineRecorder{}, gc: &fakeCompactor{}}
}

func (f *fixture) options(taskID string) Options {
	return Options{
		TaskID:     taskID,
		Workspace:  f.workspace,
		StorageDir: f.storage,
		Log:        f.log.sink(),
		Compactor:  f.gc,
	}
}

// service creates and initializes a Service; it is closed at test cleanup.
func (f *fixture) service(t *testing.T, opts Options) *Service {
	t.Helper()
	svc, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, svc.Initialize(context.Background()))
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}
