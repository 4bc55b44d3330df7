package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/logging"
)

// LogSink receives one human-readable line per log event.
type LogSink func(string)

var (
	defaultSinkMu sync.RWMutex
	defaultSink   LogSink = logging.Sink(logging.WithComponent(context.Background(), "checkpoint"))
)

// SetDefaultLogSink replaces the process-wide sink used by services created
// without Options.Log and by DeleteTask. A nil sink restores the default.
func SetDefaultLogSink(sink LogSink) {
	defaultSinkMu.Lock()
	defer defaultSinkMu.Unlock()
	if sink == nil {
		sink = logging.Sink(logging.WithComponent(context.Background(), "checkpoint"))
	}
	defaultSink = sink
}

// DefaultLogSink returns the process-wide sink.
func DefaultLogSink() LogSink {
	defaultSinkMu.RLock()
	defer defaultSinkMu.RUnlock()
	return defaultSink
}

func (l LogSink) printf(format string, args ...any) {
	if l == nil {
		return
	}
	l(fmt.Sprintf(format, args...))
}
