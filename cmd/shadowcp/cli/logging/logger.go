// Package logging provides structured logging for shadowcp using slog.
//
// Usage:
//
//	if err := logging.Init(storageDir, taskID); err != nil {
//	    // handle error
//	}
//	defer logging.Close()
//
//	ctx = logging.WithTask(ctx, taskID)
//	ctx = logging.WithComponent(ctx, "checkpoint")
//
//	logging.Info(ctx, "checkpoint saved",
//	    slog.String("hash", hash),
//	)
package logging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/paths"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/validation"
)

// LogLevelEnvVar is the environment variable that controls log level.
const LogLevelEnvVar = "SHADOWCP_LOG_LEVEL"

var (
	// logger is the package-level logger instance
	logger *slog.Logger

	// logFile holds the current log file handle for cleanup
	logFile *os.File

	// logBufWriter wraps logFile with buffered I/O
	logBufWriter *bufio.Writer

	// currentTaskID stores the task ID from Init() to include in all logs
	currentTaskID string

	// mu protects logger, logFile, logBufWriter, and currentTaskID
	mu sync.RWMutex

	// logLevelGetter is an optional callback to get log level from settings.
	logLevelGetter func() string
)

// SetLogLevelGetter sets a callback function to get the log level from settings.
// The callback is only used if SHADOWCP_LOG_LEVEL is not set.
func SetLogLevelGetter(getter func() string) {
	mu.Lock()
	defer mu.Unlock()
	logLevelGetter = getter
}

// Init points the logger at <storage>/logs/<task-id>.log (JSON lines,
// buffered). The level comes from SHADOWCP_LOG_LEVEL, then the settings
// getter. When the file cannot be opened, logs go to stderr instead.
func Init(storage, taskID string) error {
	if err := validation.ValidateTaskID(taskID); err != nil {
		return fmt.Errorf("invalid task ID for logging: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	closeLocked()

	name := os.Getenv(LogLevelEnvVar)
	if name == "" && logLevelGetter != nil {
		name = logLevelGetter()
	}
	level, ok := parseLevel(name)
	if !ok {
		fmt.Fprintf(os.Stderr, "[shadowcp] Warning: invalid log level %q, defaulting to INFO\n", name)
	}

	logger = newJSONLogger(os.Stderr, level)
	path := paths.LogFile(storage, taskID)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // taskID validated above
	if err != nil {
		return nil
	}

	logFile = f
	logBufWriter = bufio.NewWriterSize(f, 8192)
	logger = newJSONLogger(logBufWriter, level)
	currentTaskID = taskID
	return nil
}

// Close flushes and closes the log file if one is open.
// Safe to call multiple times.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
	currentTaskID = ""
}

func closeLocked() {
	if logBufWriter != nil {
		_ = logBufWriter.Flush()
		logBufWriter = nil
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// resetLogger resets the logger to nil (for testing).
func resetLogger() {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
	logger = nil
	currentTaskID = ""
}

// current returns the active logger (slog's default before Init) and the
// task ID it was initialized for.
func current() (*slog.Logger, string) {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		return slog.Default(), currentTaskID
	}
	return logger, currentTaskID
}

func newJSONLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// parseLevel maps a level name to a slog level. Empty means INFO; an
// unknown name also yields INFO with ok=false. "warning" is accepted as WARN.
func parseLevel(name string) (level slog.Level, ok bool) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return slog.LevelInfo, true
	case strings.EqualFold(name, "warning"):
		return slog.LevelWarn, true
	}
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, false
	}
	return level, true
}

// Debug logs at DEBUG level with context values automatically extracted.
func Debug(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelDebug, msg, attrs...)
}

// Info logs at INFO level with context values automatically extracted.
func Info(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelInfo, msg, attrs...)
}

// Warn logs at WARN level with context values automatically extracted.
func Warn(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelWarn, msg, attrs...)
}

// Error logs at ERROR level with context values automatically extracted.
func Error(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelError, msg, attrs...)
}

// LogDuration logs a message with duration_ms calculated from the start time.
// Designed for use with defer:
//
//	defer logging.LogDuration(ctx, slog.LevelInfo, "restore completed", time.Now())
func LogDuration(ctx context.Context, level slog.Level, msg string, start time.Time, attrs ...any) {
	allAttrs := make([]any, 0, len(attrs)+1)
	allAttrs = append(allAttrs, slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	allAttrs = append(allAttrs, attrs...)
	log(ctx, level, msg, allAttrs...)
}

// Sink adapts the logger to a single-argument line sink. Each line is
// logged at INFO with the attributes carried by ctx.
func Sink(ctx context.Context) func(string) {
	return func(line string) {
		log(ctx, slog.LevelInfo, line)
	}
}

func log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	l, globalTaskID := current()

	var allAttrs []any
	if globalTaskID != "" {
		allAttrs = append(allAttrs, slog.String("task_id", globalTaskID))
	}
	for _, a := range attrsFromContext(ctx, globalTaskID) {
		allAttrs = append(allAttrs, a)
	}
	allAttrs = append(allAttrs, attrs...)

	l.Log(nil, level, msg, allAttrs...) //nolint:staticcheck // context values already extracted as attributes
}

// attrsFromContext extracts logging attributes from a context.
// If globalTaskID is non-empty, task_id from the context is skipped.
func attrsFromContext(ctx context.Context, globalTaskID string) []slog.Attr {
	if ctx == nil {
		return nil
	}

	var attrs []slog.Attr
	if globalTaskID == "" {
		if s := TaskIDFromContext(ctx); s != "" {
			attrs = append(attrs, slog.String("task_id", s))
		}
	}
	if s := WorkspaceFromContext(ctx); s != "" {
		attrs = append(attrs, slog.String("workspace", s))
	}
	if s := ComponentFromContext(ctx); s != "" {
		attrs = append(attrs, slog.String("component", s))
	}
	return attrs
}
