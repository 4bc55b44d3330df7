package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	testTaskID    = "task-2026-01-15"
	testComponent = "checkpoint"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   slog.Level
		wantOK bool
	}{
		{"empty defaults to INFO", "", slog.LevelInfo, true},
		{"DEBUG lowercase", "debug", slog.LevelDebug, true},
		{"INFO uppercase", "INFO", slog.LevelInfo, true},
		{"WARN lowercase", "warn", slog.LevelWarn, true},
		{"warning alias", "warning", slog.LevelWarn, true},
		{"ERROR uppercase", "ERROR", slog.LevelError, true},
		{"surrounding space", " error ", slog.LevelError, true},
		{"invalid defaults to INFO", "invalid", slog.LevelInfo, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseLevel(tt.input)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("parseLevel(%q) = %v, %t; want %v, %t", tt.input, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	var entries []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line is not valid JSON: %v\n%s", err, line)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestInit_WritesJSONLogsUnderStorage(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "")
	defer resetLogger()
	storage := t.TempDir()

	if err := Init(storage, testTaskID); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	Info(context.Background(), "test message", slog.String("key", "value"))
	Close()

	entries := readEntries(t, filepath.Join(storage, "logs", testTaskID+".log"))
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e["msg"] != "test message" {
		t.Errorf("msg = %v", e["msg"])
	}
	if e["key"] != "value" {
		t.Errorf("key = %v", e["key"])
	}
	if e["task_id"] != testTaskID {
		t.Errorf("task_id = %v", e["task_id"])
	}
}

func TestInit_RespectsLogLevel(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "WARN")
	defer resetLogger()
	storage := t.TempDir()

	if err := Init(storage, testTaskID); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	Debug(context.Background(), "debug message")
	Info(context.Background(), "info message")
	Warn(context.Background(), "warn message")
	Close()

	entries := readEntries(t, filepath.Join(storage, "logs", testTaskID+".log"))
	if len(entries) != 1 || entries[0]["msg"] != "warn message" {
		t.Errorf("expected only the warn entry, got %v", entries)
	}
}

func TestInit_UsesLevelGetterWhenEnvUnset(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "")
	SetLogLevelGetter(func() string { return "error" })
	defer SetLogLevelGetter(nil)
	defer resetLogger()
	storage := t.TempDir()

	if err := Init(storage, testTaskID); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	Warn(context.Background(), "dropped")
	Error(context.Background(), "kept")
	Close()

	entries := readEntries(t, filepath.Join(storage, "logs", testTaskID+".log"))
	if len(entries) != 1 || entries[0]["msg"] != "kept" {
		t.Errorf("expected only the error entry, got %v", entries)
	}
}

func TestInit_RejectsInvalidTaskIDs(t *testing.T) {
	defer resetLogger()
	for _, id := range []string{"", "../escape", "a/b"} {
		if err := Init(t.TempDir(), id); err == nil {
			t.Errorf("Init(%q) should fail", id)
		}
	}
}

func TestClose_SafeToCallMultipleTimes(t *testing.T) {
	defer resetLogger()
	if err := Init(t.TempDir(), testTaskID); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	Close()
	Close()
}

func TestLogging_BeforeInit(_ *testing.T) {
	resetLogger()
	Info(context.Background(), "goes to the default logger")
	Sink(context.Background())("so does this")
}

func TestSink_IncludesContextValues(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "")
	defer resetLogger()
	storage := t.TempDir()

	if err := Init(storage, testTaskID); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	ctx := WithComponent(WithWorkspace(context.Background(), "/ws"), testComponent)
	Sink(ctx)("suppressed 2 nested repositories")
	Close()

	entries := readEntries(t, filepath.Join(storage, "logs", testTaskID+".log"))
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e["msg"] != "suppressed 2 nested repositories" {
		t.Errorf("msg = %v", e["msg"])
	}
	if e["component"] != testComponent {
		t.Errorf("component = %v", e["component"])
	}
	if e["workspace"] != "/ws" {
		t.Errorf("workspace = %v", e["workspace"])
	}
}

func TestLogDuration(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "")
	defer resetLogger()
	storage := t.TempDir()

	if err := Init(storage, testTaskID); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	LogDuration(context.Background(), slog.LevelInfo, "op done", time.Now().Add(-50*time.Millisecond),
		slog.Bool("success", true))
	Close()

	entries := readEntries(t, filepath.Join(storage, "logs", testTaskID+".log"))
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	d, ok := entries[0]["duration_ms"].(float64)
	if !ok || d < 50 {
		t.Errorf("duration_ms = %v, want >= 50", entries[0]["duration_ms"])
	}
	if entries[0]["success"] != true {
		t.Errorf("success = %v", entries[0]["success"])
	}
}
