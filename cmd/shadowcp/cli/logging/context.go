package logging

import (
	"context"
)

// Context keys for logging values.
type contextKey int

const (
	taskIDKey contextKey = iota
	workspaceKey
	componentKey
)

// WithTask adds a task ID to the context.
func WithTask(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// WithWorkspace adds the workspace directory to the context.
func WithWorkspace(ctx context.Context, workspace string) context.Context {
	return context.WithValue(ctx, workspaceKey, workspace)
}

// WithComponent adds a component name to the context.
// Component names identify the subsystem generating logs (e.g., "checkpoint", "gc", "watch").
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// TaskIDFromContext extracts the task ID from the context.
func TaskIDFromContext(ctx context.Context) string {
	return stringValue(ctx, taskIDKey)
}

// WorkspaceFromContext extracts the workspace directory from the context.
func WorkspaceFromContext(ctx context.Context) string {
	return stringValue(ctx, workspaceKey)
}

// ComponentFromContext extracts the component name from the context.
func ComponentFromContext(ctx context.Context) string {
	return stringValue(ctx, componentKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if v := ctx.Value(key); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
