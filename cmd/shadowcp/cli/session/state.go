// Package session persists per-task checkpoint state between CLI
// invocations so that separate commands behave like one long-lived
// checkpoint service.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/jsonutil"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/paths"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/validation"
)

// State is the persisted view of one task's checkpoint session.
// This is stored in <storage>/sessions/<task-id>.json
type State struct {
	// TaskID is the unique task identifier
	TaskID string `json:"task_id"`

	// Workspace is the absolute path of the checkpointed directory
	Workspace string `json:"workspace"`

	// Layout is the shadow repository layout ("task" or "workspace")
	Layout string `json:"layout"`

	// BaseHash is the shadow HEAD recorded when the task was initialized
	BaseHash string `json:"base_hash"`

	// Checkpoints lists checkpoint hashes in creation order
	Checkpoints []string `json:"checkpoints,omitempty"`

	// SavesSinceGC counts saves since the last shadow repository compaction
	SavesSinceGC int `json:"saves_since_gc,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Latest returns the most recent checkpoint hash, or "" when none exist.
func (s *State) Latest() string {
	if len(s.Checkpoints) == 0 {
		return ""
	}
	return s.Checkpoints[len(s.Checkpoints)-1]
}

// StateStore reads and writes session state files.
type StateStore struct {
	stateDir string
}

// NewStateStore returns a store rooted at <storage>/sessions.
func NewStateStore(storage string) *StateStore {
	return &StateStore{stateDir: filepath.Join(storage, paths.SessionsDir)}
}

// NewStateStoreWithDir creates a store with a custom directory.
// This is useful for testing.
func NewStateStoreWithDir(stateDir string) *StateStore {
	return &StateStore{stateDir: stateDir}
}

// Load loads the state for taskID.
// Returns (nil, nil) when the state file doesn't exist.
func (s *StateStore) Load(ctx context.Context, taskID string) (*State, error) {
	_ = ctx

	if err := validation.ValidateTaskID(taskID); err != nil {
		return nil, fmt.Errorf("invalid task ID: %w", err)
	}

	data, err := os.ReadFile(s.stateFilePath(taskID)) //nolint:gosec // path is derived from a validated task ID
	if os.IsNotExist(err) {
		return nil, nil //nolint:nilnil // nil,nil indicates task not found (expected case)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session state: %w", err)
	}
	return &state, nil
}

// Save writes state atomically and stamps UpdatedAt (and CreatedAt on first
// save).
func (s *StateStore) Save(ctx context.Context, state *State) error {
	_ = ctx

	if err := validation.ValidateTaskID(state.TaskID); err != nil {
		return fmt.Errorf("invalid task ID: %w", err)
	}

	now := time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now

	if err := jsonutil.WriteFileAtomic(s.stateFilePath(state.TaskID), state); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}
	return nil
}

// Clear removes the state file for taskID. A missing file is not an error.
func (s *StateStore) Clear(ctx context.Context, taskID string) error {
	_ = ctx

	if err := validation.ValidateTaskID(taskID); err != nil {
		return fmt.Errorf("invalid task ID: %w", err)
	}
	if err := os.Remove(s.stateFilePath(taskID)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to remove session state file: %w", err)
	}
	return nil
}

// List returns every stored state, most recently updated first. Unreadable
// files are skipped.
func (s *StateStore) List(ctx context.Context) ([]*State, error) {
	entries, err := os.ReadDir(s.stateDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session state directory: %w", err)
	}

	var states []*State
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		taskID := strings.TrimSuffix(name, ".json")
		state, err := s.Load(ctx, taskID)
		if err != nil || state == nil {
			continue
		}
		states = append(states, state)
	}
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].UpdatedAt.After(states[j].UpdatedAt)
	})
	return states, nil
}

func (s *StateStore) stateFilePath(taskID string) string {
	return filepath.Join(s.stateDir, taskID+".json")
}
