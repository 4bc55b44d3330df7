// Package paths resolves the on-disk layout of shadowcp's storage directory.
package paths

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// StorageEnvVar overrides the default storage directory.
const StorageEnvVar = "SHADOWCP_STORAGE"

// Directory names under the storage root.
const (
	AppDirName     = "shadowcp"
	TasksDir       = "tasks"
	CheckpointsDir = "checkpoints"
	SessionsDir    = "sessions"
	LogsDir        = "logs"
)

// Settings file names under the storage root.
const (
	SettingsFileName      = "settings.json"
	LocalSettingsFileName = "settings.local.json"
)

// WorkspaceHashLength is the number of hex characters of the workspace digest
// used to name workspace-scoped shadow repositories.
const WorkspaceHashLength = 8

// StorageDir resolves the storage root: override (usually the --storage flag),
// then $SHADOWCP_STORAGE, then <user config dir>/shadowcp.
// The returned path is absolute.
func StorageDir(override string) (string, error) {
	dir := override
	if dir == "" {
		dir = os.Getenv(StorageEnvVar)
	}
	if dir == "" {
		cfg, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve user config dir: %w", err)
		}
		dir = filepath.Join(cfg, AppDirName)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve storage dir %s: %w", dir, err)
	}
	return abs, nil
}

// TaskShadowDir returns the shadow repository root for the task-scoped layout:
// <storage>/tasks/<taskID>/checkpoints
func TaskShadowDir(storage, taskID string) string {
	return filepath.Join(storage, TasksDir, taskID, CheckpointsDir)
}

// TaskDir returns <storage>/tasks/<taskID>.
func TaskDir(storage, taskID string) string {
	return filepath.Join(storage, TasksDir, taskID)
}

// WorkspaceShadowDir returns the shadow repository root for the
// workspace-scoped layout: <storage>/checkpoints/<workspaceHash>
func WorkspaceShadowDir(storage, workspace string) string {
	return filepath.Join(storage, CheckpointsDir, WorkspaceHash(workspace))
}

// WorkspaceHash returns the first WorkspaceHashLength hex characters of the
// BLAKE3 digest of the cleaned workspace path.
func WorkspaceHash(workspace string) string {
	sum := blake3.Sum256([]byte(filepath.Clean(workspace)))
	return hex.EncodeToString(sum[:])[:WorkspaceHashLength]
}

// SessionFile returns <storage>/sessions/<taskID>.json.
func SessionFile(storage, taskID string) string {
	return filepath.Join(storage, SessionsDir, taskID+".json")
}

// LogFile returns <storage>/logs/<taskID>.log.
func LogFile(storage, taskID string) string {
	return filepath.Join(storage, LogsDir, taskID+".log")
}

// ErrNoHomeDir is returned by ProtectedDirs when the home directory is unknown.
var ErrNoHomeDir = errors.New("home directory is not set")

// ProtectedDirs lists directories that must never be used as a workspace:
// the user's home and its Desktop, Documents and Downloads folders.
func ProtectedDirs() ([]string, error) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil, ErrNoHomeDir
	}
	return protectedUnder(home), nil
}

func protectedUnder(home string) []string {
	home = filepath.Clean(home)
	return []string{
		home,
		filepath.Join(home, "Desktop"),
		filepath.Join(home, "Documents"),
		filepath.Join(home, "Downloads"),
	}
}

// IsProtectedDir reports whether dir is one of ProtectedDirs.
// Comparison is on cleaned absolute paths; subdirectories are not protected.
func IsProtectedDir(dir string) bool {
	protected, err := ProtectedDirs()
	if err != nil {
		return false
	}
	return matchesAny(dir, protected)
}

func matchesAny(dir string, candidates []string) bool {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	abs = filepath.Clean(abs)
	for _, c := range candidates {
		if abs == c {
			return true
		}
	}
	return false
}

// ToRelativePath converts an absolute path to one relative to base.
// Returns empty string if the path is outside base.
func ToRelativePath(absPath, base string) string {
	if !filepath.IsAbs(absPath) {
		return absPath
	}
	relPath, err := filepath.Rel(base, absPath)
	if err != nil || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return ""
	}
	return relPath
}
