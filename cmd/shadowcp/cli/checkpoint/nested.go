package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const gitMarker = ".git"

// skipWalkDirs are never searched for nested repositories.
var skipWalkDirs = map[string]bool{
	"node_modules":     true,
	"bower_components": true,
	".venv":            true,
	"venv":             true,
	"__pycache__":      true,
	".cache":           true,
}

// nestedRepos memoizes the workspace-relative directories that hold a
// nested repository marker. Only a successful walk is cached.
type nestedRepos struct {
	mu    sync.Mutex
	dirs  []string
	ready bool
}

func (n *nestedRepos) get(ctx context.Context, workspace string) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ready {
		return n.dirs, nil
	}
	dirs, err := findNestedRepos(ctx, workspace)
	if err != nil {
		return nil, err
	}
	n.dirs = dirs
	n.ready = true
	return dirs, nil
}

// findNestedRepos walks workspace for .git markers below the root. A marker
// is a .git directory containing HEAD or a .git file starting with "gitdir:".
// Suppressed markers (.git_disabled) are reported too, so a crashed run can
// be repaired.
func findNestedRepos(ctx context.Context, workspace string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == workspace {
				return err
			}
			// Unreadable subtrees are skipped, not fatal.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		name := d.Name()
		if name != gitMarker && name != disabledMarker {
			if d.IsDir() && skipWalkDirs[name] {
				return filepath.SkipDir
			}
			return nil
		}

		parent := filepath.Dir(path)
		if parent != workspace && isRepoMarker(path, d) {
			rel, relErr := filepath.Rel(workspace, parent)
			if relErr == nil {
				dirs = append(dirs, rel)
			}
		}
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s for nested repositories: %w", workspace, err)
	}
	sort.Strings(dirs)
	return dedupe(dirs), nil
}

func isRepoMarker(path string, d fs.DirEntry) bool {
	if d.IsDir() {
		_, err := os.Stat(filepath.Join(path, "HEAD"))
		return err == nil
	}
	if !d.Type().IsRegular() {
		return false
	}
	data, err := os.ReadFile(path) //nolint:gosec // path comes from walking the workspace
	if err != nil {
		return false
	}
	return bytes.HasPrefix(data, []byte("gitdir:"))
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}

// suppressNested renames every nested <dir>/.git to <dir>/.git_disabled so
// git treats the nested tree as ordinary files. The returned release
// renames them back; it is idempotent and must be deferred by the caller.
// Per-path rename failures are logged and skipped.
func suppressNested(workspace string, dirs []string, logf func(string, ...any)) (release func()) {
	var renamed []string
	for _, rel := range dirs {
		marker := filepath.Join(workspace, rel, gitMarker)
		disabled := filepath.Join(workspace, rel, disabledMarker)
		if _, err := os.Lstat(marker); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logf("nested repository %s: stat failed: %v", rel, err)
			}
			continue
		}
		if _, err := os.Lstat(disabled); err == nil {
			logf("nested repository %s: %s already exists, leaving marker in place", rel, disabledMarker)
			continue
		}
		if err := os.Rename(marker, disabled); err != nil {
			logf("nested repository %s: failed to disable marker: %v", rel, err)
			continue
		}
		renamed = append(renamed, rel)
	}
	if len(renamed) > 0 {
		logf("suppressed %d nested repositories", len(renamed))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, rel := range renamed {
				restoreMarker(workspace, rel, logf)
			}
		})
	}
}

// restoreMarker renames <dir>/.git_disabled back to <dir>/.git unless a
// .git already exists there.
func restoreMarker(workspace, rel string, logf func(string, ...any)) {
	marker := filepath.Join(workspace, rel, gitMarker)
	disabled := filepath.Join(workspace, rel, disabledMarker)
	if _, err := os.Lstat(disabled); err != nil {
		return
	}
	if _, err := os.Lstat(marker); err == nil {
		logf("nested repository %s: both %s and %s exist, leaving both", rel, gitMarker, disabledMarker)
		return
	}
	if err := os.Rename(disabled, marker); err != nil {
		logf("nested repository %s: failed to restore marker: %v", rel, err)
	}
}

// restoreStaleMarkers repairs markers left disabled by an interrupted run.
func restoreStaleMarkers(workspace string, dirs []string, logf func(string, ...any)) {
	for _, rel := range dirs {
		if _, err := os.Lstat(filepath.Join(workspace, rel, disabledMarker)); err == nil {
			logf("restoring stale nested repository marker in %s", rel)
			restoreMarker(workspace, rel, logf)
		}
	}
}
