// Package watch reports debounced batches of file changes under a
// workspace so the CLI can save checkpoints automatically.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/logging"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/paths"
)

// DefaultDebounce is the quiet period after the last change before a batch
// is delivered.
const DefaultDebounce = 2 * time.Second

// alwaysIgnored directory names are never watched or reported.
var alwaysIgnored = []string{".git", ".git_disabled"}

// Handler receives workspace-relative paths (slash separated, sorted,
// unique) that changed during one debounce window. It runs on the watcher
// goroutine; events arriving meanwhile are buffered by the OS watcher.
type Handler func(ctx context.Context, changed []string)

// Options configures a Watcher.
type Options struct {
	Root     string
	Debounce time.Duration

	// Ignore holds gitignore-style patterns. "name/" ignores directories
	// with that name at any depth; other patterns are matched against the
	// base name with filepath.Match.
	Ignore []string

	OnChange Handler
}

// Watcher watches a directory tree recursively.
type Watcher struct {
	root     string
	debounce time.Duration
	dirs     []string
	globs    []string
	onChange Handler
	fsw      *fsnotify.Watcher
}

// New creates a Watcher and registers every non-ignored directory under
// opts.Root.
func New(opts Options) (*Watcher, error) {
	if opts.OnChange == nil {
		return nil, errors.New("watch: OnChange handler is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", opts.Root, err)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		debounce: debounce,
		onChange: opts.OnChange,
		fsw:      fsw,
	}
	w.dirs, w.globs = splitPatterns(opts.Ignore)

	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

func splitPatterns(patterns []string) (dirs, globs []string) {
	dirs = append(dirs, alwaysIgnored...)
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") || strings.HasPrefix(p, "!") {
			continue
		}
		if name, ok := strings.CutSuffix(p, "/"); ok {
			dirs = append(dirs, strings.TrimPrefix(name, "/"))
			continue
		}
		globs = append(globs, strings.TrimPrefix(p, "/"))
	}
	return dirs, globs
}

// ignored reports whether the workspace-relative path rel is excluded.
func (w *Watcher) ignored(rel string, isDir bool) bool {
	parts := strings.Split(rel, "/")
	for i, part := range parts {
		last := i == len(parts)-1
		if !last || isDir {
			for _, d := range w.dirs {
				if ok, _ := filepath.Match(d, part); ok {
					return true
				}
			}
		}
		if last {
			for _, g := range w.globs {
				if ok, _ := filepath.Match(g, part); ok {
					return true
				}
			}
		}
	}
	return false
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("failed to walk %s: %w", dir, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.ignored(w.rel(path), true) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) rel(path string) string {
	return filepath.ToSlash(paths.ToRelativePath(path, w.root))
}

// Run delivers change batches until ctx is cancelled. Pending changes are
// flushed before Run returns. The underlying watcher is closed on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fsw.Close() }()
	ctx = logging.WithComponent(ctx, "watch")

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		batch := make([]string, 0, len(pending))
		for p := range pending {
			batch = append(batch, p)
		}
		clear(pending)
		slices.Sort(batch)
		w.onChange(ctx, batch)
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.WithoutCancel(ctx))
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				flush(ctx)
				return nil
			}
			if w.handle(ctx, ev, pending) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				flush(ctx)
				return nil
			}
			logging.Warn(ctx, "watcher error", "error", err.Error())
		case <-timer.C:
			flush(ctx)
		}
	}
}

// handle records ev in pending and reports whether it counted as a change.
func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event, pending map[string]struct{}) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	rel := w.rel(ev.Name)
	if rel == "" || rel == "." || strings.HasPrefix(rel, "../") {
		return false
	}

	isDir := false
	if ev.Has(fsnotify.Create) {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			isDir = true
		}
	}
	if w.ignored(rel, isDir) {
		return false
	}
	if isDir {
		if err := w.addTree(ev.Name); err != nil {
			logging.Warn(ctx, "failed to watch new directory", "path", rel, "error", err.Error())
		}
		// Files created before the watch was registered are picked up by
		// the next save's status scan; the directory itself marks the batch.
	}
	pending[rel] = struct{}{}
	return true
}
