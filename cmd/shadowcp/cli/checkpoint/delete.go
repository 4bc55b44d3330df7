package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/gitcli"
)

// Bounded wait for HEAD to reflect a branch switch.
const (
	switchPollAttempts = 20
	switchPollInterval = 50 * time.Millisecond
)

// DeleteOptions identifies the task branch to delete in a workspace-layout
// shadow repository.
type DeleteOptions struct {
	TaskID     string
	Workspace  string
	StorageDir string

	// Compactor overrides the default `git gc --prune=now` run that follows
	// a successful delete.
	Compactor Compactor

	// Log overrides DefaultLogSink().
	Log LogSink
}

// detachedGC tracks compactions started by DeleteTask.
var detachedGC gcRunner

// WaitForBackgroundGC blocks until compactions started by DeleteTask finish.
func WaitForBackgroundGC() {
	detachedGC.wait()
}

// DeleteTask removes the task's branch from the workspace's shadow
// repository and schedules an aggressive compaction. It returns false when
// the branch does not exist or cannot be removed; the reason is logged.
func DeleteTask(ctx context.Context, opts DeleteOptions) bool {
	log := opts.Log
	if log == nil {
		log = DefaultLogSink()
	}

	workspace, err := filepath.Abs(opts.Workspace)
	if err != nil {
		log.printf("delete task %s: failed to resolve workspace: %v", opts.TaskID, err)
		return false
	}
	shadowDir := ShadowDir(opts.StorageDir, opts.TaskID, filepath.Clean(workspace), LayoutWorkspace)
	branch := plumbing.NewBranchReferenceName(BranchName(opts.TaskID))

	repo, err := git.PlainOpen(shadowDir)
	if err != nil {
		log.printf("delete task %s: failed to open shadow repository %s: %v", opts.TaskID, shadowDir, err)
		return false
	}
	if _, err := repo.Reference(branch, true); err != nil {
		log.printf("delete task %s: branch %s not found: %v", opts.TaskID, branch.Short(), err)
		return false
	}

	g := gitcli.New(shadowDir)
	head, err := repo.Head()
	if err != nil {
		log.printf("delete task %s: failed to resolve HEAD: %v", opts.TaskID, err)
		return false
	}
	if head.Name() == branch {
		if err := switchAwayFrom(ctx, repo, g, branch, log); err != nil {
			log.printf("delete task %s: %v", opts.TaskID, err)
			return false
		}
	}

	if err := g.DeleteBranch(ctx, branch.Short()); err != nil {
		log.printf("delete task %s: failed to delete branch %s: %v", opts.TaskID, branch.Short(), err)
		return false
	}
	log.printf("deleted branch %s", branch.Short())

	compactor := opts.Compactor
	if compactor == nil {
		compactor = gitCompactor{git: g}
	}
	detachedGC.runAsync(ctx, shadowDir, compactor, CompactOptions{PruneNow: true}, log.printf)
	return true
}

// switchAwayFrom moves HEAD off the branch about to be deleted. The
// worktree binding is cleared first so discarding local changes and
// switching branches never touch the workspace; it is restored on every
// exit path.
func switchAwayFrom(ctx context.Context, repo *git.Repository, g *gitcli.Repo, branch plumbing.ReferenceName, log LogSink) (err error) {
	cfg, err := repo.Config()
	if err != nil {
		return fmt.Errorf("failed to read shadow repository config: %w", err)
	}
	worktree := cfg.Core.Worktree

	if err := g.UnsetConfig(ctx, "core.worktree"); err != nil {
		return fmt.Errorf("failed to clear worktree binding: %w", err)
	}
	defer func() {
		if worktree == "" {
			return
		}
		if setErr := g.SetConfig(context.WithoutCancel(ctx), "core.worktree", worktree); setErr != nil {
			log.printf("failed to restore worktree binding %s: %v", worktree, setErr)
			if err == nil {
				err = fmt.Errorf("failed to restore worktree binding: %w", setErr)
			}
		}
	}()

	if err := g.ReadTree(ctx, "HEAD"); err != nil {
		return fmt.Errorf("failed to discard local changes: %w", err)
	}

	target, err := defaultBranch(repo)
	if err != nil {
		return err
	}
	if target.Name() == branch {
		return fmt.Errorf("refusing to delete default branch %s", branch.Short())
	}
	if err := g.SymbolicRef(ctx, target.Name().String()); err != nil {
		return fmt.Errorf("failed to check out %s: %w", target.Name().Short(), err)
	}
	if err := g.ReadTree(ctx, target.Name().String()); err != nil {
		return fmt.Errorf("failed to load %s into the index: %w", target.Name().Short(), err)
	}
	if err := waitForHead(ctx, repo, target.Name()); err != nil {
		return err
	}
	log.printf("switched from %s to %s", branch.Short(), target.Name().Short())
	return nil
}

var errSwitchNotConfirmed = errors.New("branch switch not confirmed")

func waitForHead(ctx context.Context, repo *git.Repository, want plumbing.ReferenceName) error {
	for range switchPollAttempts {
		head, err := repo.Reference(plumbing.HEAD, false)
		if err == nil && head.Type() == plumbing.SymbolicReference && head.Target() == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err() //nolint:wrapcheck // propagating context cancellation
		case <-time.After(switchPollInterval):
		}
	}
	return fmt.Errorf("%w: HEAD is not %s after %s", errSwitchNotConfirmed, want.Short(), switchPollAttempts*switchPollInterval)
}
