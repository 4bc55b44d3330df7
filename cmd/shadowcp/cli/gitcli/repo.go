// Package gitcli provides typed access to the git binary for the shadow
// repository. Every command targets the shadow root via "git -C <dir>";
// the worktree is resolved by git from the repository's core.worktree.
//
// Index and worktree commands (add, rm, reset, clean, branch -D)
// go through the binary rather than go-git: go-git v5's reset and
// checkout delete untracked directories and ignore core.worktree on
// several code paths.
package gitcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// maxPathsPerCommand bounds the argv of batched add/rm invocations.
const maxPathsPerCommand = 500

// scrubbedEnv lists variables that would redirect git away from the shadow
// repository if inherited from the caller (e.g. when run inside a git hook).
var scrubbedEnv = []string{"GIT_DIR", "GIT_WORK_TREE", "GIT_INDEX_FILE", "GIT_OBJECT_DIRECTORY", "GIT_COMMON_DIR"}

// Error is returned when a git command exits unsuccessfully.
type Error struct {
	Args   []string
	Dir    string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("git %s in %s: %v (stderr: %s)", strings.Join(e.Args, " "), e.Dir, e.Err, e.Stderr)
}

func (e *Error) Unwrap() error { return e.Err }

// ExitCode returns the process exit code, or -1 if the command did not exit.
func (e *Error) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Repo runs git against a shadow repository root.
type Repo struct {
	dir string
	env []string
}

// New returns a Repo targeting dir, the directory that contains the shadow
// repository's .git.
func New(dir string) *Repo {
	return &Repo{dir: dir, env: environ()}
}

// Dir returns the shadow repository root.
func (r *Repo) Dir() string {
	return r.dir
}

func environ() []string {
	env := make([]string, 0, len(os.Environ())+2)
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if isScrubbed(name) {
			continue
		}
		env = append(env, kv)
	}
	// Paths handed to add/rm are file names, never globs.
	return append(env, "GIT_LITERAL_PATHSPECS=1", "GIT_TERMINAL_PROMPT=0")
}

func isScrubbed(name string) bool {
	for _, s := range scrubbedEnv {
		if name == s {
			return true
		}
	}
	return false
}

// Run executes a git command and returns stdout.
// Stderr is captured and carried by the returned *Error on failure.
func (r *Repo) Run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-C", r.dir}, args...)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", fullArgs...) //nolint:gosec // args are built by this package
	cmd.Env = r.env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &Error{
			Args:   args,
			Dir:    r.dir,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return stdout.String(), nil
}

// Status returns the porcelain status of the worktree, untracked files
// listed individually.
func (r *Repo) Status(ctx context.Context) ([]StatusEntry, error) {
	out, err := r.Run(ctx, "status", "--porcelain=v1", "-z", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return ParseStatus(out)
}

// Add stages the given worktree-relative paths in bounded batches.
func (r *Repo) Add(ctx context.Context, paths ...string) error {
	return r.batched(ctx, []string{"add", "--"}, paths)
}

// RemoveCached drops the given paths from the index, leaving the worktree alone.
func (r *Repo) RemoveCached(ctx context.Context, paths ...string) error {
	return r.batched(ctx, []string{"rm", "--cached", "--quiet", "--ignore-unmatch", "--"}, paths)
}

func (r *Repo) batched(ctx context.Context, prefix, paths []string) error {
	for start := 0; start < len(paths); start += maxPathsPerCommand {
		end := min(start+maxPathsPerCommand, len(paths))
		args := make([]string, 0, len(prefix)+end-start)
		args = append(args, prefix...)
		args = append(args, paths[start:end]...)
		if _, err := r.Run(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

// AddAll stages every change in the worktree, honoring the exclude file.
func (r *Repo) AddAll(ctx context.Context) error {
	_, err := r.Run(ctx, "add", "-A")
	return err
}

// HasStagedChanges reports whether the index differs from HEAD.
func (r *Repo) HasStagedChanges(ctx context.Context) (bool, error) {
	_, err := r.Run(ctx, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	var gitErr *Error
	if errors.As(err, &gitErr) && gitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, err
}

// Commit records the index as a new commit and returns its full hash.
// Hooks are skipped; the shadow repository never runs user hooks.
func (r *Repo) Commit(ctx context.Context, message string, allowEmpty bool) (string, error) {
	args := []string{"commit", "--no-verify", "--quiet", "-m", message}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}
	if _, err := r.Run(ctx, args...); err != nil {
		return "", err
	}
	return r.RevParse(ctx, "HEAD")
}

// RevParse resolves rev to a full object name.
func (r *Repo) RevParse(ctx context.Context, rev string) (string, error) {
	out, err := r.Run(ctx, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ResetHard moves HEAD, index and worktree to rev.
func (r *Repo) ResetHard(ctx context.Context, rev string) error {
	_, err := r.Run(ctx, "reset", "--hard", "--quiet", rev)
	return err
}

// Clean removes untracked files and directories that are not excluded.
func (r *Repo) Clean(ctx context.Context) error {
	_, err := r.Run(ctx, "clean", "-f", "-d", "--quiet")
	return err
}

// SymbolicRef points HEAD at ref (e.g. refs/heads/main) without touching
// the index or the worktree.
func (r *Repo) SymbolicRef(ctx context.Context, ref string) error {
	_, err := r.Run(ctx, "symbolic-ref", "HEAD", ref)
	return err
}

// ReadTree replaces the index with the tree of rev, discarding staged changes.
func (r *Repo) ReadTree(ctx context.Context, rev string) error {
	_, err := r.Run(ctx, "read-tree", rev)
	return err
}

// ResetIndex makes the index match rev without touching the worktree.
func (r *Repo) ResetIndex(ctx context.Context, rev string) error {
	_, err := r.Run(ctx, "reset", "--quiet", rev, "--")
	return err
}

// DeleteBranch force-deletes a local branch.
func (r *Repo) DeleteBranch(ctx context.Context, branch string) error {
	_, err := r.Run(ctx, "branch", "-D", "--", branch)
	return err
}

// SetConfig sets a local config value.
func (r *Repo) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.Run(ctx, "config", "--local", key, value)
	return err
}

// UnsetConfig removes a local config value. A missing key is not an error.
func (r *Repo) UnsetConfig(ctx context.Context, key string) error {
	_, err := r.Run(ctx, "config", "--local", "--unset", key)
	var gitErr *Error
	if errors.As(err, &gitErr) && gitErr.ExitCode() == 5 {
		return nil
	}
	return err
}

// TopLevel returns the worktree root git resolves for the repository,
// following core.worktree.
func (r *Repo) TopLevel(ctx context.Context) (string, error) {
	out, err := r.Run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Show returns the content of path at rev.
func (r *Repo) Show(ctx context.Context, rev, path string) (string, error) {
	return r.Run(ctx, "show", rev+":"+path)
}

// DiffNameStatus lists changed paths between from and to with rename and
// copy detection. An empty to compares from against the index.
func (r *Repo) DiffNameStatus(ctx context.Context, from, to string) ([]DiffEntry, error) {
	args := []string{"diff", "--name-status", "-z", "-M", "-C", "--no-color"}
	if to == "" {
		args = append(args, "--cached", from)
	} else {
		args = append(args, from, to)
	}
	out, err := r.Run(ctx, append(args, "--")...)
	if err != nil {
		return nil, err
	}
	return ParseNameStatus(out)
}

// GC compacts the object store. pruneNow drops unreachable objects
// immediately instead of after the default grace period.
func (r *Repo) GC(ctx context.Context, pruneNow bool) error {
	args := []string{"gc", "--quiet"}
	if pruneNow {
		args = append(args, "--prune=now")
	}
	_, err := r.Run(ctx, args...)
	return err
}
