// Package testutil provides shared helpers for tests that build workspaces,
// nested repositories and shadow repositories on disk.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/config"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// NewWorkspace returns a fresh workspace directory and a separate storage
// directory.
func NewWorkspace(t *testing.T) (workspace, storage string) {
	t.Helper()
	return resolve(t, t.TempDir()), resolve(t, t.TempDir())
}

// resolve evaluates symlinks so paths compare equal to what git reports
// (macOS temp dirs live behind /var -> /private/var).
func resolve(t *testing.T, dir string) string {
	t.Helper()
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("failed to resolve %s: %v", dir, err)
	}
	return real
}

// InitRepo initializes a git repository in dir with a test identity and
// one commit containing README.md, so that .git/HEAD resolves.
func InitRepo(t *testing.T, dir string) {
	t.Helper()

	//nolint:gosec // test code, permissions are intentionally standard
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create %s: %v", dir, err)
	}
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("failed to init git repo: %v", err)
	}

	cfg, err := repo.Config()
	if err != nil {
		t.Fatalf("failed to get repo config: %v", err)
	}
	cfg.User.Name = "Test User"
	cfg.User.Email = "test@example.com"
	if cfg.Raw == nil {
		cfg.Raw = config.New()
	}
	cfg.Raw.Section("commit").SetOption("gpgsign", "false")
	if err := repo.SetConfig(cfg); err != nil {
		t.Fatalf("failed to set repo config: %v", err)
	}

	WriteFile(t, dir, "README.md", "# nested\n")
	worktree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("failed to get worktree: %v", err)
	}
	if _, err := worktree.Add("README.md"); err != nil {
		t.Fatalf("failed to add README.md: %v", err)
	}
	_, err = worktree.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Test User", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
}

// WriteGitfile writes a .git file pointing at gitdir, the way submodules
// and linked worktrees do.
func WriteGitfile(t *testing.T, dir, gitdir string) {
	t.Helper()
	WriteFile(t, dir, ".git", "gitdir: "+gitdir+"\n")
}

// WriteFile creates a file with the given content under dir, creating
// parent directories as needed.
func WriteFile(t *testing.T, dir, path, content string) {
	t.Helper()

	fullPath := filepath.Join(dir, path)
	//nolint:gosec // test code, permissions are intentionally standard
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	//nolint:gosec // test code, permissions are intentionally standard
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
}

// ReadFile reads a file under dir.
func ReadFile(t *testing.T, dir, path string) string {
	t.Helper()

	//nolint:gosec // test code, path is from test setup
	data, err := os.ReadFile(filepath.Join(dir, path))
	if err != nil {
		t.Fatalf("failed to read file %s: %v", path, err)
	}
	return string(data)
}

// FileExists checks if a path exists under dir.
func FileExists(dir, path string) bool {
	_, err := os.Lstat(filepath.Join(dir, path))
	return err == nil
}

func openRepo(t *testing.T, repoDir string) *git.Repository {
	t.Helper()
	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatalf("failed to open git repo %s: %v", repoDir, err)
	}
	return repo
}

// HeadBranch returns the short name of the branch HEAD points at in the
// repository rooted at repoDir.
func HeadBranch(t *testing.T, repoDir string) string {
	t.Helper()
	head, err := openRepo(t, repoDir).Reference(plumbing.HEAD, false)
	if err != nil {
		t.Fatalf("failed to read HEAD: %v", err)
	}
	return head.Target().Short()
}

// GetHeadHash returns the commit HEAD resolves to.
func GetHeadHash(t *testing.T, repoDir string) string {
	t.Helper()
	head, err := openRepo(t, repoDir).Head()
	if err != nil {
		t.Fatalf("failed to resolve HEAD: %v", err)
	}
	return head.Hash().String()
}

// BranchExists reports whether refs/heads/<branch> exists.
func BranchExists(t *testing.T, repoDir, branch string) bool {
	t.Helper()
	_, err := openRepo(t, repoDir).Reference(plumbing.NewBranchReferenceName(branch), false)
	return err == nil
}

// GetCommitMessage returns the full message of commit hash.
func GetCommitMessage(t *testing.T, repoDir, hash string) string {
	t.Helper()
	commit, err := openRepo(t, repoDir).CommitObject(plumbing.NewHash(hash))
	if err != nil {
		t.Fatalf("failed to load commit %s: %v", hash, err)
	}
	return commit.Message
}
