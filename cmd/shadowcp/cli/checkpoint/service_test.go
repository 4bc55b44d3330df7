package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/testutil"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := New(Options{TaskID: "../x", Workspace: f.workspace, StorageDir: f.storage})
	require.Error(t, err)

	_, err = New(Options{TaskID: "t1", StorageDir: f.storage})
	require.Error(t, err)

	_, err = New(Options{TaskID: "t1", Workspace: filepath.Join(f.workspace, "missing"), StorageDir: f.storage})
	require.Error(t, err)

	testutil.WriteFile(t, f.workspace, "file.txt", "x")
	_, err = New(Options{TaskID: "t1", Workspace: filepath.Join(f.workspace, "file.txt"), StorageDir: f.storage})
	require.Error(t, err)
}

func TestInitialize_CreatesShadowRepository(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	testutil.WriteFile(t, f.workspace, "main.go", "package main\n")
	testutil.WriteFile(t, f.workspace, ".gitignore", "# local\nsecrets/\n")

	svc, err := New(f.options("t1"))
	require.NoError(t, err)

	var events []Event
	svc.Subscribe(EventInitialize, func(ev Event) { events = append(events, ev) })
	require.NoError(t, svc.Initialize(context.Background()))
	t.Cleanup(func() { _ = svc.Close() })

	assert.Equal(t, StateReady, svc.State())
	assert.Equal(t, filepath.Join(f.storage, "tasks", "t1", "checkpoints"), svc.ShadowDir())
	assert.Len(t, svc.BaseHash(), 40)
	assert.Equal(t, svc.BaseHash(), testutil.GetHeadHash(t, svc.ShadowDir()))
	assert.Empty(t, svc.Checkpoints())
	assert.Empty(t, f.gc.Calls(), "a new repository is not compacted")

	repo, err := git.PlainOpen(svc.ShadowDir())
	require.NoError(t, err)
	cfg, err := repo.Config()
	require.NoError(t, err)
	assert.Equal(t, f.workspace, cfg.Core.Worktree)
	assert.Equal(t, identityName, cfg.User.Name)
	assert.Equal(t, "false", cfg.Raw.Section("commit").Option("gpgsign"))

	exclude := testutil.ReadFile(t, svc.ShadowDir(), filepath.Join(".git", "info", "exclude"))
	assert.Contains(t, exclude, disabledMarker+"/")
	assert.Contains(t, exclude, "secrets/")
	assert.NotContains(t, exclude, "# local")
	assert.False(t, testutil.FileExists(f.workspace, ".git"), "nothing is written into the workspace")

	require.Len(t, events, 1)
	assert.True(t, events[0].Created)
	assert.Equal(t, svc.BaseHash(), events[0].ToHash)
	assert.Equal(t, "t1", events[0].TaskID)
}

func TestInitialize_Twice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	svc := f.service(t, f.options("t1"))

	err := svc.Initialize(context.Background())
	require.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestInitialize_ExistingRepositoryIsCompactedOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	testutil.WriteFile(t, f.workspace, "a.txt", "1\n")

	first := f.service(t, f.options("t1"))
	testutil.WriteFile(t, f.workspace, "a.txt", "2\n")
	res, err := first.Save(context.Background(), "edit")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(f.options("t1"))
	require.NoError(t, err)
	var created []bool
	second.Subscribe(EventInitialize, func(ev Event) { created = append(created, ev.Created) })
	require.NoError(t, second.Initialize(context.Background()))
	t.Cleanup(func() { _ = second.Close() })

	assert.Equal(t, res.ToHash, second.BaseHash(), "base is the existing HEAD")
	assert.Equal(t, []bool{false}, created)
	calls := f.gc.Calls()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].PruneNow)
}

func TestInitialize_WorktreeMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.service(t, f.options("shared"))

	other, _ := testutil.NewWorkspace(t)
	opts := f.options("shared")
	opts.Workspace = other
	svc, err := New(opts)
	require.NoError(t, err)

	err = svc.Initialize(context.Background())
	require.ErrorIs(t, err, ErrWorktreeMismatch)
	assert.Equal(t, StateUninitialized, svc.State())
}

func TestInitialize_ProtectedWorkspace(t *testing.T) {
	home, storage := testutil.NewWorkspace(t)
	t.Setenv("HOME", home)

	for _, dir := range []string{home, filepath.Join(home, "Desktop"), filepath.Join(home, "Downloads")} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
		svc, err := New(Options{TaskID: "t1", Workspace: dir, StorageDir: storage, Log: func(string) {}})
		require.NoError(t, err)

		var failures []Event
		svc.Subscribe(EventError, func(ev Event) { failures = append(failures, ev) })

		err = svc.Initialize(context.Background())
		require.ErrorIs(t, err, ErrProtectedWorkspace, dir)
		require.Len(t, failures, 1)
		assert.Equal(t, "initialize", failures[0].Op)
	}
	assert.False(t, testutil.FileExists(storage, "tasks"), "no shadow repository is created")
}

func TestOperations_RequireInitialize(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	svc, err := New(f.options("t1"))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.Save(ctx, "x")
	require.ErrorIs(t, err, ErrNotReady)
	require.ErrorIs(t, svc.Restore(ctx, "abcd"), ErrNotReady)
	_, err = svc.Diff(ctx, DiffOptions{})
	require.ErrorIs(t, err, ErrNotReady)
	_, err = svc.Log(ctx, 0)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestOperations_RejectOverlap(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	svc := f.service(t, f.options("t1"))

	require.NoError(t, svc.begin(StateSaving))
	_, err := svc.Save(context.Background(), "x")
	require.ErrorIs(t, err, ErrBusy)
	svc.end()
	assert.Equal(t, StateReady, svc.State())
}

func TestSave_NoChangesReturnsNil(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	testutil.WriteFile(t, f.workspace, "a.txt", "1\n")
	svc := f.service(t, f.options("t1"))

	var saved int
	svc.Subscribe(EventCheckpoint, func(Event) { saved++ })

	res, err := svc.Save(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, svc.Checkpoints())
	assert.Equal(t, 0, saved)
	assert.Equal(t, svc.BaseHash(), testutil.GetHeadHash(t, svc.ShadowDir()))
}

func TestSave_AllowEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	svc := f.service(t, f.options("t1"))

	res, err := svc.SaveWithOptions(context.Background(), "", SaveOptions{AllowEmpty: true})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, svc.BaseHash(), res.FromHash)
	assert.Equal(t, defaultMessage, res.Message)
	assert.Equal(t, []string{res.ToHash}, svc.Checkpoints())
}

func TestSaveRestore_RoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	testutil.WriteFile(t, f.workspace, "a.txt", "v0\n")
	svc := f.service(t, f.options("t1"))

	testutil.WriteFile(t, f.workspace, "a.txt", "v1\n")
	first, err := svc.Save(ctx, "first")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, svc.BaseHash(), first.FromHash)
	assert.Equal(t, "first\n", testutil.GetCommitMessage(t, svc.ShadowDir(), first.ToHash))

	testutil.WriteFile(t, f.workspace, "a.txt", "v2\n")
	testutil.WriteFile(t, f.workspace, "dir/b.txt", "new\n")
	second, err := svc.Save(ctx, "second")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ToHash, second.FromHash)

	// An untracked file created after the last save is removed by restore.
	testutil.WriteFile(t, f.workspace, "scratch.txt", "tmp\n")

	var restored []Event
	svc.Subscribe(EventRestore, func(ev Event) { restored = append(restored, ev) })
	require.NoError(t, svc.Restore(ctx, first.ToHash))

	assert.Equal(t, "v1\n", testutil.ReadFile(t, f.workspace, "a.txt"))
	assert.False(t, testutil.FileExists(f.workspace, "dir/b.txt"))
	assert.False(t, testutil.FileExists(f.workspace, "scratch.txt"))
	assert.Equal(t, []string{first.ToHash}, svc.Checkpoints())
	require.Len(t, restored, 1)
	assert.Equal(t, second.ToHash, restored[0].FromHash)
	assert.Equal(t, first.ToHash, restored[0].ToHash)
}

func TestRestore_KeepsExcludedFiles(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	testutil.WriteFile(t, f.workspace, "a.txt", "v0\n")
	svc := f.service(t, f.options("t1"))

	testutil.WriteFile(t, f.workspace, "node_modules/pkg/index.js", "module.exports = 1\n")
	testutil.WriteFile(t, f.workspace, "debug.log", "trace\n")
	require.NoError(t, svc.Restore(ctx, svc.BaseHash()))

	assert.True(t, testutil.FileExists(f.workspace, "node_modules/pkg/index.js"))
	assert.True(t, testutil.FileExists(f.workspace, "debug.log"))
}

func TestRestore_TruncatesLaterCheckpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	svc := f.service(t, f.options("t1"))

	var hashes []string
	for _, v := range []string{"1", "2", "3"} {
		testutil.WriteFile(t, f.workspace, "n.txt", v)
		res, err := svc.Save(ctx, "save "+v)
		require.NoError(t, err)
		require.NotNil(t, res)
		hashes = append(hashes, res.ToHash)
	}

	require.NoError(t, svc.Restore(ctx, hashes[1][:12]))
	assert.Equal(t, hashes[:2], svc.Checkpoints())
	assert.Equal(t, "2", testutil.ReadFile(t, f.workspace, "n.txt"))

	// The base commit is not in the list; the list is left as is.
	require.NoError(t, svc.Restore(ctx, svc.BaseHash()))
	assert.Equal(t, hashes[:2], svc.Checkpoints())
	assert.False(t, testutil.FileExists(f.workspace, "n.txt"))
}

func TestRestore_UnknownCommit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	svc := f.service(t, f.options("t1"))

	var failures []Event
	svc.Subscribe(EventError, func(ev Event) { failures = append(failures, ev) })

	err := svc.Restore(context.Background(), "0123456789abcdef0123456789abcdef01234567")
	require.Error(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "restore", failures[0].Op)
	assert.Equal(t, StateReady, svc.State())
}

func TestSave_SeededCheckpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	opts := f.options("t1")
	opts.Checkpoints = []string{"seed"}
	svc := f.service(t, opts)

	testutil.WriteFile(t, f.workspace, "a.txt", "x")
	res, err := svc.Save(context.Background(), "next")
	require.NoError(t, err)
	assert.Equal(t, []string{"seed", res.ToHash}, svc.Checkpoints())
}

func TestGC_Cadence(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	opts := f.options("t1")
	opts.GCThreshold = 3
	svc := f.service(t, opts)
	ctx := context.Background()

	for i := range 7 {
		testutil.WriteFile(t, f.workspace, "n.txt", string(rune('a'+i)))
		res, err := svc.Save(ctx, "save")
		require.NoError(t, err)
		require.NotNil(t, res)
		svc.gc.wait()
	}

	assert.Len(t, f.gc.Calls(), 2, "compactions after saves 3 and 6")
	svc.mu.Lock()
	assert.Equal(t, 1, svc.savesSinceGC)
	svc.mu.Unlock()
}

func TestGC_FailureIsSwallowed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.gc.err = assert.AnError
	opts := f.options("t1")
	opts.GCThreshold = 1
	svc := f.service(t, opts)

	testutil.WriteFile(t, f.workspace, "a.txt", "x")
	res, err := svc.Save(context.Background(), "save")
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NoError(t, svc.Close())

	assert.Len(t, f.gc.Calls(), 1)
	assert.True(t, f.log.contains("garbage collection failed"))
}

func TestGC_NegativeThresholdDisables(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	opts := f.options("t1")
	opts.GCThreshold = -1
	svc := f.service(t, opts)

	for i := range 3 {
		testutil.WriteFile(t, f.workspace, "n.txt", string(rune('a'+i)))
		_, err := svc.Save(context.Background(), "save")
		require.NoError(t, err)
	}
	require.NoError(t, svc.Close())
	assert.Empty(t, f.gc.Calls())
}

func TestGC_SeededCounter(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	opts := f.options("t1")
	opts.GCThreshold = 3
	opts.SavesSinceGC = 2
	svc := f.service(t, opts)
	assert.Equal(t, 2, svc.SavesSinceGC())

	testutil.WriteFile(t, f.workspace, "a.txt", "x")
	_, err := svc.Save(context.Background(), "save")
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	assert.Len(t, f.gc.Calls(), 1, "the seeded count carries over")
	assert.Equal(t, 0, svc.SavesSinceGC())
}

func TestCompact(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	opts := f.options("t1")
	opts.SavesSinceGC = 5
	svc := f.service(t, opts)

	require.NoError(t, svc.Compact(context.Background(), CompactOptions{PruneNow: true}))
	calls := f.gc.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].PruneNow)
	assert.Equal(t, 0, svc.SavesSinceGC())

	f.gc.mu.Lock()
	f.gc.err = assert.AnError
	f.gc.mu.Unlock()
	err := svc.Compact(context.Background(), CompactOptions{})
	require.ErrorIs(t, err, assert.AnError)

	require.NoError(t, svc.Close())
	require.ErrorIs(t, svc.Compact(context.Background(), CompactOptions{}), ErrNotReady)
}

func TestClose_DisposesService(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	svc := f.service(t, f.options("t1"))

	require.NoError(t, svc.Close())
	assert.Equal(t, StateDisposed, svc.State())

	_, err := svc.Save(context.Background(), "x")
	require.ErrorIs(t, err, ErrNotReady)
	require.ErrorIs(t, svc.Initialize(context.Background()), ErrNotReady)
}

func TestLog(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	svc := f.service(t, f.options("t1"))

	testutil.WriteFile(t, f.workspace, "a.txt", "1")
	_, err := svc.Save(ctx, "one")
	require.NoError(t, err)
	testutil.WriteFile(t, f.workspace, "a.txt", "2")
	last, err := svc.Save(ctx, "two")
	require.NoError(t, err)

	all, err := svc.Log(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, last.ToHash, all[0].Hash)
	assert.Equal(t, "two", all[0].Message)
	assert.Equal(t, "initial commit", all[2].Message)

	limited, err := svc.Log(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSave_TracksNestedRepositoryContent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	nested := filepath.Join(f.workspace, "lib")
	testutil.InitRepo(t, nested)

	svc := f.service(t, f.options("t1"))
	assert.True(t, testutil.FileExists(nested, ".git"), "marker restored after the initial commit")
	assert.False(t, testutil.FileExists(nested, disabledMarker))

	content, err := svc.git.Show(ctx, "HEAD", "lib/README.md")
	require.NoError(t, err)
	assert.Equal(t, "# nested\n", content)

	_, err = svc.git.Show(ctx, "HEAD", "lib/.git/HEAD")
	require.Error(t, err, "nested repository internals are never captured")
	_, err = svc.git.Show(ctx, "HEAD", "lib/"+disabledMarker+"/HEAD")
	require.Error(t, err)

	testutil.WriteFile(t, nested, "README.md", "# changed\n")
	res, err := svc.Save(ctx, "nested edit")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, testutil.FileExists(nested, ".git"))

	require.NoError(t, svc.Restore(ctx, svc.BaseHash()))
	assert.Equal(t, "# nested\n", testutil.ReadFile(t, nested, "README.md"))
	assert.True(t, testutil.FileExists(nested, ".git"), "restore keeps the nested repository intact")
	assert.True(t, testutil.FileExists(nested, ".git/HEAD"))
}

func TestInitialize_RepairsStaleMarkers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	nested := filepath.Join(f.workspace, "lib")
	testutil.InitRepo(t, nested)
	require.NoError(t, os.Rename(filepath.Join(nested, ".git"), filepath.Join(nested, disabledMarker)))

	f.service(t, f.options("t1"))

	assert.True(t, testutil.FileExists(nested, ".git"))
	assert.False(t, testutil.FileExists(nested, disabledMarker))
	assert.True(t, f.log.contains("stale nested repository marker"))
}

func formatVersion(t *testing.T, shadowDir string) string {
	t.Helper()
	repo, err := git.PlainOpen(shadowDir)
	require.NoError(t, err)
	cfg, err := repo.Config()
	require.NoError(t, err)
	return cfg.Raw.Section("core").Options.Get("repositoryformatversion")
}

func TestInitialize_GitResolvesWorkspaceAsWorktree(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	testutil.WriteFile(t, f.workspace, "a.txt", "v0\n")
	svc := f.service(t, f.options("t1"))

	assert.Equal(t, "0", formatVersion(t, svc.ShadowDir()))
	top, err := svc.git.TopLevel(ctx)
	require.NoError(t, err)
	assert.True(t, samePath(top, f.workspace), "toplevel %s, workspace %s", top, f.workspace)
	assert.False(t, testutil.FileExists(svc.ShadowDir(), "a.txt"))

	testutil.WriteFile(t, f.workspace, "a.txt", "v1\n")
	res, err := svc.Save(ctx, "edit")
	require.NoError(t, err)
	require.NotNil(t, res, "an edit in the workspace is a change")

	require.NoError(t, svc.Restore(ctx, svc.BaseHash()))
	assert.Equal(t, "v0\n", testutil.ReadFile(t, f.workspace, "a.txt"))
}

func TestInitialize_RepairsMissingFormatVersion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	testutil.WriteFile(t, f.workspace, "a.txt", "v0\n")

	first := f.service(t, f.options("t1"))
	require.NoError(t, first.git.UnsetConfig(ctx, "core.repositoryformatversion"))
	require.Empty(t, formatVersion(t, first.ShadowDir()))
	require.NoError(t, first.Close())

	second := f.service(t, f.options("t1"))
	assert.Equal(t, "0", formatVersion(t, second.ShadowDir()))
	assert.True(t, f.log.contains("added missing repository format version"))

	testutil.WriteFile(t, f.workspace, "a.txt", "v1\n")
	res, err := second.Save(ctx, "edit")
	require.NoError(t, err)
	assert.NotNil(t, res)
}

func TestInitialize_SkipInitialCompaction(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.service(t, f.options("t1")).Close())

	opts := f.options("t1")
	opts.SkipInitialCompaction = true
	f.service(t, opts)
	assert.Empty(t, f.gc.Calls())
}

func TestInitialize_MismatchLeavesWorkspaceUntouched(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.service(t, f.options("shared"))

	other, _ := testutil.NewWorkspace(t)
	nested := filepath.Join(other, "lib")
	testutil.InitRepo(t, nested)
	require.NoError(t, os.Rename(filepath.Join(nested, ".git"), filepath.Join(nested, disabledMarker)))

	opts := f.options("shared")
	opts.Workspace = other
	svc, err := New(opts)
	require.NoError(t, err)
	require.ErrorIs(t, svc.Initialize(context.Background()), ErrWorktreeMismatch)

	assert.True(t, testutil.FileExists(nested, disabledMarker), "marker is only repaired once the repository is verified")
	assert.False(t, testutil.FileExists(nested, ".git"))
}
