// Package checkpoint snapshots a workspace into a shadow git repository
// that lives outside the workspace, and restores or diffs those snapshots.
//
// A Service is bound to one task and one workspace. Callers run
// Initialize once, then any sequence of Save, Restore and Diff, and
// finally Close. Mutating calls are not meant to overlap; a call issued
// while another is in flight fails with ErrBusy.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	format "github.com/go-git/go-git/v5/plumbing/format/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/gitcli"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/paths"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/validation"
)

// Errors returned by Service operations.
var (
	// ErrAlreadyInitialized is returned by a second call to Initialize.
	ErrAlreadyInitialized = errors.New("checkpoint service already initialized")

	// ErrNotReady is returned when an operation is issued before Initialize
	// succeeded or after Close.
	ErrNotReady = errors.New("checkpoint service is not ready")

	// ErrBusy is returned when another operation is in flight.
	ErrBusy = errors.New("checkpoint service is busy")

	// ErrWorktreeMismatch is returned when an existing shadow repository is
	// bound to a different workspace.
	ErrWorktreeMismatch = errors.New("shadow repository belongs to a different workspace")

	// ErrProtectedWorkspace is returned for the home directory and its
	// Desktop, Documents and Downloads folders.
	ErrProtectedWorkspace = errors.New("refusing to checkpoint a protected directory")
)

// Synthetic identity used for every shadow commit.
const (
	identityName  = "Shadow Checkpoint"
	identityEmail = "noreply@shadowcp.local"
)

const defaultMessage = "checkpoint"

// State is the lifecycle state of a Service.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateSaving
	StateRestoring
	StateDiffing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateSaving:
		return "saving"
	case StateRestoring:
		return "restoring"
	case StateDiffing:
		return "diffing"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures a Service.
type Options struct {
	// TaskID identifies the session. It names the task directory or the
	// task branch, depending on Layout.
	TaskID string

	// Workspace is the directory being checkpointed.
	Workspace string

	// StorageDir is the root under which shadow repositories live.
	StorageDir string

	Layout Layout

	// ExtraExcludes are appended to the built-in and .gitignore patterns.
	ExtraExcludes []string

	// GCThreshold is the number of saves between background compactions.
	// Zero means DefaultGCThreshold; a negative value disables them.
	GCThreshold int

	// Compactor overrides the default `git gc` compaction.
	Compactor Compactor

	// Log receives the service's log lines. Nil means DefaultLogSink().
	Log LogSink

	// Checkpoints seeds the checkpoint list, for callers that persist it
	// between processes.
	Checkpoints []string

	// SavesSinceGC seeds the compaction counter alongside Checkpoints.
	SavesSinceGC int

	// SkipInitialCompaction skips the synchronous compaction Initialize
	// runs when it opens an existing repository. Set it when reopening a
	// session whose repository was already compacted when the session began.
	SkipInitialCompaction bool
}

// SaveOptions adjusts a single Save.
type SaveOptions struct {
	// AllowEmpty records a commit even when nothing changed.
	AllowEmpty bool
}

// Result describes a created checkpoint.
type Result struct {
	FromHash string
	ToHash   string
	Duration time.Duration
	Message  string
}

// Checkpoint is one commit in the shadow repository's history.
type Checkpoint struct {
	Hash    string
	Message string
	When    time.Time
}

// Service manages the shadow repository of one task.
type Service struct {
	taskID        string
	workspace     string
	shadowDir     string
	layout        Layout
	extraExcludes []string
	gcThreshold   int
	skipInitialGC bool

	git       *gitcli.Repo
	compactor Compactor
	log       LogSink

	nested nestedRepos
	events eventBus
	gc     gcRunner

	// mu guards the fields below.
	mu           sync.Mutex
	state        State
	checkpoints  []string
	baseHash     string
	savesSinceGC int
}

// New validates opts and returns an uninitialized Service.
func New(opts Options) (*Service, error) {
	if err := validation.ValidateTaskID(opts.TaskID); err != nil {
		return nil, err
	}
	if opts.Workspace == "" {
		return nil, errors.New("workspace directory is required")
	}
	if opts.StorageDir == "" {
		return nil, errors.New("storage directory is required")
	}
	workspace, err := filepath.Abs(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace %s: %w", opts.Workspace, err)
	}
	info, err := os.Stat(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to stat workspace: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", workspace)
	}
	storage, err := filepath.Abs(opts.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage dir %s: %w", opts.StorageDir, err)
	}

	threshold := opts.GCThreshold
	if threshold == 0 {
		threshold = DefaultGCThreshold
	}
	sink := opts.Log
	if sink == nil {
		sink = DefaultLogSink()
	}

	shadowDir := ShadowDir(storage, opts.TaskID, workspace, opts.Layout)
	g := gitcli.New(shadowDir)
	compactor := opts.Compactor
	if compactor == nil {
		compactor = gitCompactor{git: g}
	}

	return &Service{
		taskID:        opts.TaskID,
		workspace:     filepath.Clean(workspace),
		shadowDir:     shadowDir,
		layout:        opts.Layout,
		extraExcludes: opts.ExtraExcludes,
		gcThreshold:   threshold,
		skipInitialGC: opts.SkipInitialCompaction,
		git:           g,
		compactor:     compactor,
		log:           sink,
		checkpoints:   slices.Clone(opts.Checkpoints),
		savesSinceGC:  max(opts.SavesSinceGC, 0),
	}, nil
}

// TaskID returns the task the service is bound to.
func (s *Service) TaskID() string { return s.taskID }

// Workspace returns the absolute workspace directory.
func (s *Service) Workspace() string { return s.workspace }

// ShadowDir returns the shadow repository root.
func (s *Service) ShadowDir() string { return s.shadowDir }

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BaseHash returns the HEAD recorded by Initialize.
func (s *Service) BaseHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseHash
}

// Checkpoints returns the hashes saved in this session, oldest first.
func (s *Service) Checkpoints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.checkpoints)
}

// Subscribe registers fn for events of kind and returns a function that
// removes the registration.
func (s *Service) Subscribe(kind EventKind, fn func(Event)) (unsubscribe func()) {
	return s.events.subscribe(kind, fn)
}

func (s *Service) logf(format string, args ...any) {
	s.log.printf(format, args...)
}

func (s *Service) emit(ev Event) {
	ev.TaskID = s.taskID
	ev.Workspace = s.workspace
	s.events.emit(ev)
}

func (s *Service) fail(op string, err error) {
	s.logf("%s failed: %v", op, err)
	s.emit(Event{Kind: EventError, Op: op, Err: err})
}

// begin moves a ready service into op.
func (s *Service) begin(op State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateReady:
		s.state = op
		return nil
	case StateInitializing, StateSaving, StateRestoring, StateDiffing:
		return fmt.Errorf("%w: %s in progress", ErrBusy, s.state)
	default:
		return fmt.Errorf("%w: service is %s", ErrNotReady, s.state)
	}
}

// end returns the service to Ready unless it was closed meanwhile.
func (s *Service) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisposed {
		s.state = StateReady
	}
}

// Initialize opens or creates the shadow repository. It must be called
// exactly once before any other operation.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateUninitialized:
		s.state = StateInitializing
	case StateDisposed:
		s.mu.Unlock()
		return fmt.Errorf("%w: service is %s", ErrNotReady, s.state)
	default:
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.mu.Unlock()

	start := time.Now()
	created, err := s.initialize(ctx)
	if err != nil {
		s.mu.Lock()
		if s.state == StateInitializing {
			s.state = StateUninitialized
		}
		s.mu.Unlock()
		s.fail("initialize", err)
		return err
	}

	s.mu.Lock()
	if s.state == StateInitializing {
		s.state = StateReady
	}
	base := s.baseHash
	s.mu.Unlock()

	duration := time.Since(start)
	s.logf("initialized shadow repository %s in %s (created=%t)", s.shadowDir, duration.Round(time.Millisecond), created)
	s.emit(Event{Kind: EventInitialize, ToHash: base, Duration: duration, Created: created})
	return nil
}

func (s *Service) initialize(ctx context.Context) (created bool, err error) {
	if paths.IsProtectedDir(s.workspace) {
		return false, fmt.Errorf("%w: %s", ErrProtectedWorkspace, s.workspace)
	}
	patterns, err := BuildExcludes(s.workspace, s.extraExcludes...)
	if err != nil {
		return false, err
	}

	dirs, err := s.nested.get(ctx, s.workspace)
	if err != nil {
		return false, err
	}

	gitDir := filepath.Join(s.shadowDir, gitMarker)
	_, statErr := os.Stat(gitDir)
	switch {
	case statErr == nil:
		if err := s.openExisting(ctx, gitDir, patterns); err != nil {
			return false, err
		}
		restoreStaleMarkers(s.workspace, dirs, s.logf)
		if !s.skipInitialGC {
			s.gc.run(ctx, s.shadowDir, s.compactor, CompactOptions{}, s.logf)
		}
		return false, nil
	case errors.Is(statErr, fs.ErrNotExist):
		restoreStaleMarkers(s.workspace, dirs, s.logf)
		if err := s.createNew(ctx, gitDir, patterns); err != nil {
			if rmErr := os.RemoveAll(gitDir); rmErr != nil {
				s.logf("failed to remove partial shadow repository: %v", rmErr)
			}
			return false, err
		}
		return true, nil
	default:
		return false, fmt.Errorf("failed to stat shadow repository: %w", statErr)
	}
}

func (s *Service) openExisting(ctx context.Context, gitDir string, patterns []string) error {
	repo, err := git.PlainOpen(s.shadowDir)
	if err != nil {
		return fmt.Errorf("failed to open shadow repository: %w", err)
	}
	cfg, err := repo.Config()
	if err != nil {
		return fmt.Errorf("failed to read shadow repository config: %w", err)
	}
	if cfg.Core.Worktree == "" || filepath.Clean(cfg.Core.Worktree) != s.workspace {
		return fmt.Errorf("%w: %s is bound to %q, not %q", ErrWorktreeMismatch, s.shadowDir, cfg.Core.Worktree, s.workspace)
	}
	if cfg.Raw.Section("core").Options.Get("repositoryformatversion") == "" {
		cfg.Core.RepositoryFormatVersion = format.Version_0
		if err := repo.SetConfig(cfg); err != nil {
			return fmt.Errorf("failed to write shadow repository config: %w", err)
		}
		s.logf("added missing repository format version to %s", s.shadowDir)
	}
	if err := s.verifyWorktree(ctx); err != nil {
		return err
	}
	if err := WriteExcludes(gitDir, patterns); err != nil {
		return err
	}
	if s.layout == LayoutWorkspace {
		if err := s.switchToTaskBranch(ctx, repo); err != nil {
			return err
		}
	}

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve shadow HEAD: %w", err)
	}
	s.mu.Lock()
	s.baseHash = head.Hash().String()
	s.mu.Unlock()
	return nil
}

func (s *Service) createNew(ctx context.Context, gitDir string, patterns []string) error {
	if err := os.MkdirAll(s.shadowDir, 0o750); err != nil {
		return fmt.Errorf("failed to create shadow directory: %w", err)
	}
	repo, err := git.PlainInitWithOptions(s.shadowDir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return fmt.Errorf("failed to init shadow repository: %w", err)
	}

	cfg, err := repo.Config()
	if err != nil {
		return fmt.Errorf("failed to read shadow repository config: %w", err)
	}
	// git ignores core.worktree unless the format version is present.
	cfg.Core.RepositoryFormatVersion = format.Version_0
	cfg.Core.Worktree = s.workspace
	cfg.User.Name = identityName
	cfg.User.Email = identityEmail
	cfg.Raw.Section("commit").SetOption("gpgsign", "false")
	if err := repo.SetConfig(cfg); err != nil {
		return fmt.Errorf("failed to write shadow repository config: %w", err)
	}
	if err := s.verifyWorktree(ctx); err != nil {
		return err
	}

	if err := WriteExcludes(gitDir, patterns); err != nil {
		return err
	}
	if err := s.stageAll(ctx); err != nil {
		return err
	}
	hash, err := s.git.Commit(ctx, "initial commit", true)
	if err != nil {
		return fmt.Errorf("failed to create initial commit: %w", err)
	}

	if s.layout == LayoutWorkspace {
		if err := s.switchToTaskBranch(ctx, repo); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.baseHash = hash
	s.mu.Unlock()
	return nil
}

// verifyWorktree checks the worktree git itself resolves for the shadow
// repository, which can differ from the configured one.
func (s *Service) verifyWorktree(ctx context.Context) error {
	top, err := s.git.TopLevel(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve shadow worktree: %w", err)
	}
	if !samePath(top, s.workspace) {
		return fmt.Errorf("%w: git resolves the worktree of %s to %q, not %q", ErrWorktreeMismatch, s.shadowDir, top, s.workspace)
	}
	return nil
}

func samePath(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	return errA == nil && errB == nil && ra == rb
}

// switchToTaskBranch points HEAD at the task's branch, creating it from the
// default branch when missing. The worktree is left untouched; only the
// index is reset to the branch so the next save diffs against it.
func (s *Service) switchToTaskBranch(ctx context.Context, repo *git.Repository) error {
	branch := plumbing.NewBranchReferenceName(BranchName(s.taskID))

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve shadow HEAD: %w", err)
	}
	if head.Name() == branch {
		return nil
	}

	_, err = repo.Reference(branch, true)
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		from := head.Hash()
		if def, defErr := defaultBranch(repo); defErr == nil {
			from = def.Hash()
		}
		if err := repo.Storer.SetReference(plumbing.NewHashReference(branch, from)); err != nil {
			return fmt.Errorf("failed to create branch %s: %w", branch.Short(), err)
		}
		s.logf("created branch %s at %s", branch.Short(), from.String()[:7])
	case err != nil:
		return fmt.Errorf("failed to look up branch %s: %w", branch.Short(), err)
	}

	if err := s.git.SymbolicRef(ctx, branch.String()); err != nil {
		return fmt.Errorf("failed to switch to branch %s: %w", branch.Short(), err)
	}
	if err := s.git.ResetIndex(ctx, "HEAD"); err != nil {
		return fmt.Errorf("failed to reset index to branch %s: %w", branch.Short(), err)
	}
	return nil
}

// defaultBranch returns main, falling back to master.
func defaultBranch(repo *git.Repository) (*plumbing.Reference, error) {
	for _, name := range []plumbing.ReferenceName{plumbing.Main, plumbing.Master} {
		ref, err := repo.Reference(name, true)
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, fmt.Errorf("failed to look up %s: %w", name.Short(), err)
		}
	}
	return nil, fmt.Errorf("no %s or %s branch: %w", plumbing.Main.Short(), plumbing.Master.Short(), plumbing.ErrReferenceNotFound)
}

// Save records the current workspace as a checkpoint. It returns nil and
// no error when nothing changed since the last checkpoint.
func (s *Service) Save(ctx context.Context, message string) (*Result, error) {
	return s.SaveWithOptions(ctx, message, SaveOptions{})
}

// SaveWithOptions is Save with per-call options.
func (s *Service) SaveWithOptions(ctx context.Context, message string, opts SaveOptions) (*Result, error) {
	if err := s.begin(StateSaving); err != nil {
		return nil, err
	}
	defer s.end()

	if strings.TrimSpace(message) == "" {
		message = defaultMessage
	}

	start := time.Now()
	res, err := s.save(ctx, message, opts)
	if err != nil {
		s.fail("save", err)
		return nil, err
	}
	if res == nil {
		s.logf("no changes to checkpoint")
		return nil, nil
	}
	res.Duration = time.Since(start)
	s.logf("saved checkpoint %s in %s", res.ToHash[:7], res.Duration.Round(time.Millisecond))
	s.emit(Event{Kind: EventCheckpoint, FromHash: res.FromHash, ToHash: res.ToHash, Duration: res.Duration})
	return res, nil
}

func (s *Service) save(ctx context.Context, message string, opts SaveOptions) (*Result, error) {
	if err := s.stage(ctx); err != nil {
		return nil, err
	}
	if !opts.AllowEmpty {
		changed, err := s.git.HasStagedChanges(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to compare index with HEAD: %w", err)
		}
		if !changed {
			return nil, nil
		}
	}

	prev, err := s.git.RevParse(ctx, "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	hash, err := s.git.Commit(ctx, message, opts.AllowEmpty)
	if err != nil {
		return nil, fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	s.mu.Lock()
	s.checkpoints = append(s.checkpoints, hash)
	s.savesSinceGC++
	trigger := s.gcThreshold > 0 && s.savesSinceGC >= s.gcThreshold
	if trigger {
		s.savesSinceGC = 0
	}
	s.mu.Unlock()

	if trigger {
		s.logf("scheduling background garbage collection")
		s.gc.runAsync(ctx, s.shadowDir, s.compactor, CompactOptions{}, s.logf)
	}
	return &Result{FromHash: prev, ToHash: hash, Message: message}, nil
}

// Restore resets the workspace to checkpoint id, removing untracked files
// that are not excluded. Checkpoints saved after id are dropped from the
// list; an id that is not in the list leaves it unchanged.
func (s *Service) Restore(ctx context.Context, id string) error {
	if err := s.begin(StateRestoring); err != nil {
		return err
	}
	defer s.end()

	start := time.Now()
	from, to, err := s.restore(ctx, id)
	if err != nil {
		s.fail("restore", err)
		return err
	}
	duration := time.Since(start)
	s.logf("restored checkpoint %s in %s", to[:7], duration.Round(time.Millisecond))
	s.emit(Event{Kind: EventRestore, FromHash: from, ToHash: to, Duration: duration})
	return nil
}

func (s *Service) restore(ctx context.Context, id string) (from, to string, err error) {
	to, err = s.git.RevParse(ctx, id)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve checkpoint %s: %w", id, err)
	}
	from, err = s.git.RevParse(ctx, "HEAD")
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	release, err := s.suppress(ctx)
	if err != nil {
		return "", "", err
	}
	defer release()

	if err := s.git.Clean(ctx); err != nil {
		return "", "", fmt.Errorf("failed to clean workspace: %w", err)
	}
	if err := s.git.ResetHard(ctx, to); err != nil {
		return "", "", fmt.Errorf("failed to reset workspace to %s: %w", id, err)
	}

	s.mu.Lock()
	if i := slices.Index(s.checkpoints, to); i >= 0 {
		s.checkpoints = s.checkpoints[:i+1]
	}
	s.mu.Unlock()
	return from, to, nil
}

// Log lists commits reachable from the shadow HEAD, newest first. A
// positive limit caps the number returned.
func (s *Service) Log(ctx context.Context, limit int) ([]Checkpoint, error) {
	switch st := s.State(); st {
	case StateUninitialized, StateInitializing, StateDisposed:
		return nil, fmt.Errorf("%w: service is %s", ErrNotReady, st)
	}

	repo, err := git.PlainOpen(s.shadowDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open shadow repository: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve shadow HEAD: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	defer iter.Close()

	var out []Checkpoint
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err //nolint:wrapcheck // propagating context cancellation
		}
		if limit > 0 && len(out) >= limit {
			return storer.ErrStop
		}
		out = append(out, Checkpoint{
			Hash:    c.Hash.String(),
			Message: strings.TrimSpace(c.Message),
			When:    c.Author.When,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk history: %w", err)
	}
	return out, nil
}

// SavesSinceGC returns the number of saves since the last compaction.
func (s *Service) SavesSinceGC() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savesSinceGC
}

// Compact compacts the shadow repository now and resets the save counter.
// Unlike threshold-driven compactions its error is returned.
func (s *Service) Compact(ctx context.Context, opts CompactOptions) error {
	switch st := s.State(); st {
	case StateUninitialized, StateInitializing, StateDisposed:
		return fmt.Errorf("%w: service is %s", ErrNotReady, st)
	}

	start := time.Now()
	_, err, _ := gcFlights.Do(flightKey(s.shadowDir, opts), func() (any, error) {
		return nil, s.compactor.Compact(ctx, opts)
	})
	if err != nil {
		return fmt.Errorf("failed to compact shadow repository: %w", err)
	}

	s.mu.Lock()
	s.savesSinceGC = 0
	s.mu.Unlock()
	s.logf("compacted shadow repository in %s (prune_now=%t)", time.Since(start).Round(time.Millisecond), opts.PruneNow)
	return nil
}

// Close disposes the service and waits for background compactions.
func (s *Service) Close() error {
	s.mu.Lock()
	s.state = StateDisposed
	s.mu.Unlock()
	s.gc.wait()
	return nil
}
