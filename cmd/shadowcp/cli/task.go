package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/checkpoint"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/logging"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/session"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/settings"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/telemetry"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/validation"
)

// compactor replaces the default `git gc` compaction when set.
var compactor checkpoint.Compactor

// errUnknownTask is returned for a task ID with no persisted session.
var errUnknownTask = errors.New("unknown task")

// task is an initialized checkpoint service restored from a persisted
// session, plus everything needed to persist it again.
type task struct {
	storage  string
	settings *settings.Settings
	store    *session.StateStore
	state    *session.State
	svc      *checkpoint.Service

	telemetry     telemetry.Client
	stopTelemetry func()
}

// loadEnvironment resolves storage and settings and starts task logging.
func loadEnvironment(g *globalFlags, taskID string) (storage string, s *settings.Settings, err error) {
	if err := validation.ValidateTaskID(taskID); err != nil {
		return "", nil, err
	}
	storage, err = g.storageDir()
	if err != nil {
		return "", nil, err
	}
	s, err = settings.Load(storage)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load settings: %w", err)
	}

	logging.SetLogLevelGetter(func() string { return s.LogLevel })
	if err := logging.Init(storage, taskID); err != nil {
		return "", nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return storage, s, nil
}

// openTask loads the session for taskID and initializes its service.
// Callers must call close.
func openTask(ctx context.Context, g *globalFlags, taskID string) (*task, error) {
	storage, s, err := loadEnvironment(g, taskID)
	if err != nil {
		return nil, err
	}

	store := session.NewStateStore(storage)
	state, err := store.Load(ctx, taskID)
	if err != nil {
		logging.Close()
		return nil, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	if state == nil {
		logging.Close()
		return nil, fmt.Errorf("%w %s: run 'shadowcp init' first", errUnknownTask, taskID)
	}

	layout, err := checkpoint.ParseLayout(state.Layout)
	if err != nil {
		logging.Close()
		return nil, err
	}

	t := &task{storage: storage, settings: s, store: store, state: state}
	if err := t.start(ctx, checkpoint.Options{
		TaskID:        taskID,
		Workspace:     state.Workspace,
		StorageDir:    storage,
		Layout:        layout,
		ExtraExcludes: s.Exclude,
		GCThreshold:   s.GCThreshold,
		Checkpoints:   state.Checkpoints,
		SavesSinceGC:  state.SavesSinceGC,
		// The repository was compacted when init opened it; later commands
		// rely on the save cadence instead.
		SkipInitialCompaction: true,
	}); err != nil {
		t.close()
		return nil, err
	}
	return t, nil
}

// start creates and initializes the service with telemetry attached.
func (t *task) start(ctx context.Context, opts checkpoint.Options) error {
	opts.Compactor = compactor
	svc, err := checkpoint.New(opts)
	if err != nil {
		return err
	}
	t.svc = svc
	t.telemetry = telemetry.NewClient(Version, t.settings.Telemetry)
	t.stopTelemetry = telemetry.Observe(svc, t.telemetry)

	if err := svc.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize checkpoints for %s: %w", opts.TaskID, err)
	}
	return nil
}

// persist copies the service's bookkeeping into the session and saves it.
func (t *task) persist(ctx context.Context) error {
	t.state.Checkpoints = t.svc.Checkpoints()
	t.state.SavesSinceGC = t.svc.SavesSinceGC()
	if err := t.store.Save(ctx, t.state); err != nil {
		return fmt.Errorf("failed to save task state: %w", err)
	}
	return nil
}

func (t *task) close() {
	if t.stopTelemetry != nil {
		t.stopTelemetry()
	}
	if t.svc != nil {
		_ = t.svc.Close()
	}
	if t.telemetry != nil {
		t.telemetry.Close()
	}
	logging.Close()
}
