package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/checkpoint"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/logging"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/session"
)

func newInitCmd(g *globalFlags) *cobra.Command {
	var workspaceFlag string
	var taskFlag string
	var layoutFlag string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Start a checkpoint session for a workspace",
		Long: `Init creates (or reopens) the shadow repository for a workspace and records
a new task. The task ID is printed on stdout; pass it to every other command
with --task.

With the "task" layout every task gets its own shadow repository. With the
"workspace" layout all tasks of a workspace share one repository and each
task works on its own branch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			workspace := workspaceFlag
			if workspace == "" {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get working directory: %w", err)
				}
				workspace = wd
			}
			workspace, err := filepath.Abs(workspace)
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}

			taskID := taskFlag
			if taskID == "" {
				taskID = uuid.NewString()
			}
			return runInit(cmd, g, workspace, taskID, layoutFlag)
		},
	}

	cmd.Flags().StringVarP(&workspaceFlag, "workspace", "w", "", "Directory to checkpoint (default: current directory)")
	cmd.Flags().StringVar(&taskFlag, "task", "", "Task ID (default: a new UUID)")
	cmd.Flags().StringVar(&layoutFlag, "layout", "", `Shadow repository layout, "task" or "workspace" (default from settings)`)

	return cmd
}

func runInit(cmd *cobra.Command, g *globalFlags, workspace, taskID, layoutName string) error {
	ctx := cmd.Context()
	storage, s, err := loadEnvironment(g, taskID)
	if err != nil {
		return err
	}
	defer logging.Close()

	if layoutName == "" {
		layoutName = s.Layout
	}
	layout, err := checkpoint.ParseLayout(layoutName)
	if err != nil {
		return err
	}

	store := session.NewStateStore(storage)
	existing, err := store.Load(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	if existing != nil {
		return fmt.Errorf("task %s already exists for %s", taskID, existing.Workspace)
	}

	t := &task{storage: storage, settings: s, store: store}
	defer t.close()
	if err := t.start(ctx, checkpoint.Options{
		TaskID:        taskID,
		Workspace:     workspace,
		StorageDir:    storage,
		Layout:        layout,
		ExtraExcludes: s.Exclude,
		GCThreshold:   s.GCThreshold,
	}); err != nil {
		return err
	}

	t.state = &session.State{
		TaskID:    taskID,
		Workspace: t.svc.Workspace(),
		Layout:    layout.String(),
		BaseHash:  t.svc.BaseHash(),
	}
	if err := t.persist(ctx); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), taskID)
	return nil
}
