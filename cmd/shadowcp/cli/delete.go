package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/checkpoint"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/logging"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/paths"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/session"
)

func newDeleteCmd(g *globalFlags) *cobra.Command {
	var taskFlag string
	var forceFlag bool

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a task and its checkpoints",
		Long: `Delete removes a task's checkpoints and its session record. The workspace
itself is never modified.

With the "workspace" layout only the task's branch is deleted from the
shared shadow repository, which is then compacted. With the "task" layout
the task's shadow repository is removed.

Without --force, prompts for confirmation before deleting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			storage, _, err := loadEnvironment(g, taskFlag)
			if err != nil {
				return err
			}
			defer logging.Close()

			store := session.NewStateStore(storage)
			state, err := store.Load(ctx, taskFlag)
			if err != nil {
				return fmt.Errorf("failed to load task %s: %w", taskFlag, err)
			}
			if state == nil {
				return fmt.Errorf("%w %s", errUnknownTask, taskFlag)
			}
			layout, err := checkpoint.ParseLayout(state.Layout)
			if err != nil {
				return err
			}

			ok, err := confirm(fmt.Sprintf("Delete task %s and its checkpoints?", state.TaskID), forceFlag)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.ErrOrStderr(), "Delete cancelled.")
				return nil
			}

			switch layout {
			case checkpoint.LayoutWorkspace:
				deleted := checkpoint.DeleteTask(ctx, checkpoint.DeleteOptions{
					TaskID:     state.TaskID,
					Workspace:  state.Workspace,
					StorageDir: storage,
				})
				// Compaction runs detached; wait so the process does not
				// exit mid-gc.
				checkpoint.WaitForBackgroundGC()
				if !deleted {
					fmt.Fprintf(cmd.ErrOrStderr(), "Could not delete branch %s; see %s\n",
						checkpoint.BranchName(state.TaskID), paths.LogFile(storage, state.TaskID))
					return NewSilentError(errors.New("failed to delete task branch"))
				}
			case checkpoint.LayoutTask:
				if err := os.RemoveAll(paths.TaskDir(storage, state.TaskID)); err != nil {
					return fmt.Errorf("failed to remove task directory: %w", err)
				}
			}

			if err := store.Clear(ctx, state.TaskID); err != nil {
				return err //nolint:wrapcheck // already descriptive
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted task %s\n", state.TaskID)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskFlag, "task", "", "Task ID printed by init")
	cmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Skip the confirmation prompt")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}
