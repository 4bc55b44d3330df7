package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/validation"
)

func newRestoreCmd(g *globalFlags) *cobra.Command {
	var taskFlag string
	var forceFlag bool

	cmd := &cobra.Command{
		Use:   "restore <checkpoint>",
		Short: "Reset the workspace to a checkpoint",
		Long: `Restore resets every tracked file in the workspace to the given checkpoint
and deletes untracked files that are not excluded. Checkpoints saved after
the restored one are dropped from the task's list.

Without --force, prompts for confirmation before touching the workspace.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := validation.ValidateCommitHash(id); err != nil {
				return err
			}

			ctx := cmd.Context()
			t, err := openTask(ctx, g, taskFlag)
			if err != nil {
				return err
			}
			defer t.close()

			ok, err := confirm(fmt.Sprintf("Reset %s to checkpoint %s?", t.state.Workspace, shortHash(id)), forceFlag)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.ErrOrStderr(), "Restore cancelled.")
				return nil
			}

			if err := t.svc.Restore(ctx, id); err != nil {
				return fmt.Errorf("failed to restore checkpoint: %w", err)
			}
			if err := t.persist(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s to %s\n", t.state.Workspace, shortHash(id))
			return nil
		},
	}

	cmd.Flags().StringVar(&taskFlag, "task", "", "Task ID printed by init")
	cmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Skip the confirmation prompt")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}

// shortHash abbreviates a commit hash for display.
func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}
