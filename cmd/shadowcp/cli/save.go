package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/checkpoint"
)

func newSaveCmd(g *globalFlags) *cobra.Command {
	var taskFlag string
	var messageFlag string
	var allowEmptyFlag bool

	cmd := &cobra.Command{
		Use:   "save",
		Short: "Record the workspace as a new checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			t, err := openTask(ctx, g, taskFlag)
			if err != nil {
				return err
			}
			defer t.close()

			res, err := t.svc.SaveWithOptions(ctx, messageFlag, checkpoint.SaveOptions{AllowEmpty: allowEmptyFlag})
			if err != nil {
				return fmt.Errorf("failed to save checkpoint: %w", err)
			}
			if res == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No changes since the last checkpoint.")
				return nil
			}
			if err := t.persist(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.ToHash)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskFlag, "task", "", "Task ID printed by init")
	cmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Checkpoint message")
	cmd.Flags().BoolVar(&allowEmptyFlag, "allow-empty", false, "Record a checkpoint even when nothing changed")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}
