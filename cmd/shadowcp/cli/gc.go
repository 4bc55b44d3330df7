package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/checkpoint"
)

func newGCCmd(g *globalFlags) *cobra.Command {
	var taskFlag string
	var pruneNowFlag bool

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Compact the task's shadow repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			t, err := openTask(ctx, g, taskFlag)
			if err != nil {
				return err
			}
			defer t.close()

			if err := t.svc.Compact(ctx, checkpoint.CompactOptions{PruneNow: pruneNowFlag}); err != nil {
				return err //nolint:wrapcheck // already descriptive
			}
			if err := t.persist(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Compacted %s\n", t.svc.ShadowDir())
			return nil
		},
	}

	cmd.Flags().StringVar(&taskFlag, "task", "", "Task ID printed by init")
	cmd.Flags().BoolVar(&pruneNowFlag, "prune-now", false, "Drop unreachable objects immediately")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}
