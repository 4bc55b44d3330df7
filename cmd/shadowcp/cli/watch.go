package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/checkpoint"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/logging"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/watch"
)

func newWatchCmd(g *globalFlags) *cobra.Command {
	var taskFlag string
	var debounceFlag time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Save a checkpoint whenever the workspace settles after changes",
		Long: `Watch saves a checkpoint each time files in the workspace change and then
stay quiet for the debounce period. Excluded paths are ignored. Runs until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			t, err := openTask(ctx, g, taskFlag)
			if err != nil {
				return err
			}
			defer t.close()

			ignore, err := checkpoint.BuildExcludes(t.svc.Workspace(), t.settings.Exclude...)
			if err != nil {
				return err //nolint:wrapcheck // already descriptive
			}
			w, err := watch.New(watch.Options{
				Root:     t.svc.Workspace(),
				Debounce: debounceFlag,
				Ignore:   ignore,
				OnChange: autoSaver(t, cmd.OutOrStdout()),
			})
			if err != nil {
				return err //nolint:wrapcheck // already descriptive
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (Ctrl+C to stop)\n", t.svc.Workspace())
			return w.Run(ctx) //nolint:wrapcheck // Run only returns nil
		},
	}

	cmd.Flags().StringVar(&taskFlag, "task", "", "Task ID printed by init")
	cmd.Flags().DurationVar(&debounceFlag, "debounce", watch.DefaultDebounce, "Quiet period before saving")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}

// autoSaver saves a checkpoint for each batch of changes. Failures are
// reported and watching continues.
func autoSaver(t *task, out io.Writer) watch.Handler {
	return func(ctx context.Context, changed []string) {
		msg := fmt.Sprintf("auto: %d %s changed", len(changed), plural(len(changed), "path", "paths"))
		res, err := t.svc.Save(ctx, msg)
		if err != nil {
			logging.Error(ctx, "auto-save failed", "error", err.Error())
			fmt.Fprintf(out, "auto-save failed: %v\n", err)
			return
		}
		if res == nil {
			return
		}
		if err := t.persist(ctx); err != nil {
			logging.Error(ctx, "failed to persist task state", "error", err.Error())
		}
		fmt.Fprintf(out, "%s  %s\n", shortHash(res.ToHash), msg)
	}
}
