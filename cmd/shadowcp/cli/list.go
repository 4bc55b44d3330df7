package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/checkpoint"
)

type checkpointJSON struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time,omitzero"`
}

func newListCmd(g *globalFlags) *cobra.Command {
	var taskFlag string
	var jsonFlag bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the task's checkpoints, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			t, err := openTask(ctx, g, taskFlag)
			if err != nil {
				return err
			}
			defer t.close()

			history, err := t.svc.Log(ctx, 0)
			if err != nil {
				return fmt.Errorf("failed to read checkpoint history: %w", err)
			}
			byHash := make(map[string]checkpoint.Checkpoint, len(history))
			for _, c := range history {
				byHash[c.Hash] = c
			}

			hashes := t.svc.Checkpoints()
			items := make([]checkpointJSON, 0, len(hashes))
			for _, h := range hashes {
				c := byHash[h]
				items = append(items, checkpointJSON{Hash: h, Message: c.Message, Time: c.When})
			}

			out := cmd.OutOrStdout()
			if jsonFlag {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(items); err != nil {
					return fmt.Errorf("failed to encode checkpoints: %w", err)
				}
				return nil
			}

			fmt.Fprintf(out, "Task %s (%s layout)\n", t.state.TaskID, t.state.Layout)
			fmt.Fprintf(out, "Workspace: %s\n", t.state.Workspace)
			fmt.Fprintf(out, "Base: %s\n", shortHash(t.state.BaseHash))
			if len(items) == 0 {
				fmt.Fprintln(out, "No checkpoints yet.")
				return nil
			}
			for i, it := range items {
				when := "unknown time"
				if !it.Time.IsZero() {
					when = it.Time.Local().Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(out, "%3d  %s  %s  %s\n", i+1, shortHash(it.Hash), when, it.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskFlag, "task", "", "Task ID printed by init")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}
