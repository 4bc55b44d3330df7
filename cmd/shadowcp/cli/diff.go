package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/checkpoint"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/gitcli"
	"github.com/entireio/shadowcp/redact"
)

// diffContextLines is the number of unchanged lines kept around each change.
const diffContextLines = 3

func newDiffCmd(g *globalFlags) *cobra.Command {
	var taskFlag string
	var fromFlag string
	var toFlag string
	var statFlag bool
	var redactFlag bool
	var jsonFlag bool

	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Show changes between checkpoints or against the workspace",
		Long: `Diff compares two checkpoints, or a checkpoint and the live workspace.

--from defaults to the commit recorded when the task was initialized, so a
plain "shadowcp diff" shows everything the task changed. --to defaults to
the workspace.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			t, err := openTask(ctx, g, taskFlag)
			if err != nil {
				return err
			}
			defer t.close()

			from := fromFlag
			if from == "" {
				from = t.state.BaseHash
			}
			diffs, err := t.svc.Diff(ctx, checkpoint.DiffOptions{From: from, To: toFlag})
			if err != nil {
				return fmt.Errorf("failed to compute diff: %w", err)
			}
			if redactFlag {
				for i := range diffs {
					diffs[i].Before = redact.Content(diffs[i].RelativePath, diffs[i].Before)
					diffs[i].After = redact.Content(diffs[i].RelativePath, diffs[i].After)
				}
			}

			out := cmd.OutOrStdout()
			switch {
			case jsonFlag:
				return writeDiffJSON(out, diffs, !statFlag)
			case statFlag:
				writeDiffStat(out, diffs)
			default:
				writeDiffText(out, diffs)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskFlag, "task", "", "Task ID printed by init")
	cmd.Flags().StringVar(&fromFlag, "from", "", "Checkpoint to diff from (default: the task's base commit)")
	cmd.Flags().StringVar(&toFlag, "to", "", "Checkpoint to diff to (default: the workspace)")
	cmd.Flags().BoolVar(&statFlag, "stat", false, "Show per-file line counts only")
	cmd.Flags().BoolVar(&redactFlag, "redact", false, "Mask likely secrets in file content")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}

// statusCode is the one-letter git-style code for a status.
func statusCode(s gitcli.FileStatus) string {
	switch s {
	case gitcli.StatusAdded:
		return "A"
	case gitcli.StatusModified:
		return "M"
	case gitcli.StatusDeleted:
		return "D"
	case gitcli.StatusRenamed:
		return "R"
	case gitcli.StatusCopied:
		return "C"
	case gitcli.StatusUntracked:
		return "?"
	default:
		return "X"
	}
}

type fileDiffJSON struct {
	Path      string `json:"path"`
	OldPath   string `json:"old_path,omitempty"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Before    string `json:"before,omitempty"`
	After     string `json:"after,omitempty"`
}

func writeDiffJSON(w io.Writer, diffs []checkpoint.FileDiff, withContent bool) error {
	out := make([]fileDiffJSON, 0, len(diffs))
	for _, d := range diffs {
		j := fileDiffJSON{
			Path:      d.RelativePath,
			OldPath:   d.OldPath,
			Status:    d.Status.String(),
			Additions: d.Additions,
			Deletions: d.Deletions,
		}
		if withContent {
			j.Before, j.After = d.Before, d.After
		}
		out = append(out, j)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to encode diff: %w", err)
	}
	return nil
}

func writeDiffStat(w io.Writer, diffs []checkpoint.FileDiff) {
	if len(diffs) == 0 {
		fmt.Fprintln(w, "No changes.")
		return
	}
	var added, removed int
	for _, d := range diffs {
		name := d.RelativePath
		if d.OldPath != "" {
			name = d.OldPath + " => " + d.RelativePath
		}
		fmt.Fprintf(w, " %s %s | +%d -%d\n", statusCode(d.Status), name, d.Additions, d.Deletions)
		added += d.Additions
		removed += d.Deletions
	}
	fmt.Fprintf(w, " %d %s changed, %d insertions(+), %d deletions(-)\n",
		len(diffs), plural(len(diffs), "file", "files"), added, removed)
}

func writeDiffText(w io.Writer, diffs []checkpoint.FileDiff) {
	for _, d := range diffs {
		oldName, newName := "a/"+d.RelativePath, "b/"+d.RelativePath
		switch d.Status {
		case gitcli.StatusAdded, gitcli.StatusUntracked:
			oldName = "/dev/null"
		case gitcli.StatusDeleted:
			newName = "/dev/null"
		case gitcli.StatusRenamed, gitcli.StatusCopied:
			if d.OldPath != "" {
				oldName = "a/" + d.OldPath
			}
		}
		fmt.Fprintf(w, "--- %s\n+++ %s\n", oldName, newName)
		writeLineDiff(w, d.Before, d.After)
	}
}

// writeLineDiff prints a line-level diff of before and after, eliding long
// unchanged runs down to diffContextLines on each side.
func writeLineDiff(w io.Writer, before, after string) {
	dmp := diffmatchpatch.New()
	text1, text2, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(text1, text2, false), lineArray)

	for i, d := range diffs {
		lines := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			printLines(w, "+", lines)
		case diffmatchpatch.DiffDelete:
			printLines(w, "-", lines)
		case diffmatchpatch.DiffEqual:
			head, tail := diffContextLines, diffContextLines
			if i == 0 {
				head = 0
			}
			if i == len(diffs)-1 {
				tail = 0
			}
			if head+tail == 0 {
				continue
			}
			if len(lines) <= head+tail {
				printLines(w, " ", lines)
				continue
			}
			printLines(w, " ", lines[:head])
			fmt.Fprintln(w, "@@")
			printLines(w, " ", lines[len(lines)-tail:])
		}
	}
}

func printLines(w io.Writer, prefix string, lines []string) {
	for _, l := range lines {
		fmt.Fprintf(w, "%s%s\n", prefix, l)
	}
}

// splitLines splits text into lines without their terminators.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
