// Package cli implements the shadowcp command line: a thin shell that
// persists a checkpoint session per task between invocations and drives
// the checkpoint package.
package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/paths"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/settings"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/telemetry"
)

const accessibilityHelp = `
Environment Variables:
  SHADOWCP_STORAGE           Storage directory (default: <user config dir>/shadowcp)
  SHADOWCP_LOG_LEVEL         Log level: debug, info, warn, error
  SHADOWCP_TELEMETRY_OPTOUT  Set to any value to disable telemetry
  ACCESSIBLE                 Set to any value to use plain text prompts
                             instead of interactive TUI elements
`

// Version information (can be set at build time)
var (
	Version = "dev"
	Commit  = "unknown"
)

// globalFlags holds the persistent flags shared by every subcommand.
type globalFlags struct {
	storage string
}

// storageDir resolves --storage, then $SHADOWCP_STORAGE, then the default.
func (g *globalFlags) storageDir() (string, error) {
	dir, err := paths.StorageDir(g.storage)
	if err != nil {
		return "", fmt.Errorf("failed to resolve storage directory: %w", err)
	}
	return dir, nil
}

func NewRootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "shadowcp",
		Short: "Checkpoint a workspace without touching its own git history",
		Long: `shadowcp snapshots a working directory into a shadow git repository kept
outside the directory, so every step of an automated edit session can be
inspected, diffed and rolled back.` + "\n" + accessibilityHelp,
		// Let main.go handle error printing to avoid duplication
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			// Settings errors leave telemetry disabled.
			var enabled *bool
			layout := settings.LayoutTask
			if storage, err := g.storageDir(); err == nil {
				if s, err := settings.Load(storage); err == nil {
					enabled = s.Telemetry
					layout = s.Layout
				}
			}

			client := telemetry.NewClient(Version, enabled)
			defer client.Close()
			client.TrackCommand(cmd, layout)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVar(&g.storage, "storage", "", "Storage directory for shadow repositories, sessions and logs")

	cmd.AddCommand(newInitCmd(g))
	cmd.AddCommand(newSaveCmd(g))
	cmd.AddCommand(newRestoreCmd(g))
	cmd.AddCommand(newDiffCmd(g))
	cmd.AddCommand(newListCmd(g))
	cmd.AddCommand(newDeleteCmd(g))
	cmd.AddCommand(newGCCmd(g))
	cmd.AddCommand(newWatchCmd(g))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "shadowcp %s (%s)\n", Version, Commit)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
