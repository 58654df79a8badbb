package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teranos/portal/am"
	"github.com/teranos/portal/cmd/portal/commands"
	"github.com/teranos/portal/errors"
	"github.com/teranos/portal/logger"
	"github.com/teranos/portal/sym"
)

var rootCmd = &cobra.Command{
	Use:   "portal",
	Short: "portal - job scheduling and rollup metric discovery",
	Long: `portal - job scheduling and rollup metric discovery.

portal runs scheduled jobs for many organizations and discovers raw
metrics in KairosDB that still need hourly and daily rollups.

Available commands:
` + commandSummary() + `
Examples:
  portal am show                       # Show current configuration
  portal jobs apply -f jobs.toml       # Create or update jobs
  portal pulse start                   # Start the scheduler daemon
  portal rollup candidates             # List metrics awaiting rollup`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Config output stays clean for piping
		if cmd.Name() == "show" && cmd.Parent() != nil && cmd.Parent().Name() == "am" {
			return nil
		}

		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if !cmd.Flags().Changed("log-json") {
			if cfg, err := am.Load(); err == nil {
				jsonLogs = cfg.Log.JSON
			}
		}

		if err := logger.InitializeWithVerbosity(jsonLogs, verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit structured JSON logs")

	for _, cmd := range []*cobra.Command{
		commands.AmCmd,
		commands.DbCmd,
		commands.JobsCmd,
		commands.PulseCmd,
		commands.RollupCmd,
		commands.VersionCmd,
	} {
		if c, ok := sym.Lookup(cmd.Name()); ok {
			cmd.Aliases = append(cmd.Aliases, c.Glyph)
		}
		rootCmd.AddCommand(cmd)
	}
}

func commandSummary() string {
	var b strings.Builder
	for _, c := range sym.Commands {
		fmt.Fprintf(&b, "  %s %-7s - %s\n", c.Glyph, c.Name, c.Description)
	}
	return b.String()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
