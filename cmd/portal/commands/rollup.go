package commands

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/portal/am"
	"github.com/teranos/portal/errors"
	"github.com/teranos/portal/kairos"
	"github.com/teranos/portal/rollup"
	"github.com/teranos/portal/sym"
)

// RollupCmd represents the rollup command
var RollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: sym.Rollup + " Inspect rollup metric discovery",
	Long: sym.Rollup + ` rollup - Inspect rollup metric discovery.

Discovery reads every metric name from KairosDB and keeps the ones that
are not themselves rollup outputs (names ending in _1h or _1d).

Examples:
  portal rollup candidates          # Metric names awaiting rollup
  portal rollup candidates --count  # Only the number of candidates`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var rollupCandidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "Fetch the metric catalog once and list rollup candidates",
	RunE:  runRollupCandidates,
}

var rollupCountFlag bool

func init() {
	rollupCandidatesCmd.Flags().BoolVar(&rollupCountFlag, "count", false, "Print only the number of candidates")
	RollupCmd.AddCommand(rollupCandidatesCmd)
}

func runRollupCandidates(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	client, err := kairos.NewClient(kairos.ClientConfig{
		BaseURL:           cfg.Kairos.URL,
		Timeout:           cfg.KairosTimeout(),
		RequestsPerSecond: cfg.Kairos.RequestsPerSecond,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.FetchTimeout())
	defer cancel()

	names, err := client.QueryMetricNames(ctx)
	if err != nil {
		return errors.WithHint(err, "check kairos.url and that KairosDB is reachable")
	}
	candidates := rollup.Candidates(names)

	if rollupCountFlag {
		fmt.Println(len(candidates))
		return nil
	}
	for _, name := range candidates {
		fmt.Println(name)
	}
	pterm.Info.Printf("%d of %d metrics need rollups\n", len(candidates), len(names))
	return nil
}
