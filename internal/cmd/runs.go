package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/lakeflow/pkg/runregistry"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
	Long: `Inspect runs recorded in the run registry.

Example:
  lakeflow runs list
  lakeflow runs show <run-id>
  lakeflow runs show <run-id> --report`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var (
	runsListJSON   bool
	runsShowReport bool
)

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd)

	runsListCmd.Flags().BoolVar(&runsListJSON, "json", false, "Print records as JSON lines")
	runsShowCmd.Flags().BoolVar(&runsShowReport, "report", false, "Show the final run report instead of the record")
}

func registryStore(cmd *cobra.Command) (*runregistry.Store, error) {
	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return runregistry.NewStore(cfg.Runs.Dir), nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	store, err := registryStore(cmd)
	if err != nil {
		return err
	}
	recs, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list runs", err)
	}

	out := cmd.OutOrStdout()
	if runsListJSON {
		enc := json.NewEncoder(out)
		for i := range recs {
			if err := enc.Encode(&recs[i]); err != nil {
				return err
			}
		}
		return nil
	}
	printRuns(out, recs)
	return nil
}

func printRuns(out io.Writer, recs []runregistry.Record) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN ID\tSTATE\tSTAGE\tCREATED\tCOUNTS\tMANIFEST")
	for _, r := range recs {
		counts := "-"
		if r.Counts != nil {
			counts = r.Counts.String()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.State, r.Stage, r.CreatedAt.Format(time.RFC3339), counts, r.ManifestPath)
	}
	_ = tw.Flush()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, err := registryStore(cmd)
	if err != nil {
		return err
	}

	var v any
	if runsShowReport {
		v, err = store.Report(args[0])
	} else {
		v, err = store.Get(args[0])
	}
	if errors.Is(err, runregistry.ErrNotFound) {
		return exitError(foundry.ExitFileNotFound, "Unknown run", err)
	}
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read run", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
