package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/lakeflow/internal/observability"
	"github.com/3leaps/lakeflow/pkg/checkpoint"
	"github.com/3leaps/lakeflow/pkg/manifest"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect ingestion checkpoints",
	Long: `Inspect the per-stream ingestion checkpoints of a manifest's backend.

Example:
  lakeflow checkpoint list --manifest pipeline.yaml
  lakeflow checkpoint show --manifest pipeline.yaml --stream orders`,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stream checkpoints",
	RunE:  runCheckpointList,
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show one stream checkpoint as JSON",
	RunE:  runCheckpointShow,
}

var (
	checkpointManifestPath string
	checkpointStream       string
)

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointListCmd, checkpointShowCmd)

	checkpointCmd.PersistentFlags().StringVarP(&checkpointManifestPath, "manifest", "m", "", "Path to pipeline manifest (required)")
	_ = checkpointCmd.MarkPersistentFlagRequired("manifest")

	checkpointShowCmd.Flags().StringVar(&checkpointStream, "stream", "", "Stream (source) id (required)")
	_ = checkpointShowCmd.MarkFlagRequired("stream")
}

// withCheckpoint opens the manifest's checkpoint store for fn.
func withCheckpoint(cmd *cobra.Command, fn func(checkpoint.Store) error) error {
	ctx := cmd.Context()
	m, err := manifest.Load(checkpointManifestPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	s, err := openStores(ctx, m)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to storage provider", err)
	}
	defer s.close()

	store, err := openCheckpoint(ctx, m, s.lake)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open checkpoint backend", err)
	}
	defer func() { _ = store.Close() }()

	return fn(store)
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	return withCheckpoint(cmd, func(store checkpoint.Store) error {
		recs, corrupt, err := store.List(cmd.Context())
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to list checkpoints", err)
		}
		for _, c := range corrupt {
			observability.CLILogger.Warn("Skipping unreadable checkpoint", zap.Error(c))
		}
		printCheckpoints(cmd.OutOrStdout(), recs)
		return nil
	})
}

func printCheckpoints(out io.Writer, recs []checkpoint.Record) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STREAM\tVERSION\tFILES\tBATCHES\tRECORDS\tCOLUMNS\tUPDATED")
	for _, r := range recs {
		cols := 0
		if r.Schema != nil {
			cols = len(r.Schema.Names())
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.StreamID, r.Version, len(r.Files), r.Batches, r.Records, cols, r.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	_ = tw.Flush()
}

func runCheckpointShow(cmd *cobra.Command, args []string) error {
	return withCheckpoint(cmd, func(store checkpoint.Store) error {
		rec, err := store.Get(cmd.Context(), checkpointStream)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to read checkpoint", err)
		}
		if rec == nil {
			return exitError(foundry.ExitFileNotFound, "No checkpoint", fmt.Errorf("stream %q has no checkpoint", checkpointStream))
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	})
}
