package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/lakeflow/internal/observability"
	"github.com/3leaps/lakeflow/pkg/manifest"
	"github.com/3leaps/lakeflow/pkg/output"
	"github.com/3leaps/lakeflow/pkg/preflight"
	"github.com/3leaps/lakeflow/pkg/runregistry"
)

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check markers, permissions and capabilities",
	Long: `Check a manifest's seed markers and probe the permissions its run needs,
without copying anything. Emits JSONL preflight records.

Examples:
  # Markers only: no other provider calls
  lakeflow preflight --manifest pipeline.yaml --mode plan-only

  # Read-safe: list and read the sources
  lakeflow preflight --manifest pipeline.yaml --mode read-safe

  # Write-probe: write and delete one object under the probe prefix
  lakeflow preflight --manifest pipeline.yaml --mode write-probe

Safety:
- --readonly (or LAKEFLOW_READONLY=1) refuses write-probe.`,
	RunE: runPreflight,
}

var (
	preflightManifestPath string
	preflightMode         string
	preflightProbePrefix  string
)

func init() {
	rootCmd.AddCommand(preflightCmd)

	preflightCmd.Flags().StringVarP(&preflightManifestPath, "manifest", "m", "", "Path to pipeline manifest (required)")
	preflightCmd.Flags().StringVar(&preflightMode, "mode", "", "Preflight mode (plan-only|read-safe|write-probe); defaults to the manifest's")
	preflightCmd.Flags().StringVar(&preflightProbePrefix, "probe-prefix", "", "Probe prefix for write probes")

	_ = preflightCmd.MarkFlagRequired("manifest")
}

func runPreflight(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := manifest.Load(preflightManifestPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	if err := applyPreflightOverride(m, preflightMode); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --mode value", err)
	}
	if preflightProbePrefix != "" {
		m.Preflight.ProbePrefix = preflightProbePrefix
	}
	if err := guardReadOnly(m); err != nil {
		return err
	}

	s, err := openStores(ctx, m)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to storage provider", err)
	}
	defer s.close()

	w, cleanup, err := createWriter(m.Output.Destination, runregistry.NewRunID())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	write := func(rec *output.PreflightRecord) {
		if rec == nil {
			return
		}
		if err := w.WritePreflight(ctx, rec); err != nil {
			observability.CLILogger.Warn("Failed to write preflight record", zap.Error(err))
		}
	}

	v := preflight.NewValidator(s.source,
		preflight.WithLogger(observability.CLILogger),
		preflight.WithRetryPolicy(m.Run.Retry.Policy()),
		preflight.WithConcurrency(m.Run.Concurrency))
	rec, err := v.Validate(ctx, m.Markers)
	write(rec)
	if err != nil {
		return exitError(runExitCode(err), "Seed markers not satisfied", err)
	}

	prefixes := make([]string, 0, len(m.Sources))
	for _, src := range m.Sources {
		prefixes = append(prefixes, src.SourcePrefix)
	}
	rec, err = preflight.Probe(ctx, s.source, s.lake, prefixes,
		preflight.Spec{Mode: preflight.Mode(m.Preflight.Mode), ProbePrefix: m.Preflight.ProbePrefix})
	write(rec)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Preflight failed", err)
	}

	observability.CLILogger.Info("Preflight passed",
		zap.String("mode", m.Preflight.Mode),
		zap.Int("markers", len(m.Markers)),
		zap.Int("sources", len(m.Sources)))
	return nil
}

// guardReadOnly refuses write probes when the readonly latch is set.
func guardReadOnly(m *manifest.Manifest) error {
	if readOnlyEnabled() && preflight.Mode(m.Preflight.Mode) == preflight.ModeWriteProbe {
		return exitError(foundry.ExitInvalidArgument, "Refusing write-probe",
			fmt.Errorf("readonly mode forbids write-probe preflight"))
	}
	return nil
}
