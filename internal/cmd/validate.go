package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/lakeflow/internal/observability"
	"github.com/3leaps/lakeflow/pkg/manifest"
	"github.com/3leaps/lakeflow/pkg/preflight"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a pipeline manifest",
	Long: `Validate a manifest against the manifest schema and its semantic rules
(unique ids, known sources, acyclic dependencies, tolerance settings).

With --check-markers the seed markers are also checked against the source
store.

Example:
  lakeflow validate --manifest pipeline.yaml
  lakeflow validate --manifest pipeline.yaml --check-markers`,
	RunE: runValidate,
}

var (
	validateManifestPath string
	validateCheckMarkers bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVarP(&validateManifestPath, "manifest", "m", "", "Path to pipeline manifest (required)")
	validateCmd.Flags().BoolVar(&validateCheckMarkers, "check-markers", false, "Check seed markers exist in the source store")

	_ = validateCmd.MarkFlagRequired("manifest")
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	m, err := manifest.Load(validateManifestPath)
	if err != nil {
		observability.CLILogger.Error("Manifest is invalid",
			zap.String("path", validateManifestPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	if validateCheckMarkers && len(m.Markers) > 0 {
		s, err := openStores(ctx, m)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to source store", err)
		}
		defer s.close()

		v := preflight.NewValidator(s.source,
			preflight.WithLogger(observability.CLILogger),
			preflight.WithRetryPolicy(m.Run.Retry.Policy()))
		if _, err := v.Validate(ctx, m.Markers); err != nil {
			return exitError(runExitCode(err), "Seed markers not satisfied", err)
		}
		_, _ = fmt.Fprintf(out, "Markers:     %d present\n", len(m.Markers))
	}

	_, _ = fmt.Fprintf(out, "Manifest %s is valid (%s)\n", validateManifestPath, m)
	return nil
}
