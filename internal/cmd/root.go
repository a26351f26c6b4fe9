package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3leaps/lakeflow/internal/config"
	"github.com/3leaps/lakeflow/internal/observability"
	"github.com/3leaps/lakeflow/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "none",
	BuildDate: "unknown",
}

var (
	appIdentity *config.AppIdentity
	appConfig   *config.Config

	verbose    bool
	logLevel   string
	logProfile string
	runsDir    string
	readOnly   bool
)

var rootCmd = &cobra.Command{
	Use:   "lakeflow",
	Short: "Staged data-lake pipeline orchestrator",
	Long: `lakeflow runs staged data-lake pipelines described by a manifest.

A run validates its seed markers, copies raw files into the landing zone,
ingests them incrementally into the cleansed stage and applies transform
tasks, recording a result for every work unit.

Examples:
  lakeflow validate --manifest pipeline.yaml
  lakeflow plan --manifest pipeline.yaml
  lakeflow run --manifest pipeline.yaml
  lakeflow runs list`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logProfile, "log-profile", "", "Log profile (STRUCTURED|CONSOLE)")
	rootCmd.PersistentFlags().StringVar(&runsDir, "runs-dir", "", "Override the run registry directory")
	rootCmd.PersistentFlags().BoolVar(&readOnly, "readonly", false, "Refuse provider-side mutations (runs and write probes)")

	_ = viper.BindPFlag("readonly", rootCmd.PersistentFlags().Lookup("readonly"))
	_ = viper.BindEnv("readonly", "LAKEFLOW_READONLY")
}

// readOnlyEnabled reports whether the readonly latch is set by flag or
// LAKEFLOW_READONLY.
func readOnlyEnabled() bool {
	return readOnly || viper.GetBool("readonly")
}

// Execute runs the root command.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with ctx.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity loaded at startup, or nil before the
// first command runs.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

// setDefaults registers configuration defaults on the global viper.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	overrides := map[string]any{}
	if logLevel != "" {
		overrides["logging.level"] = logLevel
	}
	if verbose {
		overrides["logging.level"] = "debug"
	}
	if logProfile != "" {
		overrides["logging.profile"] = logProfile
	}
	if runsDir != "" {
		overrides["runs.dir"] = runsDir
	}

	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	appConfig = cfg
	appIdentity = config.Identity()

	name := "lakeflow"
	if appIdentity != nil && appIdentity.BinaryName != "" {
		name = appIdentity.BinaryName
	}
	if err := observability.Configure(name, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	return nil
}

// currentConfig returns the loaded config, loading defaults when a command
// is invoked without the root pre-run (tests).
func currentConfig(ctx context.Context) (*config.Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	appConfig = cfg
	return cfg, nil
}
