package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/lakeflow/internal/observability"
	"github.com/3leaps/lakeflow/pkg/manifest"
)

var doctorManifestPath string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment and, with --manifest, on the
stores and checkpoint backend a pipeline would use.

Examples:
  lakeflow doctor
  lakeflow doctor --manifest pipeline.yaml`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVarP(&doctorManifestPath, "manifest", "m", "", "Also check the stores of this manifest")
}

// doctorCheck is one diagnostic. A nil error passes.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	checks := []doctorCheck{
		{"Go version", func(context.Context) (string, error) { return runtime.Version(), nil }},
		{"Crucible access", func(context.Context) (string, error) {
			return fulmenVersion("crucible", crucible.GetVersion().Crucible)
		}},
		{"Gofulmen access", func(context.Context) (string, error) {
			return fulmenVersion("gofulmen", crucible.GetVersion().Gofulmen)
		}},
		{"environment", func(context.Context) (string, error) {
			return runtime.GOOS + "/" + runtime.GOARCH, nil
		}},
		{"run registry", checkRunsDir},
	}

	var m *manifest.Manifest
	if doctorManifestPath != "" {
		loaded, err := manifest.Load(doctorManifestPath)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
		}
		m = loaded
		checks = append(checks, doctorCheck{"stores", func(ctx context.Context) (string, error) {
			return checkStores(ctx, m)
		}})
		if usesS3(m) {
			checks = append(checks, doctorCheck{"AWS credentials", checkAWSCredentials})
		}
	}

	failed := 0
	for i, c := range checks {
		detail, err := c.run(ctx)
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		if err != nil {
			failed++
			log.Error(prefix+" failed", zap.Error(err))
			continue
		}
		log.Info(prefix+" ok", zap.String("detail", detail))
	}

	if failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed",
			fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	log.Info("All checks passed")
	return nil
}

// fulmenVersion reports an embedded library version. An empty version
// means the embedded catalog is unusable.
func fulmenVersion(name, version string) (string, error) {
	if version == "" {
		return "", fmt.Errorf("cannot access %s", name)
	}
	return "v" + version, nil
}

func checkRunsDir(ctx context.Context) (string, error) {
	cfg, err := currentConfig(ctx)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(cfg.Runs.Dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(cfg.Runs.Dir, ".doctor-*")
	if err != nil {
		return "", fmt.Errorf("runs dir not writable: %w", err)
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return filepath.Clean(cfg.Runs.Dir), nil
}

// checkStores lists the root of both stores and opens the checkpoint
// backend.
func checkStores(ctx context.Context, m *manifest.Manifest) (string, error) {
	s, err := openStores(ctx, m)
	if err != nil {
		return "", err
	}
	defer s.close()

	if _, err := s.source.Exists(ctx, "_lakeflow/doctor"); err != nil {
		return "", fmt.Errorf("source store: %w", err)
	}
	if _, err := s.lake.Exists(ctx, "_lakeflow/doctor"); err != nil {
		return "", fmt.Errorf("lake store: %w", err)
	}
	ckpt, err := openCheckpoint(ctx, m, s.lake)
	if err != nil {
		return "", fmt.Errorf("checkpoint: %w", err)
	}
	_ = ckpt.Close()
	return fmt.Sprintf("source=%s lake=%s checkpoint=%s",
		describeStore(&m.SourceStore), describeStore(m.LakeStore), m.Checkpoint.Backend), nil
}

func usesS3(m *manifest.Manifest) bool {
	return m.SourceStore.Provider == "s3" || (m.LakeStore != nil && m.LakeStore.Provider == "s3")
}

func checkAWSCredentials(ctx context.Context) (string, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("load AWS config: %w", err)
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieve credentials: %w", err)
	}
	return fmt.Sprintf("%s via %s", maskAccessKey(creds.AccessKeyID), creds.Source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
