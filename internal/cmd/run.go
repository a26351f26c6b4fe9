package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/lakeflow/internal/config"
	"github.com/3leaps/lakeflow/internal/observability"
	"github.com/3leaps/lakeflow/internal/server"
	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/manifest"
	"github.com/3leaps/lakeflow/pkg/report"
	"github.com/3leaps/lakeflow/pkg/runregistry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pipeline from manifest",
	Long: `Run a pipeline as defined in a YAML or JSON manifest file.

The run checks its seed markers, copies every source into the landing zone,
ingests the landed files into the cleansed stage and applies the transform
tasks. One JSONL record is written per stage change and per unit result,
followed by a summary.

Example:
  lakeflow run --manifest pipeline.yaml
  lakeflow run --manifest pipeline.yaml --output file:run.jsonl
  lakeflow run --manifest pipeline.yaml --status
  lakeflow run --manifest pipeline.yaml --background`,
	RunE: runRun,
}

var (
	runManifestPath  string
	runOutput        string
	runPreflightMode string
	runBackground    bool
	runStatus        bool
	runStatusPort    int
	runIDFlag        string
	runManagedID     string
	runNoRegistry    bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runManifestPath, "manifest", "m", "", "Path to pipeline manifest (required)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Override output destination (stdout|file:/path)")
	runCmd.Flags().StringVar(&runPreflightMode, "preflight", "", "Override preflight mode (plan-only|read-safe|write-probe)")
	runCmd.Flags().BoolVar(&runBackground, "background", false, "Start the run as a managed background process")
	runCmd.Flags().BoolVar(&runStatus, "status", false, "Serve run status and health over HTTP while running")
	runCmd.Flags().IntVar(&runStatusPort, "status-port", 0, "Override the status server port")
	runCmd.Flags().StringVar(&runIDFlag, "run-id", "", "Use this run id instead of a generated one")
	runCmd.Flags().BoolVar(&runNoRegistry, "no-registry", false, "Do not record the run in the run registry")
	runCmd.Flags().StringVar(&runManagedID, managedRunFlagName, "", "")
	_ = runCmd.Flags().MarkHidden(managedRunFlagName)

	_ = runCmd.MarkFlagRequired("manifest")
}

const managedRunFlagName = "_managed-run-id"

// runOptions are the per-invocation settings of executeRun.
type runOptions struct {
	RunID        string
	ManifestPath string
	// RunsDir enables the run registry when set.
	RunsDir string
	// Status starts the status server on Server.Host:Server.Port.
	Status bool
	Server config.ServerConfig
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	m, err := manifest.Load(runManifestPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", runManifestPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	if runOutput != "" {
		m.Output.Destination = runOutput
	}
	if err := applyPreflightOverride(m, runPreflightMode); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --preflight value", err)
	}

	if readOnlyEnabled() {
		return exitError(foundry.ExitInvalidArgument, "Refusing to run",
			fmt.Errorf("readonly mode forbids runs: a run writes to the lake store"))
	}

	if runBackground {
		return startBackground(cmd, cfg)
	}

	abs, err := filepath.Abs(runManifestPath)
	if err != nil {
		abs = runManifestPath
	}
	opts := runOptions{
		RunID:        runManagedID,
		ManifestPath: abs,
		Status:       runStatus,
		Server:       cfg.Server,
	}
	if opts.RunID == "" {
		opts.RunID = runIDFlag
	}
	if !runNoRegistry {
		opts.RunsDir = cfg.Runs.Dir
	}
	if runStatusPort > 0 {
		opts.Server.Port = runStatusPort
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err = executeRun(ctx, m, opts)
	return err
}

// startBackground re-executes this binary as a managed run and prints the
// queued record.
func startBackground(cmd *cobra.Command, cfg *config.Config) error {
	var passthrough []string
	if runOutput != "" {
		passthrough = append(passthrough, "--output", runOutput)
	}
	if runPreflightMode != "" {
		passthrough = append(passthrough, "--preflight", runPreflightMode)
	}
	if runStatus {
		passthrough = append(passthrough, "--status")
	}
	if runStatusPort > 0 {
		passthrough = append(passthrough, "--status-port", fmt.Sprint(runStatusPort))
	}

	exec := runregistry.NewExecutor(cfg.Runs.Dir)
	rec, err := exec.StartBackground(runManifestPath, runregistry.BackgroundOptions{Dedupe: true, Args: passthrough})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to start background run", err)
	}

	observability.CLILogger.Info("Started background run",
		zap.String("run_id", rec.RunID),
		zap.Int("pid", rec.PID),
		zap.String("stdout", rec.StdoutPath))

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

// executeRun wires and runs one pipeline.
func executeRun(ctx context.Context, m *manifest.Manifest, opts runOptions) (*report.Report, error) {
	id := opts.RunID
	if id == "" {
		id = runregistry.NewRunID()
	}
	log := observability.CLILogger.With(zap.String("run_id", id))

	var tracker *runregistry.Tracker
	if opts.RunsDir != "" {
		tracker = runregistry.Track(runregistry.NewStore(opts.RunsDir), id, opts.ManifestPath, log)
		tracker.Describe(storeIdentity(&m.SourceStore), storeIdentity(m.LakeStore))
	}
	failEarly := func(code int, msg string, err error) error {
		if tracker != nil {
			now := time.Now().UTC()
			tracker.Observe(report.RunState{
				RunID:      id,
				Stage:      report.StageFailed,
				StartedAt:  now,
				FinishedAt: now,
				ErrorCode:  fault.Code(err),
				Error:      err.Error(),
			})
		}
		log.Error(msg, zap.Error(err))
		return exitError(code, msg, err)
	}

	w, cleanup, err := createWriter(m.Output.Destination, id)
	if err != nil {
		return nil, failEarly(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	rt, err := wire(ctx, m, id, w, log)
	if err != nil {
		return nil, failEarly(runExitCode(err), "Failed to prepare run", err)
	}
	defer rt.Close()

	if tracker != nil {
		rt.ctrl.OnStage(tracker.Observe)
	}

	if opts.Status {
		stopStatus, err := startStatusServer(ctx, rt, opts.Server, log)
		if err != nil {
			return nil, failEarly(foundry.ExitInvalidArgument, "Failed to start status server", err)
		}
		defer stopStatus()
	}

	log.Info("Starting run",
		zap.String("manifest", opts.ManifestPath),
		zap.String("source_store", m.SourceStore.Provider),
		zap.Int("sources", len(m.Sources)),
		zap.Int("concurrency", m.Run.Concurrency),
		zap.Stringer("tolerance", m.Run.Tolerance))

	rep, err := rt.ctrl.Run(ctx)
	if tracker != nil {
		tracker.Finish(rep)
	}
	if err != nil {
		if rep != nil {
			log.Error("Run failed",
				zap.String("error_code", rep.State.ErrorCode),
				zap.String("summary", rep.Summary()),
				zap.Error(err))
		} else {
			log.Error("Run failed", zap.Error(err))
		}
		return rep, exitError(runExitCode(err), "Run failed", err)
	}

	log.Info("Run completed",
		zap.Int("succeeded", rep.Counts.Succeeded),
		zap.Int("failed", rep.Counts.Failed),
		zap.Int("skipped", rep.Counts.Skipped),
		zap.String("summary", rep.Summary()))
	return rep, nil
}

// startStatusServer serves /run and /health for the lifetime of the run.
func startStatusServer(ctx context.Context, rt *runtime, sc config.ServerConfig, log *zap.Logger) (func(), error) {
	registerHealthCheckers(rt.ctrl.State)

	srv := server.New(sc.Host, sc.Port, server.WithTimeouts(server.Timeouts{
		Read:     sc.ReadTimeout,
		Write:    sc.WriteTimeout,
		Idle:     sc.IdleTimeout,
		Shutdown: sc.ShutdownTimeout,
	}))
	srv.Attach(rt.ctrl)

	sctx, cancel := context.WithCancel(ctx)
	addr, done, err := srv.Start(sctx)
	if err != nil {
		cancel()
		return nil, err
	}
	log.Info("Status server listening", zap.String("addr", addr.String()))

	return func() {
		cancel()
		if err := <-done; err != nil {
			log.Warn("Status server stopped with error", zap.Error(err))
		}
	}, nil
}
