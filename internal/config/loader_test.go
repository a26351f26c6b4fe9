package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findRepoRootForTest(t *testing.T) string {
	cwd, err := os.Getwd()
	require.NoError(t, err)

	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	t.Fatalf("could not locate repo root containing go.mod from %s", cwd)
	return ""
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.True(t, cfg.Health.Enabled)
		assert.Equal(t, 4, cfg.Workers)
		assert.Equal(t, "runs", filepath.Base(cfg.Runs.Dir))
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("LAKEFLOW_PORT", "3000")
		t.Setenv("LAKEFLOW_LOG_LEVEL", "warn")
		t.Setenv("LAKEFLOW_HEALTH_ENABLED", "false")
		t.Setenv("LAKEFLOW_RUNS_DIR", "/var/lib/lakeflow/runs")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Health.Enabled)
		assert.Equal(t, "/var/lib/lakeflow/runs", cfg.Runs.Dir)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("LAKEFLOW_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{"server": map[string]any{"port": 5000}})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("InvalidProfile", func(t *testing.T) {
		t.Setenv("LAKEFLOW_LOG_PROFILE", "xml")
		_, err := Load(ctx)
		require.Error(t, err)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Load(cctx)
		require.Error(t, err)
	})
}

func TestLoadFromProjectFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lakeflow.yaml"), []byte("server:\n  port: 7070\nworkers: 8\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LAKEFLOW_LOG_LEVEL=error\n"), 0o644))
	t.Chdir(dir)
	// godotenv sets the variable in-process; make sure it does not leak.
	t.Setenv("LAKEFLOW_LOG_LEVEL", "")
	require.NoError(t, os.Unsetenv("LAKEFLOW_LOG_LEVEL"))

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestGetConfig(t *testing.T) {
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	assert.Equal(t, "localhost", v.GetString("server.host"))
	assert.Equal(t, 8080, v.GetInt("server.port"))
	assert.Equal(t, "30s", v.GetString("server.read_timeout"))
	assert.Equal(t, "120s", v.GetString("server.idle_timeout"))
	assert.Equal(t, "10s", v.GetString("server.shutdown_timeout"))
	assert.Equal(t, "info", v.GetString("logging.level"))
	assert.True(t, v.GetBool("health.enabled"))
	assert.Equal(t, 4, v.GetInt("workers"))
}

func TestDurationParsing(t *testing.T) {
	t.Setenv("LAKEFLOW_READ_TIMEOUT", "45s")
	t.Setenv("LAKEFLOW_SHUTDOWN_TIMEOUT", "5m")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
}

func TestConfigReload(t *testing.T) {
	ctx := context.Background()

	cfg1, err := Load(ctx)
	require.NoError(t, err)
	initialPort := cfg1.Server.Port

	cfg2, err := Load(ctx, map[string]any{"server": map[string]any{"port": initialPort + 1000}})
	require.NoError(t, err)
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

// resetAppIdentity resets package state for isolated tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestGetUserConfigPathsNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() { _, _ = Load(context.Background()) }()

	assert.Empty(t, getUserConfigPaths())
	assert.Nil(t, GetConfig())
}

func TestGetEnvSpecsNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() { _, _ = Load(context.Background()) }()

	assert.Empty(t, getEnvSpecs())
}

func TestEnvSpecs(t *testing.T) {
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		names[spec.Name] = true
		assert.Contains(t, spec.Name, "LAKEFLOW_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
	for _, want := range []string{"LAKEFLOW_LOG_LEVEL", "LAKEFLOW_PORT", "LAKEFLOW_HOST", "LAKEFLOW_RUNS_DIR"} {
		assert.True(t, names[want], "%s must be mapped", want)
	}
}

func TestFindProjectRootCIBoundaryEdgeCases(t *testing.T) {
	repoRoot := findRepoRootForTest(t)

	t.Run("CITrueButEmptyBoundaryVars", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("LAKEFLOW_WORKSPACE_ROOT", "")
		t.Setenv("GITHUB_WORKSPACE", "")
		t.Setenv("CI_PROJECT_DIR", "")
		t.Setenv("WORKSPACE", "")

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.Equal(t, repoRoot, root)
	})

	t.Run("CITrueWithRelativeBoundary", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("LAKEFLOW_WORKSPACE_ROOT", "./relative/path")

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.Equal(t, repoRoot, root)
	})

	t.Run("CITrueWithNonexistentBoundary", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("LAKEFLOW_WORKSPACE_ROOT", "/nonexistent/path/that/does/not/exist")

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.Equal(t, repoRoot, root)
	})

	t.Run("CITrueWithBoundaryNotContainingCwd", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("LAKEFLOW_WORKSPACE_ROOT", t.TempDir())

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.Equal(t, repoRoot, root)
	})

	t.Run("GitHubActionsEnvVar", func(t *testing.T) {
		t.Setenv("GITHUB_ACTIONS", "true")
		t.Setenv("GITHUB_WORKSPACE", repoRoot)

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.Equal(t, repoRoot, root)
	})
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"server":  map[string]any{"port": 1, "tls": map[string]any{"on": true}},
		"workers": 2,
	})
	assert.Equal(t, map[string]any{"server.port": 1, "server.tls.on": true, "workers": 2}, got)
}
