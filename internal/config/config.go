// Package config loads the application configuration. Precedence, highest
// first: runtime overrides, LAKEFLOW_* environment variables (including a
// .env file at the project root), lakeflow.yaml, defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Health  HealthConfig  `mapstructure:"health"`
	Runs    RunsConfig    `mapstructure:"runs"`
	// Workers is the default run concurrency when a manifest sets none.
	Workers int `mapstructure:"workers"`
}

// ServerConfig configures the status server started by `run --status-addr`.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type RunsConfig struct {
	// Dir holds the run registry; defaults to <app data dir>/runs.
	Dir string `mapstructure:"dir"`
}

// AppIdentity names the binary, its env prefix and its config directory.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// EnvSpec maps one environment variable onto a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
)

// DefaultIdentity is the identity of the lakeflow binary.
var DefaultIdentity = AppIdentity{BinaryName: "lakeflow", EnvPrefix: "LAKEFLOW", ConfigName: "lakeflow"}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")
	v.SetDefault("health.enabled", true)
	v.SetDefault("runs.dir", "")
	v.SetDefault("workers", 4)
}

// Load builds the configuration and makes it the current one.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	identity := *appIdentity
	configMu.Unlock()

	root, err := findProjectRoot()
	if err != nil {
		return nil, err
	}
	// A missing .env is normal; existing variables win over the file.
	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	SetDefaults(v)

	v.SetConfigName(identity.ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(root)
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Runs.Dir == "" {
		cfg.Runs.Dir = filepath.Join(gfconfig.GetAppDataDir(identity.ConfigName), "runs")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Identity returns the application identity once Load has run.
func Identity() *AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	switch strings.ToUpper(c.Logging.Profile) {
	case "STRUCTURED", "CONSOLE":
	default:
		return fmt.Errorf("logging.profile must be STRUCTURED or CONSOLE, got %q", c.Logging.Profile)
	}
	return nil
}

func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}
	p := id.EnvPrefix + "_"
	return []EnvSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "HEALTH_ENABLED", Path: "health.enabled"},
		{Name: p + "RUNS_DIR", Path: "runs.dir"},
		{Name: p + "WORKERS", Path: "workers"},
	}
}

func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, id.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", id.ConfigName))
	}
	return paths
}

// findProjectRoot walks up from the working directory to the nearest
// directory holding lakeflow.yaml, go.mod or .git. In CI a workspace root
// variable that contains the working directory wins. Without a marker the
// working directory is the root.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getwd: %w", err)
	}
	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		for _, name := range []string{"LAKEFLOW_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"} {
			if b := ciBoundary(os.Getenv(name), cwd); b != "" {
				return b, nil
			}
		}
	}

	for dir := cwd; ; {
		for _, marker := range []string{"lakeflow.yaml", "go.mod", ".git"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd, nil
		}
		dir = parent
	}
}

func ciBoundary(candidate, cwd string) string {
	if candidate == "" || !filepath.IsAbs(candidate) {
		return ""
	}
	if fi, err := os.Stat(candidate); err != nil || !fi.IsDir() {
		return ""
	}
	rel, err := filepath.Rel(candidate, cwd)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.Clean(candidate)
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
