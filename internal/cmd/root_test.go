package cmd

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/pipeline"
)

func TestSetVersionInfo(t *testing.T) {
	// Save original values
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2024-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	t.Run("returns nil before init", func(t *testing.T) {
		// Save and restore
		orig := appIdentity
		appIdentity = nil
		defer func() { appIdentity = orig }()

		result := GetAppIdentity()
		assert.Nil(t, result)
	})

	t.Run("returns identity after set", func(t *testing.T) {
		// If appIdentity is already set from other tests, verify it returns
		if appIdentity != nil {
			result := GetAppIdentity()
			assert.NotNil(t, result)
			assert.Equal(t, appIdentity, result)
		}
	})
}

func TestSetDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setDefaults()

	// Verify server defaults
	assert.Equal(t, "localhost", viper.GetString("server.host"))
	assert.Equal(t, 8080, viper.GetInt("server.port"))
	assert.Equal(t, "30s", viper.GetString("server.read_timeout"))
	assert.Equal(t, "30s", viper.GetString("server.write_timeout"))
	assert.Equal(t, "120s", viper.GetString("server.idle_timeout"))
	assert.Equal(t, "10s", viper.GetString("server.shutdown_timeout"))

	// Verify logging defaults
	assert.Equal(t, "info", viper.GetString("logging.level"))
	assert.Equal(t, "STRUCTURED", viper.GetString("logging.profile"))

	// Verify health defaults
	assert.True(t, viper.GetBool("health.enabled"))

	// Verify worker defaults
	assert.Equal(t, 4, viper.GetInt("workers"))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain error", errors.New("boom"), exitRunFailed},
		{"exit error", exitError(foundry.ExitInvalidArgument, "Invalid manifest", errors.New("bad")), foundry.ExitInvalidArgument},
		{"wrapped exit error", fmt.Errorf("outer: %w", exitError(foundry.ExitSignalInt, "Run failed", context.Canceled)), foundry.ExitSignalInt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestExitError_Message(t *testing.T) {
	err := exitError(foundry.ExitFileWriteError, "Failed to create output", errors.New("disk full"))
	assert.Equal(t, "Failed to create output: disk full (exit code "+fmt.Sprint(foundry.ExitFileWriteError)+")", err.Error())
	assert.ErrorContains(t, errors.Unwrap(err), "disk full")
}

func TestRunExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"tolerance", fmt.Errorf("run: %w", pipeline.ErrToleranceExceeded), exitRunFailed},
		{"invalid config", fault.New(fault.KindInvalidConfig, "pipeline", "r1", errors.New("bad")), foundry.ExitInvalidArgument},
		{"missing marker", fault.NewMissingMarkerError([]string{"seed/ok.flag"}), foundry.ExitFileNotFound},
		{"store io", fault.StoreIO("read", "k", errors.New("reset")), foundry.ExitExternalServiceUnavailable},
		{"canceled", fault.New(fault.KindCanceled, "run", "r1", context.Canceled), foundry.ExitSignalInt},
		{"transform", fault.Transform("t1", errors.New("bad row")), exitRunFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, runExitCode(tt.err))
		})
	}
}
