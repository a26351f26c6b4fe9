package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lakeflow/internal/server/handlers"
	"github.com/3leaps/lakeflow/pkg/report"
)

func TestSignalHealthChecker(t *testing.T) {
	checker := signalHealthChecker{}

	t.Run("always returns nil", func(t *testing.T) {
		err := checker.CheckHealth(context.Background())
		assert.NoError(t, err)
	})
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		wantErr    bool
		errContain string
	}{
		{
			name:       "all fields valid",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    false,
		},
		{
			name:       "missing binary name",
			binaryName: "",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing binary name",
		},
		{
			name:       "missing env prefix",
			binaryName: "myapp",
			envPrefix:  "",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing env prefix",
		},
		{
			name:       "missing config name",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "",
			wantErr:    true,
			errContain: "missing config name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}

			err := checker.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRunHealthChecker(t *testing.T) {
	t.Run("no run attached", func(t *testing.T) {
		err := runHealthChecker{}.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no run attached")
	})

	for _, stage := range []report.Stage{report.StageValidating, report.StageIngesting, report.StageDone} {
		t.Run(string(stage), func(t *testing.T) {
			c := runHealthChecker{state: func() report.RunState { return report.RunState{RunID: "r1", Stage: stage} }}
			assert.NoError(t, c.CheckHealth(context.Background()))
		})
	}

	t.Run("failed run is unhealthy", func(t *testing.T) {
		c := runHealthChecker{state: func() report.RunState {
			return report.RunState{RunID: "r1", Stage: report.StageFailed, ErrorCode: "MISSING_MARKER"}
		}}
		err := c.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "MISSING_MARKER")
	})
}

func TestRegisterHealthCheckers(t *testing.T) {
	registerHealthCheckers(func() report.RunState { return report.RunState{Stage: report.StageCopying} })
	assert.NotNil(t, handlers.GetHealthManager())
}
