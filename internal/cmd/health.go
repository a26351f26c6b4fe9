package cmd

import (
	"context"
	"fmt"

	"github.com/3leaps/lakeflow/internal/server/handlers"
	"github.com/3leaps/lakeflow/pkg/report"
)

// signalHealthChecker reports the process is able to handle signals.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

// identityHealthChecker fails when the application identity is incomplete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return fmt.Errorf("missing binary name")
	case c.envPrefix == "":
		return fmt.Errorf("missing env prefix")
	case c.configName == "":
		return fmt.Errorf("missing config name")
	}
	return nil
}

// runHealthChecker turns unhealthy once the attached run has failed.
type runHealthChecker struct {
	state func() report.RunState
}

func (c runHealthChecker) CheckHealth(context.Context) error {
	if c.state == nil {
		return fmt.Errorf("no run attached")
	}
	st := c.state()
	if st.Stage == report.StageFailed {
		return fmt.Errorf("run %s failed: %s", st.RunID, st.ErrorCode)
	}
	return nil
}

// registerHealthCheckers initialises the health manager for a status
// server attached to one run.
func registerHealthCheckers(state func() report.RunState) {
	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("signals", signalHealthChecker{})

	id := GetAppIdentity()
	checker := identityHealthChecker{}
	if id != nil {
		checker = identityHealthChecker{binaryName: id.BinaryName, envPrefix: id.EnvPrefix, configName: id.ConfigName}
	}
	hm.RegisterChecker("identity", checker)
	hm.RegisterChecker("run", runHealthChecker{state: state})
}
