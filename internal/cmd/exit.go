package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/lakeflow/pkg/fault"
	"github.com/3leaps/lakeflow/pkg/pipeline"
)

// exitRunFailed is returned when a run ends Failed for reasons other than
// configuration, connectivity or a signal.
const exitRunFailed = 1

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps an Execute error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return exitRunFailed
}

// runExitCode picks the exit code of a failed run from its failure kind.
func runExitCode(err error) int {
	if errors.Is(err, pipeline.ErrToleranceExceeded) {
		return exitRunFailed
	}
	switch fault.KindOf(err) {
	case fault.KindInvalidConfig:
		return foundry.ExitInvalidArgument
	case fault.KindMissingMarker:
		return foundry.ExitFileNotFound
	case fault.KindSystemicConnectivity, fault.KindStoreIO:
		return foundry.ExitExternalServiceUnavailable
	case fault.KindCanceled:
		return foundry.ExitSignalInt
	}
	return exitRunFailed
}
