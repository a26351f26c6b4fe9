package report

import (
	"fmt"
	"strings"
)

type Mode string

const (
	ModeStrict  Mode = "strict"
	ModeLenient Mode = "lenient"
)

// Tolerance decides whether a run whose units did not all succeed is still
// acceptable. Strict accepts only a clean run. Lenient accepts up to
// MaxFailures non-successful units and up to MaxFailureRatio of the total;
// a zero bound is not checked, but at least one bound must be set.
type Tolerance struct {
	Mode            Mode    `json:"mode" yaml:"mode"`
	MaxFailures     int     `json:"max_failures,omitempty" yaml:"max_failures"`
	MaxFailureRatio float64 `json:"max_failure_ratio,omitempty" yaml:"max_failure_ratio"`
}

// Strict is the default tolerance.
func Strict() Tolerance { return Tolerance{Mode: ModeStrict} }

func (t Tolerance) Validate() error {
	switch Mode(strings.ToLower(string(t.Mode))) {
	case ModeStrict, "":
		if t.MaxFailures != 0 || t.MaxFailureRatio != 0 {
			return fmt.Errorf("strict tolerance does not take failure bounds")
		}
		return nil
	case ModeLenient:
		if t.MaxFailures < 0 {
			return fmt.Errorf("max_failures must be >= 0")
		}
		if t.MaxFailureRatio < 0 || t.MaxFailureRatio > 1 {
			return fmt.Errorf("max_failure_ratio must be within [0,1]")
		}
		if t.MaxFailures == 0 && t.MaxFailureRatio == 0 {
			return fmt.Errorf("lenient tolerance needs max_failures or max_failure_ratio")
		}
		return nil
	default:
		return fmt.Errorf("unknown tolerance mode %q", t.Mode)
	}
}

// Accept evaluates c. Skipped units count against the tolerance the same
// way failures do, except blocked ones: their root failure is already
// counted.
func (t Tolerance) Accept(c Counts) bool {
	bad := c.NotSucceeded() - c.Blocked + c.Pending + c.Running
	if bad == 0 {
		return true
	}
	if Mode(strings.ToLower(string(t.Mode))) != ModeLenient {
		return false
	}
	if t.MaxFailures > 0 && bad > t.MaxFailures {
		return false
	}
	if t.MaxFailureRatio > 0 && c.Total > 0 && float64(bad)/float64(c.Total) > t.MaxFailureRatio {
		return false
	}
	return t.MaxFailures > 0 || t.MaxFailureRatio > 0
}

func (t Tolerance) String() string {
	if Mode(strings.ToLower(string(t.Mode))) != ModeLenient {
		return string(ModeStrict)
	}
	return fmt.Sprintf("lenient(max_failures=%d, max_failure_ratio=%g)", t.MaxFailures, t.MaxFailureRatio)
}
