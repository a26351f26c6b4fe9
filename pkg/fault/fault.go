// Package fault classifies pipeline failures.
//
// Every error that reaches a WorkUnitResult or the run report is mapped onto a
// Kind. Kinds decide two things: whether a retry can help, and whether the
// failure stays local to one unit or halts the whole run.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/3leaps/lakeflow/pkg/provider"
)

// Kind is the stable, machine-readable failure category.
type Kind string

const (
	KindMissingMarker        Kind = "MISSING_MARKER"
	KindStoreIO              Kind = "STORE_IO"
	KindSchemaDrift          Kind = "SCHEMA_DRIFT"
	KindCheckpointCorruption Kind = "CHECKPOINT_CORRUPTION"
	KindCheckpointConflict   Kind = "CHECKPOINT_CONFLICT"
	KindTransform            Kind = "TRANSFORM"
	KindSystemicConnectivity Kind = "SYSTEMIC_CONNECTIVITY"
	KindCanceled             Kind = "CANCELED"
	KindInvalidConfig        Kind = "INVALID_CONFIG"
	KindInternal             Kind = "INTERNAL"
)

// Fatal reports whether a failure of this kind halts the run.
func (k Kind) Fatal() bool {
	return k == KindMissingMarker || k == KindSystemicConnectivity || k == KindInvalidConfig
}

// Error is a classified error with operation context.
type Error struct {
	Kind    Kind
	Op      string
	Subject string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Subject != "" {
		b.WriteString(" ")
		b.WriteString(e.Subject)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind. A nil err yields nil.
func New(kind Kind, op, subject string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// StoreIO wraps an object store failure.
func StoreIO(op, key string, err error) error { return New(KindStoreIO, op, key, err) }

// Transform wraps a transform routine failure.
func Transform(taskID string, err error) error { return New(KindTransform, "apply", taskID, err) }

// MissingMarkerError lists every absent seed marker.
type MissingMarkerError struct {
	Missing []string
}

func (e *MissingMarkerError) Error() string {
	return fmt.Sprintf("missing %d seed marker(s): %s", len(e.Missing), strings.Join(e.Missing, ", "))
}

// NewMissingMarkerError sorts and de-duplicates the missing marker list.
func NewMissingMarkerError(missing []string) *MissingMarkerError {
	seen := make(map[string]struct{}, len(missing))
	out := make([]string, 0, len(missing))
	for _, m := range missing {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return &MissingMarkerError{Missing: out}
}

// Conflict is one column whose type changed incompatibly.
type Conflict struct {
	Column   string `json:"column"`
	Recorded string `json:"recorded"`
	Observed string `json:"observed"`
	File     string `json:"file,omitempty"`
}

// SchemaDriftError reports incompatible column types for one stream.
type SchemaDriftError struct {
	StreamID  string
	Conflicts []Conflict
}

func (e *SchemaDriftError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		p := fmt.Sprintf("%s: %s -> %s", c.Column, c.Recorded, c.Observed)
		if c.File != "" {
			p += " (" + c.File + ")"
		}
		parts = append(parts, p)
	}
	return fmt.Sprintf("schema drift in stream %s: %s", e.StreamID, strings.Join(parts, "; "))
}

// CheckpointCorruptionError means a stored checkpoint exists but cannot be
// decoded or is internally inconsistent.
type CheckpointCorruptionError struct {
	StreamID string
	Err      error
}

func (e *CheckpointCorruptionError) Error() string {
	return fmt.Sprintf("checkpoint for stream %s is corrupt: %v", e.StreamID, e.Err)
}

func (e *CheckpointCorruptionError) Unwrap() error { return e.Err }

// SystemicConnectivityError means connectivity failures recurred across many
// units within a short window.
type SystemicConnectivityError struct {
	Failures int
	Units    []string
	Last     error
}

func (e *SystemicConnectivityError) Error() string {
	return fmt.Sprintf("systemic store connectivity failure: %d unit(s) failed (%s); last error: %v",
		e.Failures, strings.Join(e.Units, ", "), e.Last)
}

func (e *SystemicConnectivityError) Unwrap() error { return e.Last }

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		mm  *MissingMarkerError
		sd  *SchemaDriftError
		cc  *CheckpointCorruptionError
		sys *SystemicConnectivityError
		fe  *Error
		pe  *provider.ProviderError
	)
	switch {
	case errors.As(err, &mm):
		return KindMissingMarker
	case errors.As(err, &sd):
		return KindSchemaDrift
	case errors.As(err, &cc):
		return KindCheckpointCorruption
	case errors.As(err, &sys):
		return KindSystemicConnectivity
	case errors.As(err, &fe):
		return fe.Kind
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.As(err, &pe):
		return KindStoreIO
	case IsConnectivity(err):
		return KindStoreIO
	}
	return KindInternal
}

// Retryable reports whether another attempt might succeed.
//
// Store I/O and transform failures are retryable, except precondition and
// not-found answers which are deterministic. Drift, corruption, markers and
// cancellation never are.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perm *permanent
	if errors.As(err, &perm) {
		return false
	}
	switch KindOf(err) {
	case KindStoreIO:
		if provider.IsNotFound(err) || provider.IsPreconditionFailed(err) ||
			provider.IsAccessDenied(err) || provider.IsInvalidCredentials(err) ||
			provider.IsBucketNotFound(err) {
			return false
		}
		return true
	case KindTransform, KindCheckpointConflict:
		return true
	}
	return false
}

// IsConnectivity reports whether err indicates the store itself is
// unreachable or refusing work, as opposed to a problem with one object.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if provider.IsConnectivity(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying, whatever its kind.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// Code renders the kind for WorkUnitResult error codes.
func Code(err error) string {
	return string(KindOf(err))
}
