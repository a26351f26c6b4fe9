// Package errors renders API errors. Envelopes are gofulmen ErrorEnvelopes;
// on the wire they are projected to:
//
//	{"error": {"code": "NOT_FOUND", "message": "...", "details": {...}, "request_id": "..."}}
package errors

import (
	"encoding/json"
	stderrors "errors"
	"maps"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/lakeflow/pkg/fault"
)

// Error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// HTTPError is the body of an error response. Details carries both the
// envelope's details and its validated context.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse wraps HTTPError under "error".
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// APIError is an error that knows its HTTP status and code.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *APIError) Unwrap() error { return e.Err }

func NewNotFound(message string) *APIError {
	return &APIError{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

func NewMethodNotAllowed(message string) *APIError {
	return &APIError{Status: http.StatusMethodNotAllowed, Code: CodeMethodNotAllowed, Message: message}
}

func NewServiceUnavailable(message string, details map[string]any) *APIError {
	return &APIError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: message, Details: details}
}

func NewBadRequest(message string, err error) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: message, Err: err}
}

// Status maps err onto an HTTP status. Pipeline faults are mapped by kind.
func Status(err error) int {
	var api *APIError
	if stderrors.As(err, &api) {
		return api.Status
	}
	switch fault.KindOf(err) {
	case fault.KindInvalidConfig:
		return http.StatusBadRequest
	case fault.KindSystemicConnectivity, fault.KindStoreIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Classify returns the status and envelope for err. Pipeline faults keep
// their kind as the code and carry their subject in the envelope context.
func Classify(err error) (int, *gferrors.ErrorEnvelope) {
	status := Status(err)

	var env *gferrors.ErrorEnvelope
	var api *APIError
	switch kind := fault.KindOf(err); {
	case stderrors.As(err, &api):
		env = gferrors.NewErrorEnvelope(api.Code, api.Error()).WithDetails(api.Details)
	case kind != "" && kind != fault.KindInternal:
		env = gferrors.NewErrorEnvelope(string(kind), err.Error())
		if fctx := faultContext(err); len(fctx) > 0 {
			env, _ = env.WithContext(fctx)
		}
	default:
		env = gferrors.NewErrorEnvelope(CodeInternal, err.Error())
	}

	severity := gferrors.SeverityLow
	if status >= http.StatusInternalServerError {
		severity = gferrors.SeverityHigh
	}
	env, _ = env.WithSeverity(severity)
	return status, env
}

// faultContext lists the scalar facts of a fault. Values are limited to
// what an envelope context accepts.
func faultContext(err error) map[string]any {
	out := make(map[string]any)
	var fe *fault.Error
	if stderrors.As(err, &fe) {
		if fe.Op != "" {
			out["op"] = fe.Op
		}
		if fe.Subject != "" {
			out["subject"] = fe.Subject
		}
	}
	var mm *fault.MissingMarkerError
	if stderrors.As(err, &mm) {
		out["missing"] = mm.Missing
	}
	var sys *fault.SystemicConnectivityError
	if stderrors.As(err, &sys) {
		out["failures"] = sys.Failures
		out["units"] = sys.Units
	}
	var drift *fault.SchemaDriftError
	if stderrors.As(err, &drift) {
		out["stream_id"] = drift.StreamID
	}
	var corrupt *fault.CheckpointCorruptionError
	if stderrors.As(err, &corrupt) {
		out["stream_id"] = corrupt.StreamID
	}
	return out
}

// RespondWithError writes err as an error envelope correlated to the
// request id.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, env := Classify(err)
	if r != nil {
		if id := r.Header.Get("X-Request-ID"); id != "" {
			env = env.WithCorrelationID(id)
		}
	}
	Write(w, status, env)
}

// Write renders env with status.
func Write(w http.ResponseWriter, status int, env *gferrors.ErrorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: Project(env)})
}

// Project flattens an envelope into the response body.
func Project(env *gferrors.ErrorEnvelope) HTTPError {
	body := HTTPError{
		Code:      env.Code,
		Message:   env.Message,
		Severity:  string(env.Severity),
		Timestamp: env.Timestamp,
		RequestID: env.CorrelationID,
	}
	if len(env.Details) > 0 || len(env.Context) > 0 {
		body.Details = make(map[string]any, len(env.Details)+len(env.Context))
		maps.Copy(body.Details, env.Details)
		maps.Copy(body.Details, env.Context)
	}
	return body
}
