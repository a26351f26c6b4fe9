package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/lakeflow/internal/errors"
	"github.com/3leaps/lakeflow/internal/observability"
)

// ErrorResponse is the envelope written for recovered panics.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery turns a handler panic into a 500 INTERNAL_ERROR envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			observability.CLILogger.Error("handler panic",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.ByteString("stack", debug.Stack()))

			env := gferrors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec)).
				WithCorrelationID(GetRequestID(r.Context())).
				WithPath(r.URL.Path)
			env, _ = env.WithSeverity(gferrors.SeverityCritical)
			writeErrorResponse(w, env, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias of Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	apperrors.Write(w, status, env)
}
