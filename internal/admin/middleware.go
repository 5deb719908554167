package admin

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// requestEvent starts a log event at a level chosen from status and tags it
// with the request's identity. Both middlewares log through it so a panic and
// its access line share the same request_id.
func requestEvent(logger zerolog.Logger, r *http.Request, status int) *zerolog.Event {
	var event *zerolog.Event
	switch {
	case status >= http.StatusInternalServerError:
		event = logger.Error()
	case status >= http.StatusBadRequest:
		event = logger.Warn()
	default:
		event = logger.Info()
	}
	return event.
		Str("request_id", chimiddleware.GetReqID(r.Context())).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("remote_addr", r.RemoteAddr)
}

// LoggingMiddleware logs every request once it has been served.
func LoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			// a handler that never calls WriteHeader answers 200
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			requestEvent(logger, r, status).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Msg("http_request")
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500 response.
func RecoveryMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				requestEvent(logger, r, http.StatusInternalServerError).
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("panic_recovered")

				writeError(w, http.StatusInternalServerError, ErrCodeInternal,
					fmt.Sprintf("internal server error: %v", rec))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
