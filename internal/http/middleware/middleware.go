package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"wafilter/internal/http/dto"
	pkglogger "wafilter/pkg/logger"
)

// RecoveryMiddleware converts handler panics into 500 responses
func RecoveryMiddleware(log pkglogger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.ErrorWithFields("request handler panicked", pkglogger.Fields{
						"method": r.Method,
						"path":   r.URL.Path,
						"panic":  rec,
					})
					dto.WriteJSON(w, http.StatusInternalServerError,
						dto.NewErrorResponse("internal server error", "INTERNAL_ERROR", ""))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestIDMiddleware assigns every request an ID, honoring an inbound one
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", requestID)

			ctx := context.WithValue(r.Context(), pkglogger.ContextKeyRequestID, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(log pkglogger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapper := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapper, r)

			duration := time.Since(start)

			fields := pkglogger.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status_code": wrapper.statusCode,
				"duration_ms": duration.Milliseconds(),
				"remote_addr": r.RemoteAddr,
			}
			if requestID := w.Header().Get("X-Request-ID"); requestID != "" {
				fields["request_id"] = requestID
			}

			switch {
			case wrapper.statusCode >= 500:
				log.ErrorWithFields("HTTP request completed with server error", fields)
			case wrapper.statusCode >= 400:
				log.WarnWithFields("HTTP request completed with client error", fields)
			default:
				log.InfoWithFields("HTTP request completed", fields)
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
