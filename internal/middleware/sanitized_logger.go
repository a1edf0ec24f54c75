package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// SensitiveQueryParams are query parameters that should be redacted in logs
var SensitiveQueryParams = []string{"token", "password", "api_key", "secret", "registry_auth"}

// SanitizedLogger logs HTTP requests through the given logger with
// sensitive query params redacted.
func SanitizedLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	log := logger.With("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			t1 := time.Now()

			defer func() {
				log.Info("request",
					"request_id", middleware.GetReqID(r.Context()),
					"method", r.Method,
					"url", redactSensitiveParams(r.URL),
					"proto", r.Proto,
					"remote", r.RemoteAddr,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(t1),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// redactSensitiveParams returns a URL string with sensitive query parameters redacted
func redactSensitiveParams(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}

	query := u.Query()
	hasRedacted := false

	for _, param := range SensitiveQueryParams {
		if query.Has(param) {
			query.Set(param, "[REDACTED]")
			hasRedacted = true
		}
	}

	if !hasRedacted {
		return u.RequestURI()
	}

	return u.Path + "?" + query.Encode()
}
