// Package admin guards the server-to-server plane. The platform backend
// authenticates with a static shared token, not a session.
package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	request "msgvault/pkg/platform/middleware/request"
)

func RequirePlatformToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Platform-Token")
			// Use constant-time comparison to prevent timing attacks
			if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				ctx := r.Context()
				logger.WarnContext(ctx, "platform token mismatch",
					"request_id", request.GetRequestID(ctx),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"platform token required"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
