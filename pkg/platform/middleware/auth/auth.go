// Package auth provides session-token middleware for the realtime API plane.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	id "msgvault/pkg/domain"
	request "msgvault/pkg/platform/middleware/request"
	"msgvault/pkg/requestcontext"
)

// SessionClaims represents the identity carried by a validated session token.
type SessionClaims struct {
	UserID    id.UserID
	SessionID id.SessionID
	TenantID  id.TenantID
}

// SessionValidator defines the interface for validating session tokens.
// Validation includes the revocation denylist, so a revoked token fails here
// rather than in each handler.
type SessionValidator interface {
	ValidateToken(ctx context.Context, tokenString string) (*SessionClaims, error)
}

// writeJSONError writes a JSON error response with the given status code and error details.
func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}

// RequireSession authenticates the request with a bearer session token and
// stores the session identity in the request context.
func RequireSession(validator SessionValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			const bearerPrefix = "Bearer "
			token, ok := strings.CutPrefix(authHeader, bearerPrefix)
			if !ok {
				ctx := r.Context()
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", request.GetRequestID(ctx),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header")
				return
			}

			ctx := r.Context()
			claims, err := validator.ValidateToken(ctx, token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", request.GetRequestID(ctx),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}

			ctx = requestcontext.WithUserID(ctx, claims.UserID)
			ctx = requestcontext.WithSessionID(ctx, claims.SessionID)
			ctx = requestcontext.WithTenantID(ctx, claims.TenantID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
