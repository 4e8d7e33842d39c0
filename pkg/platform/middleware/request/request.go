// Package request provides request ID middleware. Every request carries a
// correlation ID, honored from X-Request-ID when the caller supplies one.
package request

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"msgvault/pkg/requestcontext"
)

const headerRequestID = "X-Request-ID"

// ID assigns a request ID, stores it in the context and echoes it back on
// the response so clients can quote it in support requests.
func ID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := requestcontext.WithRequestID(r.Context(), requestID)
		w.Header().Set(headerRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	return requestcontext.RequestID(ctx)
}
