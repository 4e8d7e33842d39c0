package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// SetHeaders writes the standard X-RateLimit response headers. Remaining of
// -1 means the check failed open and the count is unknown; headers are
// skipped rather than lied about.
func SetHeaders(w http.ResponseWriter, result Result) {
	if result.Remaining < 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// WriteExceeded writes the 429 response for a denied check.
func WriteExceeded(w http.ResponseWriter, result Result) {
	SetHeaders(w, result)
	retryAfter := int(time.Until(result.ResetAt).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "too_many_requests",
		"message": "rate limit exceeded",
	})
}
