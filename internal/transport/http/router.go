// Package httptransport wires the REST API. Two auth planes share the router:
// the platform backend authenticates with a static token and manages threads
// and sessions; clients authenticate with a session token and read history.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"msgvault/internal/delivery"
	"msgvault/internal/message"
	"msgvault/internal/platform/metrics"
	"msgvault/internal/platform/middleware"
	"msgvault/internal/ratelimit"
	"msgvault/internal/session"
	"msgvault/pkg/platform/middleware/admin"
	"msgvault/pkg/platform/middleware/auth"
	"msgvault/pkg/platform/middleware/metadata"
	request "msgvault/pkg/platform/middleware/request"
	"msgvault/pkg/platform/middleware/requesttime"
)

const requestTimeout = 30 * time.Second

// Pinger reports backing-store health for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps carries everything the router needs. Stream is the WebSocket handler,
// mounted here so the whole API surface lives in one place.
type Deps struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Messages *message.Service
	Sessions *session.Service
	Limiter  *ratelimit.Service
	Hub      *delivery.Hub
	Stream   http.Handler

	PlatformToken string
	// Gatherer serves /metrics; nil falls back to the default registry.
	Gatherer prometheus.Gatherer
	// ReadyChecks are pinged by /readyz. Nil entries are skipped so callers
	// can pass stores that may not be configured.
	ReadyChecks map[string]Pinger
}

// sessionValidator adapts the session service to the auth middleware.
type sessionValidator struct {
	sessions *session.Service
}

func (v sessionValidator) ValidateToken(ctx context.Context, tokenString string) (*auth.SessionClaims, error) {
	sess, err := v.sessions.Validate(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	return &auth.SessionClaims{
		UserID:    sess.UserID,
		SessionID: sess.ID,
		TenantID:  sess.TenantID,
	}, nil
}

// NewRouter builds the chi router with the full middleware chain.
func NewRouter(deps Deps) http.Handler {
	h := &Handler{
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		messages: deps.Messages,
		sessions: deps.Sessions,
		limiter:  deps.Limiter,
		hub:      deps.Hub,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(request.ID)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.Latency(deps.Metrics))

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", handleReady(deps.ReadyChecks))

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if deps.Stream != nil {
		r.Method(http.MethodGet, "/v1/stream", deps.Stream)
	}

	// Platform plane: thread and session management.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Use(middleware.ContentTypeJSON)
		r.Use(admin.RequirePlatformToken(deps.PlatformToken, deps.Logger))

		r.Post("/v1/threads", h.handleCreateThread)
		r.Post("/v1/threads/{threadID}/archive", h.handleArchiveThread)
		r.Post("/v1/threads/{threadID}/rotate-key", h.handleRotateKey)
		r.Post("/v1/threads/{threadID}/messages", h.handleAppendMessage)
		r.Post("/v1/sessions", h.handleCreateSession)
		r.Delete("/v1/sessions/{sessionID}", h.handleRevokeSession)
	})

	// Session plane: history reads for clients resuming over REST.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Use(auth.RequireSession(sessionValidator{deps.Sessions}, deps.Logger))

		r.Get("/v1/threads/{threadID}/messages", h.handleHistory)
	})

	return r
}

// Handler holds the services the route handlers delegate to.
type Handler struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	messages *message.Service
	sessions *session.Service
	limiter  *ratelimit.Service
	hub      *delivery.Hub
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReady(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		for name, p := range checks {
			if p == nil {
				continue
			}
			if err := p.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(name + " unavailable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}
