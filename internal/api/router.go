package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/vnmchuo/agent-ledger/pkg/ratelimit"
)

// NewRouter mounts the public and the API-key protected routes. metrics may
// be nil to leave /metrics unmounted.
func NewRouter(h *Handler, authMiddleware func(http.Handler) http.Handler, limiter *ratelimit.Limiter, metrics http.Handler, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", h.HandleHealth)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	r.Get("/v1/tools", h.HandleTools)
	r.Post("/v1/purchases/webhook", h.HandlePurchaseWebhook)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Use(RateLimit(limiter, logger))
		r.Get("/v1/usage/aggregates", h.HandleUsageAggregates)
		r.Get("/v1/purchases/aggregates", h.HandlePurchaseAggregates)
		r.Post("/v1/usage", h.HandleIngestUsage)
	})

	return otelhttp.NewHandler(r, "agent-ledger")
}
