/**
 * @description
 * HTTP router setup for the reward-service using go-chi/chi.
 */
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/transfa/reward-service/internal/metrics"
	"github.com/transfa/reward-service/pkg/ratelimit"
)

// RouterConfig carries the collaborators and settings the router needs.
type RouterConfig struct {
	OperatorJWKSURL string
	InternalAPIKey  string
	AllowedOrigins  []string
	ClaimLimiter    ratelimit.Limiter
	ClaimsPerMinute int
	Metrics         *metrics.Metrics
	Logger          *slog.Logger

	// TrustProxy keys the claim throttle on X-Forwarded-For / X-Real-IP. Only
	// enable it when every request arrives through a proxy that overwrites them.
	TrustProxy bool
}

// NewRouter creates a new Chi router and registers reward routes.
func NewRouter(h *RewardHandlers, cfg RouterConfig) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(PeerAddrMiddleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}

	r.Get("/health", h.HealthHandler)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/rewards", func(r chi.Router) {
		r.With(ClaimThrottleMiddleware(cfg.ClaimLimiter, cfg.ClaimsPerMinute, cfg.TrustProxy, cfg.Logger)).
			Post("/claims", h.ClaimRewardHandler)
		r.Get("/stats", h.StatsHandler)
	})

	r.Route("/admin/rewards", func(r chi.Router) {
		r.Use(OperatorAuthMiddleware(cfg.OperatorJWKSURL, cfg.InternalAPIKey))
		r.Get("/redemptions", h.OperatorRedemptionsHandler)
	})

	return r
}
