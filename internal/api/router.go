package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/promptlab/gatekeeper/internal/database"
	mw "github.com/promptlab/gatekeeper/internal/middleware"
	inats "github.com/promptlab/gatekeeper/internal/nats"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Admission
	Check         http.HandlerFunc
	Record        http.HandlerFunc
	RecordRequest http.HandlerFunc

	// Caller usage
	UsageStats   http.HandlerFunc
	QuotaStatus  http.HandlerFunc
	UsageHistory http.HandlerFunc

	// Administration
	ListQuotas      http.HandlerFunc
	SetUserQuota    http.HandlerFunc
	SetTeamQuota    http.HandlerFunc
	DeleteQuota     http.HandlerFunc
	UserQuotaStatus http.HandlerFunc
	UsageSummary    http.HandlerFunc
	ListViolations  http.HandlerFunc

	// Auth middleware
	AuthMiddleware  func(http.Handler) http.Handler
	AdminMiddleware func(http.Handler) http.Handler
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	// TrustedProxies may set the client address via forwarding headers.
	// Nil trusts every peer.
	TrustedProxies *mw.TrustedProxies
	// EdgeLimiter runs before routing for every request. Nil disables it.
	EdgeLimiter func(http.Handler) http.Handler
	// Store is the ledger database checked by the readiness probe.
	Store database.Pinger
	// Redis is checked when the rate limiter uses it. May be nil.
	Redis database.Pinger
}

func NewRouter(natsClient *inats.Client, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.RealIP(cfg.TrustedProxies))
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))
	if cfg.EdgeLimiter != nil {
		r.Use(cfg.EdgeLimiter)
	}

	// Liveness probe: always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	// Readiness probe: checks the store, Redis and NATS
	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status":   "healthy",
			"database": "healthy",
			"redis":    "healthy",
			"nats":     "healthy",
		}

		status := http.StatusOK
		degrade := func(component, state string) {
			health[component] = state
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if err := check(r.Context(), cfg.Store); err != nil {
			degrade("database", "unhealthy")
		}

		if cfg.Redis == nil {
			health["redis"] = "not configured"
		} else if err := check(r.Context(), cfg.Redis); err != nil {
			degrade("redis", "unhealthy")
		}

		if natsClient != nil && !natsClient.Healthy() {
			degrade("nats", "unhealthy")
		} else if natsClient == nil {
			health["nats"] = "not configured"
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Route("/admission", func(r chi.Router) {
			r.Post("/check", h.Check)
			r.Post("/record", h.Record)
			r.Post("/record-request", h.RecordRequest)
		})

		r.Get("/ratelimit/usage", h.UsageStats)

		r.Route("/quota", func(r chi.Router) {
			r.Get("/status", h.QuotaStatus)
			r.Get("/usage/history", h.UsageHistory)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.AdminMiddleware)

			r.Route("/quotas", func(r chi.Router) {
				r.Get("/", h.ListQuotas)
				r.Put("/users/{userID}", h.SetUserQuota)
				r.Put("/teams/{teamID}", h.SetTeamQuota)
				r.Delete("/{quotaID}", h.DeleteQuota)
			})
			r.Get("/users/{userID}/quota-status", h.UserQuotaStatus)
			r.Get("/usage", h.UsageSummary)
			r.Get("/violations", h.ListViolations)
		})
	})

	return r
}

func check(ctx context.Context, p database.Pinger) error {
	if p == nil {
		return nil
	}
	return database.HealthCheck(ctx, p)
}
