package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dockhand/engine/internal/api/handlers"
	mw "github.com/dockhand/engine/internal/api/middleware"
	"github.com/dockhand/engine/pkg/logger"
)

type Dependencies struct {
	// JWTSecret guards the operator API. Empty leaves it open.
	JWTSecret []byte
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool
	HooksHandler      *handlers.HooksHandler
	RunsHandler       *handlers.RunsHandler
	TargetsHandler    *handlers.TargetsHandler
	HealthHandler     *handlers.HealthHandler
	Metrics           http.Handler
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	if dep.TrustProxyHeaders {
		r.Use(chimid.RealIP)
	}
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.RateLimit(10, 20))
	r.Use(chimid.Compress(5))

	r.Get("/healthz", dep.HealthHandler.Liveness)
	r.Get("/readyz", dep.HealthHandler.Readiness)
	if dep.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", dep.Metrics)
	}

	// Webhooks authenticate by HMAC signature.
	r.Post("/hooks/{target}", dep.HooksHandler.Push)

	r.Route("/api/v1", func(api chi.Router) {
		if len(dep.JWTSecret) > 0 {
			api.Use(mw.Auth(dep.JWTSecret))
		} else {
			logger.L().Warn("JWT_SECRET not set, operator API is unauthenticated", zap.String("prefix", "/api/v1"))
		}

		api.Route("/runs", func(rr chi.Router) {
			rr.Get("/", dep.RunsHandler.List)
			rr.Get("/{id}", dep.RunsHandler.Get)
			rr.Post("/{id}/cancel", dep.RunsHandler.Cancel)
		})

		api.Route("/targets", func(tr chi.Router) {
			tr.Get("/", dep.TargetsHandler.List)
			tr.Get("/{name}", dep.TargetsHandler.Get)
			tr.Post("/{name}/clear-intervention", dep.TargetsHandler.ClearIntervention)
		})
	})

	return r
}
