package controlapi

import (
	"github.com/go-chi/chi/v5"

	"github.com/edgerun/platform/internal/middleware"
)

// Routes returns a chi router mounting the worker-api surface behind the
// scoped worker bearer token.
func (h *Handler) Routes(workerToken string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.WorkerAuth(workerToken))

	r.Post("/alive", h.Alive)
	r.Get("/deploys", h.Deploys)

	return r
}

// IntentRoutes returns a chi router mounting the deploy-intent submission
// surface (intent.go) behind its own scoped bearer token, independent of
// the worker-api token. When h.Limiter is set, every route on this router
// (submission and the lifecycle routes) is additionally throttled per client
// IP (internal/middleware.RateLimit), sharing one counter per IP.
func (h *Handler) IntentRoutes(adminToken string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.BearerAuth(adminToken))
	if h.Limiter != nil {
		r.Use(middleware.RateLimit(h.Limiter, h.LimiterConfig))
	}

	r.Post("/deployments", h.CreateDeployment)
	r.Post("/deployments/{id}/disable", h.DisableDeployment)
	r.Post("/deployments/{id}/enable", h.EnableDeployment)
	r.Delete("/deployments/{id}", h.DeleteDeployment)

	return r
}
