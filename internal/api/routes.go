package api

import (
	"net/http"

	"applybox/internal/auth"
	"applybox/internal/metrics"
	"applybox/internal/ratelimit"
	"applybox/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Dependencies struct {
	Campaigns   *service.CampaignService
	Submissions *service.SubmissionService
	Admin       *auth.AdminAuth
	IPLimiter   *ratelimit.IPLimiter
	Metrics     *metrics.Metrics
	Log         *zap.Logger
}

func Routes(d Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestLogger(d.Log, d.Metrics))

	// Public endpoints
	r.Group(func(r chi.Router) {
		if d.IPLimiter != nil {
			r.Use(d.IPLimiter.Middleware)
		}
		r.Post("/verify", d.verify)
		r.Post("/submit", d.submit)
		r.Get("/campaigns/{id}", d.getCampaign)
	})

	// Admin endpoints
	r.Route("/admin", func(r chi.Router) {
		r.Use(d.Admin.Middleware)
		r.Post("/campaigns", d.createCampaign)
		r.Get("/campaigns/{id}", d.getCampaignAdmin)
		r.Post("/campaigns/{id}/transition", d.transitionCampaign)
	})

	return r
}
