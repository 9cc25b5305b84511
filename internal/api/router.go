package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/imthatdev/swush/internal/api/middleware"
	"github.com/imthatdev/swush/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Log       *slog.Logger
	Auth      *mw.TriggerAuth
	RateLimit *mw.RateLimit

	HealthHandler    http.HandlerFunc
	TriggerHandler   http.HandlerFunc
	ListJobsHandler  http.HandlerFunc
	JobStatusHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.NewRequestLogger(deps.Log).Handler)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Operator routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs/{kind}/trigger", orNotImplemented(deps.TriggerHandler))
		r.Get("/api/v1/jobs/{kind}", orNotImplemented(deps.ListJobsHandler))
		r.Get("/api/v1/jobs/{kind}/{id}", orNotImplemented(deps.JobStatusHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
