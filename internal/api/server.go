package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/claimharvest/internal/config"
	"github.com/shehryarbajwa/claimharvest/internal/proxy"
	"github.com/shehryarbajwa/claimharvest/internal/ratelimit"
)

// RouteOptions select the optional middleware
type RouteOptions struct {
	// JWTSecret turns on bearer auth for /v1 when set.
	JWTSecret string
	Limiter   *ratelimit.Limiter
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(viewer *proxy.Server, opts RouteOptions) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger, corsMiddleware)

	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	if opts.JWTSecret != "" {
		api.Use(AuthMiddleware([]byte(opts.JWTSecret)))
	}

	// Triggers start a browser, so they are the rate limited surface.
	var create http.Handler = http.HandlerFunc(h.CreateJob)
	if opts.Limiter != nil {
		create = RateLimitMiddleware(opts.Limiter)(create)
	}
	api.Handle("/jobs", create).Methods(http.MethodPost, http.MethodOptions)

	api.HandleFunc("/jobs", h.ListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", h.GetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/report", h.GetJobReport).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/completeness", h.GetJobCompleteness).Methods(http.MethodGet)

	api.HandleFunc("/sessions", h.ListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", h.DeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/screenshot", h.GetSessionScreenshot).Methods(http.MethodGet)
	if viewer != nil {
		api.HandleFunc("/sessions/{id}/viewer", func(w http.ResponseWriter, r *http.Request) {
			viewer.HandleViewer(w, r, mux.Vars(r)["id"])
		}).Methods(http.MethodGet)
	}

	return r
}

// NewServer wraps the router in an http.Server with the configured timeouts
func NewServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
