package api

import (
	"net/http"

	"chunkedupload/internal/config"
	dlmiddleware "chunkedupload/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouteRegistrar mounts a family of endpoints onto a chi router,
// implemented by both FileHandler and ingest.Handler.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// NewRouter builds the HTTP router, wiring health, metrics, and both
// the whole-file and chunked upload endpoint families behind the
// configured auth gate.
func NewRouter(cfg *config.Config, fileHandler RouteRegistrar, ingestHandler RouteRegistrar) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(dlmiddleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(dlmiddleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
	r.Use(dlmiddleware.Metrics())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Handle("/metrics", promhttp.Handler())

	mount := func(reg func(r chi.Router)) {
		if !cfg.AuthEnabled {
			reg(r)
			return
		}

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(cfg))
			reg(r)
		})
	}

	if fileHandler != nil {
		mount(fileHandler.RegisterRoutes)
	}

	if ingestHandler != nil {
		mount(ingestHandler.RegisterRoutes)
	}

	return r
}

func authMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	if cfg.AuthMode == "supabase" {
		return dlmiddleware.SupabaseAuth(cfg.SupabaseProjectURL, cfg.SupabaseAnonKey, cfg.SupabaseJWTSecret)
	}
	return dlmiddleware.APIKeyAuth(cfg.APIKeys)
}
