package http

import (
	"log/slog"
	"net/http"

	"github.com/devicelink/server/internal/auth"
	"github.com/devicelink/server/internal/http/handlers"
	"github.com/devicelink/server/internal/metrics"
	"github.com/devicelink/server/internal/middleware"
	"github.com/devicelink/server/internal/repo"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Limiters holds one rate limiter per public route. A nil limiter disables limiting.
type Limiters struct {
	Init     middleware.Limiter
	Poll     middleware.Limiter
	Complete middleware.Limiter
}

// Deps is everything the router needs
type Deps struct {
	Links    *auth.LinkService
	JWT      *auth.JWTService
	Store    repo.Store
	Limiters Limiters
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// AccessLog enables chi's request logger
	AccessLog bool
}

func limit(l middleware.Limiter, route string, m *metrics.Metrics) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.RateLimitMiddleware(l, route, middleware.GetIPKey, m)
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d Deps) *chi.Mux {
	linkHandler := handlers.NewLinkHandler(d.Links, d.Logger)
	meHandler := handlers.NewMeHandler(d.Links, d.Logger)
	healthHandler := handlers.NewHealthHandler(d.Store, d.Logger)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	if d.AccessLog {
		r.Use(chimw.Logger)
	}
	r.Use(chimw.Recoverer)
	r.Use(d.Metrics.Middleware)

	r.Get("/health", healthHandler.ServeHTTP)
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	r.Route("/api/device", func(r chi.Router) {
		r.With(limit(d.Limiters.Init, "link_init", d.Metrics)).
			Post("/link-init", linkHandler.HandleLinkInit)
		r.With(limit(d.Limiters.Poll, "status", d.Metrics)).
			Get("/status/{deviceLinkId}", linkHandler.HandleStatus)

		// Browser session routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.SessionAuth(d.JWT, d.Store.Users()))
			r.With(limit(d.Limiters.Complete, "link_complete", d.Metrics)).
				Post("/link-complete", linkHandler.HandleLinkComplete)
		})

		// Device token routes
		r.With(middleware.DeviceAuth(d.Links)).Get("/me", meHandler.HandleDeviceMe)
	})

	r.With(middleware.SessionAuth(d.JWT, d.Store.Users())).Get("/api/me", meHandler.HandleMe)

	return r
}
