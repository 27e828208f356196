package handlers

import (
	"net/http"

	"clientdesk/internal/apperr"
	"clientdesk/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes builds the HTTP handler for the whole API.
func (h *Handlers) Routes() http.Handler {
	mux := chi.NewRouter()

	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, r, apperr.NotFound("Not found"))
	})
	mux.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, r, http.StatusMethodNotAllowed, messageResponse{Message: "Method not allowed"})
	})

	mux.Use(h.RequestID)
	mux.Use(h.AccessLog)
	mux.Use(h.Recover)
	mux.Use(metrics.InstrumentHandler)
	mux.Use(h.SecurityHeaders)
	mux.Use(h.CORS)
	mux.Use(middleware.StripSlashes)

	mux.Get("/health", h.Health)
	mux.Method(http.MethodGet, "/metrics", metrics.Handler())
	mux.Get("/photos/{name}", h.ServePhoto)

	mux.Route("/api/user", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.limiter.Middleware(h.writeError))
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)
			r.Get("/check-user", h.CheckUser)
			r.Post("/logout", h.Logout)
		})
	})

	mux.Route("/api/client", func(r chi.Router) {
		r.Use(h.AuthMiddleware)
		r.Get("/clients", h.ListClients)
		r.Get("/generate-iban", h.GenerateIBAN)
		r.Post("/create-client", h.CreateClient)
		r.Get("/{id}", h.GetClient)
		r.Put("/{id}/balance", h.AdjustBalance)
		r.Delete("/{id}", h.DeleteClient)
	})

	h.log.Debugw("routes configured", "routes", routePatterns(mux.Routes()))

	return mux
}

func routePatterns(routes []chi.Route) []string {
	patterns := make([]string, 0, len(routes))
	for _, route := range routes {
		patterns = append(patterns, route.Pattern)
	}
	return patterns
}
