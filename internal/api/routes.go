package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter builds the full HTTP surface: middleware stack, CORS, the
// unauthenticated health/auth routes, and the bearer-token-protected
// sender/email routes.
func NewRouter(h *Handlers, frontendOrigin string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Server-Identity", "emailsched-server")
			next.ServeHTTP(w, req)
		})
	})

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{frontendOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health.HandleHealth)
	r.Get("/health/live", h.Health.HandleLiveness)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/google", h.HandleLogin)
		r.Get("/google/callback", h.HandleCallback)
		r.Post("/logout", h.HandleLogout)
		r.With(RequireAuth(h.Tokens)).Get("/me", h.HandleMe)
	})

	r.Route("/senders", func(r chi.Router) {
		r.Use(RequireAuth(h.Tokens))
		r.Get("/", h.HandleListSenders)
		r.Post("/", h.HandleCreateSender)
		r.Get("/{id}", h.HandleGetSender)
		r.Put("/{id}", h.HandleUpdateSender)
		r.Delete("/{id}", h.HandleDeleteSender)
	})

	r.Route("/emails", func(r chi.Router) {
		r.Use(RequireAuth(h.Tokens))
		r.Post("/schedule", h.HandleScheduleEmails)
		r.Get("/scheduled", h.HandleListScheduled)
		r.Get("/sent", h.HandleListSent)
		r.Get("/stats", h.HandleStats)
		r.Get("/{id}", h.HandleGetMessage)
		r.Delete("/{id}", h.HandleCancelMessage)
	})

	return r
}
