package authflow

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"authbridge/pkg/middleware"
)

// Handler builds the HTTP handler with routes and middleware.
func (a *App) Handler(cors func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(a.log))
	r.Use(middleware.Tracing(a.cfg))
	if cors != nil {
		r.Use(cors)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(ar chi.Router) {
		ar.Get("/state", a.getState)
		ar.Get("/tenant", a.getTenant)
		ar.Get("/callback", a.getCallback)
		ar.Post("/logout", a.postLogout)
		ar.Get("/login", a.getLogin)
		ar.Get("/registration", a.getRegistration)
		ar.Post("/consent", a.postConsent)
	})

	return r
}
