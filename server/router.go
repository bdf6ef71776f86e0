package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all relay endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if origins := a.Config.InferCORSOrigins(); len(origins) > 0 {
		r.Use(CORSMiddleware(origins))
	}
	r.Use(SecurityHeadersMiddleware(DefaultHSTSMaxAge))

	r.Get("/healthz", a.handleHealth)

	r.Get("/login", a.handleLogin)
	r.Get("/callback", a.handleCallback)

	if a.Config.Server.DevMode {
		r.Get("/dev", a.handleDevConsole)
		r.Post("/dev/delegations/{id}/revoke", a.handleDevRevoke)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/exchange", a.handleExchange)
		r.Post("/auth/refresh", a.handleRefresh)
		r.Post("/auth/delegate", a.handleDelegate)
		r.Get("/auth/userinfo", a.handleUserInfo)
		r.Get("/auth/session", a.handleSession)
		r.Post("/auth/logout", a.handleLogout)

		r.Get("/delegations", a.handleListDelegations)
		r.Post("/delegations/{id}/revoke", a.handleRevokeDelegation)
	})

	return r
}
