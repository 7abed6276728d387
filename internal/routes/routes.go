package routes

import (
	"log/slog"
	"net/http"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/handlers"
	"github.com/BradenHooton/bastion/internal/middleware"
	"github.com/BradenHooton/bastion/internal/models"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	adminHandler *handlers.AdminHandler,
	tokenManager *auth.TokenManager,
	gate middleware.GateChecker,
	ipConfig *pkghttp.IPConfig,
	logger *slog.Logger,
) {
	router.Route("/v1", func(r chi.Router) {
		r.Use(auth.AuthMiddleware(tokenManager))

		// Collaborator endpoints called by the authentication flow
		r.Route("/auth", func(r chi.Router) {
			r.Use(auth.RequireRole(models.RoleService, models.RoleAdmin))
			r.Use(middleware.RateLimitByCaller(middleware.DefaultCollaboratorRateLimit(ipConfig)))

			r.Post("/precheck", authHandler.Precheck)
			r.Post("/attempts", authHandler.RecordAttempt)
			r.Post("/success", authHandler.RecordSuccess)
		})

		// Operator endpoints
		r.Route("/security", func(r chi.Router) {
			r.Use(auth.RequireRole(models.RoleAdmin))
			r.Use(middleware.Gate(gate, middleware.GateConfig{
				IPConfig: ipConfig,
				Account:  tokenSubject,
			}, logger))

			r.Get("/dashboard", adminHandler.GetDashboard)
			r.Get("/events/verify", adminHandler.VerifyEventChain)

			r.Get("/ips", adminHandler.ListFlaggedIPs)
			r.Post("/ips", adminHandler.FlagIP)
			r.Get("/ips/{address}", adminHandler.GetIP)
			r.Delete("/ips/{address}", adminHandler.UnflagIP)

			r.Get("/lockouts/{identity}", adminHandler.GetLockout)
			r.Delete("/lockouts/{identity}", adminHandler.ResetLockout)

			r.Route("/accounts/{account}", func(r chi.Router) {
				r.Get("/lock", adminHandler.GetAccountLock)
				r.Post("/lock", adminHandler.LockAccount)
				r.Delete("/lock", adminHandler.UnlockAccount)
				r.Get("/sessions", adminHandler.ListSessions)
				r.Post("/sessions/logout", adminHandler.ForceLogout)
				r.Get("/sessions/hijacking", adminHandler.DetectHijacking)
				r.Post("/detect", adminHandler.RunDetectors)
				r.Get("/events", adminHandler.ListAccountEvents)
			})
		})
	})
}

func tokenSubject(r *http.Request) string {
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		return claims.Subject
	}
	return ""
}
