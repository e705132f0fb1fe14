package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pbxvault/pbxvault/internal/authz"
	"github.com/pbxvault/pbxvault/internal/handlers"
	"github.com/pbxvault/pbxvault/internal/models"
)

// NewRouter sets up the API routes
func NewRouter(auth *handlers.AuthHandler, status *handlers.StatusHandler, tenant *handlers.TenantHandler) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	// Public auth endpoints
	router.HandleFunc("/api/signup", auth.SignUp).Methods(http.MethodPost)
	router.HandleFunc("/api/login", auth.Login).Methods(http.MethodPost)

	// Everything below requires a valid token.
	api := router.PathPrefix("/api").Subrouter()
	api.Use(auth.JWTMiddleware)

	api.Handle("/status",
		authz.RequireRoleHandler(models.RoleViewer, http.HandlerFunc(status.Overview))).
		Methods(http.MethodGet)
	api.Handle("/tenants",
		authz.RequireRoleHandler(models.RoleViewer, http.HandlerFunc(tenant.List))).
		Methods(http.MethodGet)
	api.Handle("/tenants/{tenantID}/status",
		authz.RequireRoleHandler(models.RoleViewer, http.HandlerFunc(status.TenantDetail))).
		Methods(http.MethodGet)

	// Manual resync touches tenant infrastructure: operators and up.
	api.Handle("/tenants/{tenantID}/sync",
		authz.RequireRoleHandler(models.RoleOperator, http.HandlerFunc(tenant.TriggerSync))).
		Methods(http.MethodPost)

	return router
}
