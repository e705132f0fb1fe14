package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pbxvault/pbxvault/internal/repository"
)

type TenantHandler struct {
	tenantRepo repository.TenantRepository
	logger     zerolog.Logger
}

func NewTenantHandler(tenantRepo repository.TenantRepository, logger zerolog.Logger) *TenantHandler {
	return &TenantHandler{tenantRepo: tenantRepo, logger: logger}
}

// List returns all configured tenants. Credentials never leave the server;
// the model's encrypted fields are excluded from its JSON form.
func (h *TenantHandler) List(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.tenantRepo.List()
	if err != nil {
		h.logger.Error().Err(err).Msg("listing tenants")
		http.Error(w, "Failed to list tenants", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tenants)
}

// TriggerSync marks the tenant for a full resync. The scheduler observes the
// marker on its next pass, so the request returns before any work starts.
func (h *TenantHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]

	if err := h.tenantRepo.RequestSync(tenantID, time.Now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "Tenant not found", http.StatusNotFound)
			return
		}
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("requesting sync")
		http.Error(w, "Failed to request sync", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "scheduled", "tenant_id": tenantID})
}
