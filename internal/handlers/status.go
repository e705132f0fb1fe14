package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/pbxvault/pbxvault/internal/breaker"
	"github.com/pbxvault/pbxvault/internal/models"
	"github.com/pbxvault/pbxvault/internal/repository"
)

// TenantStatus is the dashboard view of one tenant: its configuration
// summary, the circuit state and every entity checkpoint.
type TenantStatus struct {
	TenantID    string              `json:"tenant_id"`
	Name        string              `json:"name"`
	Enabled     bool                `json:"enabled"`
	Circuit     breaker.Snapshot    `json:"circuit"`
	Checkpoints []models.Checkpoint `json:"checkpoints"`
}

type StatusHandler struct {
	tenantRepo     repository.TenantRepository
	checkpointRepo repository.CheckpointRepository
	breaker        *breaker.Registry
	logger         zerolog.Logger
}

func NewStatusHandler(tenantRepo repository.TenantRepository, checkpointRepo repository.CheckpointRepository, reg *breaker.Registry, logger zerolog.Logger) *StatusHandler {
	return &StatusHandler{
		tenantRepo:     tenantRepo,
		checkpointRepo: checkpointRepo,
		breaker:        reg,
		logger:         logger,
	}
}

// Overview returns the status of every tenant.
func (h *StatusHandler) Overview(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.tenantRepo.List()
	if err != nil {
		h.logger.Error().Err(err).Msg("listing tenants")
		http.Error(w, "Failed to list tenants", http.StatusInternalServerError)
		return
	}

	statuses := make([]TenantStatus, 0, len(tenants))
	for _, t := range tenants {
		status, err := h.buildStatus(&t)
		if err != nil {
			h.logger.Error().Err(err).Str("tenant_id", t.ID).Msg("building tenant status")
			http.Error(w, "Failed to build status", http.StatusInternalServerError)
			return
		}
		statuses = append(statuses, status)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statuses)
}

// TenantDetail returns one tenant's status.
func (h *StatusHandler) TenantDetail(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]

	tenant, err := h.tenantRepo.Get(tenantID)
	if err != nil {
		http.Error(w, "Tenant not found", http.StatusNotFound)
		return
	}

	status, err := h.buildStatus(&tenant)
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("building tenant status")
		http.Error(w, "Failed to build status", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (h *StatusHandler) buildStatus(t *models.Tenant) (TenantStatus, error) {
	checkpoints, err := h.checkpointRepo.ListForTenant(t.ID)
	if err != nil {
		return TenantStatus{}, err
	}
	if checkpoints == nil {
		checkpoints = []models.Checkpoint{}
	}
	return TenantStatus{
		TenantID:    t.ID,
		Name:        t.Name,
		Enabled:     t.Enabled,
		Circuit:     h.breaker.GetState(t.ID),
		Checkpoints: checkpoints,
	}, nil
}
