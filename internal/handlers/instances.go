package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/fitowlab/forgehub/httputils"
	"github.com/fitowlab/forgehub/registry"
	"github.com/fitowlab/forgehub/supervisor"
)

// InstanceHandlers exposes the supervisor's ensure/stop operations and
// registry reads to the request layer. All routes require the internal
// secret; the request layer fronts them with its own user auth.
type InstanceHandlers struct {
	secret    string
	sup       *supervisor.Supervisor
	instances *registry.InstanceStore
	genlog    *registry.GenerationLogStore
	logger    *slog.Logger
}

// NewInstanceHandlers creates the handler set.
func NewInstanceHandlers(secret string, sup *supervisor.Supervisor, instances *registry.InstanceStore, genlog *registry.GenerationLogStore, logger *slog.Logger) *InstanceHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &InstanceHandlers{
		secret:    secret,
		sup:       sup,
		instances: instances,
		genlog:    genlog,
		logger:    logger.With("component", "InstanceHandlers"),
	}
}

// Register attaches all instance routes to mux.
func (h *InstanceHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/internal/instances/ensure", h.withSecret(h.handleEnsure))
	mux.HandleFunc("/internal/instances/stop", h.withSecret(h.handleStop))
	mux.HandleFunc("/internal/instances/remove", h.withSecret(h.handleRemove))
	mux.HandleFunc("/internal/instances", h.withSecret(h.handleList))
	mux.HandleFunc("/internal/generations", h.withSecret(h.handleGenerations))
	mux.HandleFunc("/internal/activity", h.withSecret(h.handleActivity))
}

// withSecret rejects requests that do not carry the internal secret.
func (h *InstanceHandlers) withSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.secret == "" || r.Header.Get(platformSecretHeader) != h.secret {
			httputils.HandleAPIResponse(w, r, nil, fmt.Errorf("invalid secret"), http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// tenantRequest identifies the tenant an ensure/stop request targets.
type tenantRequest struct {
	UserID    int64 `json:"user_id"`
	ProjectID int64 `json:"project_id"`
}

func decodeTenant(r *http.Request) (registry.TenantKey, error) {
	var req tenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return registry.TenantKey{}, fmt.Errorf("invalid request body: %w", err)
	}
	if req.UserID <= 0 || req.ProjectID <= 0 {
		return registry.TenantKey{}, fmt.Errorf("user_id and project_id must be positive")
	}
	return registry.TenantKey{UserID: req.UserID, ProjectID: req.ProjectID}, nil
}

// ensureResponse is what the request layer shows the human user: the URL of
// their instance.
type ensureResponse struct {
	BaseURL       string `json:"base_url"`
	Port          int    `json:"port"`
	Status        string `json:"status"`
	LastHeartbeat int64  `json:"last_heartbeat,omitempty"`
}

func (h *InstanceHandlers) handleEnsure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, err := decodeTenant(r)
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, http.StatusBadRequest)
		return
	}

	inst, err := h.sup.Ensure(r.Context(), tenant)
	if err != nil {
		status := http.StatusInternalServerError
		var timeoutErr *supervisor.StartupTimeoutError
		if errors.Is(err, supervisor.ErrNoFreePort) {
			status = http.StatusServiceUnavailable
		} else if errors.As(err, &timeoutErr) {
			status = http.StatusGatewayTimeout
		}
		httputils.HandleAPIResponse(w, r, nil, err, status)
		return
	}

	httputils.HandleAPIResponse(w, r, ensureResponse{
		BaseURL:       inst.BaseURL,
		Port:          inst.Port,
		Status:        inst.Status,
		LastHeartbeat: inst.LastHeartbeat.Int64,
	}, nil, http.StatusOK)
}

func (h *InstanceHandlers) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, err := decodeTenant(r)
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, http.StatusBadRequest)
		return
	}
	if err := h.sup.Stop(r.Context(), tenant); err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, http.StatusInternalServerError)
		return
	}
	httputils.HandleAPIResponse(w, r, map[string]bool{"stopped": true}, nil, http.StatusOK)
}

func (h *InstanceHandlers) handleRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, err := decodeTenant(r)
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, http.StatusBadRequest)
		return
	}
	if err := h.sup.Remove(r.Context(), tenant); err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, http.StatusInternalServerError)
		return
	}
	httputils.HandleAPIResponse(w, r, map[string]bool{"removed": true}, nil, http.StatusOK)
}

func (h *InstanceHandlers) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	instances, err := h.instances.List()
	httputils.HandleAPIResponse(w, r, instances, err, http.StatusInternalServerError)
}

func (h *InstanceHandlers) handleGenerations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	if s := r.URL.Query().Get("project_id"); s != "" {
		projectID, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			httputils.HandleAPIResponse(w, r, nil, fmt.Errorf("invalid project_id: %w", err), http.StatusBadRequest)
			return
		}
		entries, err := h.genlog.ListByProject(projectID, limit)
		httputils.HandleAPIResponse(w, r, entries, err, http.StatusInternalServerError)
		return
	}
	entries, err := h.genlog.Recent(limit)
	httputils.HandleAPIResponse(w, r, entries, err, http.StatusInternalServerError)
}

func (h *InstanceHandlers) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	count := 100
	if s := r.URL.Query().Get("count"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			count = n
		}
	}
	httputils.HandleAPIResponse(w, r, h.sup.Activity().Latest(count), nil, http.StatusOK)
}
