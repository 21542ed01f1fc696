// Package handlers implements the hub's internal HTTP surface: the worker
// callback endpoint and the request-layer entry points for ensure/stop and
// reporting reads.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fitowlab/forgehub/access"
	"github.com/fitowlab/forgehub/httputils"
	"github.com/fitowlab/forgehub/registry"
)

const platformSecretHeader = "X-Platform-Secret"

// CallbackHandler accepts completion reports pushed by worker instances.
// Requests must carry the shared platform secret or a valid per-instance
// callback token; anything else is rejected before touching the log.
type CallbackHandler struct {
	secret    string
	instances *registry.InstanceStore
	genlog    *registry.GenerationLogStore
	logger    *slog.Logger
}

// NewCallbackHandler creates a CallbackHandler. An empty secret disables the
// endpoint entirely.
func NewCallbackHandler(secret string, instances *registry.InstanceStore, genlog *registry.GenerationLogStore, logger *slog.Logger) *CallbackHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackHandler{
		secret:    secret,
		instances: instances,
		genlog:    genlog,
		logger:    logger.With("component", "CallbackHandler"),
	}
}

// callbackRequest is the body of a worker completion report.
type callbackRequest struct {
	ProjectID    int64           `json:"project_id"`
	PromptID     string          `json:"prompt_id"`
	Status       string          `json:"status"`
	ConcurrentID *int64          `json:"concurrent_id"`
	Details      json.RawMessage `json:"details"`
	Timestamp    *time.Time      `json:"timestamp"`
}

type callbackResponse struct {
	Created   bool   `json:"created"`
	ProjectID int64  `json:"project_id"`
	UserID    int64  `json:"user_id"`
	Status    string `json:"status"`
	PromptID  string `json:"prompt_id,omitempty"`
}

// authorized checks the shared secret header, falling back to a bearer
// callback token scoped to the reported project.
func (h *CallbackHandler) authorized(r *http.Request, projectID int64) bool {
	if r.Header.Get(platformSecretHeader) == h.secret {
		return true
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		claims, err := access.ValidateCallbackToken([]byte(h.secret), token)
		if err != nil {
			return false
		}
		return claims.ProjectID == projectID
	}
	return false
}

// normalizeStatus folds free-form worker statuses into the closed log
// vocabulary.
func normalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case "success", "ok", "completed":
		return registry.GenerationSuccess
	case "error", "failure", "failed":
		return registry.GenerationFailure
	}
	return registry.GenerationUnknown
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.secret == "" {
		httputils.HandleAPIResponse(w, r, nil,
			fmt.Errorf("callback endpoint disabled: no internal secret configured"),
			http.StatusInternalServerError)
		return
	}

	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputils.HandleAPIResponse(w, r, nil, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}

	if !h.authorized(r, req.ProjectID) {
		h.logger.Warn("Rejected callback with invalid secret", "projectID", req.ProjectID, "remote", r.RemoteAddr)
		httputils.HandleAPIResponse(w, r, nil, fmt.Errorf("invalid secret"), http.StatusForbidden)
		return
	}

	inst, err := h.instances.GetByProject(req.ProjectID)
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, http.StatusInternalServerError)
		return
	}
	if inst == nil {
		httputils.HandleAPIResponse(w, r, nil,
			fmt.Errorf("no instance registered for project %d", req.ProjectID), http.StatusNotFound)
		return
	}

	ts := time.Now()
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}
	details := ""
	if len(req.Details) > 0 {
		details = string(req.Details)
	}
	status := normalizeStatus(req.Status)

	created, err := h.genlog.Append(inst.Tenant(), ts, status, req.PromptID, req.ConcurrentID, details)
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, fmt.Errorf("failed to append log entry: %w", err), http.StatusInternalServerError)
		return
	}

	httputils.HandleAPIResponse(w, r, callbackResponse{
		Created:   created,
		ProjectID: req.ProjectID,
		UserID:    inst.UserID,
		Status:    status,
		PromptID:  req.PromptID,
	}, nil, http.StatusOK)
}
