// Package api exposes the prediction service over HTTP: run control under
// /v1, completion-event ingress under /internal, probes at the root.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"aqpredict/internal/apperrors"
	"aqpredict/internal/health"
	"aqpredict/internal/workflow"
	"aqpredict/pkg/cloudevent"
)

// maxRequestBodySize caps request bodies at 1 MB. Trigger bodies and
// completion events are far smaller.
const maxRequestBodySize = 1 << 20

// Runs is the slice of the workflow engine the API needs.
type Runs interface {
	Start(ctx context.Context, parameter string, windowHours int) (*workflow.Execution, error)
	Get(runID string) (*workflow.Execution, bool)
	List() []*workflow.Execution
}

// Completions settles suspended runs from transform completion events.
type Completions interface {
	HandleTransformCompleted(ctx context.Context, event *workflow.TransformCompleted) error
}

// RunDefaults fill in trigger fields the caller leaves out.
type RunDefaults struct {
	Parameter   string
	WindowHours int
}

// Handler carries the HTTP endpoints and their collaborators.
type Handler struct {
	runs        Runs
	completions Completions
	health      *health.Checker
	defaults    RunDefaults
	signingKey  string
}

// NewHandler builds the API surface. An empty signingKey disables event
// signature checks.
func NewHandler(runs Runs, completions Completions, healthChecker *health.Checker, defaults RunDefaults, signingKey string) *Handler {
	return &Handler{
		runs:        runs,
		completions: completions,
		health:      healthChecker,
		defaults:    defaults,
		signingKey:  signingKey,
	}
}

// createRunRequest is the optional trigger body. Absent fields fall back to
// the configured defaults.
type createRunRequest struct {
	Parameter   string `json:"parameter"`
	WindowHours int    `json:"windowHours"`
}

// runListResponse wraps the run listing.
type runListResponse struct {
	Runs  []*workflow.Execution `json:"runs"`
	Count int                   `json:"count"`
}

// CreateRun handles POST /v1/runs. The run executes asynchronously; the
// response is a snapshot of its initial state.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Parameter == "" {
		req.Parameter = h.defaults.Parameter
	}
	if req.WindowHours <= 0 {
		req.WindowHours = h.defaults.WindowHours
	}

	exec, err := h.runs.Start(r.Context(), req.Parameter, req.WindowHours)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, exec)
}

// ListRuns handles GET /v1/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.runs.List()
	h.writeJSON(w, http.StatusOK, runListResponse{Runs: runs, Count: len(runs)})
}

// GetRun handles GET /v1/runs/{runId}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "run id is required")
		return
	}

	exec, ok := h.runs.Get(runID)
	if !ok {
		h.handleError(w, r, apperrors.NotFound("run", runID))
		return
	}

	h.writeJSON(w, http.StatusOK, exec)
}

// CompletionEvent handles POST /internal/events - transform completion
// ingress. The runtime watcher delivers signed CloudEvents here; a verified
// event settles the suspended run it names. Returning 5xx makes the outbound
// dispatcher retry the delivery, so only transient failures may map there.
func (h *Handler) CompletionEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "unreadable body: "+err.Error())
		return
	}

	if h.signingKey != "" {
		signature := r.Header.Get("X-Signature-256")
		if !cloudevent.Verify(body, signature, h.signingKey) {
			h.writeError(w, http.StatusUnauthorized, "invalid event signature")
			return
		}
	}

	var event cloudevent.CloudEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed CloudEvent: "+err.Error())
		return
	}
	completed, err := workflow.ParseTransformCompleted(&event)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.completions.HandleTransformCompleted(r.Context(), completed); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Livez handles GET /livez. Always 200 while the process runs; dependency
// state belongs to Readyz.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz. A 503 here tells the load balancer to stop
// routing to this instance.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Response encode failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps classified errors onto HTTP statuses.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Request failed", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Request rejected", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
