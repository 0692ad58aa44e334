package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/claimharvest/internal/errs"
	"github.com/shehryarbajwa/claimharvest/internal/jobs"
	"github.com/shehryarbajwa/claimharvest/internal/logger"
	"github.com/shehryarbajwa/claimharvest/internal/report"
	"github.com/shehryarbajwa/claimharvest/internal/storage"
	"github.com/shehryarbajwa/claimharvest/pkg/models"
)

// Starter starts a harvest job from a trigger request
type Starter interface {
	Start(ctx context.Context, req models.TriggerRequest) (*models.TriggerResponse, error)
}

// Sessions is the read and teardown side of the session orchestrator
type Sessions interface {
	Get(id string) (*models.RemoteSession, error)
	List() []*models.RemoteSession
	Close(ctx context.Context, id string) error
	Screenshot(ctx context.Context, id string) ([]byte, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	trigger  Starter
	sessions Sessions
	jobs     jobs.Store
	files    storage.FileStore
}

func NewHandler(trigger Starter, sessions Sessions, store jobs.Store, files storage.FileStore) *Handler {
	return &Handler{trigger: trigger, sessions: sessions, jobs: store, files: files}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errs.E("decode request", errs.ErrInvalidRequest, err))
		return
	}

	resp, err := h.trigger.Start(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /v1/jobs?limit=N
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, r, errs.E("list jobs", errs.ErrInvalidRequest, errors.New("limit must be a positive integer")))
			return
		}
		limit = n
	}
	list, err := h.jobs.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetJobReport handles GET /v1/jobs/{id}/report
func (h *Handler) GetJobReport(w http.ResponseWriter, r *http.Request) {
	h.serveArtifact(w, r, report.ConsolidatedFile, "text/csv; charset=utf-8")
}

// GetJobCompleteness handles GET /v1/jobs/{id}/completeness
func (h *Handler) GetJobCompleteness(w http.ResponseWriter, r *http.Request) {
	h.serveArtifact(w, r, report.CompletenessFile, "application/json")
}

func (h *Handler) serveArtifact(w http.ResponseWriter, r *http.Request, name, contentType string) {
	id := mux.Vars(r)["id"]
	if _, err := h.jobs.Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	data, err := h.files.Get(r.Context(), storage.Key(id, storage.Reports, name))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+"-"+name+`"`)
	_, _ = w.Write(data)
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	list := h.sessions.List()
	if list == nil {
		list = []*models.RemoteSession{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// DeleteSession handles DELETE /v1/sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSessionScreenshot handles GET /v1/sessions/{id}/screenshot
func (h *Handler) GetSessionScreenshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.sessions.Get(id); err != nil {
		writeError(w, r, err)
		return
	}
	png, err := h.sessions.Screenshot(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	_, _ = w.Write(png)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusOf maps the failure taxonomy onto HTTP status codes
func statusOf(err error) int {
	switch {
	case errors.Is(err, errs.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrSessionConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrSessionNotFound),
		errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, storage.ErrNotExist):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	kind := errs.Kind(err)
	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, storage.ErrNotExist):
		kind = "NotFound"
	}
	if status >= http.StatusInternalServerError {
		logger.From(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
