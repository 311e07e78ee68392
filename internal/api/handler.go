package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/podushkina/taskcore/internal/logsink"
	"github.com/podushkina/taskcore/internal/orchestrator"
	"github.com/podushkina/taskcore/internal/store"
	"github.com/podushkina/taskcore/internal/task"
)

const maxListLimit = 500

type Handler struct {
	svc    *orchestrator.Service
	logger *slog.Logger
}

func NewHandler(svc *orchestrator.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger.With("component", "api")}
}

type CreateTaskRequest struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Type         string            `json:"type"`
	Command      string            `json:"command"`
	Environment  map[string]string `json:"environment"`
	Metadata     map[string]any    `json:"metadata"`
	RepositoryID *int64            `json:"repository_id"`
	MaxAttempts  int               `json:"max_attempts"`
}

type AppendLogRequest struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Source  string `json:"source"`
}

type LogEntryResponse struct {
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
	logsink.Entry
}

type LogsResponse struct {
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
	Logs    string `json:"logs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.svc.Submit(r.Context(), task.Definition{
		Name:         req.Name,
		Description:  req.Description,
		Type:         task.Type(req.Type),
		Command:      req.Command,
		Environment:  req.Environment,
		Metadata:     req.Metadata,
		RepositoryID: req.RepositoryID,
		MaxAttempts:  req.MaxAttempts,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, created)
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	tasks, err := h.svc.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	respondJSON(w, http.StatusOK, tasks)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handler) ExecuteTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Execute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	attempt := 0
	if raw := r.URL.Query().Get("attempt"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "attempt must be a positive integer")
			return
		}
		attempt = n
	}

	resolved, text, err := h.svc.Logs(r.Context(), id, attempt)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, LogsResponse{TaskID: id, Attempt: resolved, Logs: text})
}

func (h *Handler) AppendLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AppendLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	attempt, entry, err := h.svc.AppendLog(r.Context(), id, logsink.Entry{
		Level:   req.Level,
		Message: req.Message,
		Source:  req.Source,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, LogEntryResponse{TaskID: id, Attempt: attempt, Entry: entry})
}

func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Health(r.Context()); err != nil {
		h.logger.Warn("health check failed", "error", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	var f store.Filter

	for _, raw := range splitList(q.Get("status")) {
		s, err := task.ParseStatus(raw)
		if err != nil {
			return f, err
		}
		f.Statuses = append(f.Statuses, s)
	}
	for _, raw := range splitList(q.Get("type")) {
		t, err := task.ParseType(raw)
		if err != nil {
			return f, err
		}
		f.Types = append(f.Types, t)
	}
	if raw := q.Get("repository_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, &task.ValidationError{Field: "repository_id", Message: "must be an integer"}
		}
		f.RepositoryID = &id
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, &task.ValidationError{Field: "limit", Message: "must be a non-negative integer"}
		}
		f.Limit = min(n, maxListLimit)
	}
	return f, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// fail maps domain errors onto status codes.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *task.ValidationError
	switch {
	case errors.As(err, &verr):
		respondError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, task.ErrNotFound):
		respondError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
