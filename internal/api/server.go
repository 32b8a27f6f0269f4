// Package api is the thin HTTP boundary. Request identity comes from the
// upstream authorization layer via headers and is trusted as-is.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tasktrack/internal/models"
	"tasktrack/internal/ratelimit"
	"tasktrack/internal/service"
	"tasktrack/internal/store"
	"tasktrack/internal/telemetry"
)

// DeadLetterReader backs the DLQ inspection endpoint.
type DeadLetterReader interface {
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error)
}

// Server wires the HTTP handlers around the lifecycle service.
type Server struct {
	svc     *service.Service
	dlq     DeadLetterReader
	limiter *ratelimit.TokenBucket
	log     zerolog.Logger
}

func New(svc *service.Service, dlq DeadLetterReader, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Server {
	return &Server{svc: svc, dlq: dlq, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/tasks", s.handleCreate)
		r.Get("/tasks", s.handleList)
		r.Get("/tasks/stats", s.handleStats)
		r.Get("/tasks/{id}", s.handleGet)
		r.Patch("/tasks/{id}", s.handleUpdate)
		r.Patch("/tasks/{id}/status", s.handleChangeStatus)
		r.Delete("/tasks/{id}", s.handleDelete)
		r.Post("/tasks/batch", s.handleBatch)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			actor := actorFrom(r)
			allowed, _, err := s.limiter.Allow(r.Context(), "rl:user:"+actor.ID)
			if err != nil {
				// Limiter outage should not take requests down with it.
				s.log.Warn().Err(err).Msg("rate limiter unavailable")
			} else if !allowed {
				telemetry.RateLimitRejects.Inc()
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type createRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	DueDate     *time.Time `json:"due_date"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	task, err := s.svc.CreateTask(r.Context(), service.CreateTaskInput{
		Title:       req.Title,
		Description: req.Description,
		Priority:    models.Priority(req.Priority),
		DueDate:     req.DueDate,
		UserID:      actorFrom(r).ID,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.QueryFilter
	if v := q.Get("status"); v != "" {
		status := models.Status(v)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unrecognized status")
			return
		}
		f.Status = &status
	}
	if v := q.Get("priority"); v != "" {
		priority := models.Priority(v)
		if !priority.Valid() {
			writeError(w, http.StatusBadRequest, "unrecognized priority")
			return
		}
		f.Priority = &priority
	}
	f.UserID = q.Get("user_id")
	page := intParam(q.Get("page"), 1)
	limit := intParam(q.Get("limit"), 20)

	result, err := s.svc.ListTasks(r.Context(), f, page, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": result.Tasks,
		"total": result.Total,
		"page":  page,
		"limit": limit,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type updateRequest struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Priority    *string    `json:"priority"`
	DueDate     *time.Time `json:"due_date"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	patch := store.UpdateTaskParams{
		Title:       req.Title,
		Description: req.Description,
		Priority:    (*models.Priority)(req.Priority),
		DueDate:     req.DueDate,
	}
	task, err := s.svc.UpdateTask(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	task, err := s.svc.ChangeStatus(r.Context(), chi.URLParam(r, "id"), models.Status(req.Status))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type batchRequest struct {
	IDs    []string `json:"ids"`
	Action string   `json:"action"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids are required")
		return
	}
	results, err := s.svc.BatchApply(r.Context(), req.IDs, req.Action, actorFrom(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.dlq.ListDeadLetters(r.Context(), 100)
	if err != nil {
		s.log.Error().Err(err).Msg("dlq read failed")
		writeError(w, http.StatusInternalServerError, "failed to read dead letters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, service.ErrInvalidStatus),
		errors.Is(err, service.ErrInvalidPriority),
		errors.Is(err, service.ErrInvalidAction):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "operation failed")
	}
}

func actorFrom(r *http.Request) models.Actor {
	actor := models.Actor{
		ID:   r.Header.Get("X-User-ID"),
		Role: r.Header.Get("X-User-Role"),
	}
	if actor.ID == "" {
		actor.ID = "anonymous"
	}
	return actor
}

func intParam(v string, def int) int {
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
