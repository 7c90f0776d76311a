package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/concord-consortium/guide-server/internal/catalog"
	"github.com/concord-consortium/guide-server/internal/store"
	"github.com/concord-consortium/guide-server/internal/tutor"
)

// CacheClearer drops cached sheets for a group.
type CacheClearer interface {
	ClearCache(ctx context.Context, groupName string) error
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	tutor    *tutor.Tutor
	sheets   CacheClearer
	validate *validator.Validate
	origins  []string
}

// New creates a new Handler. origins lists the websocket origin patterns
// accepted besides the server's own host.
func New(s *store.Store, t *tutor.Tutor, sheets CacheClearer, origins []string) *Handler {
	return &Handler{
		store:    s,
		tutor:    t,
		sheets:   sheets,
		validate: validator.New(),
		origins:  origins,
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Get("/guide-protocol", h.handleSocket)
	r.Route("/api", func(r chi.Router) {
		r.Get("/students/{studentID}", h.handleGetStudent)
		r.Post("/students/{studentID}/reset", h.handleResetStudent)
		r.Get("/sessions/{sessionID}", h.handleGetSession)
		r.Post("/groups/{groupName}/clear-cache", h.handleClearCache)
		r.Get("/alerts", h.handleListAlerts)
		r.Delete("/alerts", h.handleClearAlerts)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, catalog.ErrGroupNotFound):
		status = http.StatusNotFound
	default:
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleGetStudent(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.GetStudent(r.Context(), chi.URLParam(r, "studentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleResetStudent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "studentID")
	st, err := h.tutor.ResetStudent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("student reset", "student", id)
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleClearCache(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "groupName")
	if err := h.sheets.ClearCache(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("cleared sheet cache", "group", name)
	writeJSON(w, http.StatusOK, map[string]string{"group": name, "status": "cleared"})
}

func (h *Handler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.store.ListAlerts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handler) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.ClearAlerts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}
