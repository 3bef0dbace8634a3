// Package httpapi exposes the separation backend over HTTP for headless use.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stem-separator/internal/domain"
	"stem-separator/internal/jobs"
)

// Backend is the application surface served by the router. bootstrap.App
// satisfies it.
type Backend interface {
	StartSeparation(inputPath string) (domain.Job, error)
	CancelSeparation() bool
	CurrentJob() (domain.Job, error)
	JobEvents(sinceSeq int64) []jobs.Event

	GetSettings() domain.Settings
	SaveSettings(settings domain.Settings) domain.SettingsUpdate
	ResetSettings() domain.SettingsUpdate

	GetModels() []domain.ModelOption
	SelectModel(modelID string) (domain.SettingsUpdate, error)

	GetDiagnostics() domain.DiagnosticReport
	RefreshDiagnostics() domain.DiagnosticReport
	InstallOrFixDiagnostic(itemID string) (domain.DiagnosticReport, error)
}

type startRequest struct {
	InputPath string `json:"inputPath"`
}

type handler struct {
	backend Backend
	logger  *slog.Logger
}

// NewRouter builds the chi router for b.
func NewRouter(b Backend, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{backend: b, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.startJob)
			r.Post("/cancel", h.cancelJob)
			r.Get("/current", h.currentJob)
			r.Get("/events", h.jobEvents)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", h.getSettings)
			r.Put("/", h.saveSettings)
			r.Post("/reset", h.resetSettings)
		})

		r.Get("/models", h.listModels)
		r.Post("/models/{modelID}/select", h.selectModel)

		r.Get("/diagnostics", h.getDiagnostics)
		r.Post("/diagnostics/refresh", h.refreshDiagnostics)
		r.Post("/diagnostics/{itemID}/fix", h.fixDiagnostic)
	})

	return r
}

func (h *handler) startJob(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := h.backend.StartSeparation(req.InputPath)
	switch {
	case errors.Is(err, jobs.ErrAlreadyRunning):
		writeMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, jobs.ErrEmptyInput):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case err != nil:
		h.logger.Error("start job", "error", err)
		writeMessage(w, http.StatusInternalServerError, jobs.SanitizeError(err))
	default:
		writeJSON(w, http.StatusAccepted, job)
	}
}

func (h *handler) cancelJob(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": h.backend.CancelSeparation()})
}

func (h *handler) currentJob(w http.ResponseWriter, _ *http.Request) {
	job, err := h.backend.CurrentJob()
	if errors.Is(err, jobs.ErrNoJob) {
		writeMessage(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, jobs.SanitizeError(err))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) jobEvents(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeMessage(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = v
	}

	events := h.backend.JobEvents(since)
	if events == nil {
		events = []jobs.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handler) getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.backend.GetSettings())
}

func (h *handler) saveSettings(w http.ResponseWriter, r *http.Request) {
	var settings domain.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid settings body")
		return
	}
	writeJSON(w, http.StatusOK, h.backend.SaveSettings(settings))
}

func (h *handler) resetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.backend.ResetSettings())
}

func (h *handler) listModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.backend.GetModels())
}

func (h *handler) selectModel(w http.ResponseWriter, r *http.Request) {
	update, err := h.backend.SelectModel(chi.URLParam(r, "modelID"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, update)
}

func (h *handler) getDiagnostics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.backend.GetDiagnostics())
}

func (h *handler) refreshDiagnostics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.backend.RefreshDiagnostics())
}

func (h *handler) fixDiagnostic(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	report, err := h.backend.InstallOrFixDiagnostic(itemID)
	if err != nil {
		h.logger.Warn("diagnostic fix", "item", itemID, "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  jobs.SanitizeError(err),
			"report": report,
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
