package migration

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/optica-commerce/optica-catalog/internal/platform/httpx"
)

// Enqueuer schedules run execution on the worker queue. The jobs
// client satisfies it.
type Enqueuer interface {
	EnqueueMigrationRun(ctx context.Context, runID uuid.UUID) error
}

// Handler exposes the migration admin surface.
type Handler struct {
	logger   *slog.Logger
	manager  *Manager
	enqueuer Enqueuer
}

func NewHandler(logger *slog.Logger, manager *Manager, enqueuer Enqueuer) *Handler {
	return &Handler{logger: logger, manager: manager, enqueuer: enqueuer}
}

// Mount attaches the run endpoints.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/runs", h.startRun)
	r.Get("/runs", h.listRuns)
	r.Get("/runs/{id}", h.runStatus)
	r.Post("/runs/{id}/cancel", h.cancelRun)
	r.Post("/runs/{id}/checkpoints", h.createCheckpoint)
	r.Get("/runs/{id}/checkpoints", h.listCheckpoints)
	r.Post("/checkpoints/{id}/resume", h.resumeFromCheckpoint)
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request) {
	var opts Options
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed options")
			return
		}
	}

	run, err := h.manager.Start(r.Context(), opts)
	if err != nil {
		if errors.Is(err, ErrRunActive) {
			httpx.Problem(w, http.StatusConflict, "Conflict", "another migration run is active")
			return
		}
		httpx.RespondError(w, err)
		return
	}
	if err := h.enqueuer.EnqueueMigrationRun(r.Context(), run.ID); err != nil {
		h.logger.Error("enqueue migration run", slog.String("run_id", run.ID.String()), slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "run could not be queued")
		return
	}
	httpx.JSON(w, http.StatusAccepted, run)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.manager.Runs(r.Context(), 20)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handler) runStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}
	run, err := h.manager.Status(r.Context(), id)
	if err != nil {
		h.respondRunError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, run)
}

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}
	if err := h.manager.Cancel(r.Context(), id); err != nil {
		h.respondRunError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (h *Handler) createCheckpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "checkpoint name is required")
		return
	}
	cp, err := h.manager.CreateCheckpoint(r.Context(), id, body.Name)
	if err != nil {
		h.respondRunError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, cp)
}

func (h *Handler) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}
	cps, err := h.manager.Checkpoints(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"checkpoints": cps})
}

func (h *Handler) resumeFromCheckpoint(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid checkpoint id")
		return
	}
	run, err := h.manager.Resume(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrCheckpointNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "checkpoint not found")
			return
		}
		if errors.Is(err, ErrRunActive) {
			httpx.Problem(w, http.StatusConflict, "Conflict", "another migration run is active")
			return
		}
		httpx.RespondError(w, err)
		return
	}
	if err := h.enqueuer.EnqueueMigrationRun(r.Context(), run.ID); err != nil {
		h.logger.Error("enqueue migration run", slog.String("run_id", run.ID.String()), slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "run could not be queued")
		return
	}
	httpx.JSON(w, http.StatusAccepted, run)
}

func (h *Handler) runID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid run id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondRunError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrRunNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "run not found")
		return
	}
	httpx.RespondError(w, err)
}
