package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/optica-commerce/optica-catalog/internal/platform/httpx"
	"github.com/optica-commerce/optica-catalog/internal/source"
)

// SignatureHeader carries the HMAC digest on webhook deliveries.
const SignatureHeader = "X-Source-Signature"

// Enqueuer hands events to the durable queue for asynchronous
// processing. The jobs client satisfies it.
type Enqueuer interface {
	EnqueueSyncEvent(ctx context.Context, event source.Event) error
}

// Verifier authenticates webhook payloads.
type Verifier interface {
	VerifySignature(body []byte, signature string) error
}

// Handler exposes the ingestion webhook and the dead-letter admin
// surface.
type Handler struct {
	logger      *slog.Logger
	verifier    Verifier
	enqueuer    Enqueuer
	deadLetters *DeadLetterStore
	service     *Service
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, verifier Verifier, enqueuer Enqueuer, deadLetters *DeadLetterStore, service *Service) *Handler {
	return &Handler{logger: logger, verifier: verifier, enqueuer: enqueuer, deadLetters: deadLetters, service: service}
}

// MountWebhook attaches the ingestion endpoint.
func (h *Handler) MountWebhook(r chi.Router) {
	r.Post("/source", h.receive)
}

// MountAdmin attaches the dead-letter endpoints.
func (h *Handler) MountAdmin(r chi.Router) {
	r.Get("/dead-letters", h.listDeadLetters)
	r.Post("/dead-letters/{id}/replay", h.replayDeadLetter)
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "unreadable body")
		return
	}

	if err := h.verifier.VerifySignature(body, r.Header.Get(SignatureHeader)); err != nil {
		h.logger.Warn("webhook signature rejected", slog.Any("error", err))
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid signature")
		return
	}

	var event source.Event
	if err := json.Unmarshal(body, &event); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed event payload")
		return
	}
	if event.SKU == "" || event.Type == "" {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "event_type and sku are required")
		return
	}

	if err := h.enqueuer.EnqueueSyncEvent(r.Context(), event); err != nil {
		h.logger.Error("enqueue sync event", slog.String("sku", event.SKU), slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "event could not be queued")
		return
	}

	httpx.JSON(w, http.StatusAccepted, map[string]string{"status": "queued", "sku": event.SKU})
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	pendingOnly := r.URL.Query().Get("all") == ""
	letters, err := h.deadLetters.List(r.Context(), pendingOnly, 200)
	if err != nil {
		h.logger.Error("list dead letters", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

func (h *Handler) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid dead letter id")
		return
	}

	dl, err := h.deadLetters.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrDeadLetterNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "dead letter not found")
			return
		}
		httpx.RespondError(w, err)
		return
	}

	event, err := dl.Event()
	if err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", "stored payload is not decodable")
		return
	}

	applied, err := h.service.Apply(r.Context(), event)
	if err != nil {
		h.logger.Error("replay dead letter",
			slog.String("id", id.String()), slog.String("sku", event.SKU), slog.Any("error", err))
		httpx.Problem(w, http.StatusConflict, "Replay Failed", err.Error())
		return
	}

	if err := h.deadLetters.MarkReplayed(r.Context(), id); err != nil {
		h.logger.Warn("mark dead letter replayed", slog.Any("error", err))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"replayed": true, "outcome": applied.Outcome, "version": applied.Version})
}
