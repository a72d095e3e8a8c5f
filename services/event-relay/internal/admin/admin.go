// Package admin exposes the dead-letter inspection and replay API.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Quicklotz/QuickRefurbz-sub003/libs/eventbus"
	"github.com/Quicklotz/QuickRefurbz-sub003/libs/events"
	"github.com/Quicklotz/QuickRefurbz-sub003/libs/httpx"
)

// DeadLetterStore is the slice of the bus the admin API needs.
type DeadLetterStore interface {
	DeadLetters(ctx context.Context, domain string, limit int64) ([]eventbus.DeadLetter, error)
	ReplayDeadLetter(ctx context.Context, factory *events.Factory, domain, deadLetterID string) (string, error)
}

type Handler struct {
	bus     DeadLetterStore
	factory *events.Factory
	logger  *slog.Logger
}

func New(bus DeadLetterStore, factory *events.Factory, logger *slog.Logger) *Handler {
	return &Handler{bus: bus, factory: factory, logger: logger}
}

// Register mounts the dead-letter routes on the mux. Middleware applies to
// these routes only, so rate limits on the admin surface never throttle
// health probes sharing the mux.
func (h *Handler) Register(mux *http.ServeMux, mw ...httpx.Middleware) {
	mux.Handle("GET /dlq/{domain}", httpx.Chain(http.HandlerFunc(h.list), mw...))
	mux.Handle("POST /dlq/{domain}/replay", httpx.Chain(http.HandlerFunc(h.replay), mw...))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")
	letters, err := h.bus.DeadLetters(r.Context(), domain, 100)
	if err != nil {
		h.logger.Error("dead letter read failed", "domain", domain, "err", err)
		http.Error(w, "dead letter read failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"domain":      domain,
		"count":       len(letters),
		"deadLetters": letters,
	})
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id query parameter is required", http.StatusBadRequest)
		return
	}

	messageID, err := h.bus.ReplayDeadLetter(r.Context(), h.factory, domain, id)
	if err != nil {
		h.logger.Error("dead letter replay failed", "domain", domain, "id", id, "err", err)
		http.Error(w, "replay failed", http.StatusUnprocessableEntity)
		return
	}

	h.logger.Info("dead letter replayed", "domain", domain, "id", id, "message_id", messageID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"messageId": messageID})
}
