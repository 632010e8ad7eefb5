package delivery

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/1204al/clipdrop-bot/internal/models"
	"github.com/1204al/clipdrop-bot/internal/telemetry"
)

const maxEventBody = 1 << 20

// Handler processes a fresh event on the consumer side.
type Handler interface {
	HandleEvent(ctx context.Context, ev models.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev models.Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, ev models.Event) error {
	return f(ctx, ev)
}

// Receiver accepts delivered events, suppressing duplicates by event id.
type Receiver struct {
	secret  string
	seen    *IdempotencyTable
	handler Handler
	metrics *telemetry.Metrics
}

// NewReceiver creates a receiver checking secret and passing fresh events to
// handler. A nil table gets the default capacity. A receiver with an empty
// secret rejects every request.
func NewReceiver(secret string, seen *IdempotencyTable, handler Handler) *Receiver {
	if seen == nil {
		seen = NewIdempotencyTable(DefaultIdempotencyCapacity)
	}
	return &Receiver{secret: secret, seen: seen, handler: handler, metrics: telemetry.GetMetrics()}
}

type receiverResponse struct {
	OK        bool   `json:"ok"`
	Duplicate bool   `json:"duplicate"`
	Error     string `json:"error,omitempty"`
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, receiverResponse{Error: "method not allowed"})
		return
	}

	token := r.Header.Get(TokenHeader)
	if rc.secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(rc.secret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, receiverResponse{Error: "unauthorized"})
		return
	}

	var ev models.Event
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBody)).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, receiverResponse{Error: "invalid JSON body"})
		return
	}
	if ev.EventID == "" {
		writeJSON(w, http.StatusBadRequest, receiverResponse{Error: "event_id is required"})
		return
	}
	if !ev.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, receiverResponse{Error: "unsupported status"})
		return
	}

	if !rc.seen.Add(ev.EventID) {
		rc.metrics.EventsDuplicateTotal.Add(r.Context(), 1)
		log.Debug().Str("event_id", ev.EventID).Str("job_id", ev.JobID).Msg("Duplicate event suppressed")
		writeJSON(w, http.StatusOK, receiverResponse{OK: true, Duplicate: true})
		return
	}

	if rc.handler != nil {
		if err := rc.handler.HandleEvent(r.Context(), ev); err != nil {
			// forget the id so the sender's retry is processed
			rc.seen.Remove(ev.EventID)
			log.Error().Err(err).Str("event_id", ev.EventID).Str("job_id", ev.JobID).Msg("Event handler failed")
			writeJSON(w, http.StatusInternalServerError, receiverResponse{Error: "handler failed"})
			return
		}
	}

	writeJSON(w, http.StatusOK, receiverResponse{OK: true, Duplicate: false})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}
