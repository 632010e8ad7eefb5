// Package server exposes the enqueue path and job queries over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/1204al/clipdrop-bot/internal/enqueue"
	"github.com/1204al/clipdrop-bot/internal/logger"
	"github.com/1204al/clipdrop-bot/internal/models"
	"github.com/1204al/clipdrop-bot/internal/store"
)

const maxRequestBody = 1 << 20

// Server wraps the HTTP handlers for the job API.
type Server struct {
	store   store.JobStore
	enqueue *enqueue.Service
}

// NewServer creates a server backed by st and svc.
func NewServer(st store.JobStore, svc *enqueue.Service) *Server {
	return &Server{store: st, enqueue: svc}
}

// EnqueueRequest is the body of POST /jobs.
type EnqueueRequest struct {
	URLs       []string          `json:"urls"`
	Subscriber models.Subscriber `json:"subscriber"`
}

// EnqueueResponse is the body of a successful POST /jobs.
type EnqueueResponse struct {
	OK          bool               `json:"ok"`
	Jobs        []enqueue.Accepted `json:"jobs"`
	Found       int                `json:"found"`
	Accepted    int                `json:"accepted"`
	Rejected    []string           `json:"rejected"`
	Unsupported int                `json:"unsupported"`
}

// JobResponse is the body of GET /jobs/{job_id}.
type JobResponse struct {
	*models.Job
	SubscribersCount int `json:"subscribers_count"`
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// Handler returns the HTTP handler for the server. Requests are logged with
// log and API routes allow the given CORS origins.
func (s *Server) Handler(log zerolog.Logger, corsOrigins ...string) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for load balancer
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	mux.HandleFunc("POST /jobs", s.handleEnqueue)
	mux.HandleFunc("GET /jobs/{job_id}", s.handleGetJob)

	var handler http.Handler = otelhttp.NewHandler(mux, "clipdrop.api")
	if len(corsOrigins) > 0 {
		handler = withCORS(corsOrigins, handler)
	}
	return logger.Requests(log)(handler)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	batch, err := s.enqueue.Enqueue(r.Context(), req.URLs, req.Subscriber)
	if err != nil {
		var ve *enqueue.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Error(), Field: ve.Field})
			return
		}
		s.writeStoreError(w, r, err)
		return
	}

	zerolog.Ctx(r.Context()).Debug().
		Str("target", req.Subscriber.Target).
		Int("accepted", batch.Accepted).
		Msg("Enqueue request handled")

	writeJSON(w, http.StatusOK, EnqueueResponse{
		OK:          true,
		Jobs:        batch.Jobs,
		Found:       batch.Found,
		Accepted:    batch.Accepted,
		Rejected:    batch.Rejected,
		Unsupported: batch.Unsupported,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.GetJob(r.Context(), r.PathValue("job_id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{Job: j, SubscribersCount: len(j.Subscribers)})
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
	case errors.Is(err, store.ErrStoreClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "store is closed"})
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Store operation failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// withCORS adds CORS support to the API handler.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return middleware.Handler(h)
}
