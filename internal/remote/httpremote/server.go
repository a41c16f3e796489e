// Package httpremote exposes an Authority over HTTP and provides the
// matching client.
//
// Routes:
//
//	POST /v1/events/push                 {"events": [...]} -> {"results": [...]}
//	GET  /v1/work-items/{code}/events    -> {"events": [...]}
//	GET  /healthz
package httpremote

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/remote"
)

// MaxBatch bounds the events accepted in one push request.
const MaxBatch = 500

type pushRequest struct {
	Events []model.WorkEvent `json:"events"`
}

type pushResponse struct {
	Results []remote.PushResult `json:"results"`
}

type historyResponse struct {
	Events []model.WorkEvent `json:"events"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves an Authority.
type Server struct {
	authority remote.Authority
	logger    *slog.Logger
	origins   []string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) ServerOption { return func(s *Server) { s.logger = l } }

// WithAllowedOrigins sets the CORS origins. Defaults to any origin.
func WithAllowedOrigins(origins ...string) ServerOption {
	return func(s *Server) { s.origins = origins }
}

// NewServer creates a Server for authority.
func NewServer(authority remote.Authority, opts ...ServerOption) *Server {
	s := &Server{authority: authority, logger: slog.Default(), origins: []string{"*"}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/healthz", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/events/push", s.push)
		r.Get("/work-items/{code}/events", s.history)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req pushRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if len(req.Events) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "events is empty"})
		return
	}
	if len(req.Events) > MaxBatch {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "too many events"})
		return
	}

	results, err := s.authority.PushEvents(r.Context(), req.Events)
	if err != nil {
		s.logger.Error("push failed", "events", len(req.Events), "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	accepted := 0
	for _, res := range results {
		if res.Verdict == remote.VerdictAccepted {
			accepted++
		}
	}
	s.logger.Info("push judged",
		"request_id", middleware.GetReqID(r.Context()),
		"events", len(req.Events),
		"accepted", accepted,
		"duration", time.Since(start),
	)
	writeJSON(w, http.StatusOK, pushResponse{Results: results})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "code"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid work item code"})
		return
	}
	code, err := model.NormalizeCode(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	events, err := s.authority.History(r.Context(), code)
	if err != nil {
		s.logger.Error("history failed", "work_item", code, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Events: events})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
