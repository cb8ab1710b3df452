package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/tOgg1/flock/internal/messaging"
	"github.com/tOgg1/flock/internal/metrics"
	"github.com/tOgg1/flock/internal/models"
	"github.com/tOgg1/flock/internal/trends"
)

// TrendsResponse is the body of GET /v1/trends.
type TrendsResponse struct {
	UpdatedAt time.Time            `json:"updated_at"`
	Groups    []trends.RankedGroup `json:"groups"`
}

// ConversationsResponse is the body of GET /v1/conversations.
type ConversationsResponse struct {
	Conversations []models.ConversationSummary `json:"conversations"`
	Skipped       int                          `json:"skipped"`
}

// ViewsResponse is the body of POST /v1/items/{id}/views.
type ViewsResponse struct {
	ID    string `json:"id"`
	Views int64  `json:"views"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Router returns the HTTP API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/trends", s.handleTrends)
		r.Post("/items/{id}/views", s.handleView)
		r.Get("/conversations", s.handleConversations)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	status := "ok"
	code := http.StatusOK
	if err := s.app.DB.PingContext(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"status":     status,
		"version":    s.opts.Version,
		"generation": s.materializer.Generation(),
	}
	if !started.IsZero() {
		body["uptime"] = time.Since(started).Round(time.Second).String()
	}
	writeJSON(w, code, body)
}

// handleTrends serves the materialized ranking. An as_of query parameter
// (RFC 3339) ranks a fresh read as of that instant instead.
func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	if raw := strings.TrimSpace(r.URL.Query().Get("as_of")); raw != "" {
		asOf, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, models.Invalid("parse as_of", err))
			return
		}
		groups, err := s.app.Trends.Load(r.Context(), asOf)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, TrendsResponse{UpdatedAt: time.Now().UTC(), Groups: nonNil(groups)})
		return
	}

	groups, updated := s.materializer.Groups()
	if updated.IsZero() {
		writeError(w, models.Unavailable("trends", errors.New("ranking not ready")))
		return
	}
	writeJSON(w, http.StatusOK, TrendsResponse{UpdatedAt: updated.UTC(), Groups: nonNil(groups)})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	views, err := s.app.Trends.IncrementViews(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ViewsResponse{ID: id, Views: views})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	viewer := strings.TrimSpace(r.URL.Query().Get("viewer"))
	res, err := s.app.Resolver.ResolveConversations(r.Context(), viewer)
	if err != nil {
		writeError(w, err)
		return
	}
	messaging.SortByRecentActivity(res.Summaries)

	summaries := res.Summaries
	if summaries == nil {
		summaries = []models.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, ConversationsResponse{
		Conversations: summaries,
		Skipped:       len(res.Failures),
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	kind := models.KindOf(err)
	code := http.StatusInternalServerError
	switch kind {
	case models.KindValidation:
		code = http.StatusBadRequest
	case models.KindNotFound:
		code = http.StatusNotFound
	case models.KindDataUnavailable:
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), Kind: string(kind)})
}

func nonNil(groups []trends.RankedGroup) []trends.RankedGroup {
	if groups == nil {
		return []trends.RankedGroup{}
	}
	return groups
}
