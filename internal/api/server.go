// Package api serves the HTTP surface: job analyses, transcriptions and
// their summaries and translations, plus health and metrics. Every read is
// scoped to the authenticated user; someone else's id is a 404.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/jobpipe/internal/blob"
	"github.com/kalambet/jobpipe/internal/metrics"
	"github.com/kalambet/jobpipe/internal/storage"
)

// Store is the part of the entity store the API reads and creates through.
type Store interface {
	Ping(ctx context.Context) error
	CreateResume(ctx context.Context, r storage.Resume) error
	CreateAnalysis(ctx context.Context, a storage.JobAnalysis) error
	GetAnalysis(ctx context.Context, id string) (storage.JobAnalysis, error)
	CreateTranscription(ctx context.Context, t storage.Transcription) error
	GetTranscription(ctx context.Context, id string) (storage.Transcription, error)
	ListTranslations(ctx context.Context, transcriptionID string) ([]storage.Translation, error)
}

// Orchestrator starts and restarts pipeline stages.
type Orchestrator interface {
	RequestJobAnalysis(ctx context.Context, id string) error
	RequestTranscription(ctx context.Context, id string) error
	RegenerateSummary(ctx context.Context, id string) (storage.SubStatus, error)
	RequestTranslation(ctx context.Context, id, lang string) (storage.SubStatus, error)
}

type Deps struct {
	Store        Store
	Orchestrator Orchestrator
	Blobs        blob.Store
	Auth         Authenticator
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

type app struct {
	Deps
	logger *slog.Logger
}

func NewHandler(deps Deps) http.Handler {
	s := &app{Deps: deps, logger: deps.Logger.With("component", "api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Auth))

		r.Post("/analyses", s.handleCreateAnalysis)
		r.Get("/analyses/{id}", s.handleGetAnalysis)

		r.Post("/transcriptions", s.handleCreateTranscription)
		r.Get("/transcriptions/{id}", s.handleGetTranscription)
		r.Post("/transcriptions/{id}/summary", s.handleRegenerateSummary)
		r.Post("/transcriptions/{id}/translations", s.handleRequestTranslation)
	})
	return r
}

// observe counts requests by route pattern and logs failures.
func (s *app) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = r.Method + " " + rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.Metrics.RequestServed(route, status)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("request failed", "route", route, "status", status,
				"request_id", middleware.GetReqID(r.Context()), "duration", time.Since(start))
		}
	})
}

func (s *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
