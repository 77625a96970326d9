// Package server exposes the pipeline and the entity store over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/pipeline"
	"github.com/sells-group/retention-cli/internal/resultcache"
	"github.com/sells-group/retention-cli/internal/stage"
	"github.com/sells-group/retention-cli/internal/store"
)

// Store is the part of the entity store the API reads and writes directly.
type Store interface {
	UpsertSubjectProfile(ctx context.Context, id string, patch model.SubjectPatch) (*model.Subject, error)
	ListSubjects(ctx context.Context, filter store.SubjectFilter) ([]model.Subject, error)
	ListInterventions(ctx context.Context, subjectID string) ([]model.Intervention, error)
	TransitionIntervention(ctx context.Context, interventionID string, status model.InterventionStatus) (*model.Intervention, error)
	LoadSubjectHistory(ctx context.Context, subjectID string) (*model.SubjectHistory, error)
	Ping(ctx context.Context) error
}

// Server serves the retention API. Each student gets one result cache that
// lives as long as the server, so summaries see the latest run.
type Server struct {
	ctrl    *pipeline.Controller
	store   Store
	factory resultcache.Factory
	origins []string

	mu       sync.Mutex
	caches   map[string]resultcache.Cache
	inFlight map[string]struct{}
}

// New creates a Server.
func New(ctrl *pipeline.Controller, st Store, factory resultcache.Factory, allowedOrigins []string) *Server {
	if factory == nil {
		factory = resultcache.MemoryFactory()
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Server{
		ctrl:     ctrl,
		store:    st,
		factory:  factory,
		origins:  allowedOrigins,
		caches:   make(map[string]resultcache.Cache),
		inFlight: make(map[string]struct{}),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/students", s.handleListStudents)
		r.Route("/students/{id}", func(r chi.Router) {
			r.Post("/analyze", s.handleAnalyze)
			r.Get("/summary", s.handleSummary)
			r.Get("/history", s.handleHistory)
			r.Put("/profile", s.handleProfile)
			r.Post("/stages/{kind}", s.handleStage)
			r.Get("/interventions", s.handleInterventions)
		})
		r.Post("/interventions/{id}/status", s.handleTransition)
	})
	return r
}

// ListenAndServe serves on port until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		zap.L().Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server: shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("server: listening", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

func (s *Server) cacheFor(subjectID string) resultcache.Cache {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[subjectID]
	if !ok {
		c = s.factory(subjectID)
		s.caches[subjectID] = c
	}
	return c
}

// existingCache returns the subject's cache if a run created one. Otherwise
// it returns an unregistered cache from the factory, which for the memory
// driver is empty so callers fall back to the store.
func (s *Server) existingCache(subjectID string) resultcache.Cache {
	s.mu.Lock()
	c, ok := s.caches[subjectID]
	s.mu.Unlock()
	if ok {
		return c
	}
	return s.factory(subjectID)
}

// acquire marks subjectID as running. It returns false if a run for the
// subject is already in flight.
func (s *Server) acquire(subjectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[subjectID]; busy {
		return false
	}
	s.inFlight[subjectID] = struct{}{}
	return true
}

func (s *Server) release(subjectID string) {
	s.mu.Lock()
	delete(s.inFlight, subjectID)
	s.mu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		zap.L().Warn("server: store ping failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListStudents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter store.SubjectFilter
	if v := q.Get("min_risk_level"); v != "" {
		lvl, err := model.ParseRiskLevel(v)
		if err != nil {
			writeError(w, err)
			return
		}
		filter.MinRiskLevel = lvl
	}
	if v := q.Get("status"); v != "" {
		st, err := model.ParseEnrollmentStatus(v)
		if err != nil {
			writeError(w, err)
			return
		}
		filter.Status = st
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		writeError(w, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		writeError(w, err)
		return
	}

	subjects, err := s.store.ListSubjects(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"students": subjects})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := model.ValidateSubjectID(id); err != nil {
		writeError(w, err)
		return
	}
	if !s.acquire(id) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "analysis already running for " + id})
		return
	}
	defer s.release(id)

	outcome, err := s.ctrl.Run(r.Context(), s.cacheFor(id), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := s.ctrl.Summary(r.Context(), s.existingCache(id), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.store.LoadSubjectHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	var patch model.SubjectPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	subj, err := s.store.UpsertSubjectProfile(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subj)
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	kind, err := stage.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := model.ValidateSubjectID(id); err != nil {
		writeError(w, err)
		return
	}
	if !s.acquire(id) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "analysis already running for " + id})
		return
	}
	defer s.release(id)

	res, err := s.ctrl.RunStage(r.Context(), s.cacheFor(id), id, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleInterventions(w http.ResponseWriter, r *http.Request) {
	ivs, err := s.store.ListInterventions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if ivs == nil {
		ivs = []model.Intervention{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"interventions": ivs})
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	status, err := model.ParseInterventionStatus(req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	iv, err := s.store.TransitionIntervention(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, iv)
}

func intParam(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &model.ValidationError{Field: name, Reason: "must be a non-negative integer"}
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var ve *model.ValidationError
	var se *stage.StageError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Error(), "field": ve.Field})
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no history"})
	case errors.As(err, &se):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": se.Error(), "stage": string(se.Kind)})
	default:
		zap.L().Error("server: request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
