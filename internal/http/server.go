package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ignatij/goresearch/internal/log"
	"github.com/ignatij/goresearch/internal/metrics"
	"github.com/ignatij/goresearch/pkg/models"
	"github.com/ignatij/goresearch/pkg/service"
	"github.com/ignatij/goresearch/pkg/storage"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxBodyBytes = 1 << 20

// Server exposes the research engine over JSON/HTTP.
type Server struct {
	engine  *service.Engine
	metrics *metrics.Metrics // nil disables /metrics
}

func NewServer(engine *service.Engine, m *metrics.Metrics) *Server {
	return &Server{engine: engine, metrics: m}
}

// Router builds the chi router with every route and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", HealthHandler)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Get("/steps", s.listSteps)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)
		r.Get("/{id}", s.getSession)
		r.Delete("/{id}", s.deleteSession)
		r.Post("/{id}/advance", s.advance)
		r.Post("/{id}/resume", s.resume)
		r.Post("/{id}/fail", s.failSession)
		r.Get("/{id}/audit", s.auditTrail)
		r.Delete("/{id}/audit", s.purgeAudit)
	})

	return otelhttp.NewHandler(r, "goresearch-server")
}

// StartServer serves handler on addr until ctx is cancelled, then shuts down gracefully.
func StartServer(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting goresearch server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.GetLogger().Infof("Shutting down goresearch server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "goresearch server is running")
}

type stepView struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	RequiresInput bool   `json:"requires_input"`
	Terminal      bool   `json:"terminal"`
}

func (s *Server) listSteps(w http.ResponseWriter, r *http.Request) {
	steps := s.engine.Registry().Steps()
	views := make([]stepView, 0, len(steps))
	for _, st := range steps {
		views = append(views, stepView{
			Name:          st.Name,
			Description:   st.Description,
			RequiresInput: st.RequiresInput,
			Terminal:      st.Terminal,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type createRequest struct {
	Topic   string `json:"topic"`
	Advance bool   `json:"advance"` // run until the first pause right away
}

type createResponse struct {
	SessionID string                 `json:"session_id"`
	Result    *service.AdvanceResult `json:"result,omitempty"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id, err := s.engine.CreateSession(r.Context(), req.Topic)
	if err != nil {
		s.fail(w, "create session", err)
		return
	}
	s.sessionEvent("created")

	resp := createResponse{SessionID: id}
	if req.Advance {
		res, err := s.engine.Advance(r.Context(), id)
		if err != nil {
			s.fail(w, "advance session "+id, err)
			return
		}
		s.advanceEvent(res)
		resp.Result = &res
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.ListSessions(r.Context())
	if err != nil {
		s.fail(w, "list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.engine.GetSession(r.Context(), id)
	if err != nil {
		s.fail(w, "get session "+id, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := s.engine.DeleteSession(r.Context(), id)
	if err != nil {
		s.fail(w, "delete session "+id, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) advance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.engine.Advance(r.Context(), id)
	if err != nil {
		s.fail(w, "advance session "+id, err)
		return
	}
	s.advanceEvent(res)
	writeJSON(w, http.StatusOK, res)
}

// resume accepts a flat JSON object of string fields, e.g. {"details": "..."}.
func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	in := service.Input{}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := s.engine.Resume(r.Context(), id, in)
	if err != nil {
		s.fail(w, "resume session "+id, err)
		return
	}
	s.advanceEvent(res)
	writeJSON(w, http.StatusOK, res)
}

type failRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) failSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req failRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by user"
	}
	if err := s.engine.FailSession(r.Context(), id, req.Reason); err != nil {
		s.fail(w, "fail session "+id, err)
		return
	}
	s.sessionEvent("failed")
	sess, err := s.engine.GetSession(r.Context(), id)
	if err != nil {
		s.fail(w, "get session "+id, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) auditTrail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rows, err := s.engine.AuditTrail(r.Context(), id)
	if err != nil {
		s.fail(w, "audit trail of session "+id, err)
		return
	}
	if rows == nil {
		rows = []models.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) purgeAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.PurgeAudit(r.Context(), id); err != nil {
		s.fail(w, "purge audit of session "+id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) advanceEvent(res service.AdvanceResult) {
	switch {
	case res.Completed:
		s.sessionEvent("completed")
	case res.NeedsInput:
		s.sessionEvent("paused")
	}
}

func (s *Server) sessionEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvent(event)
	}
}

// fail maps engine errors to status codes: unknown ids are 404, caller misuse
// is 400 or 409, handler failures are 502 and can be retried.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrEmptyTopic), errors.Is(err, service.ErrInvalidInput):
		status = http.StatusBadRequest
	case service.IsPrecondition(err):
		status = http.StatusConflict
	case service.IsStepFailure(err):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		log.GetLogger().Errorf("Failed to %s: %v", op, err)
	}
	writeError(w, status, err.Error())
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeJSON tolerates an empty body so POSTs without payload work.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.GetLogger().WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}
