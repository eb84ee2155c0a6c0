package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"exception-collector/internal/apperr"
	"exception-collector/internal/config"
	"exception-collector/internal/coordinator"
	"exception-collector/internal/loader"
	"exception-collector/internal/models"
	"exception-collector/internal/queue"
	"exception-collector/internal/telemetry"
)

// Limiter guards mutations per actor.
type Limiter interface {
	CheckActor(ctx context.Context, actor string) error
}

// Server wires HTTP handlers for the exception API.
type Server struct {
	cfg      config.Config
	coord    *coordinator.Coordinator
	loaders  *loader.Factory
	limiter  Limiter
	queue    *queue.RedisQueue
	reporter *apperr.Reporter
	logger   *slog.Logger
}

// New constructs the API server. limiter and q may be nil.
func New(cfg config.Config, coord *coordinator.Coordinator, loaders *loader.Factory, limiter Limiter, q *queue.RedisQueue, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		coord:    coord,
		loaders:  loaders,
		limiter:  limiter,
		queue:    q,
		reporter: coord.Reporter(),
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.loaders.Middleware)

		r.Post("/exceptions", s.handleCapture)
		r.Get("/exceptions", s.handleList)
		r.Post("/exceptions/bulk/acknowledge", s.handleBulkAcknowledge)
		r.Post("/exceptions/bulk/retry", s.handleBulkRetry)

		r.Route("/exceptions/{transactionID}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/retries", s.handleRetries)
			r.Post("/acknowledge", s.handleAcknowledge)
			r.Post("/resolve", s.handleResolve)
			r.Post("/retry", s.handleRetry)
			r.Post("/retry/cancel", s.handleCancelRetry)
		})

		if s.queue != nil {
			r.Get("/dlq", s.handleDLQ)
		}
	})
	return r
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var ev coordinator.FailureEvent
	if !s.decode(w, r, "recordFailureEvent", &ev) {
		return
	}
	if ev.Source == "" {
		ev.Source = "api"
	}
	rec, created, err := s.coord.RecordFailureEvent(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, "recordFailureEvent", err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, map[string]any{"exception": rec, "created": created})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	params, inc, err := parseListQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, r, "listExceptions", err)
		return
	}
	page, err := s.coord.ListExceptions(r.Context(), params)
	if err != nil {
		s.writeError(w, r, "listExceptions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  s.expand(r.Context(), page.Items, inc),
		"total":  page.Total,
		"offset": params.Offset,
		"count":  len(page.Items),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	inc, err := parseIncludes(r.URL.Query().Get("include"))
	if err != nil {
		s.writeError(w, r, "getException", err)
		return
	}
	rec, err := s.coord.GetException(r.Context(), chi.URLParam(r, "transactionID"))
	if err != nil {
		s.writeError(w, r, "getException", err)
		return
	}
	writeJSON(w, http.StatusOK, s.expand(r.Context(), []models.ExceptionRecord{rec}, inc)[0])
}

func (s *Server) handleRetries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionID")
	history, err := s.coord.RetryHistory(r.Context(), id)
	if err != nil {
		s.writeError(w, r, "retryHistory", err)
		return
	}
	stats := models.SummarizeAttempts(history)
	writeJSON(w, http.StatusOK, map[string]any{
		"transactionId":  id,
		"attempts":       history,
		"statistics":     stats,
		"pendingCount":   stats.Pending,
		"canCancelRetry": stats.Pending > 0,
	})
}

type mutationRequest struct {
	Actor            string                  `json:"actor"`
	Notes            string                  `json:"notes"`
	Reason           string                  `json:"reason"`
	ResolutionMethod models.ResolutionMethod `json:"resolutionMethod"`
	ExpectedVersion  *int64                  `json:"expectedVersion"`
}

func (s *Server) mutation(w http.ResponseWriter, r *http.Request, op string) (mutationRequest, bool) {
	var req mutationRequest
	if !s.decode(w, r, op, &req) {
		return req, false
	}
	if req.Actor == "" {
		req.Actor = r.Header.Get("X-Actor")
	}
	if !s.allow(w, r, op, req.Actor) {
		return req, false
	}
	return req, true
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, op, actor string) bool {
	if s.limiter == nil || actor == "" {
		return true
	}
	if err := s.limiter.CheckActor(r.Context(), actor); err != nil {
		s.writeError(w, r, op, err)
		return false
	}
	return true
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	req, ok := s.mutation(w, r, "acknowledge")
	if !ok {
		return
	}
	rec, err := s.coord.Acknowledge(r.Context(), coordinator.AcknowledgeInput{
		TransactionID:   chi.URLParam(r, "transactionID"),
		Actor:           req.Actor,
		Notes:           req.Notes,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		s.writeError(w, r, "acknowledge", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	req, ok := s.mutation(w, r, "resolve")
	if !ok {
		return
	}
	rec, err := s.coord.Resolve(r.Context(), coordinator.ResolveInput{
		TransactionID:   chi.URLParam(r, "transactionID"),
		Actor:           req.Actor,
		Method:          req.ResolutionMethod,
		Notes:           req.Notes,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		s.writeError(w, r, "resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	req, ok := s.mutation(w, r, "initiateRetry")
	if !ok {
		return
	}
	out, err := s.coord.InitiateRetry(r.Context(), coordinator.RetryInput{
		TransactionID:   chi.URLParam(r, "transactionID"),
		Actor:           req.Actor,
		Reason:          req.Reason,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		s.writeError(w, r, "initiateRetry", err)
		return
	}
	code := http.StatusOK
	if out.Attempt.Status == models.RetryPending {
		code = http.StatusAccepted
	}
	writeJSON(w, code, out)
}

func (s *Server) handleCancelRetry(w http.ResponseWriter, r *http.Request) {
	req, ok := s.mutation(w, r, "cancelRetry")
	if !ok {
		return
	}
	attempt, err := s.coord.CancelRetry(r.Context(), coordinator.CancelInput{
		TransactionID: chi.URLParam(r, "transactionID"),
		Actor:         req.Actor,
		Reason:        req.Reason,
	})
	if err != nil {
		s.writeError(w, r, "cancelRetry", err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

type bulkRequest struct {
	TransactionIDs []string `json:"transactionIds"`
	Actor          string   `json:"actor"`
	Notes          string   `json:"notes"`
	Reason         string   `json:"reason"`
}

func (s *Server) handleBulkAcknowledge(w http.ResponseWriter, r *http.Request) {
	s.bulk(w, r, "bulkAcknowledge", func(ctx context.Context, req bulkRequest) (coordinator.BulkResult, error) {
		return s.coord.BulkAcknowledge(ctx, req.TransactionIDs, req.Actor, req.Notes)
	})
}

func (s *Server) handleBulkRetry(w http.ResponseWriter, r *http.Request) {
	s.bulk(w, r, "bulkRetry", func(ctx context.Context, req bulkRequest) (coordinator.BulkResult, error) {
		return s.coord.BulkRetry(ctx, req.TransactionIDs, req.Actor, req.Reason)
	})
}

func (s *Server) bulk(w http.ResponseWriter, r *http.Request, op string, run func(context.Context, bulkRequest) (coordinator.BulkResult, error)) {
	var req bulkRequest
	if !s.decode(w, r, op, &req) {
		return
	}
	if req.Actor == "" {
		req.Actor = r.Header.Get("X-Actor")
	}
	if !s.allow(w, r, op, req.Actor) {
		return
	}
	res, err := run(r.Context(), req)
	if err != nil {
		pub := s.reporter.Public(r.Context(), op, err)
		writeJSON(w, pub.HTTPStatus, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDLQ returns the dead-lettered inbound events.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	count := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 && n <= 1000 {
			count = n
		}
	}
	items, err := s.queue.DLQPeek(r.Context(), count)
	if err != nil {
		s.writeError(w, r, "dlq", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, op string, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, op, apperr.Validation(apperr.CodeInvalidField, "body", "request body is not valid JSON"))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	pub := s.reporter.Public(r.Context(), op, err)
	if pub.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(pub.RetryAfterSeconds))
	}
	writeJSON(w, pub.HTTPStatus, map[string]any{"error": pub})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
