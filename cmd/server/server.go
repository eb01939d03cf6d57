package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/metaengine/activities"
	"github.com/liamcoop/metaengine/calculation"
	"github.com/liamcoop/metaengine/expression"
	"github.com/liamcoop/metaengine/hooks"
	"github.com/liamcoop/metaengine/internal/logger"
	"github.com/liamcoop/metaengine/metadata"
	"github.com/liamcoop/metaengine/metrics"
	"github.com/liamcoop/metaengine/registry"
)

// Deps are the collaborators the HTTP surface is built over. DB may be nil
// when nothing is backed by Postgres.
type Deps struct {
	DB             *sql.DB
	Registry       *registry.Registry
	Evaluator      *expression.Evaluator
	Engine         *calculation.Engine
	Agreements     *calculation.Service
	AgreementStore calculation.AgreementStore
	Hooks          *hooks.Manager
	Pipeline       *hooks.Pipeline
	Audit          hooks.AuditStore
	Activities     *activities.Activities
	Metrics        *metrics.Collector
	RequestTimeout time.Duration
}

type Server struct {
	Deps
	router *chi.Mux
}

func NewServer(deps Deps) *Server {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 60 * time.Second
	}
	s := &Server{Deps: deps}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.RequestTimeout))

	r.Get("/api/v1/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.Metrics.Registry(), promhttp.HandlerOpts{}))

	// Compiled metadata and admin mutations
	r.Route("/api/v1/types/{tenantId}/{marketContext}/{typeCode}", func(r chi.Router) {
		r.Get("/", s.handleGetDefinition)
		r.Put("/", s.handleSaveType)
		r.Delete("/", s.handleDeactivateType)
		r.Get("/fields", s.handleListFields)
		r.Get("/fields/{name}", s.handleGetField)
		r.Get("/calculated-fields", s.handleCalculatedFields)
		r.Get("/layout", s.handleGetLayout)
		r.Post("/refresh", s.handleRefreshType)
	})
	r.Route("/api/v1/attributes/{tenantId}/{marketContext}/{name}", func(r chi.Router) {
		r.Put("/", s.handleSaveAttribute)
		r.Delete("/", s.handleDeactivateAttribute)
	})

	r.Route("/api/v1/cache", func(r chi.Router) {
		r.Get("/stats", s.handleCacheStats)
		r.Post("/refresh", s.handleRefreshAll)
		r.Delete("/{tenantId}/{marketContext}/{typeCode}", s.handleEvict)
	})

	// Expressions and calculations
	r.Post("/api/v1/expressions/validate", s.handleValidateExpression)
	r.Post("/api/v1/expressions/evaluate", s.handleEvaluateExpression)
	r.Post("/api/v1/calculate", s.handleCalculate)
	r.Route("/api/v1/agreements", func(r chi.Router) {
		r.Post("/", s.handleSaveAgreement)
		r.Get("/{agreementId}", s.handleGetAgreement)
		r.Post("/{agreementId}/recalculate", s.handleRecalculate)
	})

	// Hooks and message processing
	r.Route("/api/v1/hooks", func(r chi.Router) {
		r.Get("/", s.handleListHooks)
		r.Post("/", s.handleCreateHook)
		r.Post("/test", s.handleTestHook)
		r.Get("/{hookName}", s.handleGetHook)
		r.Put("/{hookName}", s.handleUpdateHook)
		r.Delete("/{hookName}", s.handleDeleteHook)
		r.Post("/{hookName}/enable", s.handleSetHookEnabled(true))
		r.Post("/{hookName}/disable", s.handleSetHookEnabled(false))
	})
	r.Post("/api/v1/messages", s.handleProcessMessage)
	r.Get("/api/v1/messages/{correlationId}/executions", s.handleListExecutions)

	// Workflow activities
	r.Post("/api/v1/activities/{activity}", s.handleActivity)

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs one line per request and counts the response status.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logger.HTTPStatus(status)
		s.Metrics.ObserveHTTP(r.Method, status)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.DB != nil {
		if err := s.DB.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	cached := 0
	for _, st := range s.Registry.CacheStats() {
		cached += st.Size
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"cachedEntries": cached,
	})
}

// Helper functions

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
		var ee *expression.Error
		if errors.As(err, &ee) {
			resp.Kind = string(ee.Kind)
		}
		var ae *activities.Error
		if errors.As(err, &ae) {
			resp.Kind = ae.Kind
			retryable := ae.Retryable
			resp.Retryable = &retryable
		}
	}
	respondJSON(w, status, resp)
}

// respondFailure maps an engine error to its HTTP status.
func respondFailure(w http.ResponseWriter, message string, err error) {
	respondError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, metadata.ErrNotFound),
		errors.Is(err, hooks.ErrHookNotFound),
		errors.Is(err, calculation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, hooks.ErrDuplicateHook):
		return http.StatusConflict
	case errors.Is(err, calculation.ErrInvalid):
		return http.StatusUnprocessableEntity
	}

	var ae *activities.Error
	if errors.As(err, &ae) && ae.Kind == "INVALID_INPUT" {
		return http.StatusBadRequest
	}

	var ee *expression.Error
	if !errors.As(err, &ee) {
		return http.StatusInternalServerError
	}
	switch ee.Kind {
	case expression.KindSecurityViolation:
		return http.StatusForbidden
	case expression.KindSyntax, expression.KindConfiguration:
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}
