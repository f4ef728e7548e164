// Package server exposes a reconciliation service over HTTP.
//
// Uploads replace a dataset wholesale and publish a new snapshot. Read
// endpoints serve the latest completed run; when newer data has been
// uploaded since that run, responses carry an X-Result-Stale: true header.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ledger-reconciliation-service/internal/reconciler"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// StaleHeader marks responses built from a run on superseded data
const StaleHeader = "X-Result-Stale"

// Config holds HTTP server options
type Config struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes" yaml:"max_upload_bytes"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DefaultConfig returns the default server options
func DefaultConfig() *Config {
	return &Config{
		Addr:            ":8080",
		MaxUploadBytes:  32 << 20,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    2 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Server routes HTTP requests to a reconciliation service
type Server struct {
	service *reconciler.Service
	config  *Config
	router  chi.Router
	logger  logger.Logger

	// runCtx outlives requests; background runs started over HTTP use it
	runCtx context.Context
}

// New creates a server. ctx bounds background runs started by requests.
func New(ctx context.Context, service *reconciler.Service, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Server{
		service: service,
		config:  config,
		logger:  logger.GetGlobalLogger().WithComponent("http_server"),
		runCtx:  ctx,
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/upload/transactions", s.handleUploadTransactions)
		r.Post("/upload/general-ledger", s.handleUploadLedger)
		r.Post("/reconcile", s.handleReconcile)
		r.Post("/detect-anomalies", s.handleStartRun)

		r.Get("/dashboard/stats", s.handleDashboard)
		r.Get("/reconciliation/results", s.handleResults)
		r.Get("/anomalies", s.handleAnomalies)
		r.Get("/data-quality", s.handleDataQuality)
		r.Get("/export/reconciliation", s.handleExport)
		r.Get("/runs/latest", s.handleLatestRun)
	})
	return r
}

// ListenAndServe serves until ctx ends, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.config.Addr).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.Wrap(err, errors.CategoryConfiguration, errors.CodeInvalidConfig, "HTTP server failed").
			WithContext("addr", s.config.Addr)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.WithFields(logger.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
		}).Debug("HTTP request")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Warn("Failed to write response")
	}
}

type errorResponse struct {
	Error      string               `json:"error"`
	Code       errors.ErrorCode     `json:"code,omitempty"`
	Category   errors.ErrorCategory `json:"category,omitempty"`
	Suggestion string               `json:"suggestion,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorResponse{Error: err.Error()}

	if re, ok := errors.AsReconcilerError(err); ok {
		status = statusFor(re)
		body = errorResponse{
			Error:      re.Message,
			Code:       re.Code,
			Category:   re.Category,
			Suggestion: re.Suggestion,
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}
	s.writeJSON(w, status, body)
}

func statusFor(err *errors.ReconcilerError) int {
	switch err.Category {
	case errors.CategoryFile, errors.CategorySchema, errors.CategoryValidation, errors.CategoryConfiguration:
		return http.StatusBadRequest
	case errors.CategoryStorage:
		return http.StatusServiceUnavailable
	}
	if err.Code == errors.CodeRunCancelled {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeNotFound(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusNotFound, errorResponse{Error: message})
}

func badRequest(field, message string) *errors.ReconcilerError {
	return errors.New(errors.CategoryValidation, errors.CodeOutOfRange, message).
		WithContext("field", field)
}

func setStale(w http.ResponseWriter, stale bool) {
	if stale {
		w.Header().Set(StaleHeader, "true")
	} else {
		w.Header().Set(StaleHeader, "false")
	}
}
