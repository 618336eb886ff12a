// Package http provides the HTTP API for promptgrade.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptgrade/internal/evaluator"
	"github.com/fyrsmithlabs/promptgrade/internal/history"
	"github.com/fyrsmithlabs/promptgrade/internal/logging"
	"github.com/fyrsmithlabs/promptgrade/internal/secrets"
)

// maxBodyBytes bounds request bodies; prompts beyond this are rejected.
const maxBodyBytes = "2M"

// Evaluator runs one evaluation. *evaluator.Service implements it.
type Evaluator interface {
	RunEvaluation(ctx context.Context, input string, opts evaluator.Options) *evaluator.Result
}

var _ Evaluator = (*evaluator.Service)(nil)

// Server provides HTTP endpoints for promptgrade.
type Server struct {
	echo      *echo.Echo
	evaluator Evaluator
	redactor  *secrets.Redactor
	history   history.Store
	logger    *logging.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// RequestTimeout bounds one evaluation. Zero means no bound beyond the
	// client's own connection.
	RequestTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithRedactor enables POST /api/v1/redact.
func WithRedactor(r *secrets.Redactor) Option {
	return func(s *Server) { s.redactor = r }
}

// WithHistory records successful evaluations in store.
func WithHistory(store history.Store) Option {
	return func(s *Server) { s.history = store }
}

// NewServer creates a new HTTP server.
func NewServer(eval Evaluator, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if eval == nil {
		return nil, fmt.Errorf("evaluator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxBodyBytes))
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s := &Server{
		echo:      e,
		evaluator: eval,
		logger:    logger,
		config:    cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/evaluate", s.handleEvaluate)
	v1.POST("/redact", s.handleRedact)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleEvaluate runs one evaluation. Pipeline failures are part of the
// result and still answer 200; only malformed requests are rejected.
func (s *Server) handleEvaluate(c echo.Context) error {
	var req EvaluateRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid evaluate request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Input == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "input field is required")
	}
	opts, err := req.options()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}
	res := s.evaluator.RunEvaluation(ctx, req.Input, opts)
	s.record(ctx, req.Input, res)
	return c.JSON(http.StatusOK, res)
}

func (s *Server) record(ctx context.Context, input string, res *evaluator.Result) {
	if s.history == nil || !res.Recordable() {
		return
	}
	if err := s.history.Record(ctx, evaluator.HistoryRecord(input, res)); err != nil {
		s.logger.Warn(ctx, "recording evaluation failed", zap.String("run_id", res.RunID), zap.Error(err))
	}
}

// handleRedact returns content with secrets redacted, as it would be sent
// to a provider.
func (s *Server) handleRedact(c echo.Context) error {
	var req RedactRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}
	if !s.redactor.Enabled() {
		return c.JSON(http.StatusOK, RedactResponse{Content: req.Content})
	}

	result := s.redactor.Redact(c.Request().Context(), req.Content)
	s.logger.Debug(c.Request().Context(), "redacted content",
		zap.Int("findings", len(result.Findings)),
		zap.Duration("duration", result.Duration),
	)
	return c.JSON(http.StatusOK, RedactResponse{
		Content:       result.Content,
		FindingsCount: len(result.Findings),
		Findings:      result.Findings,
	})
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
