// Package httpserver exposes propagation runs over HTTP: submit a run, read
// its ledger entry, list recent runs, health and Prometheus metrics.
package httpserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/trackfill/internal/datastore"
	"github.com/tphakala/trackfill/internal/errors"
	"github.com/tphakala/trackfill/internal/logger"
	"github.com/tphakala/trackfill/internal/observability"
	"github.com/tphakala/trackfill/internal/privacy"
	"github.com/tphakala/trackfill/internal/runner"
)

const componentName = "httpserver"

// Runner starts propagation runs. *runner.Runner implements it.
type Runner interface {
	Begin(ctx context.Context, req runner.Request) (string, error)
	Execute(ctx context.Context, runID string, req runner.Request) (runner.Report, error)
}

// Ledger reads recorded runs. datastore.Interface implements it.
type Ledger interface {
	GetRun(ctx context.Context, id string) (*datastore.Run, error)
	ListRuns(ctx context.Context, limit int) ([]datastore.Run, error)
}

// Config wires a Server.
type Config struct {
	Port    string
	Runner  Runner
	Ledger  Ledger
	Metrics *observability.Metrics // optional; enables /metrics
	Logger  logger.Logger          // optional
}

// Server is the HTTP API.
type Server struct {
	Echo *echo.Echo

	port    string
	runner  Runner
	ledger  Ledger
	metrics *observability.Metrics
	log     logger.Logger

	startTime time.Time

	// runs submitted over HTTP outlive their request
	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup
}

// New builds the server and registers its routes. It does not listen.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	runCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		Echo:      echo.New(),
		port:      cfg.Port,
		runner:    cfg.Runner,
		ledger:    cfg.Ledger,
		metrics:   cfg.Metrics,
		log:       log,
		startTime: time.Now(),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
	s.Echo.HideBanner = true
	s.Echo.HidePort = true
	s.configureMiddleware()
	s.initRoutes()
	return s
}

// Start listens in a background goroutine and returns immediately.
func (s *Server) Start() {
	errChan := make(chan error, 1)
	go func() {
		if err := s.Echo.Start(":" + s.port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()
	go s.handleServerError(errChan)

	s.log.Info("HTTP server started", logger.String("port", s.port))
}

func (s *Server) handleServerError(errChan <-chan error) {
	for err := range errChan {
		s.log.Error("HTTP server error", logger.Error(err))
	}
}

// Shutdown stops accepting requests, cancels runs still in progress and
// waits for them to record their outcome.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Echo.Shutdown(ctx)
	s.cancelRun()
	if waitErr := s.waitForRuns(ctx); waitErr != nil {
		return errors.Join(err, waitErr)
	}
	return err
}

func (s *Server) configureMiddleware() {
	s.Echo.Use(middleware.Recover())
	s.Echo.Use(s.metricsMiddleware())
	s.setupRequestLogger()
}

// metricsMiddleware records every request on the HTTP collectors.
func (s *Server) metricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.metrics == nil || s.metrics.HTTP == nil {
				return next(c)
			}
			s.metrics.HTTP.RequestStarted()
			defer s.metrics.HTTP.RequestFinished()

			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			s.metrics.HTTP.RecordHTTPRequest(c.Request().Method, c.Path(), status, time.Since(start).Seconds())
			return err
		}
	}
}

// setupRequestLogger logs one line per request, at a level chosen by status.
func (s *Server) setupRequestLogger() {
	httpLogger := s.log.With(logger.String("component", "http.request"))

	s.Echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogMethod:    true,
		LogError:     true,
		LogUserAgent: true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", privacy.RedactURL(v.URI)),
				logger.Int("status", v.Status),
				logger.Duration("latency", v.Latency),
				logger.String("remote_ip", v.RemoteIP),
				logger.String("user_agent", v.UserAgent),
			}
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
			}

			switch {
			case v.Status >= http.StatusInternalServerError:
				httpLogger.Error("request failed", fields...)
			case v.Status >= http.StatusBadRequest:
				httpLogger.Warn("request rejected", fields...)
			default:
				httpLogger.Debug("request served", fields...)
			}
			return nil
		},
	}))
}
