package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/trackfill/internal/datastore"
	"github.com/tphakala/trackfill/internal/errors"
	"github.com/tphakala/trackfill/internal/logger"
	"github.com/tphakala/trackfill/internal/privacy"
	"github.com/tphakala/trackfill/internal/runner"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// SubmitResponse acknowledges an accepted propagation request.
type SubmitResponse struct {
	RunID  string              `json:"run_id"`
	Status datastore.RunStatus `json:"status"`
}

// RunResponse is a ledger entry with its created ids decoded.
type RunResponse struct {
	*datastore.Run
	CreatedIDs []int64 `json:"created_ids,omitempty"`
}

func (s *Server) initRoutes() {
	s.Echo.GET("/health", s.HealthCheck)
	if s.metrics != nil {
		s.Echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	api := s.Echo.Group("/api/v1")
	api.POST("/propagations", s.SubmitPropagation)
	api.GET("/propagations", s.ListPropagations)
	api.GET("/propagations/:id", s.GetPropagation)
}

// HealthCheck reports liveness and whether the ledger answers.
func (s *Server) HealthCheck(c echo.Context) error {
	response := map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().Format(time.RFC3339),
		"uptime":         time.Since(s.startTime).String(),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	}

	dbStatus := "connected"
	if s.ledger == nil {
		dbStatus = "disabled"
	} else if _, err := s.ledger.ListRuns(c.Request().Context(), 1); err != nil {
		dbStatus = "disconnected"
		response["database_error"] = err.Error()
	}
	response["database_status"] = dbStatus

	return c.JSON(http.StatusOK, response)
}

// SubmitPropagation records a run and executes it in the background.
func (s *Server) SubmitPropagation(c echo.Context) error {
	if s.runner == nil {
		return s.HandleError(c, nil, "propagation is not available", http.StatusServiceUnavailable)
	}

	req := runner.Request{ToFrame: -1}
	if err := c.Bind(&req); err != nil {
		s.recordSubmit("rejected")
		return s.HandleError(c, err, "invalid request body", http.StatusBadRequest)
	}

	runID, err := s.runner.Begin(c.Request().Context(), req)
	if err != nil {
		s.recordSubmit("rejected")
		if errors.IsCategory(err, errors.CategoryValidation) {
			return s.HandleError(c, err, "invalid propagation request", http.StatusBadRequest)
		}
		return s.HandleError(c, err, "failed to record run", http.StatusInternalServerError)
	}
	s.recordSubmit("accepted")

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		// the outcome is recorded in the ledger; errors are logged by the runner
		_, _ = s.runner.Execute(s.runCtx, runID, req)
	}()

	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/propagations/"+runID)
	return c.JSON(http.StatusAccepted, SubmitResponse{RunID: runID, Status: datastore.StatusRunning})
}

// GetPropagation returns one ledger entry.
func (s *Server) GetPropagation(c echo.Context) error {
	if s.ledger == nil {
		return s.HandleError(c, nil, "run ledger is not available", http.StatusServiceUnavailable)
	}

	run, err := s.ledger.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.IsNotFound(err) {
			return s.HandleError(c, err, "run not found", http.StatusNotFound)
		}
		return s.HandleError(c, err, "failed to read run", http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, newRunResponse(run))
}

// ListPropagations returns recent runs, newest first.
func (s *Server) ListPropagations(c echo.Context) error {
	if s.ledger == nil {
		return s.HandleError(c, nil, "run ledger is not available", http.StatusServiceUnavailable)
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return s.HandleError(c, err, "limit must be a non-negative integer", http.StatusBadRequest)
		}
		limit = n
	}

	runs, err := s.ledger.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return s.HandleError(c, err, "failed to list runs", http.StatusInternalServerError)
	}

	out := make([]RunResponse, 0, len(runs))
	for i := range runs {
		out = append(out, newRunResponse(&runs[i]))
	}
	return c.JSON(http.StatusOK, out)
}

// HandleError logs err under a correlation id and writes an ErrorResponse.
func (s *Server) HandleError(c echo.Context, err error, message string, code int) error {
	resp := ErrorResponse{
		Error:         message,
		Message:       message,
		Code:          code,
		CorrelationID: uuid.NewString()[:8],
	}
	if err != nil {
		resp.Error = privacy.ScrubMessage(err.Error())
	}

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("message", message),
		logger.Int("code", code),
		logger.String("path", c.Path()),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if code >= http.StatusInternalServerError {
		s.log.Error("API error", fields...)
	} else {
		s.log.Debug("API error", fields...)
	}

	return c.JSON(code, resp)
}

func (s *Server) recordSubmit(result string) {
	if s.metrics != nil && s.metrics.HTTP != nil {
		s.metrics.HTTP.RecordRunSubmitted(result)
	}
}

func newRunResponse(run *datastore.Run) RunResponse {
	ids, _ := run.LocalizationIDs()
	return RunResponse{Run: run, CreatedIDs: ids}
}

// waitForRuns blocks until background runs finish or ctx ends.
func (s *Server) waitForRuns(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
