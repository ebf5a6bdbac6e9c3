package main

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/moodring/moodring/cursor"
	"github.com/moodring/moodring/jetstream"
	"github.com/moodring/moodring/jobs"
	"github.com/moodring/moodring/manager"
	"github.com/moodring/moodring/resolver"
)

type Server struct {
	mgr      *manager.Manager
	client   *jetstream.Client
	resolver *resolver.Resolver
	flusher  *cursor.Flusher
	log      *slog.Logger
}

func (s *Server) runApiServer(bind string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORS())

	e.GET("/healthz", s.handleHealthz)
	e.GET("/debug", s.handleGetDebugInfo)
	e.GET("/status", s.handleGetStatus)
	e.GET("/stats", s.handleGetStats)

	e.POST("/jobs", s.handleStartJob)
	e.POST("/jobs/:id/complete", s.handleCompleteJob)
	e.DELETE("/jobs/:id", s.handleCancelJob)

	e.POST("/reconnect", s.handleReconnect)
	e.DELETE("/cursor", s.handleClearCursor)

	e.GET("/resolve/:did", s.handleResolveHandle)
	e.POST("/resolve", s.handleResolveHandles)

	return e.Start(bind)
}

func (s *Server) handleHealthz(e echo.Context) error {
	return e.JSON(200, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleGetDebugInfo(e echo.Context) error {
	return e.JSON(200, map[string]any{
		"cursor":   s.client.LastCursor(),
		"firehose": s.client.Metrics(),
		"resolver": s.resolver.Metrics(),
	})
}

func (s *Server) handleGetStatus(e echo.Context) error {
	return e.JSON(200, s.mgr.GetStatus())
}

func (s *Server) handleGetStats(e echo.Context) error {
	return e.JSON(200, s.mgr.GetStats())
}

type startJobRequest struct {
	JobID         string `json:"jobId"`
	Prompt        string `json:"prompt"`
	DurationMS    int64  `json:"durationMs"`
	CorrelationID string `json:"correlationId"`
}

func (s *Server) handleStartJob(e echo.Context) error {
	var req startJobRequest
	if err := e.Bind(&req); err != nil {
		return e.JSON(http.StatusBadRequest, map[string]any{
			"error": "invalid request body",
		})
	}

	mreq := manager.JobRequest{
		JobID:         req.JobID,
		Prompt:        req.Prompt,
		CorrelationID: req.CorrelationID,
	}
	if req.DurationMS > 0 {
		mreq.Duration = time.Duration(req.DurationMS) * time.Millisecond
	}

	if err := s.mgr.RegisterJob(e.Request().Context(), mreq); err != nil {
		switch {
		case errors.Is(err, jobs.ErrInvalidJob):
			return e.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
		case errors.Is(err, jobs.ErrDuplicateJob):
			return e.JSON(http.StatusConflict, map[string]any{"error": err.Error()})
		default:
			return e.JSON(http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		}
	}

	return e.JSON(http.StatusCreated, map[string]any{
		"jobId":     req.JobID,
		"listening": s.mgr.IsCurrentlyListening(),
	})
}

func (s *Server) handleCompleteJob(e echo.Context) error {
	id := e.Param("id")
	if err := s.mgr.CompleteJob(id); err != nil {
		if errors.Is(err, jobs.ErrUnknownJob) {
			return e.JSON(http.StatusNotFound, map[string]any{"error": err.Error()})
		}
		return err
	}
	return e.NoContent(http.StatusNoContent)
}

func (s *Server) handleCancelJob(e echo.Context) error {
	if err := s.mgr.CancelJob(e.Param("id")); err != nil {
		return err
	}
	return e.NoContent(http.StatusNoContent)
}

func (s *Server) handleReconnect(e echo.Context) error {
	if err := s.mgr.Reconnect(e.Request().Context()); err != nil {
		return e.JSON(http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
	}
	return e.JSON(200, s.mgr.GetStatus())
}

func (s *Server) handleClearCursor(e echo.Context) error {
	if err := s.flusher.ClearCursor(e.Request().Context()); err != nil {
		return err
	}
	s.client.SetLastCursor(0)
	return e.NoContent(http.StatusNoContent)
}

func (s *Server) handleResolveHandle(e echo.Context) error {
	did := e.Param("did")
	handle, ok := s.resolver.ResolveHandleOrNull(e.Request().Context(), did)
	if !ok {
		return e.JSON(http.StatusNotFound, map[string]any{
			"did":   did,
			"error": "handle not found",
		})
	}
	return e.JSON(200, map[string]any{
		"did":    did,
		"handle": handle,
	})
}

type resolveHandlesRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleResolveHandles(e echo.Context) error {
	var req resolveHandlesRequest
	if err := e.Bind(&req); err != nil {
		return e.JSON(http.StatusBadRequest, map[string]any{
			"error": "invalid request body",
		})
	}
	if len(req.IDs) == 0 {
		return e.JSON(http.StatusBadRequest, map[string]any{
			"error": "ids is required",
		})
	}
	return e.JSON(200, s.resolver.ResolveHandles(e.Request().Context(), req.IDs))
}
