// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes workflow runs and collaborations over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jllopis/careflow/pkg/agent"
	"github.com/jllopis/careflow/pkg/audit"
	"github.com/jllopis/careflow/pkg/collab"
	"github.com/jllopis/careflow/pkg/orchestrator"
)

// Server wires the HTTP API to the orchestrator and the collaboration
// coordinator.
type Server struct {
	orch        *orchestrator.Orchestrator
	agents      *agent.Registry
	coordinator *collab.Coordinator
	audit       audit.Store
	logger      *slog.Logger
	mode        string
}

// Option configures a Server.
type Option func(*Server)

// WithAudit records every run in store.
func WithAudit(store audit.Store) Option {
	return func(s *Server) { s.audit = store }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMode sets the gin mode ("debug", "release" or "test").
func WithMode(mode string) Option {
	return func(s *Server) { s.mode = mode }
}

// New builds a Server.
func New(orch *orchestrator.Orchestrator, agents *agent.Registry, coordinator *collab.Coordinator, opts ...Option) *Server {
	s := &Server{
		orch:        orch,
		agents:      agents,
		coordinator: coordinator,
		logger:      slog.Default(),
		mode:        gin.ReleaseMode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the gin engine serving the API.
func (s *Server) Handler() *gin.Engine {
	if s.mode != "" {
		gin.SetMode(s.mode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	{
		workflows := api.Group("/workflows")
		{
			workflows.GET("", s.listWorkflows)
			workflows.GET("/:id", s.getWorkflow)
			workflows.POST("/:id/run", s.runWorkflow)
		}

		runs := api.Group("/runs")
		{
			runs.POST("", s.runAdhoc)
			runs.GET("", s.listRuns)
			runs.GET("/:id", s.getRun)
		}

		api.GET("/agents", s.listAgents)
		api.POST("/collaborations", s.collaborate)
	}
	return r
}

// ListenAndServe serves the API on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server.listen", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.InfoContext(c.Request.Context(), "http.request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
