// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statusapi serves the health, status and metrics endpoints of a
// running frontier process.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/frontier/services/frontier/buffer"
	"github.com/AleutianAI/frontier/services/frontier/classifier"
	"github.com/AleutianAI/frontier/services/frontier/pool"
)

// ErrAlreadyStarted is returned by Start on a running server.
var ErrAlreadyStarted = errors.New("statusapi: server already started")

// Snapshot is the body of the status endpoint.
type Snapshot struct {
	RunID    string                       `json:"run_id"`
	Buffer   buffer.Stats                 `json:"buffer"`
	Stages   []pool.Stats                 `json:"stages"`
	Accuracy *classifier.AccuracySnapshot `json:"accuracy,omitempty"`
	Covered  int                          `json:"covered_branches"`
}

// Provider produces the current Snapshot.
type Provider interface {
	Snapshot() Snapshot
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() Snapshot

// Snapshot implements Provider.
func (f ProviderFunc) Snapshot() Snapshot { return f() }

// NewRouter builds the gin engine.
//
// Routes:
//
//	GET /v1/frontier/health - {"status":"ok"}
//	GET /v1/frontier/status - the provider's Snapshot
//	GET /metrics - metrics, only when metrics is not nil
func NewRouter(service string, provider Provider, metrics http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(service))

	v1 := router.Group("/v1/frontier")
	{
		v1.GET("/health", handleHealth)
		v1.GET("/status", handleStatus(provider))
	}
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	return router
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func handleStatus(provider Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		if provider == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no status provider"})
			return
		}
		c.JSON(http.StatusOK, provider.Snapshot())
	}
}

// Server runs the router on an http.Server.
//
// Thread Safety: Safe for concurrent use.
type Server struct {
	srv    *http.Server
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	errCh    chan error
}

// NewServer creates a server for handler on addr. A nil logger uses
// slog.Default().
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With(slog.String("component", "statusapi")),
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return ErrAlreadyStarted
	}
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	s.listener = ln
	errCh := make(chan error, 1)
	s.errCh = errCh
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	s.logger.Info("status server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully and returns the serve error, if any.
// Later calls return nil.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	errCh := s.errCh
	s.errCh = nil
	s.mu.Unlock()
	if errCh == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown status server: %w", ctx.Err())
	}
}
