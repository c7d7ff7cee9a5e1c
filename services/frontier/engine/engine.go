// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs a set of pipeline stages around a prioritized buffer
// until the work drains.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/frontier/services/frontier/buffer"
	"github.com/AleutianAI/frontier/services/frontier/telemetry"
)

var (
	tracer = otel.Tracer("frontier.engine")
	meter  = otel.Meter("frontier.engine")
)

var (
	// ErrInvalidConfig is returned by New for a malformed Config.
	ErrInvalidConfig = errors.New("engine: invalid config")

	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("engine: already running")
)

// Runner is a stage the engine starts, pauses and stops.
type Runner interface {
	Name() string
	Start(ctx context.Context) error
	Pause()
	Resume()
	Stop()
	IsIdle() bool
	Done() <-chan struct{}
}

// Reclassifier is the buffer side of the engine: the three reclassification
// passes and an emptiness check.
type Reclassifier interface {
	UpdateImprovabilityAndReclassify(ctx context.Context) buffer.ReclassifyResult
	UpdateNoveltyAndReclassify(ctx context.Context) buffer.ReclassifyResult
	UpdateInfeasibilityAndReclassify(ctx context.Context) buffer.ReclassifyResult
	IsEmpty() bool
}

// Config tunes the engine.
type Config struct {
	// ReclassifyInterval is the minimum time between reclassification
	// rounds. Zero disables reclassification.
	ReclassifyInterval time.Duration

	// PollInterval is how often the watchdog checks for quiescence.
	PollInterval time.Duration

	// QuiescencePolls is how many consecutive idle checks end the run.
	QuiescencePolls int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ReclassifyInterval: 100 * time.Millisecond,
		PollInterval:       20 * time.Millisecond,
		QuiescencePolls:    3,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.ReclassifyInterval < 0:
		return fmt.Errorf("%w: negative reclassify interval", ErrInvalidConfig)
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be > 0", ErrInvalidConfig)
	case c.QuiescencePolls < 1:
		return fmt.Errorf("%w: quiescence polls must be >= 1", ErrInvalidConfig)
	}
	return nil
}

// Report summarizes a run.
type Report struct {
	RunID     string        `json:"run_id"`
	Quiescent bool          `json:"quiescent"`
	Duration  time.Duration `json:"duration"`

	// Rounds is the number of reclassification rounds.
	Rounds int `json:"rounds"`

	// Moved counts items moved per heuristic.
	Moved map[string]int `json:"moved"`
}

// Engine orchestrates stages, reclassification and quiescence detection.
//
// Thread Safety: PauseAll, ResumeAll and RunID are safe to call while Run
// is executing.
type Engine struct {
	cfg     Config
	buf     Reclassifier
	runners []Runner
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	runID   string

	metricsOnce sync.Once
	rounds      metric.Int64Counter
}

// New creates an engine over buf and runners.
func New(cfg Config, buf Reclassifier, logger *slog.Logger, runners ...Runner) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if buf == nil {
		return nil, fmt.Errorf("%w: nil buffer", ErrInvalidConfig)
	}
	if len(runners) == 0 {
		return nil, fmt.Errorf("%w: no stages", ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		buf:     buf,
		runners: runners,
		logger:  logger.With(slog.String("component", "engine")),
	}, nil
}

func (e *Engine) initMetrics() {
	e.metricsOnce.Do(func() {
		var err error
		e.rounds, err = meter.Int64Counter("frontier_engine_reclassify_rounds_total",
			metric.WithDescription("Reclassification rounds run by the engine"),
		)
		if err != nil {
			e.logger.Error("failed to initialize engine metrics (observability degraded)",
				slog.String("error", err.Error()))
		}
	})
}

// RunID returns the identifier of the current or last run.
func (e *Engine) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

// Run starts every stage and blocks until the pipeline is quiescent or ctx
// ends. All stages are stopped before Run returns.
//
// Description:
//
//	Three goroutines share an errgroup: a reclassifier calling the buffer
//	passes at most once per ReclassifyInterval, a watchdog checking every
//	PollInterval that all stages are idle and the buffer is empty, and a
//	monitor that fails the group if a stage exits on its own. The run is
//	quiescent after QuiescencePolls consecutive idle checks.
//
// Outputs:
//
//	Report - Run summary. Quiescent is false when ctx ended first.
//	error - ctx.Err() on cancellation, or a stage start failure.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return Report{}, ErrAlreadyRunning
	}
	e.running = true
	e.runID = uuid.NewString()
	report := Report{RunID: e.runID, Moved: make(map[string]int)}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.initMetrics()
	ctx, span := tracer.Start(ctx, "engine.Run")
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, e.logger).With(slog.String("run_id", report.RunID))
	start := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer e.stopAll()
	for _, r := range e.runners {
		if err := r.Start(runCtx); err != nil {
			telemetry.RecordError(span, err)
			return report, fmt.Errorf("start stage %s: %w", r.Name(), err)
		}
	}
	logger.Info("engine started", slog.Int("stages", len(e.runners)))

	var (
		statsMu   sync.Mutex
		quiescent bool
	)
	g, gctx := errgroup.WithContext(runCtx)

	if e.cfg.ReclassifyInterval > 0 {
		g.Go(func() error {
			limiter := rate.NewLimiter(rate.Every(e.cfg.ReclassifyInterval), 1)
			for {
				if err := limiter.Wait(gctx); err != nil {
					return nil
				}
				moved := e.reclassify(gctx)
				statsMu.Lock()
				report.Rounds++
				for h, n := range moved {
					report.Moved[h] += n
				}
				statsMu.Unlock()
			}
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(e.cfg.PollInterval)
		defer ticker.Stop()
		idle := 0
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
			if e.idle() {
				idle++
			} else {
				idle = 0
			}
			if idle >= e.cfg.QuiescencePolls {
				statsMu.Lock()
				quiescent = true
				statsMu.Unlock()
				cancel()
				return nil
			}
		}
	})

	for _, r := range e.runners {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-r.Done():
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("stage %s exited unexpectedly", r.Name())
			}
		})
	}

	err := g.Wait()

	statsMu.Lock()
	report.Quiescent = quiescent
	statsMu.Unlock()
	report.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Bool("engine.quiescent", report.Quiescent),
		attribute.Int("engine.rounds", report.Rounds),
	)

	if err == nil && !report.Quiescent {
		err = ctx.Err()
	}
	if err != nil {
		telemetry.RecordError(span, err)
		logger.Warn("engine stopped", slog.String("error", err.Error()), slog.Duration("duration", report.Duration))
		return report, err
	}
	logger.Info("engine quiescent",
		slog.Duration("duration", report.Duration),
		slog.Int("rounds", report.Rounds),
	)
	return report, nil
}

// reclassify runs one round of the three passes.
func (e *Engine) reclassify(ctx context.Context) map[string]int {
	moved := map[string]int{
		"improvability": e.buf.UpdateImprovabilityAndReclassify(ctx).Moved,
		"novelty":       e.buf.UpdateNoveltyAndReclassify(ctx).Moved,
		"infeasibility": e.buf.UpdateInfeasibilityAndReclassify(ctx).Moved,
	}
	if e.rounds != nil {
		e.rounds.Add(ctx, 1)
	}
	return moved
}

func (e *Engine) idle() bool {
	if !e.buf.IsEmpty() {
		return false
	}
	for _, r := range e.runners {
		if !r.IsIdle() {
			return false
		}
	}
	return true
}

func (e *Engine) stopAll() {
	for _, r := range e.runners {
		r.Stop()
	}
	for _, r := range e.runners {
		<-r.Done()
	}
}

// PauseAll pauses every stage.
func (e *Engine) PauseAll() {
	for _, r := range e.runners {
		r.Pause()
	}
	e.logger.Info("stages paused")
}

// ResumeAll resumes every stage.
func (e *Engine) ResumeAll() {
	for _, r := range e.runners {
		r.Resume()
	}
	e.logger.Info("stages resumed")
}
