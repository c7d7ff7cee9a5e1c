// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs generic batch-processing stages that pull from an
// input buffer, hand batches to a pausable worker pool and push results to
// an output buffer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/frontier/services/frontier/pool"
)

var meter = otel.Meter("frontier.pipeline")

var (
	// ErrInvalidConfig is returned by NewStage for a malformed StageConfig.
	ErrInvalidConfig = errors.New("pipeline: invalid stage config")

	// ErrStageStopped is returned when an operation needs a stage that has
	// not been stopped.
	ErrStageStopped = errors.New("pipeline: stage stopped")

	// ErrStageStarted is returned by Run and Seed on a stage that already
	// left the Created state.
	ErrStageStarted = errors.New("pipeline: stage already started")
)

// minWait bounds how often an admission check or an empty zero-timeout poll
// may repeat.
const minWait = time.Millisecond

// State is the lifecycle state of a Stage.
type State int

const (
	StateCreated State = iota
	StateRunning
	StatePaused
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StageConfig configures a Stage.
type StageConfig struct {
	// Name labels logs, metrics and the worker pool.
	Name string

	// Workers is the worker pool size. Must be > 0.
	Workers int

	// BatchSize is the maximum number of items per job. Must be > 0.
	BatchSize int

	// Timeout is how long one poll of the input waits. Must be >= 0.
	Timeout time.Duration

	// JobTimeout bounds a single job. Zero means no bound.
	JobTimeout time.Duration
}

// Validate checks the configuration.
func (c StageConfig) Validate() error {
	switch {
	case c.Workers <= 0:
		return fmt.Errorf("%w: workers must be > 0, got %d", ErrInvalidConfig, c.Workers)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be > 0, got %d", ErrInvalidConfig, c.BatchSize)
	case c.Timeout < 0:
		return fmt.Errorf("%w: negative timeout %s", ErrInvalidConfig, c.Timeout)
	case c.JobTimeout < 0:
		return fmt.Errorf("%w: negative job timeout %s", ErrInvalidConfig, c.JobTimeout)
	}
	return nil
}

// Stage repeatedly pulls a batch from its input, wraps it in a job and
// submits the job to its worker pool.
//
// Description:
//
//	The lifecycle is Created -> Running <-> Paused -> Stopped. While
//	Running the loop only pulls when the pool has a free worker, so input
//	stays in the buffer where it can still be re-ranked. While Paused the
//	loop does not pull and the pool starts no new job. A one-time seed
//	batch, if set, is submitted first regardless of BatchSize. Empty
//	batches are never submitted.
//
// Thread Safety: Safe for concurrent use.
type Stage[I, O any] struct {
	cfg     StageConfig
	in      InputBuffer[I]
	out     OutputBuffer[O]
	factory JobFactory[I, O]
	pool    *pool.Pool
	logger  *slog.Logger
	attrs   metric.MeasurementOption

	mu     sync.Mutex
	state  State
	seed   []I
	cancel context.CancelFunc
	done   chan struct{}

	metricsOnce sync.Once
	batches     metric.Int64Counter
	items       metric.Int64Counter
}

// NewStage creates a stage and its worker pool.
//
// Inputs:
//
//	cfg - Stage configuration. Must pass Validate.
//	in - Input buffer. Must not be nil.
//	out - Output buffer. Use Discard for a terminal stage.
//	factory - Builds the job for each batch. Must not be nil.
//	logger - If nil, uses slog.Default().
func NewStage[I, O any](cfg StageConfig, in InputBuffer[I], out OutputBuffer[O], factory JobFactory[I, O], logger *slog.Logger) (*Stage[I, O], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if in == nil || out == nil || factory == nil {
		return nil, fmt.Errorf("%w: nil input, output or factory", ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "stage"
	}
	logger = logger.With(slog.String("stage", cfg.Name))

	p, err := pool.New(pool.Config{Name: cfg.Name, Workers: cfg.Workers, JobTimeout: cfg.JobTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	return &Stage[I, O]{
		cfg:     cfg,
		in:      in,
		out:     out,
		factory: factory,
		pool:    p,
		logger:  logger,
		attrs:   metric.WithAttributes(attribute.String("stage", cfg.Name)),
		done:    make(chan struct{}),
	}, nil
}

func (s *Stage[I, O]) initMetrics() {
	s.metricsOnce.Do(func() {
		var err error
		s.batches, err = meter.Int64Counter("frontier_stage_batches_total",
			metric.WithDescription("Batches submitted to the worker pool"),
		)
		if err != nil {
			s.logger.Error("failed to create stage metric", slog.String("error", err.Error()))
		}
		s.items, err = meter.Int64Counter("frontier_stage_items_total",
			metric.WithDescription("Items submitted to the worker pool"),
		)
		if err != nil {
			s.logger.Error("failed to create stage metric", slog.String("error", err.Error()))
		}
	})
}

// Name returns the configured stage name.
func (s *Stage[I, O]) Name() string { return s.cfg.Name }

// Seed sets a batch submitted once, before the first poll, bypassing
// BatchSize. It must be called before Run.
func (s *Stage[I, O]) Seed(batch ...I) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return ErrStageStarted
	}
	s.seed = append(s.seed, batch...)
	return nil
}

// Start runs the stage loop in a new goroutine.
func (s *Stage[I, O]) Start(ctx context.Context) error {
	runCtx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	go s.loop(runCtx)
	return nil
}

// Run runs the stage loop until Stop is called or ctx is done. Either is
// a normal stop and returns nil.
func (s *Stage[I, O]) Run(ctx context.Context) error {
	runCtx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	s.loop(runCtx)
	return nil
}

func (s *Stage[I, O]) begin(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStopped:
		return nil, ErrStageStopped
	case StateCreated:
	default:
		return nil, ErrStageStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateRunning
	s.initMetrics()
	return runCtx, nil
}

func (s *Stage[I, O]) loop(ctx context.Context) {
	defer close(s.done)
	defer s.Stop()

	s.logger.Info("stage started",
		slog.Int("workers", s.cfg.Workers),
		slog.Int("batch_size", s.cfg.BatchSize),
		slog.Duration("timeout", s.cfg.Timeout),
	)

	s.mu.Lock()
	seed := s.seed
	s.seed = nil
	s.mu.Unlock()
	s.submit(ctx, seed)

	for ctx.Err() == nil {
		if s.State() == StatePaused || s.pool.Available() == 0 {
			if !s.sleep(ctx, s.cfg.Timeout) {
				break
			}
			continue
		}

		batch, err := s.in.PollN(ctx, s.cfg.BatchSize, s.cfg.Timeout)
		s.submit(ctx, batch)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			s.logger.Warn("input poll failed", slog.String("error", err.Error()))
		}
		if len(batch) == 0 && s.cfg.Timeout == 0 {
			if !s.sleep(ctx, minWait) {
				break
			}
		}
	}
	s.logger.Info("stage stopped")
}

// sleep waits for d (at least minWait) and reports false if ctx ended first.
func (s *Stage[I, O]) sleep(ctx context.Context, d time.Duration) bool {
	if d < minWait {
		d = minWait
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Stage[I, O]) submit(ctx context.Context, batch []I) {
	if len(batch) == 0 {
		return
	}
	job := pool.Job{Run: s.factory.NewJob(batch, s.out)}
	if err := s.pool.Submit(job); err != nil {
		s.logger.Warn("batch dropped", slog.Int("items", len(batch)), slog.String("error", err.Error()))
		return
	}
	if s.batches != nil {
		s.batches.Add(ctx, 1, s.attrs)
	}
	if s.items != nil {
		s.items.Add(ctx, int64(len(batch)), s.attrs)
	}
}

// Pause suspends pulling and stops the pool from starting new jobs.
func (s *Stage[I, O]) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	s.state = StatePaused
	s.pool.Pause()
}

// Resume undoes Pause.
func (s *Stage[I, O]) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return
	}
	s.state = StateRunning
	s.pool.Resume()
}

// Stop ends the loop, cancels running jobs and discards queued ones. It
// does not wait; use Done for that. Stop is idempotent.
func (s *Stage[I, O]) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	wasCreated := s.state == StateCreated
	s.state = StateStopped
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.pool.ShutdownNow()
	if wasCreated {
		close(s.done)
	}
}

// Done is closed once the loop has exited.
func (s *Stage[I, O]) Done() <-chan struct{} { return s.done }

// Wait blocks until the loop and every pool worker have exited.
func (s *Stage[I, O]) Wait() {
	<-s.done
	s.pool.Wait()
}

// State returns the lifecycle state.
func (s *Stage[I, O]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsIdle reports whether the input is empty and the pool has neither
// running nor queued jobs.
func (s *Stage[I, O]) IsIdle() bool {
	return s.in.IsEmpty() && s.pool.IsIdle() && s.pool.QueueLen() == 0
}

// PoolStats returns the worker pool counters.
func (s *Stage[I, O]) PoolStats() pool.Stats { return s.pool.Stats() }

var (
	_ Pausable  = (*Stage[int, int])(nil)
	_ Resumable = (*Stage[int, int])(nil)
	_ Stoppable = (*Stage[int, int])(nil)
)
