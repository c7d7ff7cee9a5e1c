// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pool provides a fixed-size worker pool that can be paused and
// resumed without losing queued work.
package pool

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
)

var meter = otel.Meter("frontier.pool")

var (
	// ErrPoolShutdown is returned by Submit after ShutdownNow.
	ErrPoolShutdown = errors.New("pool: shut down")

	// ErrInvalidConfig is returned by New for a malformed Config.
	ErrInvalidConfig = errors.New("pool: invalid config")

	// ErrJobPanicked wraps the value recovered from a panicking job.
	ErrJobPanicked = errors.New("pool: job panicked")
)

// Job is one unit of work.
type Job struct {
	// ID identifies the job in logs. A random ID is assigned when empty.
	ID string

	// Run does the work. It must return promptly once ctx is cancelled.
	Run func(ctx context.Context) error
}

// Config configures a Pool.
type Config struct {
	// Name labels logs and metrics.
	Name string

	// Workers is the number of goroutines. Must be > 0.
	Workers int

	// JobTimeout bounds a single job. Zero means no bound.
	JobTimeout time.Duration
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Paused    bool   `json:"paused"`
	Shutdown  bool   `json:"shutdown"`
}

// Pool executes submitted jobs on a fixed set of workers.
//
// Description:
//
//	Submitted jobs wait in an unbounded FIFO queue. A paused pool lets
//	running jobs finish but no worker takes a new job until Resume.
//	ShutdownNow cancels the context of running jobs and discards queued
//	ones. Errors and panics are contained to the job that raised them.
//
// Thread Safety: Safe for concurrent use.
type Pool struct {
	name       string
	workers    int
	jobTimeout time.Duration
	logger     *slog.Logger
	attrs      metric.MeasurementOption

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Job
	active    int
	paused    bool
	shutdown  bool
	completed int64
	failed    int64

	metricsOnce sync.Once
	jobsTotal   metric.Int64Counter
	activeJobs  metric.Int64UpDownCounter
	jobLatency  metric.Float64Histogram
}

// New starts a pool with cfg.Workers goroutines.
//
// Inputs:
//
//	cfg - Pool configuration. Workers must be > 0 and JobTimeout >= 0.
//	logger - If nil, uses slog.Default().
//
// Outputs:
//
//	*Pool - The running pool.
//	error - ErrInvalidConfig if cfg is malformed.
func New(cfg Config, logger *slog.Logger) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("%w: workers must be > 0, got %d", ErrInvalidConfig, cfg.Workers)
	}
	if cfg.JobTimeout < 0 {
		return nil, fmt.Errorf("%w: negative job timeout", ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "pool"
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:       cfg.Name,
		workers:    cfg.Workers,
		jobTimeout: cfg.JobTimeout,
		logger:     logger.With(slog.String("pool", cfg.Name)),
		attrs:      metric.WithAttributes(attribute.String("pool", cfg.Name)),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.cond = sync.NewCond(&p.mu)
	p.initMetrics()

	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p, nil
}

func (p *Pool) initMetrics() {
	p.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		p.jobsTotal, err = meter.Int64Counter("frontier_pool_jobs_total",
			metric.WithDescription("Jobs finished by outcome"),
		)
		if err != nil {
			initErrors = append(initErrors, "jobs_total: "+err.Error())
		}

		p.activeJobs, err = meter.Int64UpDownCounter("frontier_pool_active_jobs",
			metric.WithDescription("Jobs currently executing"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_jobs: "+err.Error())
		}

		p.jobLatency, err = meter.Float64Histogram("frontier_pool_job_duration_seconds",
			metric.WithDescription("Job execution time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "job_duration: "+err.Error())
		}

		if len(initErrors) > 0 {
			p.logger.Error("failed to initialize some pool metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Submit enqueues job. It never blocks.
func (p *Pool) Submit(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("pool %s: job has no Run func", p.name)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return ErrPoolShutdown
	}
	p.queue = append(p.queue, job)
	p.cond.Signal()
	return nil
}

// Pause stops workers from taking new jobs. Running jobs complete.
func (p *Pool) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	p.logger.Debug("pool paused")
}

// Resume releases workers blocked by Pause.
func (p *Pool) Resume() {
	p.mu.Lock()
	p.paused = false
	p.cond.Broadcast()
	p.mu.Unlock()
	p.logger.Debug("pool resumed")
}

// ShutdownNow cancels running jobs, discards queued ones and stops the
// workers. It returns the number of discarded jobs. Calling it again
// returns 0.
func (p *Pool) ShutdownNow() int {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return 0
	}
	p.shutdown = true
	dropped := len(p.queue)
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.cancel()
	if dropped > 0 {
		p.logger.Info("pool shut down with queued jobs", slog.Int("discarded", dropped))
	}
	return dropped
}

// Wait blocks until every worker has exited. Only meaningful after
// ShutdownNow.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// IsIdle reports whether no worker is executing a job.
func (p *Pool) IsIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active == 0
}

// ActiveCount returns the number of jobs executing.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// QueueLen returns the number of submitted jobs not yet started.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Available returns how many more jobs can start without queuing.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.workers - p.active - len(p.queue)
	if n < 0 {
		return 0
	}
	return n
}

// Capacity returns the number of workers.
func (p *Pool) Capacity() int { return p.workers }

// IsPaused reports whether Pause is in effect.
func (p *Pool) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    p.active,
		Queued:    len(p.queue),
		Completed: p.completed,
		Failed:    p.failed,
		Paused:    p.paused,
		Shutdown:  p.shutdown,
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for !p.shutdown && (p.paused || len(p.queue) == 0) {
			p.cond.Wait()
		}
		if p.shutdown {
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue[0] = Job{}
		p.queue = p.queue[1:]
		p.active++
		p.mu.Unlock()

		err := p.execute(job)

		p.mu.Lock()
		p.active--
		if err != nil {
			p.failed++
		} else {
			p.completed++
		}
		p.mu.Unlock()
	}
}

func (p *Pool) execute(job Job) error {
	ctx := p.ctx
	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.jobTimeout)
		defer cancel()
	}

	if p.activeJobs != nil {
		p.activeJobs.Add(ctx, 1, p.attrs)
	}
	start := time.Now()
	err := run(ctx, job)
	elapsed := time.Since(start)
	if p.activeJobs != nil {
		p.activeJobs.Add(context.Background(), -1, p.attrs)
	}

	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) && p.ctx.Err() != nil:
		outcome = "cancelled"
	default:
		outcome = "failure"
		p.logger.Warn("job failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
			slog.Duration("duration", elapsed),
		)
	}
	bg := context.Background()
	if p.jobLatency != nil {
		p.jobLatency.Record(bg, elapsed.Seconds(), p.attrs)
	}
	if p.jobsTotal != nil {
		p.jobsTotal.Add(bg, 1, metric.WithAttributes(
			attribute.String("pool", p.name),
			attribute.String("outcome", outcome),
		))
	}
	return err
}

// run calls job.Run, converting a panic into ErrJobPanicked.
func run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	return job.Run(ctx)
}
