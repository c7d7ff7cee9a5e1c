// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/frontier/services/frontier/buffer"
)

type fakeRunner struct {
	name     string
	startErr error
	idle     atomic.Bool
	paused   atomic.Int32
	resumed  atomic.Int32

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

func newRunner(name string, idle bool) *fakeRunner {
	r := &fakeRunner{name: name, stop: make(chan struct{}), done: make(chan struct{})}
	r.idle.Store(idle)
	return r
}

func (r *fakeRunner) Name() string { return r.name }

func (r *fakeRunner) Start(ctx context.Context) error {
	if r.startErr != nil {
		return r.startErr
	}
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	go func() {
		defer close(r.done)
		select {
		case <-ctx.Done():
		case <-r.stop:
		}
	}()
	return nil
}

func (r *fakeRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	close(r.stop)
	if !r.started {
		close(r.done)
	}
}

func (r *fakeRunner) Pause()                { r.paused.Add(1) }
func (r *fakeRunner) Resume()               { r.resumed.Add(1) }
func (r *fakeRunner) IsIdle() bool          { return r.idle.Load() }
func (r *fakeRunner) Done() <-chan struct{} { return r.done }

type fakeBuffer struct {
	empty         atomic.Bool
	improvability atomic.Int32
	novelty       atomic.Int32
	infeasibility atomic.Int32
}

func (b *fakeBuffer) UpdateImprovabilityAndReclassify(context.Context) buffer.ReclassifyResult {
	b.improvability.Add(1)
	return buffer.ReclassifyResult{}
}

func (b *fakeBuffer) UpdateNoveltyAndReclassify(context.Context) buffer.ReclassifyResult {
	b.novelty.Add(1)
	return buffer.ReclassifyResult{Ran: true, Visited: 1, Moved: 1}
}

func (b *fakeBuffer) UpdateInfeasibilityAndReclassify(context.Context) buffer.ReclassifyResult {
	b.infeasibility.Add(1)
	return buffer.ReclassifyResult{}
}

func (b *fakeBuffer) IsEmpty() bool { return b.empty.Load() }

func emptyBuffer() *fakeBuffer {
	b := &fakeBuffer{}
	b.empty.Store(true)
	return b
}

func fastConfig() Config {
	return Config{
		ReclassifyInterval: 5 * time.Millisecond,
		PollInterval:       2 * time.Millisecond,
		QuiescencePolls:    3,
	}
}

func assertStopped(t *testing.T, runners ...*fakeRunner) {
	t.Helper()
	for _, r := range runners {
		select {
		case <-r.Done():
		default:
			t.Errorf("runner %s still running", r.name)
		}
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	r := newRunner("a", true)

	_, err := New(Config{PollInterval: 0, QuiescencePolls: 1}, emptyBuffer(), nil, r)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{PollInterval: time.Millisecond, QuiescencePolls: 0}, emptyBuffer(), nil, r)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(DefaultConfig(), nil, nil, r)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(DefaultConfig(), emptyBuffer(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRun_QuiescentImmediately(t *testing.T) {
	a, b := newRunner("a", true), newRunner("b", true)
	e, err := New(fastConfig(), emptyBuffer(), nil, a, b)
	require.NoError(t, err)

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Quiescent)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, report.RunID, e.RunID())
	assertStopped(t, a, b)
}

func TestRun_WaitsForIdleStagesAndEmptyBuffer(t *testing.T) {
	a := newRunner("a", false)
	buf := &fakeBuffer{}
	e, err := New(fastConfig(), buf, nil, a)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		a.idle.Store(true)
		time.Sleep(30 * time.Millisecond)
		buf.empty.Store(true)
	}()

	start := time.Now()
	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Quiescent)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assertStopped(t, a)
}

func TestRun_ReclassifiesPeriodically(t *testing.T) {
	a := newRunner("a", false)
	buf := emptyBuffer()
	e, err := New(fastConfig(), buf, nil, a)
	require.NoError(t, err)

	go func() {
		time.Sleep(60 * time.Millisecond)
		a.idle.Store(true)
	}()

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Rounds, 2)
	assert.Equal(t, int32(report.Rounds), buf.novelty.Load())
	assert.Equal(t, buf.novelty.Load(), buf.improvability.Load())
	assert.Equal(t, buf.novelty.Load(), buf.infeasibility.Load())
	assert.Equal(t, report.Rounds, report.Moved["novelty"])
	assert.Zero(t, report.Moved["improvability"])
}

func TestRun_ReclassificationDisabled(t *testing.T) {
	cfg := fastConfig()
	cfg.ReclassifyInterval = 0
	buf := emptyBuffer()
	e, err := New(cfg, buf, nil, newRunner("a", true))
	require.NoError(t, err)

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Rounds)
	assert.Zero(t, buf.novelty.Load())
}

func TestRun_ContextCancelled(t *testing.T) {
	a := newRunner("a", false)
	e, err := New(fastConfig(), emptyBuffer(), nil, a)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	report, err := e.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, report.Quiescent)
	assertStopped(t, a)
}

func TestRun_StartFailureStopsOthers(t *testing.T) {
	a := newRunner("a", true)
	b := newRunner("b", true)
	b.startErr = errors.New("no workers")
	c := newRunner("c", true)
	e, err := New(fastConfig(), emptyBuffer(), nil, a, b, c)
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	assert.ErrorContains(t, err, "start stage b")
	assertStopped(t, a, c)
}

func TestRun_StageExitIsAnError(t *testing.T) {
	a := newRunner("a", false)
	e, err := New(fastConfig(), &fakeBuffer{}, nil, a)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		a.Stop()
	}()
	_, err = e.Run(context.Background())
	assert.ErrorContains(t, err, "exited unexpectedly")
}

func TestRun_AlreadyRunning(t *testing.T) {
	a := newRunner("a", false)
	e, err := New(fastConfig(), emptyBuffer(), nil, a)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := e.Run(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return e.RunID() != "" }, time.Second, time.Millisecond)

	_, err = e.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestPauseResumeAll(t *testing.T) {
	a, b := newRunner("a", true), newRunner("b", true)
	e, err := New(DefaultConfig(), emptyBuffer(), nil, a, b)
	require.NoError(t, err)

	e.PauseAll()
	e.ResumeAll()
	e.PauseAll()
	assert.Equal(t, int32(2), a.paused.Load())
	assert.Equal(t, int32(2), b.paused.Load())
	assert.Equal(t, int32(1), a.resumed.Load())
}
