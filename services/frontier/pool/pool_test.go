// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, workers int) *Pool {
	t.Helper()
	p, err := New(Config{Name: t.Name(), Workers: workers}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		p.ShutdownNow()
		p.Wait()
	})
	return p
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Workers: 0}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Workers: 1, JobTimeout: -time.Second}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPool_RunsAllJobs(t *testing.T) {
	p := newPool(t, 4)
	var n atomic.Int32
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Submit(Job{Run: func(context.Context) error {
			n.Add(1)
			return nil
		}}))
	}

	require.Eventually(t, func() bool { return n.Load() == 100 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, p.IsIdle, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(100), p.Stats().Completed)
	assert.Equal(t, 4, p.Capacity())
}

func TestPool_RunsWithoutInstruments(t *testing.T) {
	p := newPool(t, 1)
	p.jobsTotal, p.activeJobs, p.jobLatency = nil, nil, nil

	require.NoError(t, p.Submit(Job{Run: func(context.Context) error { return nil }}))
	require.NoError(t, p.Submit(Job{Run: func(context.Context) error { return errors.New("boom") }}))
	require.Eventually(t, func() bool {
		st := p.Stats()
		return st.Completed == 1 && st.Failed == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPool_PauseKeepsQueuedJobs(t *testing.T) {
	p := newPool(t, 2)
	p.Pause()
	require.True(t, p.IsPaused())

	var n atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(Job{Run: func(context.Context) error {
			n.Add(1)
			return nil
		}}))
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), n.Load(), "no job may start while paused")
	assert.Equal(t, 10, p.QueueLen())
	assert.True(t, p.IsIdle())
	assert.Equal(t, 0, p.Available())

	p.Resume()
	require.Eventually(t, func() bool { return n.Load() == 10 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, p.QueueLen())
}

func TestPool_PauseLetsRunningJobFinish(t *testing.T) {
	p := newPool(t, 1)
	started := make(chan struct{})
	release := make(chan struct{})
	var done atomic.Bool

	require.NoError(t, p.Submit(Job{Run: func(context.Context) error {
		close(started)
		<-release
		done.Store(true)
		return nil
	}}))
	<-started
	p.Pause()
	assert.Equal(t, 1, p.ActiveCount())
	assert.False(t, p.IsIdle())

	close(release)
	require.Eventually(t, done.Load, time.Second, 5*time.Millisecond)
	require.Eventually(t, p.IsIdle, time.Second, 5*time.Millisecond)
}

func TestPool_FailuresAreIsolated(t *testing.T) {
	p := newPool(t, 1)
	var ok atomic.Int32

	require.NoError(t, p.Submit(Job{Run: func(context.Context) error { panic("boom") }}))
	require.NoError(t, p.Submit(Job{Run: func(context.Context) error { return errors.New("bad") }}))
	require.NoError(t, p.Submit(Job{Run: func(context.Context) error {
		ok.Add(1)
		return nil
	}}))

	require.Eventually(t, func() bool { return ok.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)
}

func TestRun_RecoversPanic(t *testing.T) {
	err := run(context.Background(), Job{Run: func(context.Context) error { panic("x") }})
	assert.ErrorIs(t, err, ErrJobPanicked)
}

func TestPool_ShutdownNow(t *testing.T) {
	p, err := New(Config{Name: "shutdown", Workers: 1}, nil)
	require.NoError(t, err)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, p.Submit(Job{Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}}))
	<-started
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(Job{Run: func(context.Context) error { return nil }}))
	}

	assert.Equal(t, 3, p.ShutdownNow())
	assert.Equal(t, 0, p.ShutdownNow(), "idempotent")

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running job was not interrupted")
	}
	p.Wait()
	assert.ErrorIs(t, p.Submit(Job{Run: func(context.Context) error { return nil }}), ErrPoolShutdown)
	assert.True(t, p.Stats().Shutdown)
}

func TestPool_JobTimeout(t *testing.T) {
	p, err := New(Config{Name: "timeout", Workers: 1, JobTimeout: 20 * time.Millisecond}, nil)
	require.NoError(t, err)
	defer p.ShutdownNow()

	errCh := make(chan error, 1)
	require.NoError(t, p.Submit(Job{Run: func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	}}))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("job timeout not applied")
	}
}

func TestSubmit_RequiresRun(t *testing.T) {
	p := newPool(t, 1)
	assert.Error(t, p.Submit(Job{}))
}
