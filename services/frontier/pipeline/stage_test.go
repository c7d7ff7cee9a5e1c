// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fifo is a minimal InputBuffer/OutputBuffer for stage tests.
type fifo[T any] struct {
	mu    sync.Mutex
	items []T
}

func (f *fifo[T]) Add(item T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	return true
}

func (f *fifo[T]) take(n int) []T {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > len(f.items) {
		n = len(f.items)
	}
	out := append([]T(nil), f.items[:n]...)
	f.items = f.items[n:]
	return out
}

func (f *fifo[T]) PollN(ctx context.Context, n int, timeout time.Duration) ([]T, error) {
	if got := f.take(n); len(got) > 0 {
		return got, nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}
	return f.take(n), nil
}

func (f *fifo[T]) IsEmpty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items) == 0
}

func (f *fifo[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// recorder doubles every input and remembers batch sizes.
type recorder struct {
	mu      sync.Mutex
	batches []int
}

func (r *recorder) job(_ context.Context, batch []int, out OutputBuffer[int]) error {
	r.mu.Lock()
	r.batches = append(r.batches, len(batch))
	r.mu.Unlock()
	for _, v := range batch {
		out.Add(v * 2)
	}
	return nil
}

func (r *recorder) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.batches...)
}

func testConfig() StageConfig {
	return StageConfig{Name: "test", Workers: 2, BatchSize: 3, Timeout: 5 * time.Millisecond}
}

func TestStageConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*StageConfig)
	}{
		{"zero workers", func(c *StageConfig) { c.Workers = 0 }},
		{"negative workers", func(c *StageConfig) { c.Workers = -1 }},
		{"zero batch", func(c *StageConfig) { c.BatchSize = 0 }},
		{"negative timeout", func(c *StageConfig) { c.Timeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mut(&cfg)
			_, err := NewStage[int, int](cfg, &fifo[int]{}, &fifo[int]{}, JobFunc[int, int]((&recorder{}).job), nil)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
	assert.NoError(t, testConfig().Validate())
}

func TestStage_ProcessesAllInput(t *testing.T) {
	in, out, rec := &fifo[int]{}, &fifo[int]{}, &recorder{}
	for i := 0; i < 20; i++ {
		in.Add(i)
	}
	s, err := NewStage[int, int](testConfig(), in, out, JobFunc[int, int](rec.job), nil)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return out.Len() == 20 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, s.IsIdle, time.Second, 5*time.Millisecond)

	for _, n := range rec.sizes() {
		assert.True(t, n > 0 && n <= 3, "batch size %d", n)
	}
	s.Stop()
	s.Wait()
	assert.Equal(t, StateStopped, s.State())
}

func TestStage_SeedBypassesBatchSize(t *testing.T) {
	in, out, rec := &fifo[int]{}, &fifo[int]{}, &recorder{}
	s, err := NewStage[int, int](testConfig(), in, out, JobFunc[int, int](rec.job), nil)
	require.NoError(t, err)
	require.NoError(t, s.Seed(1, 2, 3, 4, 5, 6, 7))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Eventually(t, func() bool { return out.Len() == 7 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []int{7}, rec.sizes())
	assert.ErrorIs(t, s.Seed(8), ErrStageStarted)
}

func TestStage_PauseDoesNotLoseWork(t *testing.T) {
	in, out, rec := &fifo[int]{}, &fifo[int]{}, &recorder{}
	s, err := NewStage[int, int](testConfig(), in, out, JobFunc[int, int](rec.job), nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.Pause()
	require.Equal(t, StatePaused, s.State())
	for i := 0; i < 9; i++ {
		in.Add(i)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, out.Len())
	assert.False(t, s.IsIdle(), "input is not empty")

	s.Resume()
	require.Equal(t, StateRunning, s.State())
	require.Eventually(t, func() bool { return out.Len() == 9 }, 2*time.Second, 5*time.Millisecond)
}

func TestStage_RunStopsOnCancel(t *testing.T) {
	s, err := NewStage[int, int](testConfig(), &fifo[int]{}, Discard[int]{}, JobFunc[int, int]((&recorder{}).job), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stage did not stop")
	}
	assert.Equal(t, StateStopped, s.State())
	assert.ErrorIs(t, s.Run(context.Background()), ErrStageStopped)
}

func TestStage_StopBeforeStart(t *testing.T) {
	s, err := NewStage[int, int](testConfig(), &fifo[int]{}, Discard[int]{}, JobFunc[int, int]((&recorder{}).job), nil)
	require.NoError(t, err)

	s.Stop()
	s.Stop()
	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.ErrorIs(t, s.Start(context.Background()), ErrStageStopped)
}

func TestStage_ZeroTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 0
	in, out := &fifo[int]{}, &fifo[int]{}
	s, err := NewStage[int, int](cfg, in, out, JobFunc[int, int]((&recorder{}).job), nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	in.Add(21)
	require.Eventually(t, func() bool { return out.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{42}, out.take(1))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "paused", StatePaused.String())
	assert.Equal(t, "state(9)", State(9).String())
}
