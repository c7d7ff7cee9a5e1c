// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package replay

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/frontier/services/frontier/pipeline"
)

// Queue is an unbounded FIFO channel between stages.
//
// Thread Safety: Safe for concurrent use.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

// Add implements pipeline.OutputBuffer. It never rejects.
func (q *Queue[T]) Add(item T) bool {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// PollN implements pipeline.InputBuffer. When the queue is empty it waits
// once for an Add, up to timeout.
func (q *Queue[T]) PollN(ctx context.Context, n int, timeout time.Duration) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if out := q.take(n); len(out) > 0 || timeout <= 0 {
		return out, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	case <-q.ready:
	}
	return q.take(n), nil
}

func (q *Queue[T]) take(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	copy(out, q.items[:n])
	clear(q.items[:n])
	q.items = q.items[n:]
	return out
}

// IsEmpty implements pipeline.InputBuffer.
func (q *Queue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

var (
	_ pipeline.InputBuffer[int]  = (*Queue[int])(nil)
	_ pipeline.OutputBuffer[int] = (*Queue[int])(nil)
)
