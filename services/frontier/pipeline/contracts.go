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
	"time"
)

// InputBuffer is the channel a stage pulls batches from.
type InputBuffer[I any] interface {
	// PollN returns up to n items, waiting at most timeout when none are
	// available. Fewer than n items, including none, is not an error. On
	// cancellation it returns whatever was collected and ctx.Err().
	PollN(ctx context.Context, n int, timeout time.Duration) ([]I, error)

	// IsEmpty reports whether no item is buffered.
	IsEmpty() bool
}

// OutputBuffer is the channel a job pushes results to.
type OutputBuffer[O any] interface {
	// Add buffers item. It returns false only if item was rejected.
	Add(item O) bool
}

// Pausable is implemented by components that can suspend work.
type Pausable interface {
	Pause()
}

// Resumable is implemented by components that can continue after Pause.
type Resumable interface {
	Resume()
}

// Stoppable is implemented by components that can be stopped for good.
type Stoppable interface {
	Stop()
}

// JobFactory packages a batch of input items into a unit of work that may
// write results to out.
type JobFactory[I, O any] interface {
	NewJob(batch []I, out OutputBuffer[O]) func(ctx context.Context) error
}

// JobFunc adapts an ordinary function to JobFactory.
type JobFunc[I, O any] func(ctx context.Context, batch []I, out OutputBuffer[O]) error

// NewJob implements JobFactory.
func (f JobFunc[I, O]) NewJob(batch []I, out OutputBuffer[O]) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return f(ctx, batch, out)
	}
}

// Discard is an OutputBuffer that drops everything. It terminates the last
// stage of a pipeline.
type Discard[O any] struct{}

// Add implements OutputBuffer.
func (Discard[O]) Add(O) bool { return true }
