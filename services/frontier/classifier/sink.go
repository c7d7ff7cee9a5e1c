// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classifier

import (
	"context"
	"sync/atomic"
)

// MetricsSink receives ground-truth comparisons of classifier predictions.
// Implementations must be safe for concurrent use.
type MetricsSink interface {
	Observe(ctx context.Context, predicted Verdict, actualFeasible bool)
}

// AccuracyCounter is an in-process MetricsSink keeping running tallies.
type AccuracyCounter struct {
	total           atomic.Int64
	unknown         atomic.Int64
	correct         atomic.Int64
	falseFeasible   atomic.Int64
	falseInfeasible atomic.Int64
}

// Observe implements MetricsSink.
func (a *AccuracyCounter) Observe(_ context.Context, predicted Verdict, actualFeasible bool) {
	a.total.Add(1)
	switch {
	case predicted == Unknown:
		a.unknown.Add(1)
	case (predicted == Feasible) == actualFeasible:
		a.correct.Add(1)
	case predicted == Feasible:
		a.falseFeasible.Add(1)
	default:
		a.falseInfeasible.Add(1)
	}
}

// AccuracySnapshot is a point-in-time copy of an AccuracyCounter.
type AccuracySnapshot struct {
	Total           int64 `json:"total"`
	Unknown         int64 `json:"unknown"`
	Correct         int64 `json:"correct"`
	FalseFeasible   int64 `json:"false_feasible"`
	FalseInfeasible int64 `json:"false_infeasible"`
}

// Accuracy is the fraction of definite predictions that were correct, or 0
// when there were none.
func (s AccuracySnapshot) Accuracy() float64 {
	definite := s.Total - s.Unknown
	if definite == 0 {
		return 0
	}
	return float64(s.Correct) / float64(definite)
}

// Snapshot returns the current tallies.
func (a *AccuracyCounter) Snapshot() AccuracySnapshot {
	return AccuracySnapshot{
		Total:           a.total.Load(),
		Unknown:         a.unknown.Load(),
		Correct:         a.correct.Load(),
		FalseFeasible:   a.falseFeasible.Load(),
		FalseInfeasible: a.falseInfeasible.Load(),
	}
}

var _ MetricsSink = (*AccuracyCounter)(nil)
