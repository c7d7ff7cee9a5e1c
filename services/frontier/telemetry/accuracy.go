// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/frontier/services/frontier/classifier"
)

// AccuracySink reports classifier predictions against solver verdicts as
// OTel counters and keeps in-process tallies for the status endpoint.
//
// Thread Safety: Safe for concurrent use.
type AccuracySink struct {
	*classifier.AccuracyCounter

	predictions metric.Int64Counter
}

// NewAccuracySink creates a sink on the global meter provider. Instrument
// creation failures are logged and leave only the in-process tallies.
func NewAccuracySink(logger *slog.Logger) *AccuracySink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AccuracySink{AccuracyCounter: &classifier.AccuracyCounter{}}
	c, err := otel.Meter("frontier.classifier").Int64Counter("frontier_classifier_predictions_total",
		metric.WithDescription("Audited classifier predictions by verdict and outcome"),
	)
	if err != nil {
		logger.Error("failed to create accuracy counter (observability degraded)", slog.String("error", err.Error()))
	} else {
		s.predictions = c
	}
	return s
}

// Observe implements classifier.MetricsSink.
func (s *AccuracySink) Observe(ctx context.Context, predicted classifier.Verdict, actualFeasible bool) {
	s.AccuracyCounter.Observe(ctx, predicted, actualFeasible)
	if s.predictions == nil {
		return
	}
	s.predictions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("predicted", predicted.String()),
		attribute.String("outcome", outcome(predicted, actualFeasible)),
	))
}

func outcome(predicted classifier.Verdict, actualFeasible bool) string {
	switch {
	case predicted == classifier.Unknown:
		return "unknown"
	case (predicted == classifier.Feasible) == actualFeasible:
		return "correct"
	case predicted == classifier.Feasible:
		return "false_feasible"
	default:
		return "false_infeasible"
	}
}

var _ classifier.MetricsSink = (*AccuracySink)(nil)
