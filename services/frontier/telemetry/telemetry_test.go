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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/frontier/services/frontier/classifier"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")
	cfg := DefaultConfig()

	assert.Equal(t, "frontier", cfg.ServiceName)
	assert.Equal(t, "none", cfg.TraceExporter)
	assert.Equal(t, "prometheus", cfg.MetricExporter)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_Noop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "none"

	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "carrier-pigeon"
	_, err := Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)

	cfg = DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "otlp"
	_, err = Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_PrometheusHandler(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "prometheus"

	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	defer shutdown(context.Background())

	counter, err := otel.Meter("frontier.test").Int64Counter("frontier_test_events")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	h := MetricsHandler()
	require.NotNil(t, h)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "frontier_test_events")
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	// A second Init uses a fresh registry.
	shutdown2, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, shutdown2(context.Background()))
}

func TestLoggerWithTrace(t *testing.T) {
	t.Run("no span", func(t *testing.T) {
		var buf bytes.Buffer
		LoggerWithTrace(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil))).Info("msg")
		assert.NotContains(t, buf.String(), "trace_id")
	})

	t.Run("nil logger", func(t *testing.T) {
		assert.NotNil(t, LoggerWithTrace(context.Background(), nil))
	})

	t.Run("with span", func(t *testing.T) {
		traceID := trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
		spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
			TraceFlags: trace.FlagsSampled,
		})
		ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

		var buf bytes.Buffer
		LoggerWithTrace(ctx, slog.New(slog.NewJSONHandler(&buf, nil))).Info("msg")
		assert.Contains(t, buf.String(), traceID.String())
		assert.Contains(t, buf.String(), "span_id")
	})
}

func TestRecordError_NilSafe(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordError(nil, errors.New("boom"))
		_, span := otel.Tracer("frontier.test").Start(context.Background(), "op")
		RecordError(span, nil)
		RecordError(span, errors.New("boom"))
		span.End()
	})
}

func TestAccuracySink(t *testing.T) {
	sink := NewAccuracySink(nil)
	ctx := context.Background()

	sink.Observe(ctx, classifier.Feasible, true)
	sink.Observe(ctx, classifier.Feasible, false)
	sink.Observe(ctx, classifier.Infeasible, true)
	sink.Observe(ctx, classifier.Unknown, false)

	snap := sink.Snapshot()
	assert.Equal(t, int64(4), snap.Total)
	assert.Equal(t, int64(1), snap.Correct)
	assert.Equal(t, int64(1), snap.FalseFeasible)
	assert.Equal(t, int64(1), snap.FalseInfeasible)
	assert.Equal(t, int64(1), snap.Unknown)
	assert.InDelta(t, 1.0/3, snap.Accuracy(), 1e-9)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "unknown", outcome(classifier.Unknown, true))
	assert.Equal(t, "correct", outcome(classifier.Infeasible, false))
	assert.Equal(t, "false_feasible", outcome(classifier.Feasible, false))
	assert.True(t, strings.HasPrefix(outcome(classifier.Infeasible, true), "false_"))
}
