// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides OpenTelemetry-based observability for the
// frontier scheduler.
//
// Init installs the global TracerProvider and MeterProvider. Components do
// not import this package for instruments; they call otel.Meter and
// otel.Tracer with a "frontier.<component>" name and pick up whatever
// provider is installed, which is a no-op until Init runs.
//
// # Metrics Backend (default: Prometheus)
//
// The Prometheus exporter writes to a private registry that also carries
// the Go runtime and process collectors. MetricsHandler serves it.
//
// # Usage
//
//	shutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - FRONTIER_ENV: environment name (default: development)
package telemetry
