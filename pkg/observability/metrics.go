// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability exposes OpenTelemetry metrics for the retrieval
// pipeline via a Prometheus scrape endpoint.
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records retrieval pipeline events. All implementations are
// nil-safe so instrumented code never needs an enabled check.
type Metrics interface {
	RecordEmbedding(ctx context.Context, texts int, duration time.Duration, err error)
	RecordSearch(ctx context.Context, mode string, duration time.Duration, cached bool, err error)
	RecordJobTransition(ctx context.Context, kind, status string)
}

var (
	globalMetrics Metrics = NoopMetrics{}
	metricsMu     sync.RWMutex
)

// SetGlobal installs the process-wide metrics recorder.
func SetGlobal(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if m == nil {
		m = NoopMetrics{}
	}
	globalMetrics = m
}

// Global returns the process-wide metrics recorder, never nil.
func Global() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

// NoopMetrics discards every record. The default before InitMetrics.
type NoopMetrics struct{}

func (NoopMetrics) RecordEmbedding(context.Context, int, time.Duration, error)       {}
func (NoopMetrics) RecordSearch(context.Context, string, time.Duration, bool, error) {}
func (NoopMetrics) RecordJobTransition(context.Context, string, string)              {}

// PrometheusMetrics records to OpenTelemetry instruments backed by the
// Prometheus exporter.
type PrometheusMetrics struct {
	embeddingDuration metric.Float64Histogram
	embeddingTexts    metric.Int64Counter
	embeddingErrors   metric.Int64Counter

	searchDuration metric.Float64Histogram
	searchTotal    metric.Int64Counter
	searchErrors   metric.Int64Counter

	jobTransitions metric.Int64Counter
}

// InitMetrics creates the meter provider and instruments. When disabled
// it returns a no-op recorder.
func InitMetrics(ctx context.Context, enabled bool) (Metrics, error) {
	if !enabled {
		return NoopMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("raglite")

	m := &PrometheusMetrics{}

	m.embeddingDuration, err = meter.Float64Histogram(
		"raglite_embedding_duration_seconds",
		metric.WithDescription("Embedding call duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding duration histogram: %w", err)
	}

	m.embeddingTexts, err = meter.Int64Counter(
		"raglite_embedding_texts_total",
		metric.WithDescription("Total texts embedded"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding texts counter: %w", err)
	}

	m.embeddingErrors, err = meter.Int64Counter(
		"raglite_embedding_errors_total",
		metric.WithDescription("Total embedding call errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding errors counter: %w", err)
	}

	m.searchDuration, err = meter.Float64Histogram(
		"raglite_search_duration_seconds",
		metric.WithDescription("Search latency in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create search duration histogram: %w", err)
	}

	m.searchTotal, err = meter.Int64Counter(
		"raglite_searches_total",
		metric.WithDescription("Total searches served"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create searches counter: %w", err)
	}

	m.searchErrors, err = meter.Int64Counter(
		"raglite_search_errors_total",
		metric.WithDescription("Total search errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create search errors counter: %w", err)
	}

	m.jobTransitions, err = meter.Int64Counter(
		"raglite_job_transitions_total",
		metric.WithDescription("Total job state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job transitions counter: %w", err)
	}

	return m, nil
}

func (m *PrometheusMetrics) RecordEmbedding(ctx context.Context, texts int, duration time.Duration, err error) {
	if m == nil || m.embeddingDuration == nil {
		return
	}

	m.embeddingDuration.Record(ctx, duration.Seconds())
	if texts > 0 {
		m.embeddingTexts.Add(ctx, int64(texts))
	}
	if err != nil {
		m.embeddingErrors.Add(ctx, 1)
	}
}

func (m *PrometheusMetrics) RecordSearch(ctx context.Context, mode string, duration time.Duration, cached bool, err error) {
	if m == nil || m.searchDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.Bool("cached", cached),
	)
	m.searchDuration.Record(ctx, duration.Seconds(), attrs)
	m.searchTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.searchErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
	}
}

func (m *PrometheusMetrics) RecordJobTransition(ctx context.Context, kind, status string) {
	if m == nil || m.jobTransitions == nil {
		return
	}

	m.jobTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

var (
	_ Metrics = (*PrometheusMetrics)(nil)
	_ Metrics = NoopMetrics{}
)
