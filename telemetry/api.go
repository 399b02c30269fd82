// Package telemetry provides simple metrics emission for the
// orchestration core.
//
// The API is designed with progressive disclosure:
// Level 1 (this file) covers nearly all use cases with simple functions.
// Level 2 (trace_context.go, async_span.go) adds span helpers for
// components that participate in distributed traces.
//
// Instruments are created lazily against the global OpenTelemetry meter
// provider. Without a configured SDK every call is a cheap no-op, so
// components emit unconditionally and deployment decides whether anything
// is collected.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "ensemble"

var (
	countersMu sync.Mutex
	counters   = map[string]metric.Float64Counter{}

	histogramsMu sync.Mutex
	histograms   = map[string]metric.Float64Histogram{}

	gaugesMu sync.Mutex
	gauges   = map[string]metric.Float64Gauge{}
)

// Counter increments a counter metric by 1.
// Use for counting events: submissions, approvals, drops.
// Labels are provided as key-value pairs.
// Example: Counter("scheduler.tasks.submitted", "agent_type", "coder")
func Counter(name string, labels ...string) {
	CounterAdd(name, 1, labels...)
}

// CounterAdd increments a counter metric by value.
func CounterAdd(name string, value float64, labels ...string) {
	countersMu.Lock()
	c, ok := counters[name]
	if !ok {
		var err error
		c, err = otel.Meter(meterName).Float64Counter(name)
		if err != nil {
			countersMu.Unlock()
			return
		}
		counters[name] = c
	}
	countersMu.Unlock()

	c.Add(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// Histogram records a value in a distribution.
// Use for latencies, payload sizes, queue depths.
// Example: Histogram("scheduler.task.duration_ms", 125.3, "agent_type", "tester")
func Histogram(name string, value float64, labels ...string) {
	histogramsMu.Lock()
	h, ok := histograms[name]
	if !ok {
		var err error
		h, err = otel.Meter(meterName).Float64Histogram(name)
		if err != nil {
			histogramsMu.Unlock()
			return
		}
		histograms[name] = h
	}
	histogramsMu.Unlock()

	h.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// Gauge sets a gauge value (current value metrics).
// Use for values that go up and down: queue length, active subscribers.
// Example: Gauge("events.subscribers.active", 42)
func Gauge(name string, value float64, labels ...string) {
	gaugesMu.Lock()
	g, ok := gauges[name]
	if !ok {
		var err error
		g, err = otel.Meter(meterName).Float64Gauge(name)
		if err != nil {
			gaugesMu.Unlock()
			return
		}
		gauges[name] = g
	}
	gaugesMu.Unlock()

	g.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// Duration records elapsed time since startTime in milliseconds.
// Convenience for the common pattern of timing operations:
//
//	start := time.Now()
//	defer telemetry.Duration("hitl.evaluate.duration_ms", start)
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// toAttributes converts flat key-value pairs to otel attributes.
// A trailing key without a value is dropped.
func toAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
