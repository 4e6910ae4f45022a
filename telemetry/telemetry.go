// Package telemetry defines the logging, metrics, and tracing contracts used
// throughout the engine. Every suspension point named in the specification
// (LLM calls, tool calls, ward validators, signal waits) records through
// these interfaces so observability is uniform regardless of which concrete
// backend a deployment wires in.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
)

type (
	// Logger emits structured, leveled log entries. Implementations must be
	// safe for concurrent use from candidate branches running in parallel.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges for runtime operations
	// (turn latency, tool duration, candidate fan-out width, cost).
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer opens spans around suspension points. The Runner opens one span
	// per cell, turn, tool call, and ward.
	Tracer interface {
		Start(ctx context.Context, name string) (context.Context, Span)
	}

	// Span is the handle returned by Tracer.Start.
	Span interface {
		End()
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error)
	}
)

// NoopLogger discards all log entries. Substituted when no Logger is configured.
type NoopLogger struct{}

func (NoopLogger) Debug(context.Context, string, ...any) {}
func (NoopLogger) Info(context.Context, string, ...any)  {}
func (NoopLogger) Warn(context.Context, string, ...any)  {}
func (NoopLogger) Error(context.Context, string, ...any) {}

// NoopMetrics discards all metrics. Substituted when no Metrics is configured.
type NoopMetrics struct{}

func (NoopMetrics) IncCounter(string, float64, ...string)          {}
func (NoopMetrics) RecordTimer(string, time.Duration, ...string)   {}
func (NoopMetrics) RecordGauge(string, float64, ...string)         {}

// NoopTracer produces spans that do nothing. Substituted when no Tracer is configured.
type NoopTracer struct{}

func (NoopTracer) Start(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End()                                   {}
func (noopSpan) AddEvent(string, ...any)                 {}
func (noopSpan) SetStatus(codes.Code, string)            {}
func (noopSpan) RecordError(error)                       {}
