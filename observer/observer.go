// Package observer provides OTEL-based observability for conductor.
//
// It exposes a conductor.Tracer backed by OpenTelemetry plus counters and
// histograms for turns, tool calls, recalls, and critic verdicts. Users
// export to any OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/conductor/observer"

// Instruments holds the OTEL instruments emitted by the turn pipeline.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	// Counters
	Turns          metric.Int64Counter
	ToolCalls      metric.Int64Counter
	Recalls        metric.Int64Counter
	CriticVerdicts metric.Int64Counter

	// Histograms
	TurnDuration   metric.Float64Histogram
	InvokeDuration metric.Float64Histogram
}

// Init sets up OTEL trace and metric providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("conductor")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
		)
	}
	return inst, shutdown, nil
}

// NewInstruments builds the instrument set from the globally registered
// OTEL providers. Init calls this after installing its providers; callers
// that configure OTEL themselves can use it directly.
func NewInstruments() (*Instruments, error) {
	return newInstruments()
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)

	turns, err := meter.Int64Counter("turn.count",
		metric.WithDescription("Completed turn count"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return nil, err
	}

	toolCalls, err := meter.Int64Counter("tool.calls",
		metric.WithDescription("Dispatched tool call count"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}

	recalls, err := meter.Int64Counter("memory.recalls",
		metric.WithDescription("Memory recall count"),
		metric.WithUnit("{recall}"))
	if err != nil {
		return nil, err
	}

	verdicts, err := meter.Int64Counter("critic.verdicts",
		metric.WithDescription("Critic verdict count, partitioned by outcome"),
		metric.WithUnit("{verdict}"))
	if err != nil {
		return nil, err
	}

	turnDuration, err := meter.Float64Histogram("turn.duration",
		metric.WithDescription("Turn duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	invokeDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool invocation duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:         tracer,
		Meter:          meter,
		Turns:          turns,
		ToolCalls:      toolCalls,
		Recalls:        recalls,
		CriticVerdicts: verdicts,
		TurnDuration:   turnDuration,
		InvokeDuration: invokeDuration,
	}, nil
}

// RecordTurn increments the turn counter and records its duration.
func (i *Instruments) RecordTurn(ctx context.Context, durationMS float64, fellBack bool) {
	i.Turns.Add(ctx, 1, metric.WithAttributes(attribute.Bool("turn.fell_back", fellBack)))
	i.TurnDuration.Record(ctx, durationMS)
}

// RecordToolCall increments the tool-call counter partitioned by status.
func (i *Instruments) RecordToolCall(ctx context.Context, providerID, status string, durationMS float64) {
	i.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider.id", providerID),
		attribute.String("invocation.status", status),
	))
	i.InvokeDuration.Record(ctx, durationMS)
}

// RecordRecall increments the recall counter, tagged when degraded.
func (i *Instruments) RecordRecall(ctx context.Context, entries int, degraded bool) {
	i.Recalls.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("recall.entries", entries),
		attribute.Bool("recall.degraded", degraded),
	))
}

// RecordVerdict increments the critic verdict counter.
func (i *Instruments) RecordVerdict(ctx context.Context, approved bool) {
	i.CriticVerdicts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("verdict.approved", approved)))
}
