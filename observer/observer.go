// Package observer provides OTEL-based observability for agent runs.
//
// It exposes an OTLP-backed skiff.Tracer plus counters and histograms for
// model queries, command executions, and batch instances. Export targets are
// configured through the standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/skiff/observer"

// Instruments holds the OTEL instruments emitted by instrumented runs.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	// Counters
	TokenUsage    metric.Int64Counter
	CostTotal     metric.Float64Counter
	ModelQueries  metric.Int64Counter
	CommandsRun   metric.Int64Counter
	InstancesDone metric.Int64Counter

	// Histograms
	QueryDuration   metric.Float64Histogram
	CommandDuration metric.Float64Histogram

	Cost *CostCalculator
}

// Init sets up OTEL trace and metric providers with OTLP HTTP exporters.
// Returns a shutdown function that must be called on process exit.
func Init(ctx context.Context, pricing map[string]ModelPricing) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("skiff")),
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

	inst, err := NewInstruments(pricing)
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

// NewInstruments builds the instrument set against the global OTEL
// providers. Init installs the OTLP providers first; calling it directly
// yields no-op instruments unless providers were set elsewhere.
func NewInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	meter := otel.Meter(scopeName)

	tokenUsage, err := meter.Int64Counter("llm.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}
	costTotal, err := meter.Float64Counter("llm.cost.total",
		metric.WithDescription("Cumulative LLM cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}
	modelQueries, err := meter.Int64Counter("llm.requests",
		metric.WithDescription("Model query count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	commandsRun, err := meter.Int64Counter("env.commands",
		metric.WithDescription("Executed command count"),
		metric.WithUnit("{command}"))
	if err != nil {
		return nil, err
	}
	instancesDone, err := meter.Int64Counter("batch.instances",
		metric.WithDescription("Finished batch instance count"),
		metric.WithUnit("{instance}"))
	if err != nil {
		return nil, err
	}
	queryDuration, err := meter.Float64Histogram("llm.duration",
		metric.WithDescription("Model query duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	commandDuration, err := meter.Float64Histogram("env.command.duration",
		metric.WithDescription("Command execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:          otel.Tracer(scopeName),
		Meter:           meter,
		TokenUsage:      tokenUsage,
		CostTotal:       costTotal,
		ModelQueries:    modelQueries,
		CommandsRun:     commandsRun,
		InstancesDone:   instancesDone,
		QueryDuration:   queryDuration,
		CommandDuration: commandDuration,
		Cost:            NewCostCalculator(pricing),
	}, nil
}
