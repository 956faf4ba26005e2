// Package telemetry sets up OpenTelemetry tracing and metrics for runbox.
//
// When telemetry is disabled the global no-op providers are used, so the
// instruments are always safe to call.
package telemetry

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

	"github.com/isdmx/runbox/config"
)

const scopeName = "github.com/isdmx/runbox"

// Instruments holds the tracer and metric instruments used by the sandbox.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	Executions        metric.Int64Counter
	ExecutionDuration metric.Float64Histogram
	Installs          metric.Int64Counter
}

// ShutdownFunc flushes and stops the providers installed by New.
type ShutdownFunc func(context.Context) error

// New installs OTLP HTTP trace and metric providers when cfg.Enabled is set and
// returns the instruments together with a shutdown function.
func New(ctx context.Context, cfg config.TelemetryConfig) (*Instruments, ShutdownFunc, error) {
	if !cfg.Enabled {
		inst, err := newInstruments()
		if err != nil {
			return nil, nil, err
		}
		return inst, func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}

	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
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

// Noop returns instruments backed by the current global providers, which are
// no-ops unless New installed real ones.
func Noop() *Instruments {
	inst, err := newInstruments()
	if err != nil {
		// The global no-op meter never fails to create instruments.
		panic(err)
	}
	return inst
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)

	executions, err := meter.Int64Counter("runbox.executions",
		metric.WithDescription("Code executions by language and outcome"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("runbox.execution.duration",
		metric.WithDescription("Execution wall time including compilation"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	installs, err := meter.Int64Counter("runbox.dependency.installs",
		metric.WithDescription("Dependency install attempts by outcome"),
		metric.WithUnit("{install}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:            tracer,
		Meter:             meter,
		Executions:        executions,
		ExecutionDuration: duration,
		Installs:          installs,
	}, nil
}
