// Package telemetry wires OpenTelemetry metrics for the sync pipeline.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "crm-appointment-sync"

// Metrics groups the instruments recorded by the gate, the worker and the
// downstream guard. A nil *Metrics records nothing.
type Metrics struct {
	admissions  metric.Int64Counter
	jobs        metric.Int64Counter
	jobDuration metric.Float64Histogram
	downstream  metric.Int64Counter
	breaker     metric.Int64Counter
}

func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.admissions, err = meter.Int64Counter("sync.webhook.admissions",
		metric.WithDescription("Webhook admission decisions"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	m.jobs, err = meter.Int64Counter("sync.jobs.finished",
		metric.WithDescription("Sync jobs by final outcome"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	m.jobDuration, err = meter.Float64Histogram("sync.jobs.duration",
		metric.WithDescription("Sync job wall time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}

	m.downstream, err = meter.Int64Counter("sync.downstream.calls",
		metric.WithDescription("Guarded downstream calls by operation and outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.breaker, err = meter.Int64Counter("sync.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Global builds the instruments from the globally registered meter provider.
func Global() (*Metrics, error) {
	return New(otel.Meter(meterName))
}

// Noop returns instruments that drop every measurement.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider().Meter(meterName))
	return m
}

func (m *Metrics) Admission(ctx context.Context, crmType, result string) {
	if m == nil {
		return
	}
	m.admissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("crm_type", crmType),
		attribute.String("result", result),
	))
}

func (m *Metrics) JobFinished(ctx context.Context, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.jobs.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, took.Seconds(), attrs)
}

func (m *Metrics) DownstreamCall(ctx context.Context, op, outcome string) {
	if m == nil {
		return
	}
	m.downstream.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) BreakerTransition(ctx context.Context, name, from, to string) {
	if m == nil {
		return
	}
	m.breaker.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// Setup installs a global meter provider exporting over OTLP/gRPC. With an
// empty endpoint nothing is installed and the returned shutdown is a no-op.
func Setup(ctx context.Context, endpoint, serviceName, env string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.DeploymentEnvironment(env),
	)

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(provider)

	return provider.Shutdown, nil
}
