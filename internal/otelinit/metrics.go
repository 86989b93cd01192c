package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Instruments holds the shared meter instruments used across the core.
type Instruments struct {
	TaskDuration  metric.Float64Histogram
	TaskRetries   metric.Int64Counter
	TaskFailures  metric.Int64Counter
	QueueDepth    metric.Int64Gauge
	ReconcileLag  metric.Float64Histogram
}

// InitMetrics sets up a global OTLP metrics exporter (push). Returns a shutdown func
// and a Prometheus handler placeholder (nil here — the scrape surface is the
// registry-document based one served by pkg/metrics, not the OTel text endpoint).
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, promHandler any, ins Instruments) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, nil, createInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, nil, createInstruments()
}

func createInstruments() Instruments {
	meter := otel.Meter("reactivetask")
	dur, _ := meter.Float64Histogram("reactivetask_task_duration_ms")
	retries, _ := meter.Int64Counter("reactivetask_task_retries_total")
	fails, _ := meter.Int64Counter("reactivetask_task_failures_total")
	depth, _ := meter.Int64Gauge("reactivetask_queue_depth")
	reconcileLag, _ := meter.Float64Histogram("reactivetask_reconcile_lag_ms")
	return Instruments{
		TaskDuration: dur,
		TaskRetries:  retries,
		TaskFailures: fails,
		QueueDepth:   depth,
		ReconcileLag: reconcileLag,
	}
}
