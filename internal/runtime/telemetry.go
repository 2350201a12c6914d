package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-atis/internal/config"
	"github.com/loqalabs/loqa-atis/internal/journal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// cycleDurationBuckets cover a report from a few seconds of speech up to
// several minutes including synthesis.
var cycleDurationBuckets = []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120, 180, 300, 600}

// telemetry owns the global tracer and meter providers.
type telemetry struct {
	tracer  *sdktrace.TracerProvider
	meter   *sdkmetric.MeterProvider
	metrics http.Handler
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(cfg)...))
	if err != nil {
		return nil, nil, err
	}

	t := &telemetry{}
	if t.tracer, err = newTracerProvider(ctx, cfg.Telemetry, res, logger); err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(t.tracer)

	t.meter, t.metrics = newMeterProvider(res, logger)
	otel.SetMeterProvider(t.meter)

	return t.shutdown, t.metrics, nil
}

func (t *telemetry) shutdown(ctx context.Context) error {
	return errors.Join(t.meter.Shutdown(ctx), t.tracer.Shutdown(ctx))
}

// resourceAttributes identify the broadcaster instance: which radio network
// it feeds and how it encodes audio.
func resourceAttributes(cfg config.Config) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("atis.srs.address", cfg.SRS.Address),
		attribute.String("atis.srs.version", cfg.SRS.Version),
		attribute.String("atis.codec", cfg.Broadcast.Codec),
		attribute.Int("atis.codec.bitrate", cfg.Broadcast.Bitrate),
		attribute.String("atis.tts.mode", cfg.TTS.Mode),
		attribute.String("atis.data_source", cfg.DataSource.Mode),
	}
}

// newTracerProvider exports cycle spans over OTLP when an endpoint is set,
// pretty-prints them at debug level, and otherwise only samples in-process.
func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		kind     = "none"
		err      error
	)
	switch {
	case strings.TrimSpace(cfg.OTLPEndpoint) != "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(strings.TrimSpace(cfg.OTLPEndpoint))}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
		kind = "otlp"
	case strings.EqualFold(cfg.LogLevel, "debug"):
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		kind = "stdout"
	}
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	logger.Info("telemetry initialized", slog.String("exporter", kind), slog.String("endpoint", cfg.OTLPEndpoint))
	return sdktrace.NewTracerProvider(opts...), nil
}

// meterOptions give cycle durations buckets in seconds.
func meterOptions(res *resource.Resource) []sdkmetric.Option {
	return []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithView(sdkmetric.NewView(
			sdkmetric.Instrument{Name: journal.MetricDuration},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: cycleDurationBuckets}},
		)),
	}
}

func newMeterProvider(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(meterOptions(res)...), nil
	}
	opts := append(meterOptions(res), sdkmetric.WithReader(promExporter))
	return sdkmetric.NewMeterProvider(opts...), promhttp.Handler()
}
