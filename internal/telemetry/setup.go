package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/acme/outbound-voice-bridge/internal/config"
)

// Shutdown flushes pending spans.
type Shutdown func(context.Context) error

// Setup installs the global tracer provider for one process. component names
// the binary (api, scheduler, retryworker, statsworker) and is appended to
// the configured service name.
func Setup(ctx context.Context, app config.AppConfig, cfg config.TelemetryConfig, component string) (Shutdown, error) {
	if !cfg.TracingEnabled {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.CollectorProtocol != "" && cfg.CollectorProtocol != "http" {
		return nil, fmt.Errorf("telemetry: unsupported collector protocol %q", cfg.CollectorProtocol)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 1.0
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("otel exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = app.Name
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name+"-"+component),
			semconv.ServiceVersionKey.String(app.Version),
			attribute.String("deployment.environment", app.Env),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(ratio))),
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return tp.Shutdown(ctx)
	}, nil
}
