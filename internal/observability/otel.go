// Package observability bootstraps OpenTelemetry tracing, following the
// teacher's internal/observability/otel.go: an env-gated, once-initialized
// TracerProvider that exports via OTLP/HTTP when an endpoint is configured
// and falls back to the stdout exporter otherwise. Unlike the teacher, this
// module has no HTTP router to instrument (its external interface is the
// broker's Unix socket and a CLI, not gin) — spans are started directly
// around the Lifecycle Hooks' perform/invoke_job/check_for_work firings
// instead of via otelgin/otelhttp middleware.
package observability

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/jobqueue/internal/pkg/logger"
)

// Tracer is the package-wide tracer every span in broker/worker starts
// from, named after this module rather than "" so traces are identifiable
// once mixed with a host application's own spans.
var Tracer = otel.Tracer("github.com/yungbote/jobqueue")

var (
	initOnce     sync.Once
	shutdownFunc func(context.Context) error = func(context.Context) error { return nil }
)

// Init sets up the global TracerProvider. Disabled unless JOBQUEUE_OTEL_ENABLED
// is truthy, matching the teacher's otelEnabled() gate — tracing is strictly
// additive instrumentation, never required for the broker/worker to run.
// Returns a shutdown func safe to defer even when tracing is disabled.
func Init(ctx context.Context, log *logger.Logger, serviceName string) func(context.Context) error {
	initOnce.Do(func() {
		if !otelEnabled() {
			return
		}
		if serviceName == "" {
			serviceName = "jobqueue"
		}
		res, err := resource.New(ctx, resource.WithAttributes(
			attribute.String("service.name", serviceName),
		))
		if err != nil && log != nil {
			log.Warn("otel resource init failed (continuing)", "error", err)
		}

		exporter, expErr := buildExporter(ctx, log)
		if expErr != nil && log != nil {
			log.Warn("otel exporter init failed (continuing)", "error", expErr)
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
			sdktrace.WithResource(res),
		}
		if exporter != nil {
			opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
		}
		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))
		shutdownFunc = tp.Shutdown
		if log != nil {
			log.Info("otel tracing initialized", "service", serviceName, "endpoint", endpoint())
		}
	})
	return shutdownFunc
}

// StartSpan is a thin wrapper so broker/worker call sites don't need to
// import go.opentelemetry.io/otel/trace directly just to name a span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func otelEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv("JOBQUEUE_OTEL_ENABLED")))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func sampleRatio() float64 {
	v := strings.TrimSpace(os.Getenv("JOBQUEUE_OTEL_SAMPLER_RATIO"))
	if v == "" {
		return 0.1
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0.1
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func endpoint() string {
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

func buildExporter(ctx context.Context, log *logger.Logger) (sdktrace.SpanExporter, error) {
	ep := endpoint()
	if ep == "" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		if log != nil {
			log.Warn("otel using stdout exporter (no OTLP endpoint configured)")
		}
		return exp, nil
	}
	var opts []otlptracehttp.Option
	opts = append(opts, otlptracehttp.WithEndpoint(ep))
	if insecure() {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

func insecure() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}
