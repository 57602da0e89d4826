package app

import (
	"context"
	"net/http"

	"github.com/nuetzliches/commandfeed/internal/config"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func tracingExporterOptions(obs config.ObservabilityConfig) []otlptracehttp.Option {
	opts := make([]otlptracehttp.Option, 0, 3)
	if obs.TracingCollector != "" {
		opts = append(opts, otlptracehttp.WithEndpointURL(obs.TracingCollector))
	}
	if obs.TracingTimeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(obs.TracingTimeout))
	}
	if obs.TracingInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}

func tracingSampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func initTracing(ctx context.Context, obs config.ObservabilityConfig, onError func(error)) (func(context.Context) error, error) {
	exp, err := otlptracehttp.New(ctx, tracingExporterOptions(obs)...)
	if err != nil {
		return nil, err
	}
	serviceName := obs.TracingServiceName
	if serviceName == "" {
		serviceName = "commandfeed"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(tracingSampler(obs.TracingSampleRatio)),
	)
	otel.SetTracerProvider(tp)
	if onError != nil {
		otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
			onError(err)
		}))
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func wrapTracingHandler(enabled bool, name string, h http.Handler) http.Handler {
	if !enabled {
		return h
	}
	return otelhttp.NewHandler(h, name)
}

// tracingHTTPClient returns a client that propagates trace context when
// tracing is on.
func tracingHTTPClient(enabled bool) *http.Client {
	if !enabled {
		return &http.Client{}
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
