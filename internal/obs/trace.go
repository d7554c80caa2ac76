package obs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used across the control plane.
const TracerName = "controlplane"

// NewTracerProvider builds a tracer provider tagged with serviceName. The
// caller owns the returned provider and must call Shutdown on exit.
func NewTracerProvider(serviceName string) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp, nil
}

// Tracer returns the package-scoped tracer from the globally registered
// provider (a no-op provider until NewTracerProvider is installed).
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// NewMeterProvider builds an OTel meter provider tagged with serviceName.
// It has no configured exporter (Prometheus remains the exposition
// format for `/metrics`); the meter provider exists so spawn/HTTP
// instrumentation can record OTel-native instruments for components that
// will eventually push to a collector, per the domain stack wiring.
func NewMeterProvider(serviceName string) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	return mp, nil
}

// Meter returns the package-scoped meter from the globally registered
// meter provider (a no-op provider until NewMeterProvider is installed).
func Meter() metric.Meter {
	return otel.Meter(TracerName)
}

func traceContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
