package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerProvider owns the SDK provider installed by Init. Its zero value is
// the disabled provider.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	// SampleRate is the fraction of root spans kept, from 0 to 1.
	SampleRate float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "peerlink",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

func sampler(rate float64) tracesdk.Sampler {
	switch {
	case rate >= 1:
		return tracesdk.ParentBased(tracesdk.AlwaysSample())
	case rate <= 0:
		return tracesdk.ParentBased(tracesdk.NeverSample())
	default:
		return tracesdk.ParentBased(tracesdk.TraceIDRatioBased(rate))
	}
}

// Init installs a Jaeger backed provider as the global one. A disabled
// config leaves the global no-op provider in place.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp == nil {
		return nil
	}
	return tp.tp.Shutdown(ctx)
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer("peerlink").Start(ctx, name, opts...)
}

// AddSpanAttributes sets attrs on the span in ctx, if it is recording.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError records err on the span in ctx and marks the span failed.
func RecordError(ctx context.Context, err error) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

var (
	PeerIDKey            = attribute.Key("peer.id")
	RoomIDKey            = attribute.Key("room.id")
	MessageKey           = attribute.Key("signal.message_type")
	OperationKey         = attribute.Key("connection.operation")
	SelfInitiatedKey     = attribute.Key("restart.self_initiated")
	ConnectionRestartKey = attribute.Key("restart.connection_restart")
	TargetsKey           = attribute.Key("refresh.targets")
	DurationKey          = attribute.Key("duration_ms")
)

func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return StartSpan(ctx, "http."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(path),
		),
	)
}

// TraceSignalMessage starts the span of one inbound signaling message.
func TraceSignalMessage(ctx context.Context, messageType, roomID, peerID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "signal."+messageType,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			MessageKey.String(messageType),
			RoomIDKey.String(roomID),
			PeerIDKey.String(peerID),
		),
	)
}

func TraceConnection(ctx context.Context, operation, peerID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "connection."+operation,
		trace.WithAttributes(
			OperationKey.String(operation),
			PeerIDKey.String(peerID),
		),
	)
}

// TraceRestart starts the span of one connection restart.
func TraceRestart(ctx context.Context, peerID string, selfInitiated, connectionRestart bool) (context.Context, trace.Span) {
	ctx, span := TraceConnection(ctx, "restart", peerID)
	AddSpanAttributes(ctx,
		SelfInitiatedKey.Bool(selfInitiated),
		ConnectionRestartKey.Bool(connectionRestart),
	)
	return ctx, span
}

// MeasureDuration tags the span in ctx with the time elapsed since start.
func MeasureDuration(ctx context.Context, start time.Time, operation string) {
	AddSpanAttributes(ctx,
		OperationKey.String(operation),
		DurationKey.Int64(time.Since(start).Milliseconds()),
	)
}
