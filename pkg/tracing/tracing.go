package tracing

import (
	"context"
	"fmt"

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

const tracerName = "beamdrop"

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

// Shutdown flushes buffered spans and stops the exporter.
type Shutdown func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Init installs the global tracer provider. When tracing is disabled the
// global no-op provider stays in place and spans are never recorded.
func Init(cfg Config) (Shutdown, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("jaeger exporter: %w", err)
	}
	return install(cfg, tracesdk.WithBatcher(exporter))
}

func install(cfg Config, opts ...tracesdk.TracerProviderOption) (Shutdown, error) {
	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1
	}
	provider := tracesdk.NewTracerProvider(append(opts,
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(rate))),
	)...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return provider.Shutdown, nil
}

var (
	PeerIDKey      = attribute.Key("beamdrop.peer_id")
	DeviceIDKey    = attribute.Key("beamdrop.device_id")
	FileIDKey      = attribute.Key("beamdrop.file_id")
	MediaKindKey   = attribute.Key("beamdrop.media_kind")
	FileSizeKey    = attribute.Key("beamdrop.file_size")
	SignalTypeKey  = attribute.Key("beamdrop.signal_type")
	SignalRouteKey = attribute.Key("beamdrop.signal_outcome")
)

func start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// RecordError marks the span carried by ctx as failed.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceHTTPRequest opens the server span for one control API request.
// route is the matched route template, not the raw path.
func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return start(ctx, method+" "+route, trace.SpanKindServer,
		semconv.HTTPMethodKey.String(method),
		semconv.HTTPRouteKey.String(route),
	)
}

// TraceWebSocketMessage covers the broker relaying one message from peerID.
func TraceWebSocketMessage(ctx context.Context, messageType, peerID string) (context.Context, trace.Span) {
	return start(ctx, "signal.relay", trace.SpanKindServer,
		SignalTypeKey.String(messageType),
		PeerIDKey.String(peerID),
	)
}

// TraceTransfer covers writing one file frame to a device's connection.
func TraceTransfer(ctx context.Context, fileID, deviceID string, size int64) (context.Context, trace.Span) {
	return start(ctx, "transfer.send", trace.SpanKindProducer,
		FileIDKey.String(fileID),
		DeviceIDKey.String(deviceID),
		FileSizeKey.Int64(size),
	)
}

func TraceAnalysis(ctx context.Context, fileID, mediaKind string) (context.Context, trace.Span) {
	return start(ctx, "analysis.run", trace.SpanKindClient,
		FileIDKey.String(fileID),
		MediaKindKey.String(mediaKind),
	)
}
