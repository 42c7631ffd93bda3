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
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "peerlink"

type Config struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	JaegerURL   string  `yaml:"jaeger_url"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "peerlink",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Provider owns the SDK tracer provider when tracing is enabled.
type Provider struct {
	tp *tracesdk.TracerProvider
}

// Init installs a jaeger-backed global tracer provider. With tracing
// disabled the global no-op provider is left in place.
func Init(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create jaeger exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("deployment.environment", cfg.Environment),
	)

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp}, nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

var (
	PeerIDKey    = attribute.Key("peer.id")
	ChannelIDKey = attribute.Key("channel.id")
	AttemptKey   = attribute.Key("attempt")
	ReasonKey    = attribute.Key("reason")
	MessageKey   = attribute.Key("signal.message_type")
)

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// TraceNegotiation starts a span around one offer/answer step for a peer.
func TraceNegotiation(ctx context.Context, step, peerID, reason string) (context.Context, trace.Span) {
	return StartSpan(ctx, "webrtc."+step,
		trace.WithAttributes(PeerIDKey.String(peerID), ReasonKey.String(reason)),
	)
}

// TraceRecovery starts a span around a reconnection or repair attempt.
func TraceRecovery(ctx context.Context, kind, peerID string, attempt int) (context.Context, trace.Span) {
	return StartSpan(ctx, "recovery."+kind,
		trace.WithAttributes(PeerIDKey.String(peerID), AttemptKey.Int(attempt)),
	)
}

// TraceSignal starts a span for a relayed signaling message.
func TraceSignal(ctx context.Context, msgType, peerID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "signal."+msgType,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(MessageKey.String(msgType), PeerIDKey.String(peerID)),
	)
}

// TraceHTTPRequest starts a server span for an HTTP route.
func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	if route == "" {
		route = "unmatched"
	}
	return StartSpan(ctx, "http."+method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
}

// End records err on span, when non-nil, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
