// Package otelevents is the OtelEventManager-equivalent named in
// original_source/codex-rs/api-client/src/client/sse.rs and core/src/client.rs:
// a thin tracing facade used by the model client so outbound requests show
// up as spans when a tracer provider is installed. StartSSEFrame is defined
// here, but the SSE framer does not call it, so frame handling produces no
// spans. No exporter is configured here — this repo owns the
// instrumentation points, not the collector (see SPEC_FULL.md Ambient Stack).
package otelevents

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/codalotl/relaycore"

// Manager wraps a trace.Tracer. Construct it with New; the zero value has no
// tracer and its Start methods panic. New's tracer produces no-op spans via
// otel's global no-op provider until a real one is registered by the host
// process.
type Manager struct {
	tracer trace.Tracer
}

func New() *Manager {
	return &Manager{tracer: otel.Tracer(instrumentationName)}
}

// StartSSEFrame starts a span around handling one SSE frame.
func (m *Manager) StartSSEFrame(ctx context.Context, eventType string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "ssestream.frame", trace.WithAttributes(attribute.String("sse.event_type", eventType)))
}

// StartModelRequest starts a span around one model-client POST attempt; the
// caller ends it once the response headers arrive, before the body is
// streamed.
func (m *Manager) StartModelRequest(ctx context.Context, provider, model string, attempt int) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "modelclient.request", trace.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.Int("attempt", attempt),
	))
}
