// Tracing instrumentation for the kernel runtime.
package kernel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies the kernel's tracer.
const tracerName = "github.com/vinayprograms/aios/internal/kernel"

// startTickSpan starts a span covering one tick.
func (k *Kernel) startTickSpan(ctx context.Context, sessionID string, tick uint64) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "kernel.tick")
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int64("tick.number", int64(tick)),
	)
	return ctx, span
}

// endEstimateSpan annotates the tick span with the selected mode.
func (k *Kernel) endEstimateSpan(span trace.Span, mode, reason string) {
	span.SetAttributes(
		attribute.String("tick.mode", mode),
		attribute.String("tick.mode_reason", reason),
	)
}
