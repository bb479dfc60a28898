// Package traces provides helpers for recording authentication activity on OpenTelemetry spans.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type loggerKey struct{}

// WithLogger returns a copy of ctx carrying logger. RecordError logs through it, so errors keep the
// attributes of the flow that produced them.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

func loggerFrom(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// RecordError logs err and records it on the span in ctx. It returns err unchanged so it can be
// used inline in return statements.
func RecordError(ctx context.Context, err error, options ...trace.EventOption) error {
	if err == nil {
		return nil
	}
	loggerFrom(ctx).Debug("Recording error", "error", err)
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, options...)
	span.SetStatus(codes.Error, err.Error())
	return err
}
