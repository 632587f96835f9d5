// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

type runKey struct{}

type runInfo struct {
	runID      string
	workflowID string
}

// WithRun tags ctx with the run being executed. Records logged with a
// tagged context carry run_id and workflow, whichever package logs them.
func WithRun(ctx context.Context, runID, workflowID string) context.Context {
	return context.WithValue(ctx, runKey{}, runInfo{runID: runID, workflowID: workflowID})
}

// RunFromContext returns the run id and workflow id set by WithRun.
func RunFromContext(ctx context.Context) (runID, workflowID string, ok bool) {
	if ctx == nil {
		return "", "", false
	}
	info, ok := ctx.Value(runKey{}).(runInfo)
	return info.runID, info.workflowID, ok
}

// ConfigureSlog sets the global slog logger. Records get trace, span and run
// attributes from the context they are logged with.
func ConfigureSlog(output io.Writer, level, format string) *slog.Logger {
	logger := slog.New(newSlogHandler(output, level, format))
	slog.SetDefault(logger)
	return logger
}

func newSlogHandler(output io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	var base slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		base = slog.NewJSONHandler(output, opts)
	default:
		base = slog.NewTextHandler(output, opts)
	}
	return &contextHandler{next: base}
}

// contextHandler lifts request-scoped values into every record.
// preset holds keys already attached through WithAttrs.
type contextHandler struct {
	next   slog.Handler
	preset map[string]bool
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, record slog.Record) error {
	present := h.presentKeys(record)
	add := func(key, value string) {
		if value != "" && !present[key] {
			record.AddAttrs(slog.String(key, value))
		}
	}
	if runID, workflowID, ok := RunFromContext(ctx); ok {
		add("run_id", runID)
		add("workflow", workflowID)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		add("trace_id", sc.TraceID().String())
		add("span_id", sc.SpanID().String())
	}
	return h.next.Handle(ctx, record)
}

func (h *contextHandler) presentKeys(record slog.Record) map[string]bool {
	present := make(map[string]bool, len(h.preset)+record.NumAttrs())
	for k := range h.preset {
		present[k] = true
	}
	record.Attrs(func(attr slog.Attr) bool {
		present[attr.Key] = true
		return true
	})
	return present
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	preset := make(map[string]bool, len(h.preset)+len(attrs))
	for k := range h.preset {
		preset[k] = true
	}
	for _, a := range attrs {
		preset[a.Key] = true
	}
	return &contextHandler{next: h.next.WithAttrs(attrs), preset: preset}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{next: h.next.WithGroup(name), preset: h.preset}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
