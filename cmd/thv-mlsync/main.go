// Package main is the entry point for the ToolHive ML sync orchestrator.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/stacklok/toolhive-mlsync/cmd/thv-mlsync/app"
	"github.com/stacklok/toolhive-mlsync/internal/config"
)

// Log file rotation limits
const (
	logFileMaxSizeMB  = 10
	logFileMaxBackups = 3
	logFileMaxAgeDays = 28
)

// newEnv returns a Viper instance reading THV_MLSYNC_* variables
func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// getLogLevel parses THV_MLSYNC_LOG_LEVEL, falling back to LOG_LEVEL.
// Defaults to slog.LevelInfo if neither is set or if the value is invalid.
func getLogLevel(v *viper.Viper) slog.Level {
	levelStr := v.GetString("LOG_LEVEL")
	if levelStr == "" {
		levelStr = os.Getenv("LOG_LEVEL")
	}

	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		slog.Warn("Invalid LOG_LEVEL, using INFO", "value", levelStr)
		return slog.LevelInfo
	}
}

// traceHandler wraps an slog.Handler to automatically inject OpenTelemetry
// trace_id and span_id into every log record, enabling log-trace correlation.
type traceHandler struct {
	slog.Handler
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		r.AddAttrs(
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("span_id", span.SpanContext().SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithGroup(name)}
}

// newLogHandler writes text to an interactive stderr and JSON everywhere else.
// THV_MLSYNC_LOG_FILE additionally sends JSON records to a rotated file.
func newLogHandler(v *viper.Viper) slog.Handler {
	opts := &slog.HandlerOptions{Level: getLogLevel(v)}

	var out io.Writer = os.Stderr
	if path := v.GetString("LOG_FILE"); path != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    logFileMaxSizeMB,
			MaxBackups: logFileMaxBackups,
			MaxAge:     logFileMaxAgeDays,
		})
		return slog.NewJSONHandler(out, opts)
	}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.NewTextHandler(out, opts)
	}
	return slog.NewJSONHandler(out, opts)
}

func main() {
	// stderr keeps stdout clean for the worker's JSON-RPC stream and for data output
	handler := &traceHandler{Handler: newLogHandler(newEnv())}
	slog.SetDefault(slog.New(handler))

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
