// Package telemetry wires process-wide logging and OpenTelemetry
// providers. Components obtain tracers and meters from the otel globals,
// so when telemetry is disabled they fall back to no-op implementations.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/nugget/scout/internal/buildinfo"
	"github.com/nugget/scout/internal/config"
)

// NewLogger builds the process logger. Without a log file it writes text
// to stdout. With one it writes JSON to a rotating file as well. The
// returned closer releases the file and is never nil.
func NewLogger(cfg config.LoggingConfig, level slog.Level, stdout io.Writer) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}

	if cfg.File == "" {
		return slog.New(slog.NewTextHandler(stdout, opts)), io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	handler := slog.NewJSONHandler(io.MultiWriter(stdout, rotator), opts)
	return slog.New(handler), rotator, nil
}

// Setup installs stdout trace and metric exporters as the global otel
// providers. The returned shutdown flushes both. When telemetry is
// disabled Setup does nothing and shutdown is a no-op.
func Setup(ctx context.Context, cfg config.TelemetryConfig, w io.Writer) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(buildinfo.Ver()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.MetricInterval)),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
