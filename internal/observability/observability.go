// Package observability configures logging and metrics for a run.
//
// Logs go through log/slog. Console output is text or JSON; the otel format
// and OTLP export route records through the OpenTelemetry log bridge.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// InstrumentationName identifies records emitted through the OpenTelemetry bridge.
const InstrumentationName = "github.com/florianilch/spo-archiver"

// Log formats understood by Instrument.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatOTel = "otel"
)

// OTLP protocols understood by Instrument.
const (
	ProtocolHTTP = "http"
	ProtocolGRPC = "grpc"
)

// Options controls Instrument.
type Options struct {
	Level  slog.Level
	Format string
	// Writer receives console output, os.Stderr when nil.
	Writer io.Writer
	// OTLPEndpoint enables OTLP log export in addition to console output.
	OTLPEndpoint string
	OTLPProtocol string
}

// Instrument installs the default slog logger. The returned function flushes
// and stops exporters and must be called before the process exits.
func Instrument(ctx context.Context, opts Options) (func(context.Context) error, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	var (
		handlers  []slog.Handler
		shutdowns []func(context.Context) error
	)

	switch opts.Format {
	case FormatText, "":
		handlers = append(handlers, slog.NewTextHandler(w, &slog.HandlerOptions{Level: opts.Level}))
	case FormatJSON:
		handlers = append(handlers, slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level}))
	case FormatOTel:
		exporter, err := stdoutlog.New(stdoutlog.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("creating stdout log exporter: %w", err)
		}
		provider := newLoggerProvider(sdklog.NewSimpleProcessor(exporter), opts.Level)
		handlers = append(handlers, otelslog.NewHandler(InstrumentationName, otelslog.WithLoggerProvider(provider)))
		shutdowns = append(shutdowns, provider.Shutdown)
	default:
		return nil, fmt.Errorf("unsupported log format: %s", opts.Format)
	}

	if opts.OTLPEndpoint != "" {
		exporter, err := newOTLPExporter(ctx, opts.OTLPProtocol, opts.OTLPEndpoint)
		if err != nil {
			return nil, err
		}
		provider := newLoggerProvider(sdklog.NewBatchProcessor(exporter), opts.Level)
		handlers = append(handlers, otelslog.NewHandler(InstrumentationName, otelslog.WithLoggerProvider(provider)))
		shutdowns = append(shutdowns, provider.Shutdown)
		// Instrumented libraries log to the collector too
		global.SetLoggerProvider(provider)
	}

	// Exporter failures must not be routed back into the exporter
	fallback := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelWarn}))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		fallback.Warn("opentelemetry error", "error", err)
	}))

	if len(handlers) == 1 {
		slog.SetDefault(slog.New(handlers[0]))
	} else {
		slog.SetDefault(slog.New(fanout(handlers)))
	}

	return func(ctx context.Context) error {
		var errs []error
		for i := len(shutdowns) - 1; i >= 0; i-- {
			if err := shutdowns[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}, nil
}

func newOTLPExporter(ctx context.Context, protocol, endpoint string) (sdklog.Exporter, error) {
	switch protocol {
	case ProtocolHTTP, "":
		exporter, err := otlploghttp.New(ctx, otlploghttp.WithEndpointURL(endpoint))
		if err != nil {
			return nil, fmt.Errorf("creating OTLP/HTTP log exporter: %w", err)
		}
		return exporter, nil
	case ProtocolGRPC:
		exporter, err := otlploggrpc.New(ctx, otlploggrpc.WithEndpointURL(endpoint))
		if err != nil {
			return nil, fmt.Errorf("creating OTLP/gRPC log exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %s", protocol)
	}
}

func newLoggerProvider(processor sdklog.Processor, level slog.Level) *sdklog.LoggerProvider {
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(minsev.NewLogProcessor(processor, severity(level))),
	)
}

func severity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}

// fanout hands every record to all handlers that accept its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
