// Package otel wires OpenTelemetry tracing and metrics for the aixterm
// service. When disabled, every provider is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// ScopeName is the instrumentation scope for service spans and metrics.
const ScopeName = "aixterm"

// Exporters.
const (
	ExporterFile = "file"
	ExporterOTLP = "otlp"
)

const defaultOTLPEndpoint = "localhost:4318"

// Config selects where service spans go.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is "file" (spans appended to logs/traces.jsonl) or "otlp".
	Exporter string `yaml:"exporter"`
	// Endpoint is the OTLP/HTTP collector, host:port.
	Endpoint string `yaml:"endpoint"`

	Version   string `yaml:"-"`
	Home      string `yaml:"-"`
	TraceFile string `yaml:"-"`
}

// Validate rejects an unknown exporter.
func (c Config) Validate() error {
	switch c.exporter() {
	case ExporterFile, ExporterOTLP:
		return nil
	default:
		return fmt.Errorf("telemetry: unknown exporter %q (supported: file, otlp)", c.Exporter)
	}
}

func (c Config) exporter() string {
	e := strings.ToLower(strings.TrimSpace(c.Exporter))
	if e == "" {
		return ExporterFile
	}
	return e
}

// Provider holds the tracer and meter handed to the service.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	shutdown func(context.Context) error
}

// Init builds the providers for cfg. The returned Provider must be shut
// down on exit so buffered spans are flushed.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer:   nooptrace.NewTracerProvider().Tracer(ScopeName),
			Meter:    noop.NewMeterProvider().Meter(ScopeName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(ScopeName),
		semconv.ServiceVersion(version),
		semconv.ProcessPID(os.Getpid()),
		attribute.String("aixterm.home", cfg.Home),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, sink, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return &Provider{
		Tracer: tp.Tracer(ScopeName),
		Meter:  mp.Meter(ScopeName),
		shutdown: func(ctx context.Context) error {
			err := errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
			if sink != nil {
				err = errors.Join(err, sink.Close())
			}
			return err
		},
	}, nil
}

// Shutdown flushes pending spans and releases the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, io.Closer, error) {
	switch cfg.exporter() {
	case ExporterOTLP:
		endpoint := strings.TrimSpace(cfg.Endpoint)
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
		return exp, nil, err
	default:
		if cfg.TraceFile == "" {
			return nil, nil, errors.New("file exporter needs a trace file path")
		}
		f, err := os.OpenFile(cfg.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open trace file: %w", err)
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		return exp, f, nil
	}
}
