package otel

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Exporter: "bogus"})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	_, span := p.Tracer.Start(context.Background(), "service.request")
	if span.SpanContext().IsValid() {
		t.Fatal("disabled tracer should not record spans")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_FileExporterWritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")
	p, err := Init(context.Background(), Config{
		Enabled:   true,
		Version:   "1.2.3",
		Home:      "/rt",
		TraceFile: path,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	_, span := StartClientSpan(context.Background(), p.Tracer, "mcp.tool_call",
		AttrToolName.String("read_file"),
		AttrSession.String("fs"),
	)
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read trace file: %v", err)
	}
	out := string(raw)
	for _, want := range []string{"mcp.tool_call", "read_file", "aixterm.home", "1.2.3"} {
		if !strings.Contains(out, want) {
			t.Fatalf("trace file missing %q: %s", want, out)
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("trace file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestInit_FileExporterNeedsPath(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterFile}); err == nil {
		t.Fatal("expected error without a trace file path")
	}
}

func TestInit_OTLPDoesNotDialAtStartup(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "OTLP", Endpoint: "127.0.0.1:1"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown without spans: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("empty exporter should default to file: %v", err)
	}
	if err := (Config{Exporter: "stdout"}).Validate(); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
