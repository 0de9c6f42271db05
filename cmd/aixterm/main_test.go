package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/basket/aixterm/internal/config"
	"github.com/basket/aixterm/internal/frame"
	"github.com/basket/aixterm/internal/ipc"
	"github.com/basket/aixterm/internal/launcher"
	"github.com/basket/aixterm/internal/llm"
	"github.com/basket/aixterm/internal/mcp"
	"github.com/basket/aixterm/internal/mcp/mcptest"
	"github.com/basket/aixterm/internal/paths"
	"github.com/basket/aixterm/internal/service"
)

// executeCommand runs a fresh command tree with args and captures output.
func executeCommand(args ...string) (stdout, stderr string, code int) {
	root := newRootCmd()
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	code = exitCode(err, &errBuf)
	return outBuf.String(), errBuf.String(), code
}

// startTestService runs an in-process service in a fresh runtime home so the
// launcher always finds it listening.
func startTestService(t *testing.T, tools map[string][]string) string {
	t.Helper()
	home, err := os.MkdirTemp("", "axc")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })

	cfg := config.Default()
	cfg.Paths = paths.FromHome(home)
	cfg.Audit.Enabled = false
	cfg.StartupGrace = time.Hour

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	launch := mcptest.NewLauncher(tools)
	reg := mcp.NewRegistry(mcp.RegistryOptions{Logger: logger, Launch: launch.Launch})
	for name := range tools {
		if err := reg.Register(mcp.ServerConfig{Name: name, Command: []string{name}, AutoStart: true}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	plugins, err := service.BuiltinPlugins([]string{"hello"})
	if err != nil {
		t.Fatalf("BuiltinPlugins: %v", err)
	}
	svc, err := service.New(service.Options{
		Config:    cfg,
		Registry:  reg,
		Completer: echoCompleter{},
		Plugins:   plugins,
		Logger:    logger,
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Errorf("service did not stop")
		}
	})

	l := launcher.New(launcher.Options{Paths: cfg.Paths})
	deadline := time.Now().Add(5 * time.Second)
	for {
		c, err := l.Dial(context.Background())
		if err == nil {
			_ = c.Close()
			return home
		}
		if time.Now().After(deadline) {
			t.Fatalf("service never listened: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type echoCompleter struct{}

func (echoCompleter) Complete(_ context.Context, msgs []llm.Message, _ []mcp.ToolDescriptor) (string, error) {
	return "echo: " + msgs[len(msgs)-1].Content, nil
}

func (echoCompleter) Stream(_ context.Context, msgs []llm.Message, _ []mcp.ToolDescriptor, emit func(string) error) (string, error) {
	parts := []string{"echo: ", msgs[len(msgs)-1].Content}
	for _, p := range parts {
		if err := emit(p); err != nil {
			return "", err
		}
	}
	return strings.Join(parts, ""), nil
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", err: nil, want: 0},
		{name: "usage", err: withExit(exitUsage, errors.New("bad flag")), want: exitUsage},
		{name: "unavailable", err: launchError(&launcher.ServiceStartError{Err: errors.New("boom")}), want: exitUnavailable},
		{name: "remote error", err: &ipc.RemoteError{Code: ipc.CodeToolError, Message: "x"}, want: exitRuntime},
		{name: "interrupted", err: context.Canceled, want: 130},
		{name: "other", err: errors.New("x"), want: exitRuntime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err, io.Discard); got != tt.want {
				t.Fatalf("exitCode = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("ipc: receive response: %w", frame.ErrClosed), true},
		{fmt.Errorf("ipc: send request: %w", syscall.EPIPE), true},
		{&ipc.RemoteError{Code: ipc.CodeShuttingDown}, true},
		{&ipc.RemoteError{Code: ipc.CodeToolError}, false},
		{context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		if got := retryable(tt.err); got != tt.want {
			t.Fatalf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestUsageErrors(t *testing.T) {
	for _, args := range [][]string{
		{"query"},
		{"plugin", "hello"},
		{"tools", "call"},
		{"status", "extra"},
		{"status", "--bogus"},
	} {
		_, _, code := executeCommand(args...)
		if code != exitUsage {
			t.Fatalf("%v: exit code %d, want %d", args, code, exitUsage)
		}
	}
}

func TestInvalidJSONArgumentsRejectedLocally(t *testing.T) {
	_, stderr, code := executeCommand("--home", t.TempDir(), "tools", "call", "read_file", "{nope")
	if code != exitUsage || !strings.Contains(stderr, "not valid JSON") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
}

func TestReadQueryContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctx.txt")
	if err := os.WriteFile(path, []byte("$ go test\nFAIL"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := readQueryContext(strings.NewReader("ignored"), path)
	if err != nil || got != "$ go test\nFAIL" {
		t.Fatalf("file context = %q, %v", got, err)
	}
	got, err = readQueryContext(strings.NewReader("from stdin"), "-")
	if err != nil || got != "from stdin" {
		t.Fatalf("stdin context = %q, %v", got, err)
	}
	got, err = readQueryContext(strings.NewReader("not a file"), "")
	if err != nil || got != "" {
		t.Fatalf("implicit context from a non-file reader = %q, %v", got, err)
	}
}

func TestStatusCommand_AgainstRunningService(t *testing.T) {
	home := startTestService(t, map[string][]string{"fs": {"read_file"}})

	stdout, stderr, code := executeCommand("--home", home, "status")
	if code != 0 {
		t.Fatalf("exit code %d, stderr %q", code, stderr)
	}
	for _, want := range []string{"aixterm service", "fs", "hello"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("status output missing %q:\n%s", want, stdout)
		}
	}
}

func TestQueryCommand_Streams(t *testing.T) {
	home := startTestService(t, map[string][]string{})

	stdout, stderr, code := executeCommand("--home", home, "query", "what", "is", "this?")
	if code != 0 {
		t.Fatalf("exit code %d, stderr %q", code, stderr)
	}
	if stdout != "echo: what is this?\n" {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestToolsCommands(t *testing.T) {
	home := startTestService(t, map[string][]string{"fs": {"read_file", "write_file"}})

	stdout, _, code := executeCommand("--home", home, "tools", "list")
	if code != 0 || !strings.Contains(stdout, "read_file") || !strings.Contains(stdout, "write_file") {
		t.Fatalf("tools list = %d %q", code, stdout)
	}

	stdout, stderr, code := executeCommand("--home", home, "tools", "call", "read_file", `{"text":"a.txt"}`)
	if code != 0 || !strings.Contains(stdout, "read_file:a.txt") {
		t.Fatalf("tools call = %d %q %q", code, stdout, stderr)
	}

	_, stderr, code = executeCommand("--home", home, "tools", "call", "missing_tool")
	if code != exitRuntime || !strings.Contains(stderr, ipc.CodeUnknownTool) {
		t.Fatalf("unknown tool = %d %q", code, stderr)
	}
}

func TestPluginCommand(t *testing.T) {
	home := startTestService(t, map[string][]string{})

	stdout, _, code := executeCommand("--home", home, "plugin", "hello", "hello_name", `{"name":"Ada"}`)
	if code != 0 || stdout != "Hello, Ada!\n" {
		t.Fatalf("plugin = %d %q", code, stdout)
	}
}

func TestServiceStop(t *testing.T) {
	home := startTestService(t, map[string][]string{})

	stdout, stderr, code := executeCommand("--home", home, "service", "stop")
	if code != 0 || !strings.Contains(stdout, "service stopped") {
		t.Fatalf("stop = %d %q %q", code, stdout, stderr)
	}
	stdout, _, code = executeCommand("--home", home, "service", "stop")
	if code != 0 || !strings.Contains(stdout, "not running") {
		t.Fatalf("second stop = %d %q", code, stdout)
	}
}

func TestReloadToolServers(t *testing.T) {
	home := t.TempDir()
	p := paths.FromHome(home)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	launch := mcptest.NewLauncher(map[string][]string{"fs": {"read_file"}, "git": {"git_log"}})
	reg := mcp.NewRegistry(mcp.RegistryOptions{Logger: logger, Launch: launch.Launch})
	t.Cleanup(func() { reg.Shutdown(time.Second) })
	if err := reg.Register(mcp.ServerConfig{Name: "fs", Command: []string{"fs"}, AutoStart: true}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	initial, _ := config.Load(p)

	yaml := "tool_servers:\n  - name: fs\n    command: fs\n  - name: git\n    command: git\n"
	if err := os.WriteFile(p.ConfigPath, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	events := make(chan config.ReloadEvent, 1)
	done := make(chan struct{})
	go func() {
		reloadToolServers(context.Background(), events, p, initial.ToolServersFingerprint(), reg, logger)
		close(done)
	}()
	events <- config.ReloadEvent{Path: p.ConfigPath}
	close(events)
	<-done

	var names []string
	for _, d := range reg.ListTools(context.Background()) {
		names = append(names, d.Name)
	}
	if strings.Join(names, ",") != "git_log,read_file" && strings.Join(names, ",") != "read_file,git_log" {
		t.Fatalf("tools after reload = %v", names)
	}
	if launch.Launches("fs") != 1 {
		t.Fatalf("unchanged server fs was restarted (%d launches)", launch.Launches("fs"))
	}
}
