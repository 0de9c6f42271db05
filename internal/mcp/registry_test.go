package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/aixterm/internal/bus"
)

func newTestRegistry(t *testing.T, l *fakeLauncher, policy RestartPolicy) *Registry {
	t.Helper()
	r := NewRegistry(RegistryOptions{
		Logger:           quietLogger(),
		Launch:           l.launch,
		HandshakeTimeout: time.Second,
		ShutdownGrace:    200 * time.Millisecond,
		CallTimeout:      2 * time.Second,
		Restart:          policy,
	})
	t.Cleanup(func() { r.Shutdown(200 * time.Millisecond) })
	return r
}

func register(t *testing.T, r *Registry, name string, autoStart bool) {
	t.Helper()
	if err := r.Register(ServerConfig{Name: name, Command: []string{"fake-" + name}, AutoStart: autoStart}); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func toolNames(tools []ToolDescriptor) []string {
	names := make([]string, len(tools))
	for i, d := range tools {
		names[i] = d.Name
	}
	return names
}

func TestRegistry_CollisionSuffix(t *testing.T) {
	l := newFakeLauncher(map[string][]string{
		"first":  {"read_file"},
		"second": {"read_file", "write_file"},
	})
	r := newTestRegistry(t, l, RestartPolicy{})
	register(t, r, "first", true)
	register(t, r, "second", true)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	tools := r.ListTools(context.Background())
	got := strings.Join(toolNames(tools), ",")
	if got != "read_file,read_file#2,write_file" {
		t.Fatalf("unexpected namespace %q", got)
	}
	if tools[1].Session != "second" || tools[1].Declared != "read_file" {
		t.Fatalf("suffixed tool should route to second session: %+v", tools[1])
	}
	warnings := r.Warnings()
	if len(warnings) != 1 || !strings.Contains(warnings[0], "read_file#2") {
		t.Fatalf("expected one collision warning, got %v", warnings)
	}
}

func TestRegistry_SuffixSkipsDeclaredNames(t *testing.T) {
	l := newFakeLauncher(map[string][]string{
		"a": {"x", "x#2"},
		"b": {"x"},
	})
	r := newTestRegistry(t, l, RestartPolicy{})
	register(t, r, "a", true)
	register(t, r, "b", true)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	got := strings.Join(toolNames(r.ListTools(context.Background())), ",")
	if got != "x,x#2,x#3" {
		t.Fatalf("unexpected namespace %q", got)
	}
}

func TestRegistry_CallRoutesToOwningSession(t *testing.T) {
	l := newFakeLauncher(map[string][]string{
		"first":  {"read_file"},
		"second": {"read_file", "write_file"},
	})
	r := newTestRegistry(t, l, RestartPolicy{})
	register(t, r, "first", true)
	register(t, r, "second", true)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	raw, err := r.Call(context.Background(), "read_file#2", mustJSON(t, map[string]any{"path": "/tmp/x", "text": "b"}), 0, nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	res, _ := DecodeCallResult(raw)
	if res.Text() != "read_file:b" {
		t.Fatalf("suffixed call must reach the declared name, got %q", res.Text())
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	l := newFakeLauncher(map[string][]string{"fs": {"read_file"}})
	r := newTestRegistry(t, l, RestartPolicy{})
	register(t, r, "fs", true)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := r.Call(context.Background(), "delete_everything", nil, 0, nil)
	var ute *UnknownToolError
	if !errors.As(err, &ute) || ute.Name != "delete_everything" {
		t.Fatalf("expected UnknownToolError, got %v", err)
	}
}

func TestRegistry_InvalidArguments(t *testing.T) {
	l := newFakeLauncher(map[string][]string{"fs": {"read_file"}})
	r := newTestRegistry(t, l, RestartPolicy{})
	register(t, r, "fs", true)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := r.Call(context.Background(), "read_file", json.RawMessage(`{"path":5}`), 0, nil)
	var iae *InvalidArgumentsError
	if !errors.As(err, &iae) {
		t.Fatalf("expected InvalidArgumentsError, got %v", err)
	}
	if _, err := r.Call(context.Background(), "read_file", json.RawMessage(`{"path":"/etc/hosts"}`), 0, nil); err != nil {
		t.Fatalf("valid arguments rejected: %v", err)
	}
}

func TestRegistry_ConcurrentCallsAcrossSessions(t *testing.T) {
	l := newFakeLauncher(map[string][]string{
		"slow": {"slow_tool"},
		"fast": {"fast_tool"},
	})
	r := newTestRegistry(t, l, RestartPolicy{})
	register(t, r, "slow", true)
	register(t, r, "fast", true)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	go func() {
		_, _ = r.Call(context.Background(), "slow_tool", mustJSON(t, map[string]any{"sleep_ms": 1000}), 5*time.Second, nil)
	}()
	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	if _, err := r.Call(context.Background(), "fast_tool", nil, time.Second, nil); err != nil {
		t.Fatalf("fast call: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("fast call blocked by slow session: %s", elapsed)
	}
}

func TestRegistry_LazyStartOnFirstUse(t *testing.T) {
	l := newFakeLauncher(map[string][]string{"lazy": {"later"}})
	r := newTestRegistry(t, l, RestartPolicy{})
	register(t, r, "lazy", false)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if l.count("lazy") != 0 {
		t.Fatal("lazy server must not start eagerly")
	}
	if st := r.Status(); st[0].State != "stopped" {
		t.Fatalf("expected stopped before first use, got %s", st[0].State)
	}
	tools := r.ListTools(context.Background())
	if len(tools) != 1 || tools[0].Name != "later" {
		t.Fatalf("expected lazy tools after first use, got %v", toolNames(tools))
	}
	if l.count("lazy") != 1 {
		t.Fatalf("expected exactly one launch, got %d", l.count("lazy"))
	}
}

func TestRegistry_ConcurrentFirstUseWaitsForLazyStart(t *testing.T) {
	l := newFakeLauncher(map[string][]string{"lazy": {"read_file"}})
	l.delay["lazy"] = 200 * time.Millisecond
	r := newTestRegistry(t, l, RestartPolicy{})
	register(t, r, "lazy", false)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	type outcome struct {
		tools int
		err   error
	}
	results := make(chan outcome, 2)
	use := func() {
		tools := r.ListTools(context.Background())
		_, err := r.Call(context.Background(), "read_file", json.RawMessage(`{"path":"x"}`), 0, nil)
		results <- outcome{tools: len(tools), err: err}
	}
	go use()
	time.Sleep(20 * time.Millisecond)
	go use()

	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			if res.tools != 1 || res.err != nil {
				t.Fatalf("caller %d: tools=%d err=%v; want the lazy server's tool", i, res.tools, res.err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for callers")
		}
	}
	if l.count("lazy") != 1 {
		t.Fatalf("expected exactly one launch, got %d", l.count("lazy"))
	}
}

func TestRegistry_RestartAfterCrash(t *testing.T) {
	l := newFakeLauncher(map[string][]string{"fs": {"read_file"}})
	b := bus.New(0)
	sub := b.Subscribe(bus.KindSessionRestart)
	defer sub.Close()

	r := NewRegistry(RegistryOptions{
		Logger:           quietLogger(),
		Launch:           l.launch,
		Bus:              b,
		HandshakeTimeout: time.Second,
		Restart:          RestartPolicy{MaxAttempts: 3, InitialBackoff: 20 * time.Millisecond, MaxBackoff: 50 * time.Millisecond},
	})
	defer r.Shutdown(200 * time.Millisecond)
	register(t, r, "fs", true)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	l.last("fs").exit(errors.New("exit status 1"))
	waitFor(t, 2*time.Second, func() bool { return l.count("fs") == 2 && r.Status()[0].State == "ready" }, "restart")

	select {
	case ev := <-sub.Events():
		payload := ev.(bus.SessionRestart)
		if payload.Session != "fs" || payload.Attempt != 1 || payload.Err != "" {
			t.Fatalf("unexpected restart event %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a restart event")
	}
	if got := r.Status()[0].Restarts; got != 1 {
		t.Fatalf("expected 1 restart, got %d", got)
	}
	if len(r.ListTools(context.Background())) != 1 {
		t.Fatal("tools should be listed again after restart")
	}
}

func TestRegistry_RestartBounded(t *testing.T) {
	l := newFakeLauncher(map[string][]string{"fs": {"read_file"}})
	l.failNext["fs"] = 100
	r := newTestRegistry(t, l, RestartPolicy{MaxAttempts: 2, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	register(t, r, "fs", true)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return r.Status()[0].Restarts == 2 }, "restart attempts")
	time.Sleep(100 * time.Millisecond)

	st := r.Status()[0]
	if st.Restarts != 2 {
		t.Fatalf("expected restarts bounded at 2, got %d", st.Restarts)
	}
	if st.State != "degraded" || st.LastError == "" {
		t.Fatalf("expected degraded with an error, got %+v", st)
	}
	_, err := r.Call(context.Background(), "read_file", json.RawMessage(`{"path":"x"}`), 0, nil)
	var ute *UnknownToolError
	if !errors.As(err, &ute) {
		t.Fatalf("a server that never handshook declares nothing, got %v", err)
	}
}

func TestRegistry_HealthSweepRetriesDegradedOnce(t *testing.T) {
	l := newFakeLauncher(map[string][]string{"fs": {"read_file"}})
	l.failNext["fs"] = 100
	r := newTestRegistry(t, l, RestartPolicy{MaxAttempts: 2, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	register(t, r, "fs", true)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return r.Status()[0].Restarts == 2 }, "restart budget spent")
	time.Sleep(100 * time.Millisecond)

	r.healthSweep()
	waitFor(t, time.Second, func() bool { return r.Status()[0].Restarts == 3 }, "sweep attempt")
	time.Sleep(150 * time.Millisecond)
	if got := r.Status()[0].Restarts; got != 3 {
		t.Fatalf("expected the sweep to make exactly one attempt, restarts=%d", got)
	}

	l.mu.Lock()
	l.failNext["fs"] = 0
	l.mu.Unlock()
	r.healthSweep()
	waitFor(t, time.Second, func() bool { return r.Status()[0].State == "ready" }, "recovery on next sweep")
}

func TestRegistry_DegradedToolsHiddenButReserved(t *testing.T) {
	l := newFakeLauncher(map[string][]string{
		"first":  {"read_file"},
		"second": {"read_file"},
	})
	r := newTestRegistry(t, l, RestartPolicy{})
	register(t, r, "first", true)
	register(t, r, "second", true)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	l.last("first").exit(errors.New("exit status 1"))
	waitFor(t, time.Second, func() bool { return r.Status()[0].State == "degraded" }, "degraded")

	got := strings.Join(toolNames(r.ListTools(context.Background())), ",")
	if got != "read_file#2" {
		t.Fatalf("expected only the second session's tool under its stable name, got %q", got)
	}
	_, err := r.Call(context.Background(), "read_file", json.RawMessage(`{"path":"x"}`), 0, nil)
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected SessionClosedError for degraded owner, got %v", err)
	}
}

func TestRegistry_Reload(t *testing.T) {
	l := newFakeLauncher(map[string][]string{
		"keep":  {"k"},
		"drop":  {"d"},
		"added": {"n"},
	})
	r := newTestRegistry(t, l, RestartPolicy{})
	register(t, r, "keep", true)
	register(t, r, "drop", true)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	dropped := l.last("drop")

	err := r.Reload(context.Background(), []ServerConfig{
		{Name: "added", Command: []string{"fake-added"}, AutoStart: true},
		{Name: "keep", Command: []string{"fake-keep"}, AutoStart: true},
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := strings.Join(toolNames(r.ListTools(context.Background())), ",")
	if got != "k,n" {
		t.Fatalf("expected kept servers first, got %q", got)
	}
	if l.count("keep") != 1 {
		t.Fatalf("unchanged server must keep its session, launches=%d", l.count("keep"))
	}
	select {
	case <-dropped.Done():
	case <-time.After(time.Second):
		t.Fatal("removed server should be shut down")
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := newTestRegistry(t, newFakeLauncher(nil), RestartPolicy{})
	if err := r.Register(ServerConfig{Name: "", Command: []string{"x"}}); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := r.Register(ServerConfig{Name: "x"}); err == nil {
		t.Fatal("expected error for empty command")
	}
	register(t, r, "dup", false)
	if err := r.Register(ServerConfig{Name: "dup", Command: []string{"x"}}); err == nil {
		t.Fatal("expected error for duplicate name")
	}
}

func TestRegistry_HealthSweepSchedule(t *testing.T) {
	r := newTestRegistry(t, newFakeLauncher(nil), RestartPolicy{HealthSchedule: "not a schedule"})
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid health schedule")
	}
}

func TestRegistry_ShutdownClosesSessions(t *testing.T) {
	l := newFakeLauncher(map[string][]string{"fs": {"read_file"}})
	r := newTestRegistry(t, l, RestartPolicy{MaxAttempts: 3})
	register(t, r, "fs", true)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.Shutdown(200 * time.Millisecond)
	r.Shutdown(200 * time.Millisecond)
	if st := r.Status()[0].State; st != "closed" {
		t.Fatalf("expected closed, got %s", st)
	}
	if l.count("fs") != 1 {
		t.Fatalf("shutdown must not trigger restarts, launches=%d", l.count("fs"))
	}
}
