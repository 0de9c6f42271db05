package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func startTestSession(t *testing.T, tools ...string) (*Session, *pipeTransport) {
	t.Helper()
	l := newFakeLauncher(map[string][]string{"fake": tools})
	sess := NewSession(ServerConfig{Name: "fake", Command: []string{"fake"}}, SessionOptions{
		Logger: quietLogger(),
		Launch: l.launch,
	})
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sess.Handshake(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	t.Cleanup(func() { sess.Shutdown(time.Second) })
	return sess, l.last("fake")
}

func TestSession_HandshakePopulatesTools(t *testing.T) {
	sess, _ := startTestSession(t, "read_file", "write_file")
	if sess.State() != StateReady {
		t.Fatalf("expected ready, got %s", sess.State())
	}
	tools := sess.Tools()
	if len(tools) != 2 || tools[0].Name != "read_file" || tools[1].Name != "write_file" {
		t.Fatalf("unexpected tools %+v", tools)
	}
	if len(tools[0].InputSchema) == 0 {
		t.Fatal("expected input schema to be kept")
	}
}

func TestSession_HandshakeFollowsPagination(t *testing.T) {
	l := newFakeLauncher(map[string][]string{"paged": {"a", "b", "c", "d", "e"}})
	l.pageSize["paged"] = 2
	sess := NewSession(ServerConfig{Name: "paged", Command: []string{"fake"}}, SessionOptions{Logger: quietLogger(), Launch: l.launch})
	defer sess.Shutdown(time.Second)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sess.Handshake(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if got := len(sess.Tools()); got != 5 {
		t.Fatalf("expected 5 tools across pages, got %d", got)
	}
}

func TestSession_HandshakeTimeout(t *testing.T) {
	l := newFakeLauncher(map[string][]string{"mute": {"x"}})
	l.silent["mute"] = true
	sess := NewSession(ServerConfig{Name: "mute", Command: []string{"fake"}}, SessionOptions{Logger: quietLogger(), Launch: l.launch})
	defer sess.Shutdown(time.Second)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	start := time.Now()
	err := sess.Handshake(context.Background(), 150*time.Millisecond)
	var hte *HandshakeTimeoutError
	if !errors.As(err, &hte) {
		t.Fatalf("expected HandshakeTimeoutError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("handshake timeout fired after %s", elapsed)
	}
	if sess.State() != StateDegraded {
		t.Fatalf("expected degraded, got %s", sess.State())
	}
}

func TestSession_LaunchError(t *testing.T) {
	l := newFakeLauncher(nil)
	l.failNext["broken"] = 1
	sess := NewSession(ServerConfig{Name: "broken", Command: []string{"missing"}}, SessionOptions{Logger: quietLogger(), Launch: l.launch})
	err := sess.Start(context.Background())
	var lerr *LaunchError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected LaunchError, got %v", err)
	}
	if sess.State() != StateDegraded {
		t.Fatalf("expected degraded, got %s", sess.State())
	}
	sess.Shutdown(time.Second)
	if sess.State() != StateClosed {
		t.Fatalf("expected closed after shutdown, got %s", sess.State())
	}
}

func TestSession_CallReturnsResult(t *testing.T) {
	sess, _ := startTestSession(t, "echo")
	raw, err := sess.Call(context.Background(), CallRequest{
		Tool:      "echo",
		Arguments: mustJSON(t, map[string]any{"text": "hi"}),
		Timeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	res, err := DecodeCallResult(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Text() != "echo:hi" {
		t.Fatalf("unexpected result %q", res.Text())
	}
	if sess.PendingCount() != 0 {
		t.Fatalf("expected no pending calls, got %d", sess.PendingCount())
	}
}

func TestSession_RPCError(t *testing.T) {
	sess, _ := startTestSession(t, "echo")
	_, err := sess.Call(context.Background(), CallRequest{
		Tool:      "echo",
		Arguments: mustJSON(t, map[string]any{"fail": true}),
		Timeout:   time.Second,
	})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32000 {
		t.Fatalf("expected RPCError -32000, got %v", err)
	}
	if sess.State() != StateReady {
		t.Fatalf("rpc error must not degrade the session, got %s", sess.State())
	}
}

func TestSession_SlowCallDoesNotBlockFastCall(t *testing.T) {
	sess, _ := startTestSession(t, "echo")

	slowDone := make(chan time.Duration, 1)
	go func() {
		start := time.Now()
		_, _ = sess.Call(context.Background(), CallRequest{
			Tool:      "echo",
			Arguments: mustJSON(t, map[string]any{"sleep_ms": 800}),
			Timeout:   5 * time.Second,
		})
		slowDone <- time.Since(start)
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	if _, err := sess.Call(context.Background(), CallRequest{Tool: "echo", Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("fast call: %v", err)
	}
	if fast := time.Since(start); fast > 400*time.Millisecond {
		t.Fatalf("fast call waited behind slow call: %s", fast)
	}
	if slow := <-slowDone; slow < 800*time.Millisecond {
		t.Fatalf("slow call finished too early: %s", slow)
	}
}

func TestSession_TimeoutKeepsSessionUsable(t *testing.T) {
	sess, pt := startTestSession(t, "echo")

	timeout := 200 * time.Millisecond
	start := time.Now()
	_, err := sess.Call(context.Background(), CallRequest{
		Tool:      "echo",
		Arguments: mustJSON(t, map[string]any{"hang": true}),
		Timeout:   timeout,
	})
	elapsed := time.Since(start)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if elapsed < timeout || elapsed > timeout+300*time.Millisecond {
		t.Fatalf("timeout fired at %s, want ~%s", elapsed, timeout)
	}
	if sess.PendingCount() != 0 {
		t.Fatalf("timed out call must be removed, pending=%d", sess.PendingCount())
	}

	select {
	case id := <-pt.server.cancelled:
		if id <= 0 {
			t.Fatalf("unexpected cancelled id %d", id)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a cancellation notice")
	}

	if _, err := sess.Call(context.Background(), CallRequest{Tool: "echo", Timeout: time.Second}); err != nil {
		t.Fatalf("session should remain usable after a timeout: %v", err)
	}
}

func TestSession_LateReplyIsDropped(t *testing.T) {
	sess, _ := startTestSession(t, "echo")
	_, err := sess.Call(context.Background(), CallRequest{
		Tool:      "echo",
		Arguments: mustJSON(t, map[string]any{"late_reply_ms": 300}),
		Timeout:   100 * time.Millisecond,
	})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	time.Sleep(400 * time.Millisecond)
	if sess.State() != StateReady {
		t.Fatalf("late reply must not disturb the session, got %s", sess.State())
	}
	raw, err := sess.Call(context.Background(), CallRequest{Tool: "echo", Arguments: mustJSON(t, map[string]any{"text": "next"}), Timeout: time.Second})
	if err != nil {
		t.Fatalf("follow-up call: %v", err)
	}
	res, _ := DecodeCallResult(raw)
	if res.Text() != "echo:next" {
		t.Fatalf("follow-up call got a stale result: %q", res.Text())
	}
}

func TestSession_ProgressInOrder(t *testing.T) {
	sess, _ := startTestSession(t, "echo")
	progress := make(chan Progress, 32)
	_, err := sess.Call(context.Background(), CallRequest{
		Tool:      "echo",
		Arguments: mustJSON(t, map[string]any{"progress": 5}),
		Timeout:   time.Second,
		Progress:  progress,
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var got []float64
	for len(progress) > 0 {
		p := <-progress
		got = append(got, p.Progress)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 progress notifications, got %d", len(got))
	}
	for i, v := range got {
		if v != float64(i+1) {
			t.Fatalf("progress out of order: %v", got)
		}
	}
}

func TestSession_CrashFailsAllPending(t *testing.T) {
	sess, pt := startTestSession(t, "echo")

	const n = 3
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sess.Call(context.Background(), CallRequest{
				Tool:      "echo",
				Arguments: json.RawMessage(`{"hang":true}`),
				Timeout:   10 * time.Second,
			})
			errs <- err
		}()
	}
	waitFor(t, time.Second, func() bool { return sess.PendingCount() == n }, "pending calls")

	start := time.Now()
	pt.exit(errors.New("signal: killed"))
	wg.Wait()
	close(errs)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("pending calls failed after %s", elapsed)
	}
	for err := range errs {
		if !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("expected SessionClosedError, got %v", err)
		}
	}
	if sess.State() != StateDegraded {
		t.Fatalf("expected degraded, got %s", sess.State())
	}
	_, err := sess.Call(context.Background(), CallRequest{Tool: "echo", Timeout: time.Second})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("calls on a degraded session must fail fast, got %v", err)
	}
}

func TestSession_ContextCancelRemovesPending(t *testing.T) {
	sess, pt := startTestSession(t, "echo")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := sess.Call(ctx, CallRequest{Tool: "echo", Arguments: json.RawMessage(`{"hang":true}`), Timeout: 10 * time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if sess.PendingCount() != 0 {
		t.Fatalf("expected pending call removed, got %d", sess.PendingCount())
	}
	select {
	case <-pt.server.cancelled:
	case <-time.After(time.Second):
		t.Fatal("expected a cancellation notice")
	}
}

func TestSession_PingAndServerRequests(t *testing.T) {
	sess, pt := startTestSession(t, "echo")
	if err := sess.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	// A server-initiated ping must be answered.
	if err := pt.server.ch.Send(map[string]any{"jsonrpc": "2.0", "id": 99, "method": "ping"}); err != nil {
		t.Fatalf("send server ping: %v", err)
	}
	if sess.State() != StateReady {
		t.Fatalf("expected ready, got %s", sess.State())
	}
}

func TestSession_ShutdownIdempotent(t *testing.T) {
	sess, pt := startTestSession(t, "echo")
	sess.Shutdown(100 * time.Millisecond)
	sess.Shutdown(100 * time.Millisecond)
	if sess.State() != StateClosed {
		t.Fatalf("expected closed, got %s", sess.State())
	}
	select {
	case <-pt.Done():
	default:
		t.Fatal("transport should be closed after shutdown")
	}
	_, err := sess.Call(context.Background(), CallRequest{Tool: "echo", Timeout: time.Second})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected SessionClosedError after shutdown, got %v", err)
	}
}

func TestSession_StateChangeCallback(t *testing.T) {
	l := newFakeLauncher(map[string][]string{"cb": {"x"}})
	var mu sync.Mutex
	var seen []State
	sess := NewSession(ServerConfig{Name: "cb", Command: []string{"fake"}}, SessionOptions{
		Logger: quietLogger(),
		Launch: l.launch,
		OnStateChange: func(_ *Session, _, to State, _ error) {
			mu.Lock()
			seen = append(seen, to)
			mu.Unlock()
		},
	})
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sess.Handshake(context.Background(), time.Second); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	sess.Shutdown(time.Second)

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateHandshaking, StateReady, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, seen)
		}
	}
}
