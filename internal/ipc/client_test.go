package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/basket/aixterm/internal/frame"
)

// serve runs handler against the server end of a pipe.
func serve(t *testing.T, handler func(ch *frame.Channel)) *Client {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	srv := frame.New(serverConn)
	go func() {
		defer srv.Close()
		handler(srv)
	}()
	c := NewClient(clientConn)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readRequest(t *testing.T, ch *frame.Channel) Request {
	var req Request
	if err := ch.ReceiveInto(&req); err != nil {
		t.Errorf("server receive: %v", err)
	}
	return req
}

func TestClientDo_GeneratesIDAndReturnsTerminal(t *testing.T) {
	c := serve(t, func(ch *frame.Channel) {
		req := readRequest(t, ch)
		resp, _ := Success(req.ID, map[string]string{"echo": req.Type}, false)
		_ = ch.Send(resp)
	})

	resp, err := c.Do(context.Background(), Request{Type: TypeStatus}, nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.ID == "" {
		t.Fatalf("expected generated id to be echoed")
	}
	var out map[string]string
	if err := resp.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["echo"] != TypeStatus {
		t.Fatalf("unexpected payload: %v", out)
	}
}

func TestClientDo_CollectsChunks(t *testing.T) {
	c := serve(t, func(ch *frame.Channel) {
		req := readRequest(t, ch)
		for _, chunk := range []string{"Hel", "lo, ", "world"} {
			_ = ch.Send(Partial(req.ID, chunk))
		}
		resp, _ := Success(req.ID, QueryResult{Text: "Hello, world", Chunks: 3}, true)
		_ = ch.Send(resp)
	})

	var chunks []string
	resp, err := c.Do(context.Background(), Request{Type: TypeQuery, ID: "q1"}, func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.Done == nil || !*resp.Done {
		t.Fatalf("expected done=true on terminal frame")
	}
	var result QueryResult
	if err := resp.Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Join(chunks, "") != result.Text {
		t.Fatalf("chunks %q do not concatenate to %q", chunks, result.Text)
	}
}

func TestClientDo_SkipsForeignIDs(t *testing.T) {
	c := serve(t, func(ch *frame.Channel) {
		req := readRequest(t, ch)
		other, _ := Success("someone-else", map[string]int{}, false)
		_ = ch.Send(other)
		resp, _ := Success(req.ID, map[string]int{"n": 1}, false)
		_ = ch.Send(resp)
	})

	resp, err := c.Do(context.Background(), Request{Type: TypeStatus, ID: "mine"}, nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.ID != "mine" {
		t.Fatalf("expected own response, got %q", resp.ID)
	}
}

func TestClientCall_ReturnsRemoteError(t *testing.T) {
	c := serve(t, func(ch *frame.Channel) {
		req := readRequest(t, ch)
		_ = ch.Send(Failure(req.ID, CodeUnknownRequestType, "unknown request type: bogus", false))
	})

	err := c.Call(context.Background(), "bogus", nil, nil, nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Code != CodeUnknownRequestType {
		t.Fatalf("unexpected code %q", remote.Code)
	}
}

func TestClientDo_ContextTimeout(t *testing.T) {
	c := serve(t, func(ch *frame.Channel) {
		readRequest(t, ch)
		time.Sleep(time.Second)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Do(ctx, Request{Type: TypeStatus}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("timeout took too long: %s", elapsed)
	}
}

func TestClientDo_ServerClosed(t *testing.T) {
	c := serve(t, func(ch *frame.Channel) {
		readRequest(t, ch)
	})

	_, err := c.Do(context.Background(), Request{Type: TypeStatus}, nil)
	if !errors.Is(err, frame.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestClientDo_ChunkErrorAborts(t *testing.T) {
	c := serve(t, func(ch *frame.Channel) {
		req := readRequest(t, ch)
		_ = ch.Send(Partial(req.ID, "x"))
		time.Sleep(200 * time.Millisecond)
	})

	stop := errors.New("stop")
	_, err := c.Do(context.Background(), Request{Type: TypeQuery}, func(string) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("expected chunk error, got %v", err)
	}
}

func TestResponseFrames(t *testing.T) {
	p := Partial("1", "abc")
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"done":false`) || !strings.Contains(string(raw), `"status":"partial"`) {
		t.Fatalf("unexpected partial frame: %s", raw)
	}

	raw, _ = json.Marshal(Partial("1", ""))
	if !strings.Contains(string(raw), `"chunk":""`) {
		t.Fatalf("empty partial frame must still carry chunk: %s", raw)
	}
	var back Response
	if err := json.Unmarshal(raw, &back); err != nil || back.Chunk == nil || back.Text() != "" {
		t.Fatalf("round trip of empty chunk: %+v %v", back, err)
	}

	s, err := Success("1", map[string]int{}, false)
	if err != nil {
		t.Fatalf("success: %v", err)
	}
	raw, _ = json.Marshal(s)
	if strings.Contains(string(raw), "done") || strings.Contains(string(raw), "chunk") {
		t.Fatalf("unstreamed success should omit done and chunk: %s", raw)
	}

	f := Failure("1", CodeInvalidJSON, "bad", true)
	if f.Done == nil || !*f.Done || f.Err() == nil {
		t.Fatalf("unexpected failure frame: %+v", f)
	}
}

func TestQueryOptionsStreamingDefault(t *testing.T) {
	var p QueryPayload
	if err := json.Unmarshal([]byte(`{"question":"q"}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !p.Options.Streaming() {
		t.Fatalf("expected streaming by default")
	}
	if err := json.Unmarshal([]byte(`{"question":"q","options":{"stream":false}}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Options.Streaming() {
		t.Fatalf("expected stream=false to disable streaming")
	}
}
