// Package mcptest provides an in-process tool server for tests of code that
// sits on top of mcp.Registry.
//
// Tool calls take these arguments:
//
//	text      echoed back as "<tool>:<text>"
//	progress  number of progress notifications sent before the result
//	sleep_ms  delay before the result
//	hang      never reply
//	fail      reply with a JSON-RPC error
package mcptest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/basket/aixterm/internal/frame"
	"github.com/basket/aixterm/internal/mcp"
)

// Launcher starts one in-process server per Launch call. Tools maps a server
// name to the tool names it declares.
type Launcher struct {
	mu       sync.Mutex
	tools    map[string][]string
	launched map[string][]*Transport
}

func NewLauncher(tools map[string][]string) *Launcher {
	return &Launcher{tools: tools, launched: make(map[string][]*Transport)}
}

// Launch satisfies mcp.LaunchFunc.
func (l *Launcher) Launch(cfg mcp.ServerConfig, _ *slog.Logger) (mcp.Transport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tools, ok := l.tools[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("mcptest: no tools configured for %q", cfg.Name)
	}
	t := newTransport(tools)
	l.launched[cfg.Name] = append(l.launched[cfg.Name], t)
	go t.server.serve()
	return t, nil
}

// Launches reports how many times name was started.
func (l *Launcher) Launches(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched[name])
}

// Crash makes the latest server for name exit as if killed.
func (l *Launcher) Crash(name string) {
	l.mu.Lock()
	ts := l.launched[name]
	l.mu.Unlock()
	if len(ts) > 0 {
		ts[len(ts)-1].exit(errors.New("signal: killed"))
	}
}

// Cancelled returns the call ids the latest server for name was told to cancel.
func (l *Launcher) Cancelled(name string) <-chan int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.launched[name]
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1].server.cancelled
}

// Transport is the client end of an in-process server.
type Transport struct {
	ch      *frame.Channel
	server  *server
	done    chan struct{}
	once    sync.Once
	exitErr error
}

func newTransport(tools []string) *Transport {
	a, b := net.Pipe()
	return &Transport{
		ch:   frame.New(a),
		done: make(chan struct{}),
		server: &server{
			ch:        frame.New(b),
			tools:     tools,
			cancelled: make(chan int64, 64),
		},
	}
}

func (t *Transport) Send(msg any) error {
	if raw, ok := msg.(json.RawMessage); ok {
		return t.ch.SendRaw(raw)
	}
	return t.ch.Send(msg)
}

func (t *Transport) Receive() (json.RawMessage, error) { return t.ch.Receive() }

func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) Err() error {
	select {
	case <-t.done:
		return t.exitErr
	default:
		return nil
	}
}

func (t *Transport) Close(time.Duration) error {
	t.exit(nil)
	return nil
}

func (t *Transport) Diagnostics() string { return "" }

func (t *Transport) exit(err error) {
	t.once.Do(func() {
		t.exitErr = err
		_ = t.ch.Close()
		_ = t.server.ch.Close()
		close(t.done)
	})
}

type request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type callArgs struct {
	Text     string `json:"text"`
	Progress int    `json:"progress"`
	SleepMS  int    `json:"sleep_ms"`
	Hang     bool   `json:"hang"`
	Fail     bool   `json:"fail"`
}

type server struct {
	ch        *frame.Channel
	tools     []string
	cancelled chan int64
}

func (s *server) serve() {
	for {
		var req request
		if err := s.ch.ReceiveInto(&req); err != nil {
			return
		}
		switch req.Method {
		case "initialize":
			s.reply(req.ID, map[string]any{
				"protocolVersion": mcp.ProtocolVersion,
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]string{"name": "mcptest", "version": "1.0.0"},
			})
		case "tools/list":
			tools := make([]map[string]any, 0, len(s.tools))
			for _, name := range s.tools {
				tools = append(tools, map[string]any{
					"name":        name,
					"description": "test tool " + name,
					"inputSchema": map[string]any{"type": "object"},
				})
			}
			s.reply(req.ID, map[string]any{"tools": tools})
		case "ping":
			s.reply(req.ID, map[string]any{})
		case "tools/call":
			go s.call(req)
		case "notifications/cancelled":
			var p struct {
				RequestID int64 `json:"requestId"`
			}
			if json.Unmarshal(req.Params, &p) == nil {
				select {
				case s.cancelled <- p.RequestID:
				default:
				}
			}
		}
	}
}

func (s *server) call(req request) {
	var p struct {
		Name      string   `json:"name"`
		Arguments callArgs `json:"arguments"`
		Meta      struct {
			ProgressToken json.RawMessage `json:"progressToken"`
		} `json:"_meta"`
	}
	_ = json.Unmarshal(req.Params, &p)
	args := p.Arguments

	for i := 1; i <= args.Progress; i++ {
		_ = s.ch.Send(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notifications/progress",
			"params": map[string]any{
				"progressToken": p.Meta.ProgressToken,
				"progress":      i,
				"total":         args.Progress,
				"message":       fmt.Sprintf("step %d/%d", i, args.Progress),
			},
		})
	}
	if args.Hang {
		return
	}
	if args.SleepMS > 0 {
		time.Sleep(time.Duration(args.SleepMS) * time.Millisecond)
	}
	if args.Fail {
		_ = s.ch.Send(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]any{"code": -32000, "message": "tool failed"},
		})
		return
	}
	s.reply(req.ID, map[string]any{
		"content": []map[string]string{{"type": "text", "text": p.Name + ":" + args.Text}},
	})
}

func (s *server) reply(id json.RawMessage, result any) {
	_ = s.ch.Send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}
