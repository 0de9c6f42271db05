package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/aixterm/internal/frame"
	"github.com/basket/aixterm/internal/otel"
)

const (
	clientName    = "aixterm"
	clientVersion = "0.1.0"

	// abandonedLimit bounds the ids remembered for late-reply logging.
	abandonedLimit = 256
	// exitDrainWindow bounds how long the monitor waits for the second of
	// (stdout EOF, process reaped) once the first has happened.
	exitDrainWindow = 200 * time.Millisecond

	cancelSendTimeout = time.Second
	degradedKillGrace = time.Second
)

// ServerConfig describes how to launch one tool server.
type ServerConfig struct {
	Name           string
	Command        []string
	Env            map[string]string
	Dir            string
	StartupTimeout time.Duration
	AutoStart      bool
}

// State is the lifecycle state of a Session.
type State int32

const (
	StateStarting State = iota
	StateHandshaking
	StateReady
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SessionOptions carries a session's collaborators. All fields are optional.
type SessionOptions struct {
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
	Launch  LaunchFunc
	// OnStateChange is called outside the session's locks after every transition.
	OnStateChange func(s *Session, from, to State, cause error)
}

// CallRequest is one tools/call invocation.
type CallRequest struct {
	Tool      string
	Arguments json.RawMessage
	Timeout   time.Duration
	// Progress receives notifications for this call in emission order.
	// Sends never block; size the buffer for the expected rate. The session
	// never closes it and stops sending once Call returns.
	Progress chan<- Progress
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	id        int64
	tool      string
	arguments json.RawMessage
	createdAt time.Time
	deadline  time.Time
	progress  chan<- Progress
	dropped   int
	resp      chan callOutcome
}

// Session owns one tool server process: it performs the handshake, tracks
// declared tools, multiplexes concurrent calls and routes progress.
type Session struct {
	cfg     ServerConfig
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
	launch  LaunchFunc
	notify  func(s *Session, from, to State, cause error)

	state atomic.Int32

	mu         sync.Mutex
	transport  Transport
	tools      []Tool
	lastErr    error
	serverName string
	startedAt  time.Time

	nextID         atomic.Int64
	pendingMu      sync.Mutex
	pending        map[int64]*pendingCall
	abandoned      map[int64]struct{}
	abandonedOrder []int64

	readerDone chan struct{}
	closeOnce  sync.Once
}

// NewSession creates a session in the Starting state. Call Start then Handshake.
func NewSession(cfg ServerConfig, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	launch := opts.Launch
	if launch == nil {
		launch = StartStdio
	}
	s := &Session{
		cfg:        cfg,
		logger:     logger.With("session", cfg.Name),
		tracer:     tracer,
		metrics:    opts.Metrics,
		launch:     launch,
		notify:     opts.OnStateChange,
		pending:    make(map[int64]*pendingCall),
		abandoned:  make(map[int64]struct{}),
		readerDone: make(chan struct{}),
	}
	s.state.Store(int32(StateStarting))
	return s
}

// Name returns the configured server name, which is also the session id.
func (s *Session) Name() string { return s.cfg.Name }

// Config returns the launch configuration.
func (s *Session) Config() ServerConfig { return s.cfg }

// State returns the current state without locking.
func (s *Session) State() State { return State(s.state.Load()) }

// Tools returns the tools declared during the last successful handshake.
func (s *Session) Tools() []Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// StartedAt returns when the process was launched.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// LastError returns the most recent failure cause, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Diagnostics returns the tail of the server's stderr.
func (s *Session) Diagnostics() string {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return ""
	}
	return t.Diagnostics()
}

// PendingCount returns the number of calls awaiting a response.
func (s *Session) PendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// Start launches the server process and begins reading its output.
func (s *Session) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.State() != StateStarting {
		return fmt.Errorf("mcp: session %s: start in state %s", s.cfg.Name, s.State())
	}
	t, err := s.launch(s.cfg, s.logger)
	if err != nil {
		lerr := &LaunchError{Session: s.cfg.Name, Command: s.cfg.Command, Err: err}
		s.transition(StateDegraded, lerr)
		close(s.readerDone)
		return lerr
	}
	s.mu.Lock()
	if s.State() == StateClosed {
		s.mu.Unlock()
		_ = t.Close(0)
		close(s.readerDone)
		return s.closedError()
	}
	s.transport = t
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.readLoop(t)
	go s.monitor(t)
	s.logger.Info("tool server started", "command", s.cfg.Command)
	return nil
}

// Handshake performs initialize and tools/list. On timeout the session is
// Degraded and HandshakeTimeoutError is returned.
func (s *Session) Handshake(ctx context.Context, timeout time.Duration) error {
	if !s.transition(StateHandshaking, nil) {
		return s.closedError()
	}
	ctx, span := otel.StartClientSpan(ctx, s.tracer, "mcp.handshake", otel.AttrSession.String(s.cfg.Name))
	defer span.End()

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := s.handshake(hctx)
	if err == nil {
		s.transition(StateReady, nil)
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = &HandshakeTimeoutError{Session: s.cfg.Name, Timeout: timeout}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.fail(err)
	return err
}

func (s *Session) handshake(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	raw, err := s.request(ctx, methodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return &frame.ProtocolError{Reason: "initialize result", Frame: raw, Err: err}
	}

	if err := s.notifyServer(methodInitialized, nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	var tools []Tool
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		raw, err := s.request(ctx, methodToolsList, params)
		if err != nil {
			return fmt.Errorf("tools/list: %w", err)
		}
		var page toolsListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return &frame.ProtocolError{Reason: "tools/list result", Frame: raw, Err: err}
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	s.mu.Lock()
	s.tools = tools
	s.serverName = init.ServerInfo.Name
	s.mu.Unlock()
	s.logger.Info("tool server ready",
		"server", init.ServerInfo.Name,
		"server_version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion,
		"tools", len(tools),
	)
	return nil
}

// Call issues tools/call and blocks until the result, the timeout, or ctx.
// Other calls on the same session proceed concurrently.
func (s *Session) Call(ctx context.Context, req CallRequest) (json.RawMessage, error) {
	if s.State() != StateReady {
		return nil, s.closedError()
	}
	args := req.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	now := time.Now()
	pc := &pendingCall{
		id:        s.nextID.Add(1),
		tool:      req.Tool,
		arguments: args,
		createdAt: now,
		progress:  req.Progress,
		resp:      make(chan callOutcome, 1),
	}
	if req.Timeout > 0 {
		pc.deadline = now.Add(req.Timeout)
	}
	params := map[string]any{
		"name":      req.Tool,
		"arguments": args,
		"_meta":     map[string]any{"progressToken": pc.id},
	}
	if err := s.send(pc, methodToolsCall, params); err != nil {
		return nil, err
	}

	var timeout <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case out := <-pc.resp:
		return out.result, out.err
	case <-timeout:
		s.abandon(pc.id, "timeout")
		return nil, &TimeoutError{Session: s.cfg.Name, Tool: req.Tool, Timeout: req.Timeout}
	case <-ctx.Done():
		s.abandon(pc.id, "cancelled")
		return nil, ctx.Err()
	}
}

// Ping checks the server answers within ctx. A failure degrades the session.
func (s *Session) Ping(ctx context.Context) error {
	if s.State() != StateReady {
		return s.closedError()
	}
	if _, err := s.request(ctx, methodPing, nil); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == codeMethodNotFound {
			return nil
		}
		s.fail(fmt.Errorf("ping: %w", err))
		return err
	}
	return nil
}

// Shutdown closes stdin, waits up to grace for the process to exit, then
// kills it. Always ends in Closed. Idempotent.
func (s *Session) Shutdown(grace time.Duration) {
	s.closeOnce.Do(func() {
		s.transition(StateClosed, nil)
		s.failPending(&SessionClosedError{Session: s.cfg.Name, Cause: errors.New("shutdown")})

		s.mu.Lock()
		t := s.transport
		s.mu.Unlock()
		if t != nil {
			_ = t.Close(grace)
			select {
			case <-s.readerDone:
			case <-time.After(grace + time.Second):
				s.logger.Warn("tool server reader did not exit after shutdown")
			}
		}
		s.logger.Info("tool server stopped")
	})
}

// request performs an internal round trip with no progress routing.
func (s *Session) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	pc := &pendingCall{
		id:        s.nextID.Add(1),
		tool:      method,
		createdAt: time.Now(),
		resp:      make(chan callOutcome, 1),
	}
	if err := s.send(pc, method, params); err != nil {
		return nil, err
	}
	select {
	case out := <-pc.resp:
		return out.result, out.err
	case <-ctx.Done():
		s.abandon(pc.id, "")
		return nil, ctx.Err()
	}
}

// send registers pc and writes the request frame. A write failure degrades
// the session.
func (s *Session) send(pc *pendingCall, method string, params any) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return s.closedError()
	}
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}

	s.pendingMu.Lock()
	s.pending[pc.id] = pc
	s.pendingMu.Unlock()

	err = t.Send(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: raw, ID: pc.id})
	if err != nil {
		s.pendingMu.Lock()
		delete(s.pending, pc.id)
		s.pendingMu.Unlock()
		s.fail(fmt.Errorf("write %s: %w", method, err))
		return &SessionClosedError{Session: s.cfg.Name, Cause: err}
	}
	return nil
}

func (s *Session) notifyServer(method string, params any) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return s.closedError()
	}
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return t.Send(jsonRPCNotification{JSONRPC: "2.0", Method: method, Params: raw})
}

// abandon drops the pending entry and, if reason is set, tells the server.
func (s *Session) abandon(id int64, reason string) {
	s.pendingMu.Lock()
	_, ok := s.pending[id]
	delete(s.pending, id)
	if ok {
		s.abandoned[id] = struct{}{}
		s.abandonedOrder = append(s.abandonedOrder, id)
		if len(s.abandonedOrder) > abandonedLimit {
			oldest := s.abandonedOrder[0]
			s.abandonedOrder = s.abandonedOrder[1:]
			delete(s.abandoned, oldest)
		}
	}
	s.pendingMu.Unlock()

	if !ok || reason == "" || s.State() != StateReady {
		return
	}
	// Best effort: a wedged server must not block the caller.
	go func() {
		done := make(chan error, 1)
		go func() {
			done <- s.notifyServer(methodCancelled, map[string]any{"requestId": id, "reason": reason})
		}()
		select {
		case err := <-done:
			if err != nil {
				s.logger.Debug("cancel notification failed", "call_id", id, "error", err)
			}
		case <-time.After(cancelSendTimeout):
			s.logger.Debug("cancel notification timed out", "call_id", id)
		}
	}()
}

func (s *Session) readLoop(t Transport) {
	defer close(s.readerDone)
	for {
		raw, err := t.Receive()
		if err != nil {
			var perr *frame.ProtocolError
			if errors.As(err, &perr) {
				s.logger.Warn("dropping malformed frame from tool server", "error", err)
				continue
			}
			if !errors.Is(err, frame.ErrClosed) {
				s.logger.Debug("tool server read failed", "error", err)
			}
			return
		}
		s.dispatch(raw)
	}
}

// monitor fails the session once the reader ends or the process exits.
func (s *Session) monitor(t Transport) {
	select {
	case <-s.readerDone:
		select {
		case <-t.Done():
		case <-time.After(exitDrainWindow):
		}
	case <-t.Done():
		select {
		case <-s.readerDone:
		case <-time.After(exitDrainWindow):
		}
	}
	if s.State() == StateClosed {
		return
	}
	cause := t.Err()
	if cause == nil {
		cause = errors.New("tool server closed its output")
	}
	if diag := t.Diagnostics(); diag != "" {
		cause = fmt.Errorf("%w: %s", cause, diag)
	}
	s.fail(cause)
}

func (s *Session) dispatch(raw json.RawMessage) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.logger.Warn("dropping undecodable frame from tool server", "error", err)
		return
	}
	switch {
	case f.Method != "" && f.hasID():
		s.answerServerRequest(f)
	case f.Method == methodProgress:
		s.deliverProgress(f.Params)
	case f.Method == methodLogMessage:
		s.logger.Debug("tool server log", "data", string(f.Params))
	case f.Method != "":
		s.logger.Debug("dropping unsolicited notification", "method", f.Method)
	case f.hasID():
		s.complete(f)
	default:
		s.logger.Warn("dropping unsolicited frame from tool server", "frame", string(raw))
	}
}

func (s *Session) complete(f inboundFrame) {
	id, ok := parseID(f.ID)
	if !ok {
		s.logger.Warn("dropping response with unrecognized id", "id", string(f.ID))
		return
	}
	s.pendingMu.Lock()
	pc, found := s.pending[id]
	if found {
		delete(s.pending, id)
	} else if _, late := s.abandoned[id]; late {
		delete(s.abandoned, id)
		s.logger.Info("dropping late reply for abandoned call", "call_id", id)
	} else {
		s.logger.Debug("dropping reply for unknown call", "call_id", id)
	}
	s.pendingMu.Unlock()
	if !found {
		return
	}

	if f.Error != nil {
		pc.resp <- callOutcome{err: &RPCError{Code: f.Error.Code, Message: f.Error.Message, Data: f.Error.Data}}
		return
	}
	pc.resp <- callOutcome{result: f.Result}
}

func (s *Session) deliverProgress(params json.RawMessage) {
	var p progressParams
	if err := json.Unmarshal(params, &p); err != nil {
		s.logger.Debug("dropping malformed progress notification", "error", err)
		return
	}
	id, ok := parseID(p.ProgressToken)
	if !ok {
		s.logger.Debug("dropping progress with unrecognized token", "token", string(p.ProgressToken))
		return
	}
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	pc, found := s.pending[id]
	if !found || pc.progress == nil {
		return
	}
	select {
	case pc.progress <- Progress{CallID: id, Progress: p.Progress, Total: p.Total, Message: p.Message}:
	default:
		pc.dropped++
		if pc.dropped == 1 {
			s.logger.Warn("progress consumer is slow; dropping notifications", "call_id", id, "tool", pc.tool)
		}
	}
}

func (s *Session) answerServerRequest(f inboundFrame) {
	resp := jsonRPCResponse{JSONRPC: "2.0", ID: f.ID}
	if f.Method == methodPing {
		resp.Result = json.RawMessage(`{}`)
	} else {
		resp.Error = &jsonRPCError{Code: codeMethodNotFound, Message: "method not found: " + f.Method}
	}
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.Send(resp); err != nil {
		s.logger.Debug("reply to server request failed", "method", f.Method, "error", err)
	}
}

// fail degrades the session, releases its process and fails every pending call.
func (s *Session) fail(cause error) {
	if s.transition(StateDegraded, cause) {
		s.mu.Lock()
		t := s.transport
		s.mu.Unlock()
		if t != nil {
			go t.Close(degradedKillGrace)
		}
	}
	s.failPending(&SessionClosedError{Session: s.cfg.Name, Cause: cause})
}

func (s *Session) failPending(err error) {
	s.pendingMu.Lock()
	pending := s.pending
	s.pending = make(map[int64]*pendingCall)
	s.pendingMu.Unlock()
	for _, pc := range pending {
		pc.resp <- callOutcome{err: err}
	}
}

// transition moves to next unless the session is already Closed, or already
// Degraded and next is not Closed. It reports whether the move happened.
func (s *Session) transition(next State, cause error) bool {
	s.mu.Lock()
	from := s.State()
	switch {
	case from == next:
		s.mu.Unlock()
		return next != StateClosed
	case from == StateClosed:
		s.mu.Unlock()
		return false
	case from == StateDegraded && next != StateClosed:
		s.mu.Unlock()
		return false
	}
	s.state.Store(int32(next))
	if cause != nil {
		s.lastErr = cause
	}
	s.mu.Unlock()

	if next == StateDegraded {
		s.logger.Warn("tool server degraded", "from", from.String(), "error", cause)
	} else {
		s.logger.Debug("tool server state changed", "from", from.String(), "to", next.String())
	}
	if s.notify != nil {
		s.notify(s, from, next, cause)
	}
	return true
}

func (s *Session) closedError() error {
	return &SessionClosedError{Session: s.cfg.Name, Cause: s.LastError()}
}
