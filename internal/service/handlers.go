package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/basket/aixterm/internal/ipc"
	"github.com/basket/aixterm/internal/mcp"
	"github.com/basket/aixterm/internal/otel"
)

func decodePayload(req ipc.Request, v any) error {
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(req.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", req.Type, err)
	}
	return nil
}

func (s *Service) handleQuery(ctx context.Context, req ipc.Request, st *stream) ipc.Response {
	var p ipc.QueryPayload
	if err := decodePayload(req, &p); err != nil {
		return st.failure(ipc.CodeInvalidRequest, err.Error())
	}
	question := strings.TrimSpace(p.Question)
	if question == "" {
		return st.failure(ipc.CodeMissingQuestion, "No question provided")
	}

	budget := p.Options.ContextTokens
	if budget <= 0 {
		budget = s.cfg.ContextTokens
	}
	contextText, err := s.contexts.Build(ctx, question, p.Options.Context, budget)
	if err != nil {
		return st.failure(ipc.CodeQueryError, fmt.Sprintf("build context: %v", err))
	}

	// Tool servers still starting are not waited on past the handshake window.
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	_ = s.registry.WaitReady(waitCtx)
	cancel()
	tools := s.registry.ListTools(ctx)
	messages := buildMessages(question, contextText)

	if !p.Options.Streaming() {
		text, err := s.completer.Complete(ctx, messages, tools)
		if err != nil {
			return s.queryFailure(ctx, st, err)
		}
		return st.success(ipc.QueryResult{Text: text})
	}

	st.open()
	text, err := s.completer.Stream(ctx, messages, tools, st.Chunk)
	if err != nil {
		return s.queryFailure(ctx, st, err)
	}
	return st.success(ipc.QueryResult{Text: text, Chunks: st.chunks})
}

func (s *Service) queryFailure(ctx context.Context, st *stream, err error) ipc.Response {
	if ctx.Err() != nil {
		return st.failure(ipc.CodeCancelled, "query cancelled")
	}
	return st.failure(ipc.CodeQueryError, err.Error())
}

func (s *Service) handleStatus(ctx context.Context, req ipc.Request) ipc.Response {
	now := time.Now()
	result := ipc.StatusResult{
		ServiceID: s.id,
		Running:   true,
		Uptime:    now.Sub(s.startedAt).Seconds(),
		StartedAt: s.startedAt.UTC().Format(time.RFC3339),
		Version:   s.opts.Version,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Server: ipc.ServerInfo{
			Connections: s.connectionCount(),
			SocketPath:  s.paths.SocketPath,
		},
		Idle: ipc.IdleInfo{
			Limit:        s.cfg.IdleLimit.Seconds(),
			StartupGrace: s.cfg.StartupGrace.Seconds(),
			LastActivity: s.clock.Last().UTC().Format(time.RFC3339Nano),
		},
		Sessions:     s.registry.Status(),
		ToolWarnings: s.registry.Warnings(),
		Plugins:      s.plugins.infos(),
	}
	if s.cfg.Audit.Enabled {
		counts, err := s.opts.Audit.CountByStatus(ctx)
		if err != nil {
			s.logger.Warn("audit count failed", "error", err)
		} else {
			result.Requests = counts
		}
	}
	resp, err := ipc.Success(req.ID, result, false)
	if err != nil {
		return ipc.Failure(req.ID, ipc.CodeProcessingError, err.Error(), false)
	}
	return resp
}

func (s *Service) handleTools(ctx context.Context, req ipc.Request, st *stream) ipc.Response {
	var p ipc.ToolsPayload
	if err := decodePayload(req, &p); err != nil {
		return st.failure(ipc.CodeInvalidRequest, err.Error())
	}
	if err := s.registry.WaitReady(ctx); err != nil {
		return st.failure(ipc.CodeCancelled, "cancelled while tool servers were starting")
	}

	switch p.Action {
	case "", ipc.ToolsActionList:
		return st.success(ipc.ToolsListResult{
			Tools:    s.registry.ListTools(ctx),
			Warnings: s.registry.Warnings(),
		})
	case ipc.ToolsActionCall:
		return s.callTool(ctx, p, st)
	default:
		return st.failure(ipc.CodeInvalidRequest, fmt.Sprintf("unknown tools action %q", p.Action))
	}
}

func (s *Service) callTool(ctx context.Context, p ipc.ToolsPayload, st *stream) ipc.Response {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return st.failure(ipc.CodeMissingToolName, "No tool name provided")
	}
	timeout := s.cfg.ToolCallTimeout
	if p.TimeoutMS > 0 {
		timeout = time.Duration(p.TimeoutMS) * time.Millisecond
	}

	progress := make(chan mcp.Progress, 64)
	forwarded := make(chan struct{})
	if p.Stream {
		st.open()
	}
	go func() {
		defer close(forwarded)
		for pr := range progress {
			if !p.Stream {
				continue
			}
			if err := st.Chunk(progressText(pr)); err != nil {
				s.logger.Debug("progress write failed", "tool", name, "error", err)
			}
		}
	}()

	result, err := s.registry.Call(ctx, name, p.Arguments, timeout, progress)
	// The session sends no progress once Call has returned.
	close(progress)
	<-forwarded

	if err != nil {
		code := toolErrorCode(ctx, err)
		return st.failure(code, err.Error())
	}
	return st.success(ipc.ToolCallResult{Result: result})
}

func progressText(p mcp.Progress) string {
	if p.Message != "" {
		return p.Message
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("progress %v", p.Progress)
	}
	return string(raw)
}

func toolErrorCode(ctx context.Context, err error) string {
	var (
		unknown   *mcp.UnknownToolError
		invalid   *mcp.InvalidArgumentsError
		timeout   *mcp.TimeoutError
		launch    *mcp.LaunchError
		handshake *mcp.HandshakeTimeoutError
		rpcErr    *mcp.RPCError
	)
	switch {
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return ipc.CodeCancelled
	case errors.As(err, &unknown):
		return ipc.CodeUnknownTool
	case errors.As(err, &invalid):
		return ipc.CodeInvalidArguments
	case errors.As(err, &timeout):
		return ipc.CodeToolTimeout
	case errors.Is(err, mcp.ErrSessionClosed), errors.As(err, &launch), errors.As(err, &handshake):
		return ipc.CodeToolUnavailable
	case errors.As(err, &rpcErr):
		return ipc.CodeToolError
	default:
		return ipc.CodeToolError
	}
}

func (s *Service) handlePlugin(ctx context.Context, req ipc.Request) ipc.Response {
	var p ipc.PluginPayload
	if err := decodePayload(req, &p); err != nil {
		return ipc.Failure(req.ID, ipc.CodeInvalidRequest, err.Error(), false)
	}
	if strings.TrimSpace(p.PluginID) == "" {
		return ipc.Failure(req.ID, ipc.CodeMissingPluginID, "No plugin ID provided", false)
	}
	if strings.TrimSpace(p.Command) == "" {
		return ipc.Failure(req.ID, ipc.CodeMissingPluginCommand, "No command provided", false)
	}
	plugin, ok := s.plugins.get(p.PluginID)
	if !ok {
		return ipc.Failure(req.ID, ipc.CodeUnknownPlugin,
			fmt.Sprintf("plugin %q is not loaded (loaded: %s)", p.PluginID, strings.Join(s.plugins.ids(), ", ")), false)
	}

	ctx, span := otel.StartSpan(ctx, s.tracer, "plugin.command", otel.AttrPluginID.String(p.PluginID))
	defer span.End()
	result, err := plugin.Handle(ctx, p.Command, p.Data)
	if errors.Is(err, ErrUnknownCommand) {
		return ipc.Failure(req.ID, ipc.CodeUnknownPluginCommand,
			fmt.Sprintf("plugin %q has no command %q", p.PluginID, p.Command), false)
	}
	if err != nil {
		span.RecordError(err)
		return ipc.Failure(req.ID, ipc.CodePluginError, err.Error(), false)
	}
	resp, err := ipc.Success(req.ID, result, false)
	if err != nil {
		return ipc.Failure(req.ID, ipc.CodePluginError, err.Error(), false)
	}
	return resp
}

// handleShutdown acknowledges and then shuts down in the background; the
// shutdown waits for this response to be written.
func (s *Service) handleShutdown(req ipc.Request) ipc.Response {
	go s.Shutdown("request")
	resp, _ := ipc.Success(req.ID, map[string]bool{"shutting_down": true}, false)
	return resp
}

func (s *Service) handleCancel(c *conn, req ipc.Request) ipc.Response {
	var p ipc.CancelPayload
	if err := decodePayload(req, &p); err != nil {
		return ipc.Failure(req.ID, ipc.CodeInvalidRequest, err.Error(), false)
	}
	if p.TargetID == "" {
		return ipc.Failure(req.ID, ipc.CodeInvalidRequest, "cancel requires target_id", false)
	}
	c.mu.Lock()
	cancel, ok := c.inflight[p.TargetID]
	c.mu.Unlock()
	if ok {
		cancel()
		c.logger.Info("request cancelled by client", "target_id", p.TargetID)
	}
	resp, _ := ipc.Success(req.ID, ipc.CancelResult{Cancelled: ok}, false)
	return resp
}
